package transport

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a remote rejection by how the dispatcher reacts to it.
type Category int

const (
	CategoryOther Category = iota
	CategoryRateLimited
	CategorySlowMode
	CategoryNotFound
	CategoryForbidden
	CategoryNone // not a failure
)

func (c Category) String() string {
	switch c {
	case CategoryRateLimited:
		return "rate_limited"
	case CategorySlowMode:
		return "slow_mode"
	case CategoryNotFound:
		return "not_found"
	case CategoryForbidden:
		return "forbidden"
	case CategoryNone:
		return "none"
	default:
		return "other"
	}
}

// Target says what a NotFound refers to.
type Target int

const (
	TargetChannel Target = iota
	TargetMessage
)

// Rejection is a classified remote failure.
type Rejection struct {
	Category   Category
	Target     Target
	RetryAfter time.Duration
	Err        error
}

func (r *Rejection) Error() string {
	msg := "rejected: " + r.Category.String()
	if r.Category == CategoryNotFound && r.Target == TargetMessage {
		msg += " (message)"
	}
	if r.RetryAfter > 0 {
		msg += fmt.Sprintf(" retry after %v", r.RetryAfter)
	}
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

func (r *Rejection) Unwrap() error { return r.Err }

func RateLimited(retryAfter time.Duration, err error) *Rejection {
	return &Rejection{Category: CategoryRateLimited, RetryAfter: retryAfter, Err: err}
}

func SlowMode(retryAfter time.Duration, err error) *Rejection {
	return &Rejection{Category: CategorySlowMode, RetryAfter: retryAfter, Err: err}
}

func ChannelNotFound(err error) *Rejection {
	return &Rejection{Category: CategoryNotFound, Target: TargetChannel, Err: err}
}

func MessageNotFound(err error) *Rejection {
	return &Rejection{Category: CategoryNotFound, Target: TargetMessage, Err: err}
}

func Forbidden(err error) *Rejection {
	return &Rejection{Category: CategoryForbidden, Err: err}
}

// AsRejection unwraps err to a *Rejection. Unclassified errors become
// CategoryOther; nil stays nil.
func AsRejection(err error) *Rejection {
	if err == nil {
		return nil
	}
	var r *Rejection
	if errors.As(err, &r) {
		return r
	}
	return &Rejection{Category: CategoryOther, Err: err}
}

// CategoryOf returns the rejection category carried by err.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	return AsRejection(err).Category
}

// Structural reports whether the rejection means the channel is unusable for good.
func (r *Rejection) Structural() bool {
	switch r.Category {
	case CategoryForbidden:
		return true
	case CategoryNotFound:
		return r.Target == TargetChannel
	}
	return false
}
