package message

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"cadence/internal/payload"
	"cadence/internal/transport"
)

// Failure is one channel that did not receive the content.
type Failure struct {
	Channel  transport.Channel  `json:"channel"`
	Category transport.Category `json:"category"`
	Reason   string             `json:"reason"`
}

// Outcome describes one send attempt across all destinations.
type Outcome struct {
	ID        string                `json:"id"`
	MessageID string                `json:"message_id"`
	Kind      transport.ChannelKind `json:"kind"`
	Mode      Mode                  `json:"mode"`
	At        time.Time             `json:"at"`
	Content   payload.Content       `json:"content"`
	Succeeded []transport.Channel   `json:"succeeded"`
	Failed    []Failure             `json:"failed"`
	// Removed lists channels dropped for good during this attempt.
	Removed []transport.Channel `json:"removed,omitempty"`
}

type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
)

func (o *Outcome) Status() Status {
	switch {
	case len(o.Failed) == 0:
		return StatusSucceeded
	case len(o.Succeeded) > 0:
		return StatusPartiallyFailed
	default:
		return StatusFailed
	}
}

var (
	idMu      sync.Mutex
	idEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// newOutcomeID returns a time-ordered id; ids minted in the same millisecond
// stay ordered through the shared monotonic entropy.
func newOutcomeID(at time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(at), idEntropy)
	if err != nil {
		id = ulid.Make()
	}
	return id.String()
}
