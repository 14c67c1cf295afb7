package transport

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCategoryOf(t *testing.T) {
	t.Parallel()

	base := errors.New("remote")
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{name: "nil", err: nil, want: CategoryNone},
		{name: "plain", err: base, want: CategoryOther},
		{name: "rate limited", err: RateLimited(time.Second, base), want: CategoryRateLimited},
		{name: "wrapped slow mode", err: fmt.Errorf("send: %w", SlowMode(time.Second, base)), want: CategorySlowMode},
		{name: "forbidden", err: Forbidden(base), want: CategoryForbidden},
		{name: "not found", err: MessageNotFound(base), want: CategoryNotFound},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := CategoryOf(tc.err); got != tc.want {
				t.Fatalf("CategoryOf() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStructural(t *testing.T) {
	t.Parallel()

	if !Forbidden(nil).Structural() || !ChannelNotFound(nil).Structural() {
		t.Fatalf("forbidden and missing channel are structural")
	}
	if MessageNotFound(nil).Structural() || RateLimited(time.Second, nil).Structural() {
		t.Fatalf("missing message and rate limits are not structural")
	}
}

func TestRejectionUnwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("gone")
	err := fmt.Errorf("edit: %w", MessageNotFound(base))
	if !errors.Is(err, base) {
		t.Fatalf("rejection should unwrap to its cause")
	}
	r := AsRejection(err)
	if r.Target != TargetMessage {
		t.Fatalf("target = %v, want message", r.Target)
	}
}
