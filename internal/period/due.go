package period

import "time"

// RetryState overrides the regular period after a slow-mode rejection or
// when a message is configured to fire immediately.
type RetryState struct {
	Forced  bool
	RetryAt time.Duration
}

// IsDue reports whether a message whose timer reads elapsed should attempt a send.
func IsDue(elapsed, current time.Duration, retry RetryState) bool {
	if retry.Forced {
		return elapsed > retry.RetryAt
	}
	return elapsed > current
}
