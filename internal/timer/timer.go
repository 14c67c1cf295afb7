// Package timer implements the stopwatch every message uses to measure time
// since its last send attempt.
package timer

import "time"

// Timer is a lazily started stopwatch. It is not safe for concurrent use;
// owners serialize access.
type Timer struct {
	clock   Clock
	running bool
	start   time.Time
}

// New returns a stopped timer reading from clock (SystemClock when nil).
func New(clock Clock) *Timer {
	if clock == nil {
		clock = SystemClock()
	}
	return &Timer{clock: clock}
}

// Start begins measuring. It reports true, and does nothing, when the timer
// was already running.
func (t *Timer) Start() (alreadyRunning bool) {
	if t.running {
		return true
	}
	t.running = true
	t.start = t.clock.Now()
	return false
}

// Elapsed returns the time since Start. A stopped timer is started first,
// so the first query reports zero.
func (t *Timer) Elapsed() time.Duration {
	if t.Start() {
		return t.clock.Now().Sub(t.start)
	}
	return 0
}

// Reset stops the timer; the next Start or Elapsed begins from the current instant.
func (t *Timer) Reset() {
	t.running = false
}

// Restart is Reset followed by Start.
func (t *Timer) Restart() {
	t.Reset()
	t.Start()
}

func (t *Timer) Running() bool { return t.running }

// StartedAt returns the instant of the last Start; zero when stopped.
func (t *Timer) StartedAt() time.Time {
	if !t.running {
		return time.Time{}
	}
	return t.start
}
