// Package period decides how long a message waits between send attempts.
package period

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidRange    = errors.New("period: invalid range")
	ErrInvalidSchedule = errors.New("period: invalid schedule")
)

// Policy yields the period that applies after the most recent send attempt.
//
// Next is called exactly once per attempt with the attempt instant; Current
// must return the same value until the following Next.
type Policy interface {
	Current() time.Duration
	Next(now time.Time)
	Clone() Policy
	String() string
}

// anchored policies derive their first period from the instant the owner starts.
type anchored interface {
	Anchor(now time.Time)
}

// Anchor primes policies whose period depends on wall time (cron).
// Other policies are left untouched.
func Anchor(p Policy, now time.Time) {
	if a, ok := p.(anchored); ok {
		a.Anchor(now)
	}
}

// Fixed never changes.
type Fixed struct {
	d time.Duration
}

func NewFixed(d time.Duration) (*Fixed, error) {
	if d < 0 {
		return nil, fmt.Errorf("%w: negative period %v", ErrInvalidRange, d)
	}
	return &Fixed{d: d}, nil
}

func (f *Fixed) Current() time.Duration { return f.d }
func (f *Fixed) Next(time.Time)         {}
func (f *Fixed) Clone() Policy          { return &Fixed{d: f.d} }
func (f *Fixed) String() string         { return "every " + f.d.String() }

// Randomized draws uniformly from [min, max) after every attempt.
type Randomized struct {
	min, max time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	cur   time.Duration
	draws uint64
}

type RandomOption func(*Randomized)

// WithSeed makes the draw sequence reproducible.
func WithSeed(seed int64) RandomOption {
	return func(r *Randomized) { r.rng = rand.New(rand.NewSource(seed)) }
}

func NewRandomized(minD, maxD time.Duration, opts ...RandomOption) (*Randomized, error) {
	if minD < 0 || minD > maxD {
		return nil, fmt.Errorf("%w: min %v, max %v", ErrInvalidRange, minD, maxD)
	}
	r := &Randomized{min: minD, max: maxD}
	for _, o := range opts {
		o(r)
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	r.cur = r.draw()
	return r, nil
}

func (r *Randomized) draw() time.Duration {
	span := int64(r.max - r.min)
	if span <= 0 {
		return r.min
	}
	return r.min + time.Duration(r.rng.Int63n(span))
}

func (r *Randomized) Current() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

func (r *Randomized) Next(time.Time) {
	r.mu.Lock()
	r.cur = r.draw()
	r.draws++
	r.mu.Unlock()
}

// Draws reports how many times Next redrew the period.
func (r *Randomized) Draws() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draws
}

func (r *Randomized) Bounds() (time.Duration, time.Duration) { return r.min, r.max }

func (r *Randomized) Clone() Policy {
	c, _ := NewRandomized(r.min, r.max)
	return c
}

func (r *Randomized) String() string {
	return fmt.Sprintf("random %v-%v", r.min, r.max)
}

// Cron waits until the next activation of a cron schedule.
type Cron struct {
	expr  string
	sched cron.Schedule

	mu  sync.Mutex
	cur time.Duration
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewCron(expr string) (*Cron, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return &Cron{expr: expr, sched: sched}, nil
}

func (c *Cron) Current() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Cron) Next(now time.Time) {
	d := c.sched.Next(now).Sub(now)
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	c.cur = d
	c.mu.Unlock()
}

func (c *Cron) Anchor(now time.Time) { c.Next(now) }

func (c *Cron) Clone() Policy {
	return &Cron{expr: c.expr, sched: c.sched}
}

func (c *Cron) String() string { return "cron " + c.expr }
