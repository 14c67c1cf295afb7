// Package message implements a single periodic message: when it is due,
// where it goes, and what happens on every send attempt.
package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cadence/internal/payload"
	"cadence/internal/period"
	"cadence/internal/resolver"
	"cadence/internal/timer"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

var (
	ErrNoValidDestinations = errors.New("message: no valid destinations")
	ErrInvalidPayload      = errors.New("message: invalid payload")
	ErrNoPeriod            = errors.New("message: period required")
)

// DefaultRescan is how often a channel filter is re-evaluated.
const DefaultRescan = 60 * time.Second

// maxTries bounds the attempts per channel when a previous message vanished.
const maxTries = 3

type RemoveAfter struct {
	// Count removes the message after this many attempts that reached at least one channel.
	Count int
	// Deadline removes the message once the clock passes it.
	Deadline time.Time
}

func (r RemoveAfter) IsZero() bool { return r.Count <= 0 && r.Deadline.IsZero() }

type Config struct {
	ID       string
	Kind     transport.ChannelKind
	Period   period.Policy
	StartNow bool
	Mode     Mode
	Payload  payload.Source

	// Destinations lists channels explicitly. Ignored when Filter is set.
	Destinations []resolver.Destination
	// Filter discovers channels inside the owning group by name.
	Filter *resolver.ChannelFilter
	// Rescan is the filter re-evaluation interval (DefaultRescan when zero).
	Rescan time.Duration

	RemoveAfter RemoveAfter
}

// Deps are the collaborators a message needs once it is bound to a group.
type Deps struct {
	Transport transport.Transport
	Resolver  *resolver.Resolver
	Clock     timer.Clock
	Log       logx.Logger
	// Sleep waits out rate limits; it must return early when ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Message is created from a Config as an unbound blueprint and becomes
// live after Initialize. Only one Send runs at a time (TryAcquire).
type Message struct {
	cfg Config

	mu       sync.Mutex
	deps     Deps
	log      logx.Logger
	group    transport.Group
	policy   period.Policy
	timer    *timer.Timer
	rescan   *timer.Timer
	retry    period.RetryState
	channels []transport.Channel
	banned   map[transport.ID]struct{}
	lastSent map[transport.ID]transport.MessageRef
	sent     int
	ready    bool

	busy atomic.Bool
	leaf deliverer
}

func New(cfg Config) *Message {
	return &Message{cfg: cfg}
}

// Clone returns a fresh, unbound copy of the blueprint with its own period state.
func (m *Message) Clone() *Message {
	cfg := m.cfg
	if cfg.Period != nil {
		cfg.Period = cfg.Period.Clone()
	}
	cfg.Destinations = append([]resolver.Destination(nil), cfg.Destinations...)
	return New(cfg)
}

func (m *Message) ID() string                  { return m.cfg.ID }
func (m *Message) Kind() transport.ChannelKind { return m.cfg.Kind }

// Initialize validates the payload and destinations against group and arms the timer.
func (m *Message) Initialize(ctx context.Context, group transport.Group, deps Deps) error {
	if m.cfg.Period == nil {
		return ErrNoPeriod
	}
	if m.cfg.Payload == nil {
		return fmt.Errorf("%w: no payload source", ErrInvalidPayload)
	}
	if deps.Clock == nil {
		deps.Clock = timer.SystemClock()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	leaf := newDeliverer(m.cfg.Kind)

	if m.cfg.Payload.IsStatic() {
		v, err := m.cfg.Payload.Produce(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if leaf.shape(payload.Classify(v)).Empty() {
			return fmt.Errorf("%w: nothing to send to a %s channel", ErrInvalidPayload, m.cfg.Kind)
		}
	}

	var (
		chs []transport.Channel
		err error
	)
	if m.cfg.Filter != nil {
		f := *m.cfg.Filter
		f.Kind = m.cfg.Kind
		chs, err = deps.Resolver.Match(ctx, group, f)
	} else {
		chs, err = deps.Resolver.Channels(ctx, group, m.cfg.Kind, m.cfg.Destinations)
		if err == nil && len(chs) == 0 {
			err = ErrNoValidDestinations
		}
	}
	if err != nil {
		return err
	}

	now := deps.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps = deps
	m.leaf = leaf
	m.group = group
	m.log = deps.Log.With(logx.Component("message"), logx.String("message", m.cfg.ID), logx.String("group", string(group.ID)))
	m.policy = m.cfg.Period
	m.channels = chs
	m.banned = map[transport.ID]struct{}{}
	m.lastSent = map[transport.ID]transport.MessageRef{}
	m.retry = period.RetryState{Forced: m.cfg.StartNow}
	m.timer = timer.New(deps.Clock)
	m.timer.Start()
	if m.cfg.Filter != nil {
		m.rescan = timer.New(deps.Clock)
		m.rescan.Start()
	}
	period.Anchor(m.policy, now)
	m.ready = true
	return nil
}

// TryAcquire claims the message for one Send; it fails while another is in flight.
func (m *Message) TryAcquire() bool { return m.busy.CompareAndSwap(false, true) }

func (m *Message) Release() { m.busy.Store(false) }

func (m *Message) InFlight() bool { return m.busy.Load() }

// IsDue reports whether the next Send would attempt delivery.
func (m *Message) IsDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return false
	}
	return period.IsDue(m.timer.Elapsed(), m.policy.Current(), m.retry)
}

// Done reports whether the message should leave its group: every channel was
// removed for good, or the removal condition was reached.
func (m *Message) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return false
	}
	if m.cfg.Filter == nil && len(m.channels) == 0 {
		return true
	}
	ra := m.cfg.RemoveAfter
	if ra.Count > 0 && m.sent >= ra.Count {
		return true
	}
	return !ra.Deadline.IsZero() && !m.deps.Clock.Now().Before(ra.Deadline)
}

// Channels returns the current destination set.
func (m *Message) Channels() []transport.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.Channel(nil), m.channels...)
}

// LastSent returns the handle of the last message created in ch.
func (m *Message) LastSent(ch transport.ID) (transport.MessageRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.lastSent[ch]
	return ref, ok
}

func (m *Message) RetryState() period.RetryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry
}

// Snapshot is a read-only view for status reporting.
type Snapshot struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Mode     string        `json:"mode"`
	Period   string        `json:"period"`
	Current  time.Duration `json:"current"`
	Elapsed  time.Duration `json:"elapsed"`
	Forced   bool          `json:"forced"`
	RetryAt  time.Duration `json:"retry_at,omitempty"`
	Channels []string      `json:"channels"`
	Sent     int           `json:"sent"`
	InFlight bool          `json:"in_flight"`
}

func (m *Message) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		ID:       m.cfg.ID,
		Kind:     m.cfg.Kind.String(),
		Mode:     m.cfg.Mode.String(),
		Sent:     m.sent,
		Forced:   m.retry.Forced,
		RetryAt:  m.retry.RetryAt,
		InFlight: m.busy.Load(),
	}
	if m.cfg.Period != nil {
		s.Period = m.cfg.Period.String()
		s.Current = m.cfg.Period.Current()
	}
	if m.ready && m.timer.Running() {
		s.Elapsed = m.deps.Clock.Now().Sub(m.timer.StartedAt())
	}
	for _, ch := range m.channels {
		s.Channels = append(s.Channels, string(ch.ID))
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
