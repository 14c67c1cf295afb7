// Package scheduler drives every registered group on a fixed tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/group"
	"cadence/internal/runtime/supervisor"
	"cadence/pkg/logx"
)

var (
	ErrNothingToDo  = errors.New("scheduler: nothing to do")
	ErrDuplicate    = errors.New("scheduler: unit already registered")
	ErrUnknownUnit  = errors.New("scheduler: unknown unit")
	ErrNotRunning   = errors.New("scheduler: not running")
	errQueueStopped = errors.New("scheduler: stopped before the change was applied")
)

const DefaultTick = 50 * time.Millisecond

// closeGrace bounds how long a removed unit may take to stop.
const closeGrace = 5 * time.Second

// Unit is a group or an auto-discovery group.
type Unit interface {
	Key() string
	Initialize(ctx context.Context, deps group.Deps) error
	Advertise(ctx context.Context)
	Close(ctx context.Context) error
	Snapshot() group.Snapshot
}

type Config struct {
	Tick time.Duration
}

type mutation struct {
	add    Unit
	remove string
	done   chan error
}

// Scheduler owns the unit registry. Only the loop goroutine changes it;
// Add and Remove queue mutations that the loop applies at the start of a tick.
type Scheduler struct {
	cfg  Config
	deps group.Deps
	log  logx.Logger

	queue chan mutation

	mu    sync.Mutex
	units []Unit
	sup   *supervisor.Supervisor
}

func New(cfg Config, deps group.Deps) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if deps.Events == nil {
		deps.Events = eventbus.Nop()
	}
	return &Scheduler{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Log.With(logx.Component("scheduler")),
		queue: make(chan mutation, 64),
	}
}

// Start initializes the initial units and launches the loop. It returns
// ErrNothingToDo when units were given but none of them could be initialized.
func (s *Scheduler) Start(ctx context.Context, initial ...Unit) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.deps.Supervisor = sup

	alive := make([]Unit, 0, len(initial))
	for _, u := range initial {
		if s.find(alive, u.Key()) >= 0 {
			s.log.Warn("duplicate unit ignored", logx.String("unit", u.Key()))
			continue
		}
		if err := s.initUnit(sup.Context(), u); err != nil {
			continue
		}
		alive = append(alive, u)
	}
	if len(initial) > 0 && len(alive) == 0 {
		sup.Cancel()
		return ErrNothingToDo
	}

	s.mu.Lock()
	s.units = alive
	s.sup = sup
	s.mu.Unlock()

	s.log.Info("scheduler started", logx.Int("units", len(alive)), logx.Duration("tick", s.cfg.Tick))
	sup.Go("scheduler.loop", s.loop)
	return nil
}

func (s *Scheduler) initUnit(ctx context.Context, u Unit) error {
	err := u.Initialize(ctx, s.deps)
	switch {
	case errors.Is(err, group.ErrNoMessages):
		s.log.Info("unit has no usable messages, dropped", logx.String("unit", u.Key()))
	case err != nil:
		s.log.Warn("unit dropped", logx.String("unit", u.Key()), logx.Err(err))
	}
	if err != nil {
		cctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		_ = u.Close(cctx)
		cancel()
		return err
	}
	s.deps.Events.Publish(eventbus.Event{Type: eventbus.GroupAdded, Data: u.Key()})
	return nil
}

func (s *Scheduler) loop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.rejectPending()
			return nil
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.drain(ctx)

	s.mu.Lock()
	units := append([]Unit(nil), s.units...)
	s.mu.Unlock()
	for _, u := range units {
		if ctx.Err() != nil {
			return
		}
		u.Advertise(ctx)
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		select {
		case m := <-s.queue:
			m.done <- s.apply(ctx, m)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(ctx context.Context, m mutation) error {
	if m.add != nil {
		key := m.add.Key()
		s.mu.Lock()
		dup := s.find(s.units, key) >= 0
		s.mu.Unlock()
		if dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, key)
		}
		if err := s.initUnit(ctx, m.add); err != nil {
			return err
		}
		s.mu.Lock()
		s.units = append(s.units, m.add)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	i := s.find(s.units, m.remove)
	var u Unit
	if i >= 0 {
		u = s.units[i]
		s.units = append(s.units[:i:i], s.units[i+1:]...)
	}
	s.mu.Unlock()
	if u == nil {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, m.remove)
	}
	cctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if err := u.Close(cctx); err != nil {
		s.log.Warn("unit did not stop cleanly", logx.String("unit", m.remove), logx.Err(err))
	}
	s.deps.Events.Publish(eventbus.Event{Type: eventbus.GroupRemoved, Data: m.remove})
	s.log.Info("unit removed", logx.String("unit", m.remove))
	return nil
}

func (s *Scheduler) rejectPending() {
	for {
		select {
		case m := <-s.queue:
			m.done <- errQueueStopped
		default:
			return
		}
	}
}

func (s *Scheduler) find(units []Unit, key string) int {
	for i, u := range units {
		if u.Key() == key {
			return i
		}
	}
	return -1
}

func (s *Scheduler) submit(ctx context.Context, m mutation) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil || sup.Context().Err() != nil {
		return ErrNotRunning
	}
	m.done = make(chan error, 1)
	select {
	case s.queue <- m:
	case <-ctx.Done():
		return ctx.Err()
	case <-sup.Context().Done():
		return ErrNotRunning
	}
	select {
	case err := <-m.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-sup.Context().Done():
		// The loop may have exited after m was queued.
		select {
		case err := <-m.done:
			return err
		default:
			return ErrNotRunning
		}
	}
}

// Add registers u at the next tick and returns its initialization result.
func (s *Scheduler) Add(ctx context.Context, u Unit) error {
	return s.submit(ctx, mutation{add: u})
}

// Remove tears down the unit with key at the next tick.
func (s *Scheduler) Remove(ctx context.Context, key string) error {
	return s.submit(ctx, mutation{remove: key})
}

// Snapshot lists units in registration order.
func (s *Scheduler) Snapshot() []group.Snapshot {
	s.mu.Lock()
	units := append([]Unit(nil), s.units...)
	s.mu.Unlock()
	out := make([]group.Snapshot, 0, len(units))
	for _, u := range units {
		out = append(out, u.Snapshot())
	}
	return out
}

// Supervisor exposes goroutine stats for status reporting; nil before Start.
func (s *Scheduler) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Stop cancels every group, waits for the loop and in-flight sends, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	units := append([]Unit(nil), s.units...)
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	var errs []error
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	for _, u := range units {
		if err := u.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.Key(), err))
		}
	}
	s.log.Info("scheduler stopped")
	return errors.Join(errs...)
}
