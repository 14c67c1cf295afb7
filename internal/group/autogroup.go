package group

import (
	"context"
	"errors"
	"sync"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/message"
	"cadence/internal/resolver"
	"cadence/internal/runtime/supervisor"
	"cadence/internal/timer"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

// DefaultRescan is how often an AutoGroup re-lists visible groups.
const DefaultRescan = 60 * time.Second

// closeGrace bounds how long a departing member may take to stop.
const closeGrace = 5 * time.Second

type AutoConfig struct {
	Name    string
	Filter  resolver.NameFilter
	Rescan  time.Duration
	Logging bool
	// Templates are cloned for every discovered group.
	Templates []*message.Message
}

// AutoGroup keeps one member Group per visible group whose name passes the
// filter. Membership is keyed by group id and recomputed on every rescan.
type AutoGroup struct {
	cfg AutoConfig

	mu      sync.Mutex
	deps    Deps
	log     logx.Logger
	sup     *supervisor.Supervisor
	timer   *timer.Timer
	members map[transport.ID]*Group
	order   []transport.ID
}

func NewAuto(cfg AutoConfig) *AutoGroup {
	if cfg.Rescan <= 0 {
		cfg.Rescan = DefaultRescan
	}
	return &AutoGroup{cfg: cfg, members: map[transport.ID]*Group{}}
}

func (a *AutoGroup) Key() string { return "auto:" + a.cfg.Name }

// Initialize performs the first scan. An AutoGroup is valid with no members,
// so listing failures are logged rather than returned.
func (a *AutoGroup) Initialize(ctx context.Context, deps Deps) error {
	deps = deps.withDefaults()
	a.mu.Lock()
	a.log = deps.Log.With(logx.Component("autogroup"), logx.String("auto", a.cfg.Name))
	a.sup = deps.child(ctx)
	deps.Supervisor = a.sup
	a.deps = deps
	a.timer = timer.New(deps.Clock)
	a.timer.Start()
	a.mu.Unlock()

	a.rescan(a.sup.Context())
	return nil
}

// Advertise rescans when the interval elapsed, then advertises every member.
func (a *AutoGroup) Advertise(ctx context.Context) {
	a.mu.Lock()
	if a.sup == nil {
		a.mu.Unlock()
		return
	}
	due := a.timer.Elapsed() > a.cfg.Rescan
	if due {
		a.timer.Restart()
	}
	a.mu.Unlock()

	if due {
		a.rescan(ctx)
	}
	for _, m := range a.Members() {
		m.Advertise(ctx)
	}
}

func (a *AutoGroup) rescan(ctx context.Context) {
	found, err := a.deps.Resolver.Groups(ctx, a.cfg.Filter)
	if err != nil {
		a.log.Warn("group discovery failed", logx.Err(err))
		return
	}

	wanted := make(map[transport.ID]transport.Group, len(found))
	for _, g := range found {
		wanted[g.ID] = g
	}

	a.mu.Lock()
	var leaving []*Group
	kept := a.order[:0:0]
	for _, id := range a.order {
		m := a.members[id]
		if g, ok := wanted[id]; ok {
			m.rename(g.Name)
			kept = append(kept, id)
			continue
		}
		leaving = append(leaving, m)
		delete(a.members, id)
	}
	a.order = kept
	var joining []transport.Group
	for _, g := range found {
		if _, ok := a.members[g.ID]; !ok {
			joining = append(joining, g)
		}
	}
	a.mu.Unlock()

	for _, m := range leaving {
		h := m.Handle()
		cctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		if err := m.Close(cctx); err != nil {
			a.log.Warn("member did not stop in time", logx.String("group", string(h.ID)), logx.Err(err))
		}
		cancel()
		a.log.Info("left group", logx.String("group", string(h.ID)), logx.String("name", h.Name))
		a.deps.Events.Publish(eventbus.Event{Type: eventbus.AutoGroupLeft, Data: map[string]string{
			"auto": a.cfg.Name, "group": string(h.ID), "name": h.Name,
		}})
	}

	for _, h := range joining {
		m := a.member(h)
		err := m.bind(a.sup.Context(), h, a.deps)
		if err != nil && !errors.Is(err, ErrNoMessages) {
			a.log.Warn("member init failed", logx.String("group", string(h.ID)), logx.Err(err))
			continue
		}
		a.mu.Lock()
		a.members[h.ID] = m
		a.order = append(a.order, h.ID)
		a.mu.Unlock()
		a.log.Info("joined group", logx.String("group", string(h.ID)), logx.String("name", h.Name), logx.Int("messages", len(m.Messages())))
		a.deps.Events.Publish(eventbus.Event{Type: eventbus.AutoGroupJoined, Data: map[string]string{
			"auto": a.cfg.Name, "group": string(h.ID), "name": h.Name,
		}})
	}
}

func (a *AutoGroup) member(h transport.Group) *Group {
	msgs := make([]*message.Message, 0, len(a.cfg.Templates))
	for _, t := range a.cfg.Templates {
		msgs = append(msgs, t.Clone())
	}
	g := New(Config{ID: h.ID, Logging: a.cfg.Logging, Messages: msgs})
	g.auto = a.cfg.Name
	return g
}

// Members returns the current members in join order.
func (a *AutoGroup) Members() []*Group {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Group, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.members[id])
	}
	return out
}

// Wait blocks until no member has a send in flight.
func (a *AutoGroup) Wait(ctx context.Context) error {
	for _, m := range a.Members() {
		if err := m.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *AutoGroup) Close(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	var errs []error
	for _, m := range a.Members() {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := sup.Stop(ctx); errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *AutoGroup) Snapshot() Snapshot {
	s := Snapshot{Key: a.Key(), Name: a.cfg.Name, Logging: a.cfg.Logging}
	for _, m := range a.Members() {
		s.Members = append(s.Members, m.Snapshot())
	}
	return s
}
