// Package group owns the messages advertised into one group and, through
// AutoGroup, the set of groups discovered by name.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/message"
	"cadence/internal/resolver"
	"cadence/internal/runtime/supervisor"
	"cadence/internal/timer"
	"cadence/internal/trace"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

var (
	ErrGroupUnavailable = errors.New("group: unavailable")
	ErrNoMessages       = errors.New("group: no usable messages")
)

// Deps are shared by every group of a scheduler.
type Deps struct {
	Resolver  *resolver.Resolver
	Transport transport.Transport
	Clock     timer.Clock
	Log       logx.Logger
	Sink      trace.Sink
	Events    eventbus.Bus
	Sleep     func(ctx context.Context, d time.Duration) error
	// Supervisor is the parent of each group's own supervisor. When nil a
	// root is created from the context passed to Initialize.
	Supervisor *supervisor.Supervisor
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = timer.SystemClock()
	}
	if d.Events == nil {
		d.Events = eventbus.Nop()
	}
	return d
}

func (d Deps) message() message.Deps {
	return message.Deps{
		Transport: d.Transport,
		Resolver:  d.Resolver,
		Clock:     d.Clock,
		Log:       d.Log,
		Sleep:     d.Sleep,
	}
}

func (d Deps) child(ctx context.Context) *supervisor.Supervisor {
	if d.Supervisor != nil {
		return d.Supervisor.Child()
	}
	return supervisor.New(ctx, supervisor.WithLogger(d.Log))
}

type Config struct {
	ID      transport.ID
	Logging bool
	// Messages are blueprints; the group initializes them in place.
	Messages []*message.Message
}

// Group advertises its messages into one remote group. Every due message
// sends in its own goroutine under the group's supervisor, whose context is
// cancelled on Close.
type Group struct {
	cfg  Config
	auto string

	mu       sync.Mutex
	handle   transport.Group
	messages []*message.Message
	deps     Deps
	log      logx.Logger
	sup      *supervisor.Supervisor
}

func New(cfg Config) *Group { return &Group{cfg: cfg} }

func (g *Group) Key() string { return "group:" + string(g.cfg.ID) }

func (g *Group) Handle() transport.Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handle
}

// Initialize resolves the group and its messages. ctx bounds the group's
// lifetime. Unusable messages are dropped with a warning; ErrNoMessages is
// returned when none are left.
func (g *Group) Initialize(ctx context.Context, deps Deps) error {
	deps = deps.withDefaults()
	handle, ok, err := deps.Resolver.Group(ctx, g.cfg.ID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrGroupUnavailable, g.cfg.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s not found", ErrGroupUnavailable, g.cfg.ID)
	}
	return g.bind(ctx, handle, deps)
}

func (g *Group) bind(ctx context.Context, handle transport.Group, deps Deps) error {
	log := deps.Log.With(logx.Component("group"), logx.String("group", string(handle.ID)), logx.String("name", handle.Name))
	deps.Log = log

	kept := make([]*message.Message, 0, len(g.cfg.Messages))
	for _, m := range g.cfg.Messages {
		if err := m.Initialize(ctx, handle, deps.message()); err != nil {
			log.Warn("message dropped", logx.String("message", m.ID()), logx.Err(err))
			continue
		}
		kept = append(kept, m)
	}

	g.mu.Lock()
	g.handle = handle
	g.deps = deps
	g.log = log
	g.messages = kept
	g.sup = deps.child(ctx)
	g.mu.Unlock()

	if len(kept) == 0 {
		return ErrNoMessages
	}
	log.Info("group ready", logx.Int("messages", len(kept)))
	return nil
}

func (g *Group) rename(name string) {
	g.mu.Lock()
	g.handle.Name = name
	g.mu.Unlock()
}

// Advertise starts a send for every due message that is not already in flight
// and drops messages that are done.
func (g *Group) Advertise(ctx context.Context) {
	g.mu.Lock()
	sup := g.sup
	msgs := append([]*message.Message(nil), g.messages...)
	g.mu.Unlock()
	if sup == nil || sup.Context().Err() != nil || ctx.Err() != nil {
		return
	}

	var done []*message.Message
	for _, m := range msgs {
		if !m.TryAcquire() {
			continue
		}
		if m.Done() {
			done = append(done, m)
			continue
		}
		if !m.IsDue() {
			m.Release()
			continue
		}
		m := m
		sup.Go("send:"+m.ID(), func(sctx context.Context) error {
			defer m.Release()
			if out := m.Send(sctx); out != nil {
				g.record(sctx, out)
			}
			return nil
		})
	}
	if len(done) > 0 {
		g.drop(done)
	}
}

func (g *Group) drop(done []*message.Message) {
	g.mu.Lock()
	gone := make(map[*message.Message]struct{}, len(done))
	for _, m := range done {
		gone[m] = struct{}{}
	}
	kept := g.messages[:0:0]
	for _, m := range g.messages {
		if _, ok := gone[m]; !ok {
			kept = append(kept, m)
		}
	}
	g.messages = kept
	log, events, gid := g.log, g.deps.Events, g.handle.ID
	g.mu.Unlock()

	for _, m := range done {
		log.Info("message removed", logx.String("message", m.ID()))
		events.Publish(eventbus.Event{Type: eventbus.MessageRemoved, Data: map[string]string{
			"group": string(gid), "message": m.ID(),
		}})
	}
}

func (g *Group) context() trace.GroupContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return trace.GroupContext{ID: string(g.handle.ID), Name: g.handle.Name, AutoGroup: g.auto}
}

func (g *Group) record(ctx context.Context, out *message.Outcome) {
	gc := g.context()
	g.deps.Events.Publish(eventbus.Event{Type: eventbus.MessageSent, Data: map[string]string{
		"group":   gc.ID,
		"message": out.MessageID,
		"outcome": out.ID,
		"status":  string(out.Status()),
	}})
	if g.cfg.Logging && g.deps.Sink != nil {
		g.deps.Sink.Record(ctx, gc, out)
	}
}

// Wait blocks until no send is in flight or ctx ends.
func (g *Group) Wait(ctx context.Context) error {
	g.mu.Lock()
	sup := g.sup
	g.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Wait(ctx)
}

// Close cancels in-flight sends and waits for them, bounded by ctx.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	sup := g.sup
	g.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (g *Group) Messages() []*message.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*message.Message(nil), g.messages...)
}

type Snapshot struct {
	Key       string             `json:"key"`
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	AutoGroup string             `json:"auto_group,omitempty"`
	Logging   bool               `json:"logging"`
	Messages  []message.Snapshot `json:"messages"`
	Members   []Snapshot         `json:"members,omitempty"`
}

func (g *Group) Snapshot() Snapshot {
	g.mu.Lock()
	s := Snapshot{
		Key:       g.Key(),
		ID:        string(g.handle.ID),
		Name:      g.handle.Name,
		AutoGroup: g.auto,
		Logging:   g.cfg.Logging,
	}
	msgs := append([]*message.Message(nil), g.messages...)
	g.mu.Unlock()
	if s.ID == "" {
		s.ID = string(g.cfg.ID)
	}
	for _, m := range msgs {
		s.Messages = append(s.Messages, m.Snapshot())
	}
	return s
}
