// Package memtransport is an in-process platform: a Directory and Transport
// backed by maps. It records every call and can be scripted to reject
// specific operations, which makes it the fake for tests and the backend for
// dry runs.
package memtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cadence/internal/payload"
	"cadence/internal/transport"
	"cadence/pkg/logx"
)

type Op string

const (
	OpCreate  Op = "create"
	OpEdit    Op = "edit"
	OpDelete  Op = "delete"
	OpConnect Op = "connect"
	OpStream  Op = "stream"
)

// Call is one recorded transport operation.
type Call struct {
	Op      Op
	Channel transport.ID
	Ref     transport.MessageRef
	Content payload.Content
	Err     error
}

var ErrNotVoice = errors.New("memtransport: channel is not a voice channel")

type groupEntry struct {
	group    transport.Group
	channels []transport.ID
}

type scriptKey struct {
	ch transport.ID
	op Op
}

type Transport struct {
	mu sync.Mutex

	groups   map[transport.ID]*groupEntry
	order    []transport.ID
	channels map[transport.ID]transport.Channel
	live     map[transport.ID]transport.ID // message part -> channel

	script map[scriptKey][]error
	calls  []Call
	nextID int

	log logx.Logger
}

type Option func(*Transport)

// WithLogger logs every operation at info level.
func WithLogger(log logx.Logger) Option {
	return func(t *Transport) { t.log = log }
}

func New(opts ...Option) *Transport {
	t := &Transport{
		groups:   map[transport.ID]*groupEntry{},
		channels: map[transport.ID]transport.Channel{},
		live:     map[transport.ID]transport.ID{},
		script:   map[scriptKey][]error{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// ---- directory mutation ----

func (t *Transport) AddGroup(id transport.ID, name string) transport.Group {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := transport.Group{ID: id, Name: name}
	if e, ok := t.groups[id]; ok {
		e.group = g
		return g
	}
	t.groups[id] = &groupEntry{group: g}
	t.order = append(t.order, id)
	return g
}

func (t *Transport) RenameGroup(id transport.ID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.groups[id]; ok {
		e.group.Name = name
	}
}

// RemoveGroup drops the group and all of its channels.
func (t *Transport) RemoveGroup(id transport.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.groups[id]
	if !ok {
		return
	}
	for _, ch := range e.channels {
		delete(t.channels, ch)
	}
	delete(t.groups, id)
	for i, g := range t.order {
		if g == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// AddChannel registers a channel under an existing group; the group is
// created with an empty name when unknown.
func (t *Transport) AddChannel(group transport.ID, id transport.ID, name string, kind transport.ChannelKind) transport.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.groups[group]
	if !ok {
		e = &groupEntry{group: transport.Group{ID: group}}
		t.groups[group] = e
		t.order = append(t.order, group)
	}
	ch := transport.Channel{ID: id, GroupID: group, Name: name, Kind: kind}
	if _, exists := t.channels[id]; !exists {
		e.channels = append(e.channels, id)
	}
	t.channels[id] = ch
	return ch
}

func (t *Transport) RemoveChannel(id transport.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	if !ok {
		return
	}
	delete(t.channels, id)
	if e, ok := t.groups[ch.GroupID]; ok {
		for i, c := range e.channels {
			if c == id {
				e.channels = append(e.channels[:i], e.channels[i+1:]...)
				break
			}
		}
	}
}

// Forget deletes a previously created message behind the dispatcher's back.
func (t *Transport) Forget(ref transport.MessageRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range ref.Parts {
		delete(t.live, p)
	}
}

// Fail queues errors returned, in order, by the next calls of op on channel.
func (t *Transport) Fail(ch transport.ID, op Op, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := scriptKey{ch: ch, op: op}
	t.script[k] = append(t.script[k], errs...)
}

// ---- inspection ----

func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsTo returns the calls made against one channel.
func (t *Transport) CallsTo(ch transport.ID) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for _, c := range t.calls {
		if c.Channel == ch {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many successful calls of op were made (all channels when ch is "").
func (t *Transport) Count(op Op, ch transport.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Op == op && c.Err == nil && (ch == "" || c.Channel == ch) {
			n++
		}
	}
	return n
}

// Live reports how many created messages currently exist.
func (t *Transport) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// ---- transport.Directory ----

func (t *Transport) ResolveChannel(_ context.Context, id transport.ID) (transport.Channel, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	return ch, ok, nil
}

func (t *Transport) ResolveGroup(_ context.Context, id transport.ID) (transport.Group, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.groups[id]
	if !ok {
		return transport.Group{}, false, nil
	}
	return e.group, true, nil
}

func (t *Transport) ListVisibleGroups(context.Context) ([]transport.Group, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Group, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.groups[id].group)
	}
	return out, nil
}

func (t *Transport) ListChannelsOf(_ context.Context, g transport.Group) ([]transport.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.groups[g.ID]
	if !ok {
		return nil, nil
	}
	out := make([]transport.Channel, 0, len(e.channels))
	for _, id := range e.channels {
		out = append(out, t.channels[id])
	}
	return out, nil
}

// ---- transport.Transport ----

// scripted pops the next queued error; caller holds mu.
func (t *Transport) scripted(ch transport.ID, op Op) error {
	k := scriptKey{ch: ch, op: op}
	q := t.script[k]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	if len(q) == 1 {
		delete(t.script, k)
	} else {
		t.script[k] = q[1:]
	}
	return err
}

func (t *Transport) record(c Call) {
	t.calls = append(t.calls, c)
	if c.Err != nil {
		t.log.Warn("memtransport call rejected",
			logx.String("op", string(c.Op)), logx.String("channel", string(c.Channel)), logx.Err(c.Err))
		return
	}
	t.log.Info("memtransport call",
		logx.String("op", string(c.Op)),
		logx.String("channel", string(c.Channel)),
		logx.String("text", c.Content.Text),
		logx.Bool("embed", c.Content.Embed != nil),
		logx.Strings("files", c.Content.AttachmentNames()),
	)
}

func (t *Transport) CreateMessage(ctx context.Context, ch transport.Channel, c payload.Content) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	call := Call{Op: OpCreate, Channel: ch.ID, Content: c}
	if _, ok := t.channels[ch.ID]; !ok {
		call.Err = transport.ChannelNotFound(fmt.Errorf("channel %s does not exist", ch.ID))
	} else {
		call.Err = t.scripted(ch.ID, OpCreate)
	}
	if call.Err == nil {
		t.nextID++
		part := transport.ID(fmt.Sprintf("m%d", t.nextID))
		t.live[part] = ch.ID
		call.Ref = transport.MessageRef{Channel: ch.ID, Parts: []transport.ID{part}}
	}
	t.record(call)
	return call.Ref, call.Err
}

func (t *Transport) EditMessage(ctx context.Context, ref transport.MessageRef, c payload.Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	call := Call{Op: OpEdit, Channel: ref.Channel, Ref: ref, Content: c}
	call.Err = t.scripted(ref.Channel, OpEdit)
	if call.Err == nil {
		if _, ok := t.live[ref.Primary()]; !ok {
			call.Err = transport.MessageNotFound(fmt.Errorf("message %s does not exist", ref.Primary()))
		}
	}
	t.record(call)
	return call.Err
}

func (t *Transport) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	call := Call{Op: OpDelete, Channel: ref.Channel, Ref: ref}
	call.Err = t.scripted(ref.Channel, OpDelete)
	if call.Err == nil {
		if _, ok := t.live[ref.Primary()]; !ok {
			call.Err = transport.MessageNotFound(fmt.Errorf("message %s does not exist", ref.Primary()))
		}
		for _, p := range ref.Parts {
			delete(t.live, p)
		}
	}
	t.record(call)
	return call.Err
}

type session struct {
	ch transport.Channel
}

func (s *session) Channel() transport.Channel { return s.ch }
func (s *session) Close() error               { return nil }

func (t *Transport) ConnectVoice(ctx context.Context, ch transport.Channel) (transport.VoiceSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	call := Call{Op: OpConnect, Channel: ch.ID}
	known, ok := t.channels[ch.ID]
	switch {
	case !ok:
		call.Err = transport.ChannelNotFound(fmt.Errorf("channel %s does not exist", ch.ID))
	case known.Kind != transport.KindVoice:
		call.Err = ErrNotVoice
	default:
		call.Err = t.scripted(ch.ID, OpConnect)
	}
	t.record(call)
	if call.Err != nil {
		return nil, call.Err
	}
	return &session{ch: known}, nil
}

func (t *Transport) StreamAudio(ctx context.Context, s transport.VoiceSession, a payload.Audio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := s.Channel().ID
	call := Call{Op: OpStream, Channel: ch, Content: payload.Content{Audio: &a}}
	call.Err = t.scripted(ch, OpStream)
	t.record(call)
	return call.Err
}

var _ transport.Platform = (*Transport)(nil)
