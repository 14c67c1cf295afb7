package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"cadence/internal/payload"
	"cadence/internal/period"
	"cadence/internal/resolver"
	"cadence/internal/timer"
	"cadence/internal/transport"
	"cadence/internal/transport/memtransport"
	"cadence/pkg/logx"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clk    *timer.ManualClock
	mt     *memtransport.Transport
	group  transport.Group
	sleeps []time.Duration
	deps   Deps
}

func newFixture() *fixture {
	f := &fixture{clk: timer.NewManualClock(epoch), mt: memtransport.New()}
	f.group = f.mt.AddGroup("g1", "alpha")
	f.mt.AddChannel("g1", "7", "general", transport.KindText)
	f.mt.AddChannel("g1", "8", "news", transport.KindText)
	f.mt.AddChannel("g1", "9", "lounge", transport.KindVoice)
	f.deps = Deps{
		Transport: f.mt,
		Resolver:  resolver.New(f.mt, logx.Nop()),
		Clock:     f.clk,
		Log:       logx.Nop(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		},
	}
	return f
}

func fixed(d time.Duration) period.Policy {
	p, _ := period.NewFixed(d)
	return p
}

func textMessage(mode Mode, ids ...transport.ID) Config {
	return Config{
		ID:           "m1",
		Kind:         transport.KindText,
		Period:       fixed(time.Minute),
		Mode:         mode,
		Payload:      payload.Static{payload.Text("hello")},
		Destinations: resolver.IDs(ids...),
	}
}

func (f *fixture) live(t *testing.T, cfg Config) *Message {
	t.Helper()
	m := New(cfg)
	if err := m.Initialize(context.Background(), f.group, f.deps); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m
}

func channelIDs(chs []transport.Channel) []transport.ID {
	out := make([]transport.ID, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ch.ID)
	}
	return out
}

func TestInitializeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  func() Config
		want error
	}{
		{
			name: "no valid destinations",
			cfg:  func() Config { return textMessage(ModeCreate, "404", "9") },
			want: ErrNoValidDestinations,
		},
		{
			name: "blank static text",
			cfg: func() Config {
				c := textMessage(ModeCreate, "7")
				c.Payload = payload.Static{payload.Text("   ")}
				return c
			},
			want: ErrInvalidPayload,
		},
		{
			name: "voice without audio",
			cfg: func() Config {
				c := textMessage(ModeCreate, "9")
				c.Kind = transport.KindVoice
				return c
			},
			want: ErrInvalidPayload,
		},
		{
			name: "missing period",
			cfg: func() Config {
				c := textMessage(ModeCreate, "7")
				c.Period = nil
				return c
			},
			want: ErrNoPeriod,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			err := New(tc.cfg()).Initialize(context.Background(), f.group, f.deps)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Initialize() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDuplicateDestinationsSendOnce(t *testing.T) {
	t.Parallel()

	f := newFixture()
	m := f.live(t, textMessage(ModeCreate, "7", "7", "8", "7"))
	out := m.Send(context.Background())
	if out == nil || len(out.Succeeded) != 2 {
		t.Fatalf("outcome = %+v, want two successes", out)
	}
	if n := f.mt.Count(memtransport.OpCreate, "7"); n != 1 {
		t.Fatalf("channel 7 got %d creates, want 1", n)
	}
	if out.Status() != StatusSucceeded {
		t.Fatalf("status = %v", out.Status())
	}
}

func TestStartNowFiresOnFirstTick(t *testing.T) {
	t.Parallel()

	f := newFixture()
	cfg := textMessage(ModeCreate, "7")
	cfg.Period = fixed(time.Hour)
	cfg.StartNow = true
	m := f.live(t, cfg)

	if m.IsDue() {
		t.Fatalf("due before any time passed")
	}
	f.clk.Advance(time.Millisecond)
	if !m.IsDue() {
		t.Fatalf("start_now message should be due on the first tick")
	}
	if m.Send(context.Background()) == nil {
		t.Fatalf("expected an outcome")
	}
	if m.RetryState().Forced {
		t.Fatalf("attempt should clear the forced retry")
	}

	f.clk.Advance(time.Hour)
	if m.IsDue() {
		t.Fatalf("due at exactly one period")
	}
	f.clk.Advance(time.Millisecond)
	if !m.IsDue() {
		t.Fatalf("not due after the period elapsed")
	}
}

func TestRandomizedPeriodRedrawnOncePerAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture()
	p, err := period.NewRandomized(10*time.Second, 20*time.Second, period.WithSeed(7))
	if err != nil {
		t.Fatalf("NewRandomized: %v", err)
	}
	cfg := textMessage(ModeCreate, "7", "8")
	cfg.Period = p
	m := f.live(t, cfg)

	for i := 1; i <= 5; i++ {
		f.clk.Advance(21 * time.Second)
		if !m.IsDue() {
			t.Fatalf("round %d: not due", i)
		}
		if m.Send(context.Background()) == nil {
			t.Fatalf("round %d: no outcome", i)
		}
		if p.Draws() != uint64(i) {
			t.Fatalf("round %d: %d draws, want %d", i, p.Draws(), i)
		}
		if cur := p.Current(); cur < 10*time.Second || cur >= 20*time.Second {
			t.Fatalf("round %d: period %v out of range", i, cur)
		}
	}
}

func TestEmptyDynamicPayloadIsNotAnAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture()
	p, _ := period.NewRandomized(time.Second, 2*time.Second, period.WithSeed(1))
	cfg := textMessage(ModeCreate, "7")
	cfg.Period = p
	cfg.Payload = payload.Dynamic(func(context.Context) (payload.Value, error) {
		return payload.Value{payload.Text("")}, nil
	})
	m := f.live(t, cfg)

	f.clk.Advance(3 * time.Second)
	if out := m.Send(context.Background()); out != nil {
		t.Fatalf("empty payload produced outcome %+v", out)
	}
	if len(f.mt.Calls()) != 0 {
		t.Fatalf("empty payload reached the transport: %+v", f.mt.Calls())
	}
	if p.Draws() != 0 {
		t.Fatalf("empty payload redrew the period")
	}
	if !m.IsDue() {
		t.Fatalf("empty payload should not restart the timer")
	}
}

func TestNoDestinationsDoesNotConsumePeriod(t *testing.T) {
	t.Parallel()

	f := newFixture()
	nf, _ := resolver.CompileNameFilter("^announcements$", "")
	cfg := textMessage(ModeCreate)
	cfg.Filter = &resolver.ChannelFilter{NameFilter: nf}
	cfg.StartNow = true
	m := f.live(t, cfg)

	f.clk.Advance(time.Second)
	if out := m.Send(context.Background()); out != nil {
		t.Fatalf("send without destinations returned %+v", out)
	}
	if !m.RetryState().Forced || !m.IsDue() {
		t.Fatalf("skipped send must keep the message due")
	}
	if m.Done() {
		t.Fatalf("filter-based message without channels stays alive")
	}
}

func TestSendModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mode        Mode
		wantCreates int
		wantEdits   int
		wantDeletes int
		wantLive    int
	}{
		{name: "create", mode: ModeCreate, wantCreates: 3, wantLive: 3},
		{name: "edit", mode: ModeEdit, wantCreates: 1, wantEdits: 2, wantLive: 1},
		{name: "clear and create", mode: ModeClearAndCreate, wantCreates: 3, wantDeletes: 2, wantLive: 1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			m := f.live(t, textMessage(tc.mode, "7"))
			for i := 0; i < 3; i++ {
				out := m.Send(context.Background())
				if out == nil || out.Status() != StatusSucceeded {
					t.Fatalf("send %d: %+v", i, out)
				}
			}
			if got := f.mt.Count(memtransport.OpCreate, "7"); got != tc.wantCreates {
				t.Fatalf("creates = %d, want %d", got, tc.wantCreates)
			}
			if got := f.mt.Count(memtransport.OpEdit, "7"); got != tc.wantEdits {
				t.Fatalf("edits = %d, want %d", got, tc.wantEdits)
			}
			if got := f.mt.Count(memtransport.OpDelete, "7"); got != tc.wantDeletes {
				t.Fatalf("deletes = %d, want %d", got, tc.wantDeletes)
			}
			if got := f.mt.Live(); got != tc.wantLive {
				t.Fatalf("live messages = %d, want %d", got, tc.wantLive)
			}
		})
	}
}

func TestEditRecreatesVanishedMessage(t *testing.T) {
	t.Parallel()

	f := newFixture()
	m := f.live(t, textMessage(ModeEdit, "7"))
	if m.Send(context.Background()) == nil {
		t.Fatalf("first send failed")
	}
	ref, ok := m.LastSent("7")
	if !ok {
		t.Fatalf("no handle remembered")
	}
	f.mt.Forget(ref)

	out := m.Send(context.Background())
	if out == nil || len(out.Succeeded) != 1 {
		t.Fatalf("outcome = %+v, want success after recreate", out)
	}
	next, _ := m.LastSent("7")
	if next.Primary() == ref.Primary() {
		t.Fatalf("handle should point at the recreated message")
	}
	if got := f.mt.Count(memtransport.OpCreate, "7"); got != 2 {
		t.Fatalf("creates = %d, want 2", got)
	}
}

func TestClearAndCreateIgnoresDeleteFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	m := f.live(t, textMessage(ModeClearAndCreate, "7"))
	m.Send(context.Background())
	f.mt.Fail("7", memtransport.OpDelete, errors.New("flaky"))

	out := m.Send(context.Background())
	if out == nil || out.Status() != StatusSucceeded {
		t.Fatalf("outcome = %+v", out)
	}
	deletes := 0
	for _, c := range f.mt.CallsTo("7") {
		if c.Op == memtransport.OpDelete {
			deletes++
		}
	}
	if deletes != 1 {
		t.Fatalf("delete calls = %d, want exactly 1", deletes)
	}
}

func TestMissingMessageRetriesAreBounded(t *testing.T) {
	t.Parallel()

	f := newFixture()
	m := f.live(t, textMessage(ModeEdit, "7"))
	m.Send(context.Background())
	gone := transport.MessageNotFound(errors.New("gone"))
	f.mt.Fail("7", memtransport.OpEdit, gone)
	f.mt.Fail("7", memtransport.OpCreate, gone, gone, gone)

	out := m.Send(context.Background())
	if out == nil || len(out.Failed) != 1 {
		t.Fatalf("outcome = %+v, want one failure", out)
	}
	if out.Failed[0].Category != transport.CategoryNotFound {
		t.Fatalf("category = %v", out.Failed[0].Category)
	}
	// 1 create from the first send, then edit + two creates.
	if n := len(f.mt.CallsTo("7")); n != 4 {
		t.Fatalf("calls to channel = %d, want 4", n)
	}
	if len(m.Channels()) != 1 {
		t.Fatalf("a vanished message must not remove the channel")
	}
}

func TestSlowModeAbandonsRemainingDestinations(t *testing.T) {
	t.Parallel()

	f := newFixture()
	m := f.live(t, textMessage(ModeCreate, "7", "8"))
	f.mt.Fail("7", memtransport.OpCreate, transport.SlowMode(30*time.Second, nil))

	out := m.Send(context.Background())
	if out == nil || len(out.Failed) != 1 || len(out.Succeeded) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Failed[0].Category != transport.CategorySlowMode {
		t.Fatalf("category = %v", out.Failed[0].Category)
	}
	if len(f.mt.CallsTo("8")) != 0 {
		t.Fatalf("remaining destination was attempted")
	}
	rs := m.RetryState()
	if !rs.Forced || rs.RetryAt != 30*time.Second {
		t.Fatalf("retry state = %+v", rs)
	}
	f.clk.Advance(29 * time.Second)
	if m.IsDue() {
		t.Fatalf("due before retry_after")
	}
	f.clk.Advance(2 * time.Second)
	if !m.IsDue() {
		t.Fatalf("not due after retry_after")
	}
}

func TestSlowModeRetryCountsFromRejection(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.deps.Sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		f.clk.Advance(d)
		return nil
	}
	m := f.live(t, textMessage(ModeCreate, "7", "8"))
	f.mt.Fail("7", memtransport.OpCreate, transport.RateLimited(20*time.Second, nil))
	f.mt.Fail("8", memtransport.OpCreate, transport.SlowMode(30*time.Second, nil))

	out := m.Send(context.Background())
	if out == nil || len(out.Failed) != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	rs := m.RetryState()
	if !rs.Forced || rs.RetryAt != 50*time.Second {
		t.Fatalf("retry state = %+v, want forced at 50s", rs)
	}
	f.clk.Advance(29 * time.Second)
	if m.IsDue() {
		t.Fatalf("due 29s after a 30s slow mode rejection")
	}
	f.clk.Advance(2 * time.Second)
	if !m.IsDue() {
		t.Fatalf("not due once slow mode expired")
	}
}

func TestRateLimitPausesThenContinues(t *testing.T) {
	t.Parallel()

	f := newFixture()
	m := f.live(t, textMessage(ModeCreate, "7", "8"))
	f.mt.Fail("7", memtransport.OpCreate, transport.RateLimited(2*time.Second, nil))

	out := m.Send(context.Background())
	if out == nil || len(out.Succeeded) != 1 || out.Succeeded[0].ID != "8" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Status() != StatusPartiallyFailed {
		t.Fatalf("status = %v", out.Status())
	}
	if len(f.sleeps) != 1 || f.sleeps[0] != 2*time.Second {
		t.Fatalf("sleeps = %v, want [2s]", f.sleeps)
	}
	if len(m.Channels()) != 2 {
		t.Fatalf("rate limit must not remove channels")
	}
}

func TestStructuralFailuresRemoveChannels(t *testing.T) {
	t.Parallel()

	f := newFixture()
	m := f.live(t, textMessage(ModeCreate, "7", "8"))
	f.mt.Fail("7", memtransport.OpCreate, transport.Forbidden(errors.New("kicked")))

	out := m.Send(context.Background())
	if out == nil || len(out.Removed) != 1 || out.Removed[0].ID != "7" {
		t.Fatalf("outcome = %+v", out)
	}
	if got := channelIDs(m.Channels()); len(got) != 1 || got[0] != "8" {
		t.Fatalf("channels = %v, want [8]", got)
	}

	f.mt.RemoveChannel("8")
	out = m.Send(context.Background())
	if out == nil || len(out.Removed) != 1 || out.Removed[0].ID != "8" {
		t.Fatalf("outcome = %+v", out)
	}
	if !m.Done() {
		t.Fatalf("message without channels should be done")
	}
	if m.Send(context.Background()) != nil {
		t.Fatalf("send without channels should not produce an outcome")
	}
}

func TestOtherFailureKeepsChannel(t *testing.T) {
	t.Parallel()

	f := newFixture()
	m := f.live(t, textMessage(ModeCreate, "7", "8"))
	f.mt.Fail("7", memtransport.OpCreate, errors.New("500"))

	out := m.Send(context.Background())
	if out == nil || len(out.Failed) != 1 || out.Failed[0].Category != transport.CategoryOther {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Succeeded) != 1 || len(m.Channels()) != 2 {
		t.Fatalf("other failures continue and keep the channel")
	}
}

func TestRemoveAfter(t *testing.T) {
	t.Parallel()

	f := newFixture()
	cfg := textMessage(ModeCreate, "7")
	cfg.RemoveAfter = RemoveAfter{Count: 2}
	m := f.live(t, cfg)
	m.Send(context.Background())
	if m.Done() {
		t.Fatalf("done after one send")
	}
	m.Send(context.Background())
	if !m.Done() {
		t.Fatalf("not done after two sends")
	}

	cfg = textMessage(ModeCreate, "8")
	cfg.RemoveAfter = RemoveAfter{Deadline: epoch.Add(time.Hour)}
	m = f.live(t, cfg)
	if m.Done() {
		t.Fatalf("done before deadline")
	}
	f.clk.Advance(time.Hour)
	if !m.Done() {
		t.Fatalf("not done at deadline")
	}
}

func TestVoiceMessageStreamsAudio(t *testing.T) {
	t.Parallel()

	f := newFixture()
	cfg := Config{
		ID:           "v1",
		Kind:         transport.KindVoice,
		Period:       fixed(time.Minute),
		Payload:      payload.Static{payload.Audio{Attachment: payload.Attachment{Name: "jingle.ogg", Data: []byte{1}}}},
		Destinations: resolver.IDs("9", "7"),
	}
	m := f.live(t, cfg)
	if got := channelIDs(m.Channels()); len(got) != 1 || got[0] != "9" {
		t.Fatalf("voice channels = %v, want [9]", got)
	}
	out := m.Send(context.Background())
	if out == nil || out.Status() != StatusSucceeded {
		t.Fatalf("outcome = %+v", out)
	}
	if f.mt.Count(memtransport.OpConnect, "9") != 1 || f.mt.Count(memtransport.OpStream, "9") != 1 {
		t.Fatalf("calls = %+v", f.mt.Calls())
	}
}

func TestFilterRescanPicksUpNewChannels(t *testing.T) {
	t.Parallel()

	f := newFixture()
	nf, _ := resolver.CompileNameFilter("^news", "")
	cfg := textMessage(ModeCreate)
	cfg.Filter = &resolver.ChannelFilter{NameFilter: nf}
	cfg.Rescan = time.Minute
	m := f.live(t, cfg)
	if got := channelIDs(m.Channels()); len(got) != 1 || got[0] != "8" {
		t.Fatalf("initial channels = %v", got)
	}

	f.mt.AddChannel("g1", "11", "news-archive", transport.KindText)
	m.Send(context.Background())
	if n := len(m.Channels()); n != 1 {
		t.Fatalf("rescan ran early, channels = %d", n)
	}

	f.clk.Advance(61 * time.Second)
	out := m.Send(context.Background())
	if out == nil || len(out.Succeeded) != 2 {
		t.Fatalf("outcome = %+v, want both news channels", out)
	}
}

func TestCancelledSendYieldsNoOutcome(t *testing.T) {
	t.Parallel()

	f := newFixture()
	m := f.live(t, textMessage(ModeCreate, "7", "8"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if out := m.Send(ctx); out != nil {
		t.Fatalf("cancelled send returned %+v", out)
	}
}

func TestCloneHasIndependentState(t *testing.T) {
	t.Parallel()

	f := newFixture()
	tmpl := New(textMessage(ModeEdit, "7"))
	a, b := tmpl.Clone(), tmpl.Clone()
	if err := a.Initialize(context.Background(), f.group, f.deps); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.Initialize(context.Background(), f.group, f.deps); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	a.Send(context.Background())
	if _, ok := b.LastSent("7"); ok {
		t.Fatalf("clones share sent handles")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeCreate, "send": ModeCreate, "EDIT": ModeEdit, "clear-send": ModeClearAndCreate} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("yell"); err == nil {
		t.Fatalf("expected error")
	}
}
