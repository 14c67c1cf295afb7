package group

import (
	"context"
	"testing"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/message"
	"cadence/internal/payload"
	"cadence/internal/period"
	"cadence/internal/resolver"
	"cadence/internal/transport"
	"cadence/internal/transport/memtransport"
)

func generalTemplate(t *testing.T) *message.Message {
	t.Helper()
	nf, err := resolver.CompileNameFilter("^general$", "")
	if err != nil {
		t.Fatalf("CompileNameFilter: %v", err)
	}
	p, _ := period.NewFixed(time.Minute)
	return message.New(message.Config{
		ID:       "promo",
		Kind:     transport.KindText,
		Period:   p,
		StartNow: true,
		Mode:     message.ModeEdit,
		Payload:  payload.Static{payload.Text("buy now")},
		Filter:   &resolver.ChannelFilter{NameFilter: nf},
	})
}

func memberIDs(a *AutoGroup) []transport.ID {
	var out []transport.ID
	for _, m := range a.Members() {
		out = append(out, m.Handle().ID)
	}
	return out
}

func sameIDs(got []transport.ID, want ...transport.ID) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestAutoGroupTracksMatchingGroups(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.mt.AddGroup("s1", "shop-one")
	e.mt.AddChannel("s1", "s1-general", "general", transport.KindText)
	e.mt.AddGroup("s2", "shop-two")
	e.mt.AddChannel("s2", "s2-general", "general", transport.KindText)
	e.mt.AddGroup("x", "shop-closed")

	joined, unsubJoin := e.bus.Subscribe(16, eventbus.AutoGroupJoined)
	defer unsubJoin()
	left, unsubLeft := e.bus.Subscribe(16, eventbus.AutoGroupLeft)
	defer unsubLeft()

	nf, _ := resolver.CompileNameFilter("^shop-", "closed")
	a := NewAuto(AutoConfig{Name: "shops", Filter: nf, Rescan: time.Minute, Logging: true, Templates: []*message.Message{generalTemplate(t)}})
	if err := a.Initialize(context.Background(), e.deps); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := memberIDs(a); !sameIDs(got, "s1", "s2") {
		t.Fatalf("members = %v, want [s1 s2]", got)
	}
	if len(joined) != 2 {
		t.Fatalf("joined events = %d, want 2", len(joined))
	}

	e.clk.Advance(time.Millisecond)
	a.Advertise(context.Background())
	if err := a.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if e.mt.Count(memtransport.OpCreate, "s1-general") != 1 || e.mt.Count(memtransport.OpCreate, "s2-general") != 1 {
		t.Fatalf("calls = %+v", e.mt.Calls())
	}
	recs := e.sink.all()
	if len(recs) != 2 || recs[0].gc.AutoGroup != "shops" {
		t.Fatalf("records = %+v", recs)
	}

	first := a.Members()[1]
	e.mt.RenameGroup("s2", "shop-two-renamed")
	e.mt.RenameGroup("s1", "closed-one")
	e.mt.AddGroup("s3", "shop-three")
	e.clk.Advance(time.Minute + time.Millisecond)
	a.Advertise(context.Background())
	_ = a.Wait(waitCtx(t))

	if got := memberIDs(a); !sameIDs(got, "s2", "s3") {
		t.Fatalf("members after rescan = %v, want [s2 s3]", got)
	}
	if a.Members()[0] != first {
		t.Fatalf("renamed group was re-created")
	}
	if first.Handle().Name != "shop-two-renamed" {
		t.Fatalf("member name = %q", first.Handle().Name)
	}
	if len(left) != 1 {
		t.Fatalf("left events = %d, want 1", len(left))
	}

	e.mt.RemoveGroup("s2")
	e.clk.Advance(time.Minute + time.Millisecond)
	a.Advertise(context.Background())
	_ = a.Wait(waitCtx(t))
	if got := memberIDs(a); !sameIDs(got, "s3") {
		t.Fatalf("members after removal = %v, want [s3]", got)
	}

	if err := a.Close(waitCtx(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAutoGroupMembersDoNotShareState(t *testing.T) {
	t.Parallel()

	e := newEnv()
	e.mt.AddGroup("s1", "shop-one")
	e.mt.AddChannel("s1", "s1-general", "general", transport.KindText)
	e.mt.AddGroup("s2", "shop-two")
	e.mt.AddChannel("s2", "s2-general", "general", transport.KindText)

	nf, _ := resolver.CompileNameFilter("^shop-", "")
	a := NewAuto(AutoConfig{Name: "shops", Filter: nf, Templates: []*message.Message{generalTemplate(t)}})
	if err := a.Initialize(context.Background(), e.deps); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	e.clk.Advance(time.Millisecond)
	a.Advertise(context.Background())
	_ = a.Wait(waitCtx(t))

	m1 := a.Members()[0].Messages()[0]
	m2 := a.Members()[1].Messages()[0]
	if m1 == m2 {
		t.Fatalf("members share a message instance")
	}
	if _, ok := m1.LastSent("s2-general"); ok {
		t.Fatalf("member one knows member two's handle")
	}
	if _, ok := m2.LastSent("s2-general"); !ok {
		t.Fatalf("member two lost its own handle")
	}
}
