package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/payload"
	kit "cadence/internal/transport"
	"cadence/internal/transport/memtransport"
	logx "cadence/pkg/logx"
)

const runYAML = `
logging: {level: error, console: true}
scheduler: {tick: 10ms}
groups:
  - id: "-1001"
    logging: true
    messages:
      - id: hello
        period: 1h
        start_now: true
        content: {text: hi}
        channels: ["-1001"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cadence.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func decode(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("c.yaml", []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func platform() *memtransport.Transport {
	mt := memtransport.New()
	mt.AddGroup("-1001", "alpha")
	mt.AddChannel("-1001", "-1001", "general", kit.KindText)
	return mt
}

func TestBuildUnits(t *testing.T) {
	t.Parallel()

	cfg := decode(t, `
groups:
  - id: "-1001"
    messages:
      - {id: a, period: 5m, content: {text: x}, channels: ["-1001"]}
      - {id: b, period: "random:1m-2m", mode: edit, content: {text: y}, channel_filter: {include: news}}
auto_groups:
  - name: everyone
    messages:
      - {id: c, period: "cron:0 9 * * *", content: {text: z}, channel_filter: {}, remove_after: {count: 2}}
`)
	units, err := BuildUnits(cfg)
	if err != nil {
		t.Fatalf("BuildUnits: %v", err)
	}
	want := []string{"group:-1001", "auto:everyone"}
	if len(units) != len(want) {
		t.Fatalf("units=%d want %d", len(units), len(want))
	}
	for i, u := range units {
		if u.Key() != want[i] {
			t.Fatalf("unit[%d]=%q want %q", i, u.Key(), want[i])
		}
	}
}

func TestBuildUnitsRejectsBadRescan(t *testing.T) {
	t.Parallel()

	cfg := decode(t, `
groups:
  - id: "-1001"
    messages:
      - {id: a, period: 5m, content: {text: x}, channels: ["-1001"]}
`)
	cfg.Scheduler.Rescan = "soon"
	if _, err := BuildUnits(cfg); err == nil {
		t.Fatalf("BuildUnits accepted an invalid rescan")
	}
}

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "motd.txt")
	if err := os.WriteFile(file, []byte("first"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name   string
		in     config.ContentConfig
		static bool
		kinds  []payload.Kind
		text   string
	}{
		{
			name:   "text and embed",
			in:     config.ContentConfig{Text: "hi", Embed: &config.EmbedConfig{Title: "t", Fields: []config.EmbedFieldConfig{{Name: "a", Value: "b"}}}},
			static: true,
			kinds:  []payload.Kind{payload.KindText, payload.KindEmbed},
			text:   "hi",
		},
		{
			name:   "files and audio",
			in:     config.ContentConfig{Files: []string{"a.pdf"}, Audio: "j.ogg"},
			static: true,
			kinds:  []payload.Kind{payload.KindAttachment, payload.KindAudio},
		},
		{
			name:  "text file is re-read",
			in:    config.ContentConfig{TextFile: file, Files: []string{"a.pdf"}},
			kinds: []payload.Kind{payload.KindText, payload.KindAttachment},
			text:  "first",
		},
	}
	for _, tc := range cases {
		src := buildPayload(tc.in)
		if src.IsStatic() != tc.static {
			t.Fatalf("%s: static=%v", tc.name, src.IsStatic())
		}
		v, err := src.Produce(context.Background())
		if err != nil {
			t.Fatalf("%s: Produce: %v", tc.name, err)
		}
		if len(v) != len(tc.kinds) {
			t.Fatalf("%s: parts=%d want %d", tc.name, len(v), len(tc.kinds))
		}
		for i, p := range v {
			if p.Kind() != tc.kinds[i] {
				t.Fatalf("%s: part[%d]=%v want %v", tc.name, i, p.Kind(), tc.kinds[i])
			}
		}
		if tc.text != "" && v[0].(payload.Text) != payload.Text(tc.text) {
			t.Fatalf("%s: text=%q", tc.name, v[0])
		}
	}

	src := buildPayload(config.ContentConfig{TextFile: file})
	if err := os.WriteFile(file, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	v, err := src.Produce(context.Background())
	if err != nil || len(v) != 1 || v[0].(payload.Text) != "second" {
		t.Fatalf("reread=%v err=%v", v, err)
	}
}

func TestDryRunPlatformMirrorsConfig(t *testing.T) {
	t.Parallel()

	cfg := decode(t, `
telegram:
  chats:
    - id: -1001
      name: alpha
      topics:
        - {id: 5, name: news}
        - {id: 9, name: lounge, kind: voice}
groups:
  - id: "-2002"
    messages:
      - {id: a, period: 5m, content: {text: x}, channels: ["-2002/3"]}
`)
	mt := dryRunPlatform(cfg, logx.Nop())
	ctx := context.Background()

	cases := []struct {
		id   kit.ID
		name string
		kind kit.ChannelKind
	}{
		{"-1001", "general", kit.KindText},
		{"-1001/5", "news", kit.KindText},
		{"-1001/9", "lounge", kit.KindVoice},
		{"-2002", "general", kit.KindText},
		{"-2002/3", "topic-3", kit.KindText},
	}
	for _, tc := range cases {
		ch, ok, err := mt.ResolveChannel(ctx, tc.id)
		if err != nil || !ok {
			t.Fatalf("ResolveChannel(%s): ok=%v err=%v", tc.id, ok, err)
		}
		if ch.Name != tc.name || ch.Kind != tc.kind {
			t.Fatalf("ResolveChannel(%s) = %+v", tc.id, ch)
		}
	}

	groups, err := mt.ListVisibleGroups(ctx)
	if err != nil || len(groups) != 2 {
		t.Fatalf("groups=%v err=%v", groups, err)
	}
}

func TestRunDispatchesAndStops(t *testing.T) {
	mt := platform()
	a, err := New(Options{ConfigPath: writeConfig(t, runYAML), Platform: mt})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sent, unsub := a.Bus().Subscribe(8, eventbus.MessageSent)
	defer unsub()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "first send", func() bool { return mt.Count(memtransport.OpCreate, "-1001") >= 1 })

	select {
	case ev := <-sent:
		data, _ := ev.Data.(map[string]string)
		if data["message"] != "hello" {
			t.Fatalf("event data=%v", ev.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no message.sent event")
	}

	st, ok := a.Status().(Status)
	if !ok || len(st.Groups) != 1 || st.Groups[0].Key != "group:-1001" {
		t.Fatalf("status=%+v", a.Status())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}

func TestStartWithNoResolvableGroups(t *testing.T) {
	mt := memtransport.New()
	a, err := New(Options{ConfigPath: writeConfig(t, runYAML), Platform: mt})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = a.Start(context.Background())
	if !errors.Is(err, ErrNothingToDo) {
		t.Fatalf("Start err=%v want ErrNothingToDo", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(ctx, StopNoWork)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
groups:
  - id: "-1001"
    messages:
      - {id: a, period: never, content: {text: x}, channels: ["-1001"]}
`)
	if _, err := New(Options{ConfigPath: path, DryRun: true}); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("New err=%v want ErrInvalid", err)
	}
}

func TestApplyPublishesReload(t *testing.T) {
	a, err := New(Options{ConfigPath: writeConfig(t, runYAML), DryRun: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, unsub := a.Bus().Subscribe(4, eventbus.ConfigReloaded)
	defer unsub()

	oldCfg := decode(t, runYAML)
	newCfg := decode(t, runYAML)
	newCfg.Logging.Level = "warn"
	newCfg.Trace.Driver = "file"
	newCfg.Trace.Path = filepath.Join(t.TempDir(), "trace.jsonl")

	ctx := context.Background()
	a.apply(ctx, oldCfg, newCfg)

	select {
	case ev := <-events:
		changed, _ := ev.Data.([]string)
		if len(changed) != 2 || changed[0] != "logging" || changed[1] != "trace" {
			t.Fatalf("changed=%v", ev.Data)
		}
	default:
		t.Fatalf("no config.reloaded event")
	}

	a.apply(ctx, newCfg, newCfg)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event for unchanged config: %+v", ev)
	default:
	}
	_ = a.trace.Stop(ctx)
	_ = a.logs.Close()
}
