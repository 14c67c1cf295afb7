package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"cadence/internal/message"
	"cadence/internal/period"
)

var ErrInvalid = errors.New("invalid config")

var traceDrivers = map[string]bool{
	"": true, "none": true, "log": true, "file": true, "jsonl": true,
	"sqlite": true, "sqlite3": true, "postgres": true, "postgresql": true, "pg": true,
	"bolt": true, "bbolt": true, "redis": true, "kafka": true,
}

// Validate checks everything that can be checked without talking to the
// chat platform. All problems are reported together, each prefixed with
// its path (e.g. "groups[0].messages[1].period").
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	v := &validator{}

	v.level("logging.level", cfg.Logging.Level)
	v.level("logging.chat.min_level", cfg.Logging.Chat.MinLevel)
	if cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Logging.Chat.Target) == "" {
		v.addf("logging.chat.target: required when chat logging is enabled")
	}

	v.duration("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if cfg.Telegram.RatePerSec < 0 {
		v.addf("telegram.rate_per_sec: must be >= 0")
	}
	seenChats := map[int64]bool{}
	for i, c := range cfg.Telegram.Chats {
		p := fmt.Sprintf("telegram.chats[%d]", i)
		if c.ID == 0 {
			v.addf("%s.id: required", p)
		}
		if seenChats[c.ID] {
			v.addf("%s.id: duplicate chat %d", p, c.ID)
		}
		seenChats[c.ID] = true
		for j, t := range c.Topics {
			tp := fmt.Sprintf("%s.topics[%d]", p, j)
			if t.ID < 0 {
				v.addf("%s.id: must be >= 0", tp)
			}
			v.kind(tp+".kind", t.Kind)
		}
	}

	v.duration("scheduler.tick", cfg.Scheduler.Tick)
	v.duration("scheduler.rescan", cfg.Scheduler.Rescan)

	if !traceDrivers[strings.ToLower(strings.TrimSpace(cfg.Trace.Driver))] {
		v.addf("trace.driver: unknown driver %q", cfg.Trace.Driver)
	}
	v.duration("trace.busy_timeout", cfg.Trace.BusyTimeout)

	v.duration("ops.read_timeout", cfg.Ops.ReadTimeout)
	v.duration("ops.write_timeout", cfg.Ops.WriteTimeout)
	v.duration("ops.idle_timeout", cfg.Ops.IdleTimeout)

	seenGroups := map[string]bool{}
	for i, g := range cfg.Groups {
		p := fmt.Sprintf("groups[%d]", i)
		id := strings.TrimSpace(g.ID)
		switch {
		case id == "":
			v.addf("%s.id: required", p)
		case seenGroups[id]:
			v.addf("%s.id: duplicate group %q", p, id)
		}
		seenGroups[id] = true
		v.messages(p, g.Messages)
	}

	seenAuto := map[string]bool{}
	for i, a := range cfg.AutoGroups {
		p := fmt.Sprintf("auto_groups[%d]", i)
		name := strings.TrimSpace(a.Name)
		switch {
		case name == "":
			v.addf("%s.name: required", p)
		case seenAuto[name]:
			v.addf("%s.name: duplicate auto group %q", p, name)
		}
		seenAuto[name] = true
		v.regexp(p+".include", a.Include)
		v.regexp(p+".exclude", a.Exclude)
		v.duration(p+".rescan", a.Rescan)
		v.messages(p, a.Messages)
	}

	if len(v.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(v.errs...))
}

type validator struct {
	errs []error
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) add(err error) {
	if err != nil {
		v.errs = append(v.errs, err)
	}
}

func (v *validator) duration(path, raw string) {
	_, err := ParseDurationField(path, raw)
	v.add(err)
}

func (v *validator) regexp(path, raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	if _, err := regexp.Compile(raw); err != nil {
		v.addf("%s: %v", path, err)
	}
}

func (v *validator) level(path, raw string) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		v.addf("%s: unknown level %q", path, raw)
	}
}

func (v *validator) kind(path, raw string) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text", "voice":
	default:
		v.addf("%s: unknown kind %q", path, raw)
	}
}

func (v *validator) messages(parent string, msgs []MessageConfig) {
	if len(msgs) == 0 {
		v.addf("%s.messages: at least one message is required", parent)
	}
	seen := map[string]bool{}
	for i, m := range msgs {
		p := fmt.Sprintf("%s.messages[%d]", parent, i)
		id := strings.TrimSpace(m.ID)
		switch {
		case id == "":
			v.addf("%s.id: required", p)
		case seen[id]:
			v.addf("%s.id: duplicate message %q", p, id)
		}
		seen[id] = true

		v.kind(p+".kind", m.Kind)
		if _, err := period.Parse(m.Period); err != nil {
			v.addf("%s.period: %v", p, err)
		}
		if _, err := message.ParseMode(m.Mode); err != nil {
			v.addf("%s.mode: %v", p, err)
		}

		c := m.Content
		voice := strings.EqualFold(strings.TrimSpace(m.Kind), "voice")
		switch {
		case voice && strings.TrimSpace(c.Audio) == "":
			v.addf("%s.content.audio: required for voice messages", p)
		case !voice && c.Text == "" && c.TextFile == "" && c.Embed == nil && len(c.Files) == 0 && c.Audio == "":
			v.addf("%s.content: empty", p)
		}

		switch {
		case len(m.Channels) > 0 && m.ChannelFilter != nil:
			v.addf("%s: channels and channel_filter are mutually exclusive", p)
		case len(m.Channels) == 0 && m.ChannelFilter == nil:
			v.addf("%s.channels: required (or channel_filter)", p)
		}
		if m.ChannelFilter != nil {
			v.regexp(p+".channel_filter.include", m.ChannelFilter.Include)
			v.regexp(p+".channel_filter.exclude", m.ChannelFilter.Exclude)
		}
		v.duration(p+".rescan", m.Rescan)

		if ra := m.RemoveAfter; ra != nil {
			if ra.Count < 0 {
				v.addf("%s.remove_after.count: must be >= 0", p)
			}
			_, err := ParseInstant(p+".remove_after.at", ra.At)
			v.add(err)
		}
	}
}

// ParseChatID splits "chatID" or "chatID/threadID".
func ParseChatID(raw string) (chat int64, thread int, err error) {
	s := strings.TrimSpace(raw)
	head, tail, hasThread := strings.Cut(s, "/")
	chat, err = strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id %q", raw)
	}
	if hasThread {
		thread, err = strconv.Atoi(tail)
		if err != nil || thread < 0 {
			return 0, 0, fmt.Errorf("invalid thread id in %q", raw)
		}
	}
	return chat, thread, nil
}
