package app

import (
	"strconv"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/observability/ops"
	"cadence/internal/storage"
	"cadence/internal/trace"
	kit "cadence/internal/transport"
	"cadence/internal/transport/memtransport"
	telegram "cadence/internal/transport/telegram/adapter"
	logx "cadence/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			Target:     strings.TrimSpace(cfg.Logging.Chat.Target),
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapTrace(cfg *config.Config) (trace.Config, error) {
	tc := cfg.Trace
	busy, err := config.ParseDurationOrDefault("trace.busy_timeout", tc.BusyTimeout, time.Second)
	if err != nil {
		return trace.Config{}, err
	}
	return trace.Config{
		Storage: storage.Config{
			Driver:      strings.ToLower(strings.TrimSpace(tc.Driver)),
			Path:        strings.TrimSpace(tc.Path),
			BusyTimeout: busy,
			DSN:         strings.TrimSpace(tc.DSN),
			Topic:       strings.TrimSpace(tc.Topic),
			Brokers:     tc.Brokers,
			MaxLen:      tc.MaxLen,
		},
		Queue: tc.Queue,
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// Zero write timeout: websocket streams and CPU profiles outlive any fixed bound.
	write, err := config.ParseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		Pprof:                oc.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}, nil
}

func mapChats(cfg *config.Config) []telegram.Chat {
	out := make([]telegram.Chat, 0, len(cfg.Telegram.Chats))
	for _, c := range cfg.Telegram.Chats {
		chat := telegram.Chat{ID: c.ID, Name: c.Name}
		for _, t := range c.Topics {
			chat.Topics = append(chat.Topics, telegram.Topic{ID: t.ID, Name: t.Name, Kind: kit.ParseChannelKind(t.Kind)})
		}
		out = append(out, chat)
	}
	return out
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		RatePerSec:  cfg.Telegram.RatePerSec,
		Chats:       mapChats(cfg),
	}, nil
}

// dryRunPlatform mirrors what the Telegram directory would know at startup:
// configured chats with their topics, plus every group and explicit channel
// the config names. Sends are only logged.
func dryRunPlatform(cfg *config.Config, log logx.Logger) *memtransport.Transport {
	mt := memtransport.New(memtransport.WithLogger(log))
	known := map[kit.ID]bool{}

	addGroup := func(chat int64, name string) kit.ID {
		gid := telegram.GroupID(chat)
		if known[gid] {
			return gid
		}
		if name == "" {
			name = string(gid)
		}
		mt.AddGroup(gid, name)
		mt.AddChannel(gid, gid, "general", kit.KindText)
		known[gid] = true
		return gid
	}
	addChannel := func(chat int64, thread int, name string, kind kit.ChannelKind) {
		gid := addGroup(chat, "")
		cid := telegram.ChannelID(chat, thread)
		if known[cid] {
			return
		}
		mt.AddChannel(gid, cid, name, kind)
		known[cid] = true
	}

	for _, c := range mapChats(cfg) {
		addGroup(c.ID, c.Name)
		for _, t := range c.Topics {
			if t.ID == 0 {
				continue
			}
			name := t.Name
			if name == "" {
				name = "topic-" + strconv.Itoa(t.ID)
			}
			addChannel(c.ID, t.ID, name, t.Kind)
		}
	}
	for _, g := range cfg.Groups {
		chat, _, err := config.ParseChatID(g.ID)
		if err != nil {
			continue
		}
		addGroup(chat, "")
		for _, m := range g.Messages {
			for _, raw := range m.Channels {
				c, thread, err := config.ParseChatID(raw)
				if err != nil || thread == 0 {
					continue
				}
				addChannel(c, thread, "topic-"+strconv.Itoa(thread), kit.ParseChannelKind(m.Kind))
			}
		}
	}
	return mt
}
