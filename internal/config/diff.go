package config

import (
	"sort"
	"strings"

	logx "cadence/pkg/logx"
)

// liveSections are applied without a restart.
var liveSections = map[string]bool{"logging": true, "trace": true, "ops": true}

// SummarizeChange returns the changed top-level sections, safe attrs for
// logging (never secrets) and the changed sections that only take effect
// after a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if hashJSON(oldCfg.Logging) != hashJSON(newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	// Token changes are detected but never logged.
	if hashJSON(oldCfg.Telegram) != hashJSON(newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.chats", len(newCfg.Telegram.Chats)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.rescan", newCfg.Scheduler.Rescan),
		)
	}

	if hashJSON(oldCfg.Trace) != hashJSON(newCfg.Trace) {
		changed = append(changed, "trace")
		attrs = append(attrs,
			logx.String("trace.driver", strings.TrimSpace(newCfg.Trace.Driver)),
			logx.Bool("trace.path_set", strings.TrimSpace(newCfg.Trace.Path) != ""),
			logx.Bool("trace.dsn_set", strings.TrimSpace(newCfg.Trace.DSN) != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	if hashJSON(oldCfg.Groups) != hashJSON(newCfg.Groups) {
		changed = append(changed, "groups")
		attrs = append(attrs, logx.Int("groups.count", len(newCfg.Groups)))
	}
	if hashJSON(oldCfg.AutoGroups) != hashJSON(newCfg.AutoGroups) {
		changed = append(changed, "auto_groups")
		attrs = append(attrs, logx.Int("auto_groups.count", len(newCfg.AutoGroups)))
	}

	sort.Strings(changed)
	for _, s := range changed {
		if !liveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
