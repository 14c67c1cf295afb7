package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Trace     TraceConfig     `json:"trace"`
	Ops       OpsConfig       `json:"ops,omitempty"`

	Groups     []GroupConfig     `json:"groups"`
	AutoGroups []AutoGroupConfig `json:"auto_groups,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warnings to a chat destination ("chatID" or
// "chatID/threadID").
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout for updates (default "10s").
	PollTimeout string `json:"poll_timeout"`
	// RatePerSec caps outgoing API calls (default 20).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Chats are known up front; more are learned from updates.
	Chats []ChatConfig `json:"chats,omitempty"`
}

// ChatConfig declares a chat and the forum topics usable as channels.
// The general topic (id 0) always exists.
type ChatConfig struct {
	ID     int64         `json:"id"`
	Name   string        `json:"name,omitempty"`
	Topics []TopicConfig `json:"topics,omitempty"`
}

type TopicConfig struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	// Kind is "text" (default) or "voice".
	Kind string `json:"kind,omitempty"`
}

type SchedulerConfig struct {
	// Tick is the loop interval (default "50ms").
	Tick string `json:"tick,omitempty"`
	// Rescan is the default interval for filter-based destinations and
	// auto groups (default "60s").
	Rescan string `json:"rescan,omitempty"`
}

// TraceConfig selects the outcome store.
//
// Example:
//
//	"trace": { "driver": "sqlite", "path": "./data/trace.db" }
type TraceConfig struct {
	// Driver: none, log, file, sqlite, postgres, bolt, redis, kafka.
	Driver      string   `json:"driver"`
	Path        string   `json:"path,omitempty"`
	DSN         string   `json:"dsn,omitempty"` // postgres / redis URL (do not log)
	Topic       string   `json:"topic,omitempty"`
	Brokers     []string `json:"brokers,omitempty"`
	MaxLen      int64    `json:"max_len,omitempty"`
	BusyTimeout string   `json:"busy_timeout,omitempty"`
	Queue       int      `json:"queue,omitempty"`
}

// OpsConfig controls the optional status/pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type GroupConfig struct {
	// ID is the chat id as a string.
	ID       string          `json:"id"`
	Logging  bool            `json:"logging,omitempty"`
	Messages []MessageConfig `json:"messages"`
}

// AutoGroupConfig applies its messages to every visible group whose name
// matches.
type AutoGroupConfig struct {
	Name     string          `json:"name"`
	Include  string          `json:"include,omitempty"`
	Exclude  string          `json:"exclude,omitempty"`
	Rescan   string          `json:"rescan,omitempty"`
	Logging  bool            `json:"logging,omitempty"`
	Messages []MessageConfig `json:"messages"`
}

type MessageConfig struct {
	ID string `json:"id"`
	// Kind is "text" (default) or "voice".
	Kind string `json:"kind,omitempty"`
	// Period: "30m", "every:1h", "random:10m-20m", "cron:0 9 * * *", "daily:09:30".
	Period   string `json:"period"`
	StartNow bool   `json:"start_now,omitempty"`
	// Mode: "send" (default), "edit", "clear-send".
	Mode    string        `json:"mode,omitempty"`
	Content ContentConfig `json:"content"`

	// Channels are explicit channel ids. ChannelFilter discovers channels by
	// name instead; exactly one of the two is required.
	Channels      []string      `json:"channels,omitempty"`
	ChannelFilter *FilterConfig `json:"channel_filter,omitempty"`
	Rescan        string        `json:"rescan,omitempty"`

	RemoveAfter *RemoveAfterConfig `json:"remove_after,omitempty"`
}

type FilterConfig struct {
	Include string `json:"include,omitempty"`
	Exclude string `json:"exclude,omitempty"`
}

type ContentConfig struct {
	Text string `json:"text,omitempty"`
	// TextFile is re-read before every send.
	TextFile string       `json:"text_file,omitempty"`
	Embed    *EmbedConfig `json:"embed,omitempty"`
	Files    []string     `json:"files,omitempty"`
	Audio    string       `json:"audio,omitempty"`
}

type EmbedConfig struct {
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	URL         string             `json:"url,omitempty"`
	Color       int                `json:"color,omitempty"`
	ImageURL    string             `json:"image_url,omitempty"`
	Footer      string             `json:"footer,omitempty"`
	Fields      []EmbedFieldConfig `json:"fields,omitempty"`
}

type EmbedFieldConfig struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// RemoveAfterConfig retires a message after Count successful sends or at
// the RFC 3339 instant At, whichever comes first.
type RemoveAfterConfig struct {
	Count int    `json:"count,omitempty"`
	At    string `json:"at,omitempty"`
}
