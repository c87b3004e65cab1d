package config

// Config is the bridge's file configuration. JSON and YAML are accepted;
// unknown keys are rejected so typos surface on load and on reload.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Channel  ChannelConfig  `json:"channel"`
	Platform PlatformConfig `json:"platform"`
	Grouping GroupingConfig `json:"grouping"`
	DBus     DBusConfig     `json:"dbus"`
	Telegram TelegramConfig `json:"telegram"`
	Diag     DiagConfig     `json:"diag"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// ChannelConfig controls the command channel the application talks to.
//
// Listen accepts "stdio", "unix:/path/to.sock" or "tcp:host:port".
type ChannelConfig struct {
	Name   string `json:"name,omitempty"`
	Listen string `json:"listen,omitempty"`

	// MaxFrameBytes bounds one channel line; 0 uses the built-in 16 MiB.
	MaxFrameBytes int `json:"max_frame_bytes,omitempty" validate:"gte=0"`
}

// PlatformConfig selects the handler variant and the OS service backend.
//
// Defaults (when fields are omitted):
//   - variant: "auto" (consent on darwin, channel elsewhere)
//   - backend: "auto" (dbus when a session bus answers, beeep otherwise)
//   - display_rate_per_sec: 0 (unlimited)
//   - long_text_threshold: 40 characters; 0 expands every body, a negative
//     value disables the long-text style
//   - submit_timeout: "10s"
type PlatformConfig struct {
	Variant           string  `json:"variant,omitempty" validate:"omitempty,oneof=auto channel consent"`
	Backend           string  `json:"backend,omitempty" validate:"omitempty,oneof=auto dbus beeep telegram memory"`
	DisplayRatePerSec float64 `json:"display_rate_per_sec,omitempty" validate:"gte=0"`
	LongTextThreshold int     `json:"long_text_threshold"`
	Provisional       bool    `json:"provisional,omitempty"`
	SubmitTimeout     string  `json:"submit_timeout,omitempty"`
}

// GroupingConfig overrides the grouping registered on initialize. Empty
// fields keep the built-in defaults.
type GroupingConfig struct {
	ID          string `json:"id,omitempty" validate:"omitempty,max=64"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Importance  string `json:"importance,omitempty" validate:"omitempty,oneof=min low default high max"`
	CategoryID  string `json:"category_id,omitempty"`
	ActionID    string `json:"action_id,omitempty"`
	ActionLabel string `json:"action_label,omitempty"`
}

type DBusConfig struct {
	AppName string `json:"app_name,omitempty"`
	Icon    string `json:"icon,omitempty"`
	// ExpireTimeout is how long the server keeps a bubble up; "0s" or empty
	// uses the server default.
	ExpireTimeout string `json:"expire_timeout,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// DiagConfig controls the optional diagnostics HTTP server (/healthz,
// /status, pprof). It is applied live on reload.
type DiagConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Default is used when no config file is given, and is the base every file
// is decoded onto, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Channel: ChannelConfig{Listen: "stdio"},
		Platform: PlatformConfig{
			Variant:           "auto",
			Backend:           "auto",
			LongTextThreshold: 40,
		},
	}
}
