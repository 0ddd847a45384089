package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
	Feed     FeedConfig     `json:"feed"`
	Ops      OpsConfig      `json:"ops"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the operator chat id that receives forwarded log lines.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DeliveryConfig tunes the outbound dispatcher. Zero values mean defaults:
// 10 sends per 1s globally, 4 per 1s per recipient, broadcast poll 1s,
// broadcast cooldown 5s, send timeout 30s. Every field is hot-reloadable.
type DeliveryConfig struct {
	GlobalLimit       int    `json:"global_limit,omitempty"`
	GlobalInterval    string `json:"global_interval,omitempty"`
	BurstLimit        int    `json:"burst_limit,omitempty"`
	BurstInterval     string `json:"burst_interval,omitempty"`
	BroadcastPoll     string `json:"broadcast_poll,omitempty"`
	BroadcastCooldown string `json:"broadcast_cooldown,omitempty"`
	SendTimeout       string `json:"send_timeout,omitempty"`
	// StatsEvery is a cron spec for the periodic queue report ("" disables).
	StatsEvery string `json:"stats_every,omitempty"`
}

// StorageConfig selects the persistence driver ("file" or "sqlite").
//
//	"storage": { "driver": "sqlite", "path": "./data/freegamesbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FeedConfig enables polling of the store promotions endpoint.
// Schedule is a standard cron spec, default "30 * * * *".
type FeedConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// OpsConfig controls the operator HTTP server (/healthz, /metrics, /items,
// /debug/pprof/).
//
// Prefer binding to loopback. A non-loopback address needs a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
