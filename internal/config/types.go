package config

// Config is the root on-disk configuration (yaml or json, strict fields).
//
// Duration-ish fields are strings ("2s", "1m") parsed with ParseDurationField
// so a typo is reported with its config path instead of silently becoming 0.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Mail       MailConfig       `json:"mail"`
	Discord    DiscordConfig    `json:"discord"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	WarStatus  WarStatusConfig  `json:"war_status"`
	Ops        OpsConfig        `json:"ops"`
}

type LoggingConfig struct {
	Level   string           `json:"level"`
	Console bool             `json:"console"`
	File    LogFileConfig    `json:"file"`
	Discord LogDiscordConfig `json:"discord"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogDiscordConfig mirrors operator-facing log lines to the discord_log
// webhook (min-level gated, rate limited, best-effort).
type LogDiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default)
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type MailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

// DiscordConfig maps notification kinds to webhook endpoints.
// Keys are job kinds ("discord_log", "discord_login", ...).
type DiscordConfig struct {
	Webhooks map[string]string `json:"webhooks"`
	Timeout  string            `json:"timeout"`
}

type DispatcherConfig struct {
	Enabled     bool   `json:"enabled"`
	Tick        string `json:"tick"`
	BatchSize   int    `json:"batch_size"`
	MaxFailures int    `json:"max_failures"`
	SendTimeout string `json:"send_timeout"`
}

type RateLimitConfig struct {
	MinInterval string `json:"min_interval"`
}

type WarStatusConfig struct {
	Enabled       bool     `json:"enabled"`
	BaseURL       string   `json:"base_url"`
	Servers       []string `json:"servers"`
	PrimaryServer string   `json:"primary_server"`
	FetchInterval string   `json:"fetch_interval"`
	Realms        []string `json:"realms"`
	Factions      []string `json:"factions"`
	Timeout       string   `json:"timeout"`
}

// OpsConfig controls the operational HTTP server (war read API, health,
// optional pprof).
//
// Security: prefer binding to localhost. A non-loopback bind requires Token
// or AllowInsecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
	Pprof         bool   `json:"pprof"`
}
