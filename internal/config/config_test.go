package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseBytesStrict(t *testing.T) {
	t.Parallel()

	yml := []byte(`
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./test.db
dispatcher:
  enabled: false
  tick: 2s
`)
	cfg, err := ParseBytes("config.yaml", yml)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging section not decoded: %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "./test.db" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
	if cfg.Dispatcher.Tick != "2s" {
		t.Fatalf("dispatcher.tick = %q", cfg.Dispatcher.Tick)
	}
}

func TestParseBytesRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	yml := []byte("logging:\n  level: info\n  verbosity: 9\n")
	if _, err := ParseBytes("config.yaml", yml); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationField("dispatcher.tick", "1500ms")
	if err != nil {
		t.Fatalf("ParseDurationField: %v", err)
	}
	if d != 1500*time.Millisecond {
		t.Fatalf("d = %v", d)
	}

	_, perr := ParseDurationField("dispatcher.tick", "soon")
	if perr == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(perr.Error(), "dispatcher.tick") {
		t.Fatalf("error should name the config path: %v", perr)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Storage: StorageConfig{Driver: "sqlite", Path: "./db"},
			Mail:    MailConfig{Host: "smtp.example.com", Port: 587, From: "bot@example.com"},
			Discord: DiscordConfig{Webhooks: map[string]string{
				KindDiscordLog:   "https://discord.example/log",
				KindDiscordLogin: "https://discord.example/login",
			}},
			Dispatcher: DispatcherConfig{Enabled: true, Tick: "2s"},
			WarStatus: WarStatusConfig{
				Enabled:       true,
				BaseURL:       "https://game.example/war",
				Servers:       []string{"alpha", "beta"},
				PrimaryServer: "alpha",
			},
		}
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing mail host", func(c *Config) { c.Mail.Host = "" }},
		{"missing log webhook", func(c *Config) { delete(c.Discord.Webhooks, KindDiscordLog) }},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"bad tick", func(c *Config) { c.Dispatcher.Tick = "never" }},
		{"primary not monitored", func(c *Config) { c.WarStatus.PrimaryServer = "gamma" }},
		{"duplicate server", func(c *Config) { c.WarStatus.Servers = []string{"alpha", "Alpha"} }},
		{"no servers", func(c *Config) { c.WarStatus.Servers = nil }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Mail: MailConfig{Host: "a"}}
	newCfg := &Config{Mail: MailConfig{Host: "a", Password: "hunter2"}}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "mail" {
		t.Fatalf("changed = %v", changed)
	}
}
