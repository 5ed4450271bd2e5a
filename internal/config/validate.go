package config

import (
	"errors"
	"fmt"
	"strings"
)

// Kinds that must resolve to a delivery sink at startup. Validation fails
// fast on a kind with no backing configuration instead of failing at
// job-processing time.
const (
	KindEmail        = "email"
	KindDiscordLog   = "discord_log"
	KindDiscordLogin = "discord_login"
)

// Validate checks structural invariants before a config is committed.
// It is used both at startup and as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	// Duration strings must parse even when services are disabled, so a bad
	// value is caught at load time and not at first use.
	durFields := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"discord.timeout", cfg.Discord.Timeout},
		{"dispatcher.tick", cfg.Dispatcher.Tick},
		{"dispatcher.send_timeout", cfg.Dispatcher.SendTimeout},
		{"rate_limit.min_interval", cfg.RateLimit.MinInterval},
		{"war_status.fetch_interval", cfg.WarStatus.FetchInterval},
		{"war_status.timeout", cfg.WarStatus.Timeout},
	}
	for _, f := range durFields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver != "" && driver != "sqlite" && driver != "sqlite3" {
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	if cfg.Dispatcher.Enabled {
		if strings.TrimSpace(cfg.Mail.Host) == "" {
			return errors.New("mail.host is required when the dispatcher is enabled")
		}
		if strings.TrimSpace(cfg.Mail.From) == "" {
			return errors.New("mail.from is required when the dispatcher is enabled")
		}
		for _, kind := range []string{KindDiscordLog, KindDiscordLogin} {
			if strings.TrimSpace(cfg.Discord.Webhooks[kind]) == "" {
				return fmt.Errorf("discord.webhooks.%s is required when the dispatcher is enabled", kind)
			}
		}
		if cfg.Dispatcher.BatchSize < 0 {
			return errors.New("dispatcher.batch_size must be >= 0")
		}
		if cfg.Dispatcher.MaxFailures < 0 {
			return errors.New("dispatcher.max_failures must be >= 0")
		}
	}

	if cfg.WarStatus.Enabled {
		if strings.TrimSpace(cfg.WarStatus.BaseURL) == "" {
			return errors.New("war_status.base_url is required when war_status is enabled")
		}
		if len(cfg.WarStatus.Servers) == 0 {
			return errors.New("war_status.servers must not be empty when war_status is enabled")
		}
		seen := map[string]bool{}
		for i, srv := range cfg.WarStatus.Servers {
			name := strings.TrimSpace(srv)
			if name == "" {
				return fmt.Errorf("war_status.servers[%d] is empty", i)
			}
			if seen[strings.ToLower(name)] {
				return fmt.Errorf("war_status.servers: duplicate server %q", name)
			}
			seen[strings.ToLower(name)] = true
		}
		if p := strings.TrimSpace(cfg.WarStatus.PrimaryServer); p != "" && !seen[strings.ToLower(p)] {
			return fmt.Errorf("war_status.primary_server %q is not in war_status.servers", p)
		}
	}

	if cfg.Ops.Enabled {
		if strings.TrimSpace(cfg.Ops.Addr) == "" {
			return errors.New("ops.addr is required when ops is enabled")
		}
	}

	return nil
}
