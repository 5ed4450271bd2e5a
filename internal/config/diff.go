package config

import (
	"reflect"
	"sort"
	"strings"

	logx "warwatch/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (mail password, webhook URLs, ops
// token) are never included, only presence booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.discord_enabled", newCfg.Logging.Discord.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Mail (never log password)
	if oldCfg.Mail.Host != newCfg.Mail.Host ||
		oldCfg.Mail.Port != newCfg.Mail.Port ||
		oldCfg.Mail.Username != newCfg.Mail.Username ||
		oldCfg.Mail.From != newCfg.Mail.From ||
		(oldCfg.Mail.Password != "") != (newCfg.Mail.Password != "") {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.String("mail.host", newCfg.Mail.Host),
			logx.Int("mail.port", newCfg.Mail.Port),
			logx.String("mail.from", newCfg.Mail.From),
			logx.Bool("mail.password_set", newCfg.Mail.Password != ""),
		)
	}

	// Discord (never log webhook URLs)
	if !reflect.DeepEqual(oldCfg.Discord, newCfg.Discord) {
		changed = append(changed, "discord")
		kinds := make([]string, 0, len(newCfg.Discord.Webhooks))
		for k, v := range newCfg.Discord.Webhooks {
			if strings.TrimSpace(v) != "" {
				kinds = append(kinds, k)
			}
		}
		sort.Strings(kinds)
		attrs = append(attrs,
			logx.String("discord.webhook_kinds", strings.Join(kinds, ",")),
			logx.String("discord.timeout", strings.TrimSpace(newCfg.Discord.Timeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.Dispatcher.Enabled),
			logx.String("dispatcher.tick", strings.TrimSpace(newCfg.Dispatcher.Tick)),
			logx.Int("dispatcher.batch_size", newCfg.Dispatcher.BatchSize),
			logx.Int("dispatcher.max_failures", newCfg.Dispatcher.MaxFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.String("rate_limit.min_interval", strings.TrimSpace(newCfg.RateLimit.MinInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.WarStatus, newCfg.WarStatus) {
		changed = append(changed, "war_status")
		attrs = append(attrs,
			logx.Bool("war_status.enabled", newCfg.WarStatus.Enabled),
			logx.Int("war_status.server_count", len(newCfg.WarStatus.Servers)),
			logx.String("war_status.primary", strings.TrimSpace(newCfg.WarStatus.PrimaryServer)),
			logx.String("war_status.fetch_interval", strings.TrimSpace(newCfg.WarStatus.FetchInterval)),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled ||
		oldCfg.Ops.Addr != newCfg.Ops.Addr ||
		oldCfg.Ops.AllowInsecure != newCfg.Ops.AllowInsecure ||
		oldCfg.Ops.Pprof != newCfg.Ops.Pprof ||
		(oldCfg.Ops.Token != "") != (newCfg.Ops.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
