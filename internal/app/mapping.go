package app

import (
	"time"

	"warwatch/internal/config"
	"warwatch/internal/notify"
	"warwatch/internal/notify/sink"
	"warwatch/internal/ops"
	"warwatch/internal/storage"
	"warwatch/internal/warstatus"
	"warwatch/pkg/logx"
)

// Mapping helpers translate the on-disk config into per-component configs.
// Duration strings are parsed here so every component receives concrete
// values; Validate() has already guaranteed they parse.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Discord: logx.DiscordConfig{
			Enabled:    cfg.Logging.Discord.Enabled,
			MinLevel:   cfg.Logging.Discord.MinLevel,
			RatePerSec: cfg.Logging.Discord.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./warwatch.db"
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (notify.Config, error) {
	tick, err := config.ParseDurationOrDefault("dispatcher.tick", cfg.Dispatcher.Tick, 2*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatcher.send_timeout", cfg.Dispatcher.SendTimeout, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:        cfg.Dispatcher.Enabled,
		Tick:           tick,
		BatchSize:      cfg.Dispatcher.BatchSize,
		MaxFailures:    cfg.Dispatcher.MaxFailures,
		SendTimeout:    sendTimeout,
		EscalationKind: config.KindDiscordLog,
	}, nil
}

func mapRateLimitInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("rate_limit.min_interval", cfg.RateLimit.MinInterval, time.Second)
}

func mapWarStatusConfig(cfg *config.Config) (warstatus.Config, error) {
	interval, err := config.ParseDurationOrDefault("war_status.fetch_interval", cfg.WarStatus.FetchInterval, 30*time.Second)
	if err != nil {
		return warstatus.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("war_status.timeout", cfg.WarStatus.Timeout, 10*time.Second)
	if err != nil {
		return warstatus.Config{}, err
	}
	return warstatus.Config{
		Enabled:       cfg.WarStatus.Enabled,
		BaseURL:       cfg.WarStatus.BaseURL,
		Servers:       cfg.WarStatus.Servers,
		PrimaryServer: cfg.WarStatus.PrimaryServer,
		FetchInterval: interval,
		Timeout:       timeout,
		Realms:        cfg.WarStatus.Realms,
		Factions:      cfg.WarStatus.Factions,
		NotifyKind:    config.KindDiscordLog,
	}, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
	}
}

func mapEmailConfig(cfg *config.Config) sink.EmailConfig {
	return sink.EmailConfig{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
	}
}

func mapDiscordConfig(cfg *config.Config) (sink.DiscordConfig, error) {
	timeout, err := config.ParseDurationOrDefault("discord.timeout", cfg.Discord.Timeout, 10*time.Second)
	if err != nil {
		return sink.DiscordConfig{}, err
	}
	return sink.DiscordConfig{
		Webhooks: cfg.Discord.Webhooks,
		Timeout:  timeout,
	}, nil
}
