// Package app wires the daemon together: config, logging, storage, the
// notification dispatcher, the war-status poller and the ops server.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"warwatch/internal/config"
	"warwatch/internal/eventbus"
	"warwatch/internal/notify"
	"warwatch/internal/notify/sink"
	"warwatch/internal/ops"
	"warwatch/internal/ratelimit"
	"warwatch/internal/runtime/supervisor"
	"warwatch/internal/storage"
	"warwatch/internal/warstatus"
	logx "warwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	sender *logSender

	bus     eventbus.Bus
	store   storage.Store
	limiter *ratelimit.Limiter

	dispatch *notify.Service
	poller   *warstatus.Service
	ops      *ops.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Log service with the discord_log webhook as its secondary sink.
	// The sender is a mutable holder so hot-reloads can swap the URL
	// without rebuilding the logger.
	sender := &logSender{}
	dcfg, err := mapDiscordConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender.set(cfg.Discord.Webhooks[config.KindDiscordLog], dcfg.Timeout)

	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	minInterval, err := mapRateLimitInterval(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(minInterval)

	registry, err := buildRegistry(cfg, dcfg, log)
	if err != nil {
		return nil, err
	}

	ncfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatch := notify.New(ncfg, store, registry, limiter, bus,
		log.With(logx.String("comp", "dispatcher")))

	wcfg, err := mapWarStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	poller := warstatus.New(wcfg, store, dispatch, bus,
		log.With(logx.String("comp", "warstatus")))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		sender:   sender,
		bus:      bus,
		store:    store,
		limiter:  limiter,
		dispatch: dispatch,
		poller:   poller,
	}
	a.ops = ops.New(mapOpsConfig(cfg), store, bus, a.counters,
		log.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) counters() supervisor.Counters { return a.sup.Counters() }

// buildRegistry maps each configured kind to its sink. A kind without a
// usable sink is a startup error, not a job-processing surprise.
func buildRegistry(cfg *config.Config, dcfg sink.DiscordConfig, log logx.Logger) (*sink.Registry, error) {
	sinks := map[string]sink.Sink{}
	if strings.TrimSpace(cfg.Mail.Host) != "" {
		sinks[config.KindEmail] = sink.NewEmailSink(mapEmailConfig(cfg),
			log.With(logx.String("comp", "sink.email")))
	}
	if len(dcfg.Webhooks) > 0 {
		ds := sink.NewDiscordSink(dcfg, log.With(logx.String("comp", "sink.discord")))
		for kind, url := range dcfg.Webhooks {
			if strings.TrimSpace(url) == "" {
				return nil, fmt.Errorf("discord.webhooks.%s: empty webhook url", kind)
			}
			sinks[kind] = ds
		}
	}
	return sink.NewRegistry(sinks)
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// Mapping also parses durations, so a reload with a bad value is
		// rejected before commit.
		if _, err := mapDispatcherConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWarStatusConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRateLimitInterval(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}
	if a.dispatch.Enabled() {
		a.dispatch.Start(a.sup.Context())
	}
	if a.poller.Enabled() {
		a.poller.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// reloadLoop fans validated config updates out to the running services.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)
			lastApplied = newCfg

			a.applyReload(ctx, newCfg, sections)

			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string) {
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	// Sinks hold the mail/discord endpoints they were built with.
	if changed["storage"] || changed["mail"] || changed["discord"] {
		a.log.Warn("storage/mail/discord config changed; restart required for changes to take effect")
	}

	if dcfg, err := mapDiscordConfig(cfg); err == nil {
		a.sender.set(cfg.Discord.Webhooks[config.KindDiscordLog], dcfg.Timeout)
	}
	a.logs.Apply(mapLogConfig(cfg))

	if minInterval, err := mapRateLimitInterval(cfg); err == nil {
		a.limiter.SetMinInterval(minInterval)
	}

	if ncfg, err := mapDispatcherConfig(cfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.dispatch.Enabled()
		a.dispatch.Apply(ncfg)
		switch {
		case prevEnabled && !ncfg.Enabled:
			a.log.Info("dispatcher disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.dispatch.Stop(stopCtx)
			cancel()
		case !prevEnabled && ncfg.Enabled:
			a.log.Info("dispatcher enabled via config")
			a.dispatch.Start(ctx)
		}
	}

	if wcfg, err := mapWarStatusConfig(cfg); err != nil {
		a.log.Warn("invalid war_status config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.poller.Enabled()
		a.poller.Apply(wcfg)
		switch {
		case prevEnabled && !wcfg.Enabled:
			a.log.Info("war-status poller disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.poller.Stop(stopCtx)
			cancel()
		case !prevEnabled && wcfg.Enabled:
			a.log.Info("war-status poller enabled via config")
			a.poller.Start(ctx)
		}
	}

	a.ops.Reconfigure(ctx, mapOpsConfig(cfg))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// One component must not stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Poller first so no new snapshots or notifications arrive, dispatcher
	// next so in-flight sends drain, then the read surface, storage last.
	step("warstatus", 3*time.Second, func(c context.Context) error { a.poller.Stop(c); return nil })
	step("dispatcher", 5*time.Second, func(c context.Context) error { a.dispatch.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// logSender is a swappable logx.Sender over the discord_log webhook.
type logSender struct {
	v atomic.Value // *sink.Webhook
}

func (s *logSender) set(url string, timeout time.Duration) {
	if strings.TrimSpace(url) == "" {
		s.v.Store((*sink.Webhook)(nil))
		return
	}
	s.v.Store(sink.NewWebhook(url, timeout))
}

func (s *logSender) SendText(ctx context.Context, msg string) error {
	wh, _ := s.v.Load().(*sink.Webhook)
	if wh == nil {
		return nil
	}
	return wh.SendText(ctx, msg)
}
