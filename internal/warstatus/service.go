package warstatus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"warwatch/internal/eventbus"
	"warwatch/internal/storage"
	"warwatch/pkg/logx"
)

// Store is the slice of the persistence API the poller needs.
type Store interface {
	LatestSnapshot(ctx context.Context, server string) (*storage.WarSnapshot, error)
	InsertSnapshot(ctx context.Context, snap storage.WarSnapshot) error
	InsertWarEvents(ctx context.Context, events []storage.WarEvent) (int, error)
}

// Notifier enqueues outbound notifications; the dispatcher satisfies it.
type Notifier interface {
	Enqueue(ctx context.Context, recipient, subject, body, kind string) (string, error)
}

type Config struct {
	Enabled       bool
	BaseURL       string
	Servers       []string
	PrimaryServer string
	FetchInterval time.Duration // poll and snapshot-gate interval (default 30s)
	Timeout       time.Duration // per-fetch bound (default 10s)
	Realms        []string
	Factions      []string

	// NotifyKind is the job kind used for captured-building notifications on
	// the primary server (default "discord_log").
	NotifyKind string
}

func (c Config) withDefaults() Config {
	if c.FetchInterval <= 0 {
		c.FetchInterval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.NotifyKind == "" {
		c.NotifyKind = "discord_log"
	}
	return c
}

// Service polls each configured server on its own cron entry, archives
// snapshots and derives war events.
type Service struct {
	log      logx.Logger
	store    Store
	notifier Notifier
	bus      eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	fetcher Fetcher
	parser  *Parser

	c         *cron.Cron
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc

	now func() time.Time
}

func New(cfg Config, store Store, notifier Notifier, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		log:      log,
		store:    store,
		notifier: notifier,
		bus:      bus,
		cfg:      cfg,
		fetcher:  NewHTTPFetcher(cfg.BaseURL, cfg.Timeout),
		parser:   NewParser(cfg.Realms, cfg.Factions),
		now:      time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps config at runtime. Server list and interval changes rebuild the
// cron schedule when the poller is running.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	restart := s.c != nil &&
		(cfg.FetchInterval != s.cfg.FetchInterval ||
			strings.Join(cfg.Servers, ",") != strings.Join(s.cfg.Servers, ","))
	s.cfg = cfg
	s.fetcher = NewHTTPFetcher(cfg.BaseURL, cfg.Timeout)
	s.parser = NewParser(cfg.Realms, cfg.Factions)
	if restart {
		s.c.Stop()
		s.startCronLocked(s.runCtx)
	}
}

func (s *Service) snapshotCfg() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

func (s *Service) Start(ctx context.Context) {
	cur := s.snapshotCfg()
	s.log.Debug("start requested",
		logx.Bool("enabled", cur.Enabled),
		logx.Int("servers", len(cur.Servers)),
		logx.Duration("interval", cur.FetchInterval))
	if !cur.Enabled {
		return
	}
	// If a Stop() is in progress, wait for it to complete first.
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startCronLocked(s.runCtx)
	s.log.Info("service started",
		logx.Int("servers", len(cur.Servers)),
		logx.Duration("interval", cur.FetchInterval))
}

// startCronLocked builds and starts the cron with one entry per server.
// Caller holds s.mu.
func (s *Service) startCronLocked(runCtx context.Context) {
	clog := cronLogger{s.log}
	c := cron.New(cron.WithChain(cron.Recover(clog)))
	spec := fmt.Sprintf("@every %s", s.cfg.FetchInterval)
	for _, server := range s.cfg.Servers {
		server := server
		// SkipIfStillRunning is per-entry, so a slow fetch on one server
		// never stacks cycles for it and never delays the others.
		job := cron.NewChain(cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(func() {
			s.cycle(runCtx, server)
		}))
		if _, err := c.AddJob(spec, job); err != nil {
			s.log.Error("schedule server poll failed", logx.String("server", server), logx.Err(err))
		}
	}
	c.Start()
	s.c = c
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		if c != nil {
			// waits for in-flight cycles
			<-c.Stop().Done()
		}
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// cycle runs one fetch/parse/gate/diff pass for a server. Every failure is
// logged and skips the cycle; the next one proceeds on schedule.
func (s *Service) cycle(ctx context.Context, server string) {
	cfg := s.snapshotCfg()
	s.mu.Lock()
	fetcher := s.fetcher
	parser := s.parser
	s.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	doc, err := fetcher.Fetch(fctx, server)
	cancel()
	if err != nil {
		s.log.Warn("fetch failed, skipping cycle", logx.String("server", server), logx.Err(err))
		return
	}
	realms, err := parser.Parse(server, doc)
	if err != nil {
		s.log.Warn("parse failed, skipping cycle", logx.String("server", server), logx.Err(err))
		return
	}

	last, err := s.store.LatestSnapshot(ctx, server)
	if err != nil {
		s.log.Error("latest snapshot lookup failed", logx.String("server", server), logx.Err(err))
		return
	}
	now := s.now()
	if last != nil && now.Sub(last.TakenAt) < cfg.FetchInterval {
		s.log.Debug("snapshot gated", logx.String("server", server),
			logx.Duration("age", now.Sub(last.TakenAt)))
		return
	}

	snap := storage.WarSnapshot{Server: server, TakenAt: now, Realms: realms}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		s.log.Error("insert snapshot failed", logx.String("server", server), logx.Err(err))
		return
	}
	s.publish("war.snapshot", map[string]any{"server": server, "realms": len(realms)})

	if last == nil {
		s.log.Info("first snapshot archived", logx.String("server", server))
		return
	}

	events := Diff(last, &snap)
	if len(events) == 0 {
		return
	}
	inserted, err := s.store.InsertWarEvents(ctx, events)
	if err != nil {
		s.log.Error("insert war events failed", logx.String("server", server), logx.Err(err))
	}
	s.log.Info("war events detected",
		logx.String("server", server),
		logx.Int("events", len(events)),
		logx.Int("inserted", inserted))
	for _, ev := range events {
		s.publish("war.event", ev)
	}

	if !strings.EqualFold(server, cfg.PrimaryServer) {
		return
	}
	for _, ev := range events {
		if ev.Action != storage.ActionCaptured {
			continue
		}
		if _, err := s.notifier.Enqueue(ctx, "", "", ev.Message, cfg.NotifyKind); err != nil {
			s.log.Error("enqueue war notification failed",
				logx.String("server", server),
				logx.String("realm", ev.Realm),
				logx.Err(err))
		}
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct {
	log logx.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug(msg, logx.Any("cron", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(msg, logx.Err(err), logx.Any("cron", keysAndValues))
}
