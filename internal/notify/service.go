package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"warwatch/internal/eventbus"
	"warwatch/internal/notify/sink"
	"warwatch/internal/storage"
	"warwatch/pkg/logx"
)

// Service is the notification dispatcher. One background loop claims due
// jobs on a timer and fans each claimed job out to its own goroutine.
type Service struct {
	log      logx.Logger
	store    Store
	registry *sink.Registry
	limiter  Limiter
	bus      eventbus.Bus

	mu  sync.Mutex
	cfg Config

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	jobWG     sync.WaitGroup
}

func New(cfg Config, store Store, registry *sink.Registry, limiter Limiter, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		log:      log,
		store:    store,
		registry: registry,
		limiter:  limiter,
		bus:      bus,
		cfg:      cfg.withDefaults(),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps config at runtime. The loop re-reads tick, batch size and the
// retry budget on every iteration, so changes take effect on the next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) snapshot() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// Enqueue validates the kind against the sink registry and persists a new
// pending job. The returned id is the job's handle in the store.
func (s *Service) Enqueue(ctx context.Context, recipient, subject, body, kind string) (string, error) {
	if _, ok := s.registry.Resolve(kind); !ok {
		return "", fmt.Errorf("enqueue: unknown kind %q (registered: %s)", kind, strings.Join(s.registry.Kinds(), ", "))
	}
	id, err := s.store.EnqueueNotification(ctx, recipient, subject, body, kind)
	if err != nil {
		return "", err
	}
	s.publish("notify.enqueued", JobEvent{ID: id, Kind: kind, At: time.Now()})
	return id, nil
}

func (s *Service) Start(ctx context.Context) {
	cur := s.snapshot()
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.Duration("tick", cur.Tick))
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

	stopCh := s.stopCh
	runCtx := s.runCtx

	s.jobWG.Add(1)
	go func() {
		defer s.jobWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in dispatcher loop",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		s.loop(runCtx, stopCh)
	}()

	s.log.Info("service started",
		logx.Duration("tick", cur.Tick),
		logx.Int("batch_size", cur.BatchSize),
		logx.Int("max_failures", cur.MaxFailures))
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
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.jobWG.Wait()
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

func (s *Service) loop(ctx context.Context, stopCh chan struct{}) {
	for {
		timer := time.NewTimer(s.snapshot().Tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.tick(ctx)
	}
}

// tick claims one batch and launches a goroutine per claimed job. Ticks are
// not serialized against in-flight deliveries; claiming marks jobs
// processing, so a later tick cannot pick the same job up again.
func (s *Service) tick(ctx context.Context) {
	cfg := s.snapshot()
	jobs, err := s.store.ClaimNotifications(ctx, cfg.BatchSize)
	if err != nil {
		s.log.Error("claim batch failed", logx.Err(err))
		return
	}
	for _, job := range jobs {
		job := job
		s.jobWG.Add(1)
		go func() {
			defer s.jobWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic processing job",
						logx.String("job_id", job.ID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.processJob(ctx, cfg, job)
		}()
	}
}

func (s *Service) processJob(ctx context.Context, cfg Config, job storage.NotificationJob) {
	target, ok := s.registry.Resolve(job.Kind)
	if !ok {
		// Kind validation happens at enqueue time, so this means the registry
		// shrank (config change). No sink can ever deliver it.
		s.fail(ctx, cfg, job, sink.Permanent("no sink registered for kind %q", job.Kind))
		return
	}

	if err := s.limiter.Acquire(ctx, job.Kind); err != nil {
		// Shutdown mid-wait. The job stays processing and is not counted as
		// an attempt; operator intervention or a restart recovery sweep
		// resolves it.
		s.log.Warn("rate limit wait aborted", logx.String("job_id", job.ID), logx.Err(err))
		return
	}

	// The limiter wait above is the only interruptible phase. Once a send
	// starts it runs to its own timeout, and the outcome is recorded even
	// when shutdown cancels the run context mid-flight.
	ctx = context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := target.Send(sendCtx, job)
	cancel()

	if err == nil {
		s.logAttempt(ctx, job.ID, "info", "delivered")
		s.setStatus(ctx, job.ID, storage.StatusCompleted)
		s.log.Info("notification delivered", logx.String("job_id", job.ID), logx.String("kind", job.Kind))
		s.publish("notify.completed", JobEvent{ID: job.ID, Kind: job.Kind, At: time.Now()})
		return
	}

	if sink.IsPermanent(err) {
		s.fail(ctx, cfg, job, err)
		return
	}

	// Transient failure: log it, then check the budget. The attempt just
	// logged counts, so the threshold is reached on the MaxFailures-th error.
	s.logAttempt(ctx, job.ID, "error", err.Error())
	errCount := job.ErrorCount + 1
	if errCount >= cfg.MaxFailures {
		s.escalate(ctx, cfg, job, fmt.Errorf("retry budget exhausted after %d attempts: %w", errCount, err))
		return
	}
	s.setStatus(ctx, job.ID, storage.StatusRetry)
	s.log.Warn("notification failed, will retry",
		logx.String("job_id", job.ID),
		logx.String("kind", job.Kind),
		logx.Int("error_count", errCount),
		logx.Err(err))
	s.publish("notify.retry", JobEvent{ID: job.ID, Kind: job.Kind, Error: err.Error(), At: time.Now()})
}

// fail records a permanent failure without consuming retry budget semantics;
// the job goes terminal immediately.
func (s *Service) fail(ctx context.Context, cfg Config, job storage.NotificationJob, err error) {
	s.logAttempt(ctx, job.ID, "error", err.Error())
	s.escalate(ctx, cfg, job, err)
}

// escalate marks the job failed_permanently and enqueues a follow-up
// discord_log job naming it. Every terminal failure escalates, including a
// failed escalation itself; when the escalation channel is down this keeps
// producing follow-ups until it recovers.
func (s *Service) escalate(ctx context.Context, cfg Config, job storage.NotificationJob, err error) {
	s.setStatus(ctx, job.ID, storage.StatusFailed)
	s.log.Error("notification permanently failed",
		logx.String("job_id", job.ID),
		logx.String("kind", job.Kind),
		logx.Err(err))
	s.publish("notify.failed", JobEvent{ID: job.ID, Kind: job.Kind, Error: err.Error(), At: time.Now()})

	body := fmt.Sprintf("notification %s (kind=%s) permanently failed: %v", job.ID, job.Kind, err)
	id, eqErr := s.store.EnqueueNotification(ctx, "", "", body, cfg.EscalationKind)
	if eqErr != nil {
		s.log.Error("escalation enqueue failed", logx.String("job_id", job.ID), logx.Err(eqErr))
		return
	}
	s.publish("notify.escalated", JobEvent{ID: id, Kind: cfg.EscalationKind, Error: err.Error(), At: time.Now()})
}

func (s *Service) logAttempt(ctx context.Context, jobID, level, message string) {
	if err := s.store.AppendJobLog(ctx, jobID, level, message); err != nil {
		s.log.Error("append job log failed", logx.String("job_id", jobID), logx.Err(err))
	}
}

func (s *Service) setStatus(ctx context.Context, jobID string, status storage.JobStatus) {
	if err := s.store.SetJobStatus(ctx, jobID, status); err != nil {
		s.log.Error("set job status failed",
			logx.String("job_id", jobID),
			logx.String("status", string(status)),
			logx.Err(err))
	}
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
