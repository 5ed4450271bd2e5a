package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"warwatch/internal/notify/sink"
	"warwatch/internal/storage"
	"warwatch/pkg/logx"
)

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fakeSink struct {
	mu    sync.Mutex
	err   error
	calls []storage.NotificationJob
}

func (f *fakeSink) Send(_ context.Context, job storage.NotificationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, job)
	return f.err
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type noLimit struct{}

func (noLimit) Acquire(context.Context, string) error { return nil }

func newTestService(t *testing.T, st storage.Store, sinks map[string]sink.Sink) *Service {
	t.Helper()
	reg, err := sink.NewRegistry(sinks)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return New(Config{Enabled: true}, st, reg, noLimit{}, nil, logx.Nop())
}

// runTick drives one dispatcher iteration synchronously.
func runTick(ctx context.Context, s *Service) {
	s.tick(ctx)
	s.jobWG.Wait()
}

func TestDispatcherDeliversJob(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	email := &fakeSink{}
	svc := newTestService(t, st, map[string]sink.Sink{"email": email})

	id, err := svc.Enqueue(ctx, "user@example.com", "hi", "body", "email")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runTick(ctx, svc)

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.StatusCompleted {
		t.Fatalf("status = %q, want %q", job.Status, storage.StatusCompleted)
	}
	if email.callCount() != 1 {
		t.Fatalf("sink calls = %d, want 1", email.callCount())
	}
	log, err := st.JobLog(ctx, id)
	if err != nil {
		t.Fatalf("job log: %v", err)
	}
	if len(log) != 1 || log[0].Level != "info" {
		t.Fatalf("unexpected attempt log: %+v", log)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	email := &fakeSink{err: errors.New("connection refused")}
	svc := newTestService(t, st, map[string]sink.Sink{
		"email":       email,
		"discord_log": &fakeSink{},
	})

	id, err := svc.Enqueue(ctx, "user@example.com", "hi", "body", "email")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runTick(ctx, svc)
	job, _ := st.GetJob(ctx, id)
	if job.Status != storage.StatusRetry || job.ErrorCount != 1 {
		t.Fatalf("after tick 1: status=%q errors=%d", job.Status, job.ErrorCount)
	}

	runTick(ctx, svc)
	job, _ = st.GetJob(ctx, id)
	if job.Status != storage.StatusRetry || job.ErrorCount != 2 {
		t.Fatalf("after tick 2: status=%q errors=%d", job.Status, job.ErrorCount)
	}

	runTick(ctx, svc)
	job, _ = st.GetJob(ctx, id)
	if job.Status != storage.StatusFailed || job.ErrorCount != 3 {
		t.Fatalf("after tick 3: status=%q errors=%d", job.Status, job.ErrorCount)
	}
	if email.callCount() != 3 {
		t.Fatalf("sink calls = %d, want 3", email.callCount())
	}

	pending, err := st.ListJobs(ctx, storage.StatusPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	var escalations int
	for _, p := range pending {
		if p.Kind != "discord_log" {
			continue
		}
		escalations++
		if !strings.Contains(p.Body, id) {
			t.Fatalf("escalation body %q does not name job %s", p.Body, id)
		}
	}
	if escalations != 1 {
		t.Fatalf("escalations = %d, want exactly 1", escalations)
	}
}

func TestPermanentFailureShortCircuits(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	email := &fakeSink{err: sink.Permanent("mailbox does not exist")}
	svc := newTestService(t, st, map[string]sink.Sink{
		"email":       email,
		"discord_log": &fakeSink{},
	})

	id, err := svc.Enqueue(ctx, "user@example.com", "hi", "body", "email")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runTick(ctx, svc)

	job, _ := st.GetJob(ctx, id)
	if job.Status != storage.StatusFailed {
		t.Fatalf("status = %q, want %q", job.Status, storage.StatusFailed)
	}
	if email.callCount() != 1 {
		t.Fatalf("sink calls = %d, want 1 (no retries on permanent errors)", email.callCount())
	}
	pending, _ := st.ListJobs(ctx, storage.StatusPending, 10)
	if len(pending) != 1 || pending[0].Kind != "discord_log" {
		t.Fatalf("expected one pending escalation, got %+v", pending)
	}
}

func TestEveryTerminalFailureEscalates(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	svc := newTestService(t, st, map[string]sink.Sink{
		"discord_log": &fakeSink{err: sink.Permanent("webhook deleted")},
	})

	id, err := svc.Enqueue(ctx, "", "", "red captured wall in avalon", "discord_log")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runTick(ctx, svc)

	job, _ := st.GetJob(ctx, id)
	if job.Status != storage.StatusFailed {
		t.Fatalf("status = %q, want %q", job.Status, storage.StatusFailed)
	}
	pending, _ := st.ListJobs(ctx, storage.StatusPending, 10)
	if len(pending) != 1 || !strings.Contains(pending[0].Body, id) {
		t.Fatalf("permanent failure must enqueue exactly one escalation naming the job, got %+v", pending)
	}

	// A failed escalation escalates again; the chain runs until the
	// escalation channel recovers.
	escID := pending[0].ID
	runTick(ctx, svc)
	esc, _ := st.GetJob(ctx, escID)
	if esc.Status != storage.StatusFailed {
		t.Fatalf("escalation status = %q, want %q", esc.Status, storage.StatusFailed)
	}
	pending, _ = st.ListJobs(ctx, storage.StatusPending, 10)
	if len(pending) != 1 || !strings.Contains(pending[0].Body, escID) {
		t.Fatalf("failed escalation must itself escalate, got %+v", pending)
	}
}

type blockingSink struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func (b *blockingSink) Send(ctx context.Context, _ storage.NotificationJob) error {
	close(b.started)
	<-b.release
	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) sendCtxErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctxErr
}

func TestShutdownDoesNotAbortInFlightSend(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	bs := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	svc := newTestService(t, st, map[string]sink.Sink{"email": bs})

	id, err := svc.Enqueue(ctx, "user@example.com", "hi", "body", "email")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	svc.tick(runCtx)
	<-bs.started
	cancel()
	close(bs.release)
	svc.jobWG.Wait()

	if got := bs.sendCtxErr(); got != nil {
		t.Fatalf("send context cancelled mid-flight: %v", got)
	}
	job, _ := st.GetJob(ctx, id)
	if job.Status != storage.StatusCompleted {
		t.Fatalf("status = %q, want %q (outcome must be recorded after shutdown)", job.Status, storage.StatusCompleted)
	}
}

func TestPerJobIsolation(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	email := &fakeSink{err: errors.New("greylisted")}
	login := &fakeSink{}
	svc := newTestService(t, st, map[string]sink.Sink{
		"email":         email,
		"discord_login": login,
	})

	badID, _ := svc.Enqueue(ctx, "user@example.com", "hi", "body", "email")
	goodID, _ := svc.Enqueue(ctx, "", "", "someone logged in", "discord_login")
	runTick(ctx, svc)

	bad, _ := st.GetJob(ctx, badID)
	good, _ := st.GetJob(ctx, goodID)
	if bad.Status != storage.StatusRetry {
		t.Fatalf("failing job status = %q, want %q", bad.Status, storage.StatusRetry)
	}
	if good.Status != storage.StatusCompleted {
		t.Fatalf("healthy job status = %q, want %q", good.Status, storage.StatusCompleted)
	}
	if login.callCount() != 1 {
		t.Fatalf("healthy sink calls = %d, want 1", login.callCount())
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	svc := newTestService(t, st, map[string]sink.Sink{"email": &fakeSink{}})

	if _, err := svc.Enqueue(ctx, "", "", "body", "sms"); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
	pending, _ := st.ListJobs(ctx, storage.StatusPending, 10)
	if len(pending) != 0 {
		t.Fatalf("rejected enqueue must not persist a job, got %+v", pending)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	svc := newTestService(t, st, map[string]sink.Sink{"email": &fakeSink{}})
	svc.Apply(Config{Enabled: true, Tick: 10 * time.Millisecond})

	svc.Start(ctx)
	svc.Start(ctx) // no-op while running

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
	svc.Stop(stopCtx) // no-op once stopped

	svc.Start(ctx)
	svc.Stop(stopCtx)
}
