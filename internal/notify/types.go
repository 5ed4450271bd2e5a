package notify

import (
	"context"
	"time"

	"warwatch/internal/storage"
)

// Store is the slice of the persistence API the dispatcher needs.
// *storage* implementations satisfy it; tests use fakes.
type Store interface {
	EnqueueNotification(ctx context.Context, recipient, subject, body, kind string) (string, error)
	ClaimNotifications(ctx context.Context, maxN int) ([]storage.NotificationJob, error)
	AppendJobLog(ctx context.Context, jobID, level, message string) error
	SetJobStatus(ctx context.Context, jobID string, status storage.JobStatus) error
}

// Limiter spaces out external calls per bucket.
type Limiter interface {
	Acquire(ctx context.Context, bucket string) error
}

type Config struct {
	Enabled     bool
	Tick        time.Duration // poll period (default 2s)
	BatchSize   int           // max jobs claimed per tick (default 3)
	MaxFailures int           // attempt-log error budget (default 3)
	SendTimeout time.Duration // per-delivery bound (default 10s)

	// EscalationKind is the kind used for the follow-up job enqueued when a
	// job hits a terminal failure (default "discord_log").
	EscalationKind string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.EscalationKind == "" {
		c.EscalationKind = "discord_log"
	}
	return c
}

// JobEvent is the bus payload for job lifecycle events
// (notify.enqueued, notify.completed, notify.retry, notify.failed,
// notify.escalated).
type JobEvent struct {
	ID    string    `json:"id"`
	Kind  string    `json:"kind"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}
