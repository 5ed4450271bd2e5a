package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "warwatch/pkg/logx"
)

// Store is the persistence API used by the dispatcher, the war-status poller
// and the ops surface.
type Store interface {
	// Notification outbox.
	EnqueueNotification(ctx context.Context, recipient, subject, body, kind string) (string, error)
	ClaimNotifications(ctx context.Context, maxN int) ([]NotificationJob, error)
	AppendJobLog(ctx context.Context, jobID, level, message string) error
	SetJobStatus(ctx context.Context, jobID string, status JobStatus) error
	GetJob(ctx context.Context, jobID string) (NotificationJob, error)
	JobLog(ctx context.Context, jobID string) ([]JobLogEntry, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]NotificationJob, error)

	// War-status archive.
	LatestSnapshot(ctx context.Context, server string) (*WarSnapshot, error)
	InsertSnapshot(ctx context.Context, snap WarSnapshot) error
	SnapshotHistory(ctx context.Context, server string, limit, offset int) ([]WarSnapshot, error)
	InsertWarEvents(ctx context.Context, events []WarEvent) (int, error)
	ListWarEvents(ctx context.Context, server string, limit, offset int) ([]WarEvent, error)
	WarEventStats(ctx context.Context, server string) ([]WarEventStat, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// timeFormat is fixed width so stored timestamps sort chronologically under
// SQLite's binary text collation. RFC3339Nano trims trailing fractional
// zeros, which puts "...05.1Z" after "...05.12Z" in a lexicographic sort.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
