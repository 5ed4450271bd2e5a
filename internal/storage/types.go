package storage

import (
	"errors"
	"time"
)

// ErrUnavailable wraps driver-level failures so callers can distinguish
// "persistence is down" from domain conditions.
var ErrUnavailable = errors.New("storage unavailable")

// ErrNotFound is returned for lookups of records that do not exist.
var ErrNotFound = errors.New("not found")

// Config configures storage.
type Config struct {
	Driver      string // "sqlite" (default when empty)
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// JobStatus is the notification state machine.
//
// Valid paths: pending -> processing -> completed
//
//	pending -> processing -> retry -> processing -> ...
//	pending -> processing -> failed_permanently
//
// completed and failed_permanently are terminal.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusRetry      JobStatus = "retry"
	StatusFailed     JobStatus = "failed_permanently"
)

// NotificationJob is one queued delivery.
//
// Recipient may be empty when the sink resolves its own destination from
// Kind (Discord webhooks). Subject is only meaningful for email.
type NotificationJob struct {
	ID        string
	Recipient string
	Subject   string
	Body      string
	Kind      string
	Status    JobStatus

	// ErrorCount is derived from the attempt log (level "error" entries).
	// The log is the source of truth for the retry budget, so audit trail
	// and control logic never diverge.
	ErrorCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobLogEntry is one append-only attempt-log line.
type JobLogEntry struct {
	At      time.Time
	Level   string
	Message string
}

// Building is one slot in a realm's ordered building list. Slot position is
// meaningful: diffs are index-aligned, not name-keyed.
type Building struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

// RealmState is the captured war state of one realm.
type RealmState struct {
	Buildings []Building `json:"buildings"`
	Relics    []string   `json:"relics"`
	Gems      []string   `json:"gems"`
}

// WarSnapshot is a full capture of all monitored realms for one server.
// Immutable once written.
type WarSnapshot struct {
	ID      int64
	Server  string
	TakenAt time.Time
	Realms  map[string]RealmState
}

// War event action kinds.
const (
	ActionCaptured    = "captured"
	ActionRelicChange = "relic_change"
	ActionGemChange   = "gem_change"
)

// WarEvent is one detected change between consecutive snapshots. Write-once.
type WarEvent struct {
	ID       int64
	At       time.Time
	Server   string
	Realm    string
	Action   string
	Building string // normalized name; empty for relic/gem events
	Message  string
}

// WarEventStat is an aggregate count of events per realm and action.
type WarEventStat struct {
	Realm  string `json:"realm"`
	Action string `json:"action"`
	Count  int64  `json:"count"`
}
