package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "warwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// ---- notification outbox ----

func (s *sqliteStore) EnqueueNotification(ctx context.Context, recipient, subject, body, kind string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", errors.New("notification body is required")
	}
	if strings.TrimSpace(kind) == "" {
		return "", errors.New("notification kind is required")
	}

	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, recipient, subject, body, kind, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		id, nullStr(recipient), nullStr(subject), body, kind, string(StatusPending), now, now,
	)
	if err != nil {
		return "", unavailable(err)
	}
	return id, nil
}

const jobColumns = `n.id, n.recipient, n.subject, n.body, n.kind, n.status, n.created_at, n.updated_at,
	(SELECT COUNT(*) FROM notification_log l WHERE l.job_id = n.id AND l.level = 'error')`

func scanJob(row interface{ Scan(...any) error }) (NotificationJob, error) {
	var (
		j                  NotificationJob
		recipient, subject sql.NullString
		status             string
		created, updated   string
	)
	err := row.Scan(&j.ID, &recipient, &subject, &j.Body, &j.Kind, &status, &created, &updated, &j.ErrorCount)
	if err != nil {
		return NotificationJob{}, err
	}
	j.Recipient = recipient.String
	j.Subject = subject.String
	j.Status = JobStatus(status)
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return j, nil
}

// ClaimNotifications atomically selects up to maxN eligible jobs (oldest
// first) and transitions them to processing. The conditional UPDATE inside
// the transaction is what makes concurrent claims exclusive.
func (s *sqliteStore) ClaimNotifications(ctx context.Context, maxN int) ([]NotificationJob, error) {
	if maxN <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM notifications n
		 WHERE n.status IN (?, ?)
		 ORDER BY n.created_at ASC, n.id ASC
		 LIMIT ?`,
		string(StatusPending), string(StatusRetry), maxN,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	candidates := make([]NotificationJob, 0, maxN)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, unavailable(err)
		}
		candidates = append(candidates, j)
	}
	if err := rows.Close(); err != nil {
		return nil, unavailable(err)
	}

	now := formatTime(time.Now())
	claimed := candidates[:0]
	for _, j := range candidates {
		res, err := tx.ExecContext(ctx,
			`UPDATE notifications SET status = ?, updated_at = ?
			 WHERE id = ? AND status IN (?, ?)`,
			string(StatusProcessing), now, j.ID, string(StatusPending), string(StatusRetry),
		)
		if err != nil {
			return nil, unavailable(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, unavailable(err)
		}
		if n == 1 {
			j.Status = StatusProcessing
			claimed = append(claimed, j)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return claimed, nil
}

func (s *sqliteStore) AppendJobLog(ctx context.Context, jobID, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_log(job_id, at, level, message) VALUES(?,?,?,?)`,
		jobID, formatTime(time.Now()), level, message,
	)
	return unavailable(err)
}

func (s *sqliteStore) SetJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), jobID,
	)
	return unavailable(err)
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (NotificationJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM notifications n WHERE n.id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationJob{}, ErrNotFound
	}
	if err != nil {
		return NotificationJob{}, unavailable(err)
	}
	return j, nil
}

func (s *sqliteStore) JobLog(ctx context.Context, jobID string) ([]JobLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, level, message FROM notification_log WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []JobLogEntry
	for rows.Next() {
		var e JobLogEntry
		var at string
		if err := rows.Scan(&at, &e.Level, &e.Message); err != nil {
			return nil, unavailable(err)
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, unavailable(rows.Err())
}

func (s *sqliteStore) ListJobs(ctx context.Context, status JobStatus, limit int) ([]NotificationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM notifications n`
	args := []any{}
	if status != "" {
		q += ` WHERE n.status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY n.created_at DESC, n.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []NotificationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, j)
	}
	return out, unavailable(rows.Err())
}

// ---- war-status archive ----

func (s *sqliteStore) InsertSnapshot(ctx context.Context, snap WarSnapshot) error {
	data, err := json.Marshal(snap.Realms)
	if err != nil {
		return err
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO war_snapshots(server, taken_at, data) VALUES(?,?,?)`,
		snap.Server, formatTime(snap.TakenAt), string(data),
	)
	return unavailable(err)
}

func scanSnapshot(row interface{ Scan(...any) error }) (WarSnapshot, error) {
	var (
		snap    WarSnapshot
		takenAt string
		data    string
	)
	if err := row.Scan(&snap.ID, &snap.Server, &takenAt, &data); err != nil {
		return WarSnapshot{}, err
	}
	snap.TakenAt = parseTime(takenAt)
	if err := json.Unmarshal([]byte(data), &snap.Realms); err != nil {
		return WarSnapshot{}, fmt.Errorf("corrupt snapshot %d: %w", snap.ID, err)
	}
	return snap, nil
}

func (s *sqliteStore) LatestSnapshot(ctx context.Context, server string) (*WarSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, server, taken_at, data FROM war_snapshots
		 WHERE server = ? ORDER BY taken_at DESC, id DESC LIMIT 1`, server)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &snap, nil
}

func (s *sqliteStore) SnapshotHistory(ctx context.Context, server string, limit, offset int) ([]WarSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server, taken_at, data FROM war_snapshots
		 WHERE server = ? ORDER BY taken_at DESC, id DESC LIMIT ? OFFSET ?`,
		server, limit, offset)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []WarSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, snap)
	}
	return out, unavailable(rows.Err())
}

// InsertWarEvents writes a cycle's events best-effort: a failed row is
// logged and skipped, the rest of the batch still goes in. Returns the
// number of rows inserted.
func (s *sqliteStore) InsertWarEvents(ctx context.Context, events []WarEvent) (int, error) {
	inserted := 0
	var lastErr error
	for _, e := range events {
		at := e.At
		if at.IsZero() {
			at = time.Now()
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO war_events(at, server, realm, action, building, message)
			 VALUES(?,?,?,?,?,?)`,
			formatTime(at), e.Server, e.Realm, e.Action, nullStr(e.Building), e.Message,
		)
		if err != nil {
			lastErr = err
			s.log.Warn("war event insert failed",
				logx.String("server", e.Server),
				logx.String("realm", e.Realm),
				logx.String("action", e.Action),
				logx.Err(err))
			continue
		}
		inserted++
	}
	return inserted, unavailable(lastErr)
}

func (s *sqliteStore) ListWarEvents(ctx context.Context, server string, limit, offset int) ([]WarEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, server, realm, action, building, message FROM war_events
		 WHERE server = ? ORDER BY at DESC, id DESC LIMIT ? OFFSET ?`,
		server, limit, offset)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []WarEvent
	for rows.Next() {
		var (
			e        WarEvent
			at       string
			building sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Server, &e.Realm, &e.Action, &building, &e.Message); err != nil {
			return nil, unavailable(err)
		}
		e.At = parseTime(at)
		e.Building = building.String
		out = append(out, e)
	}
	return out, unavailable(rows.Err())
}

func (s *sqliteStore) WarEventStats(ctx context.Context, server string) ([]WarEventStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT realm, action, COUNT(*) FROM war_events
		 WHERE server = ? GROUP BY realm, action ORDER BY realm, action`, server)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []WarEventStat
	for rows.Next() {
		var st WarEventStat
		if err := rows.Scan(&st.Realm, &st.Action, &st.Count); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, st)
	}
	return out, unavailable(rows.Err())
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
