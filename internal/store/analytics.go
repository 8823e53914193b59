// Package store persists accepted events for analytics queries and writes
// evidence snapshots.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/uniface360/sentinel/internal/events"
)

const defaultRetentionCap = 1000

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	category      TEXT    NOT NULL,
	subject_key   TEXT    NOT NULL,
	camera_id     INTEGER NOT NULL,
	camera_name   TEXT    NOT NULL,
	severity      TEXT    NOT NULL,
	confidence    REAL    NOT NULL,
	message       TEXT    NOT NULL,
	evidence_path TEXT    NOT NULL DEFAULT '',
	occurred_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_occurred ON events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS events (
	id            BIGSERIAL PRIMARY KEY,
	category      TEXT    NOT NULL,
	subject_key   TEXT    NOT NULL,
	camera_id     INTEGER NOT NULL,
	camera_name   TEXT    NOT NULL,
	severity      TEXT    NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	message       TEXT    NOT NULL,
	evidence_path TEXT    NOT NULL DEFAULT '',
	occurred_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_occurred ON events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_category ON events(category);
`

// Analytics is the event history store. Retention is capped: once the
// table holds more than cap rows the oldest rows are evicted, so the
// store is a bounded log rather than an archive.
type Analytics struct {
	db     *sqlx.DB
	driver string
	cap    int
	log    *zap.Logger
}

// OpenAnalytics connects to the backing database and ensures the schema
// exists. driver is "sqlite3" or "postgres".
func OpenAnalytics(driver, dsn string, retentionCap int) (*Analytics, error) {
	if retentionCap <= 0 {
		retentionCap = defaultRetentionCap
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting analytics database: %w", err)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers anyway, and an in-memory database is
		// private to its connection; one pooled connection keeps every
		// statement on the same database.
		db.SetMaxOpenConns(1)
	}

	ddl := schema
	if driver == "postgres" {
		ddl = schemaPostgres
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing analytics schema: %w", err)
	}

	return &Analytics{
		db:     db,
		driver: driver,
		cap:    retentionCap,
		log:    zap.L().Named("analytics"),
	}, nil
}

func (a *Analytics) Close() error {
	return a.db.Close()
}

// Record inserts one event and evicts anything beyond the retention cap.
// Transient failures are retried briefly; a persistent failure is returned
// to the caller, which logs and drops.
func (a *Analytics) Record(ctx context.Context, ev *events.Event) error {
	op := func() error {
		return a.insert(ctx, ev)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("recording event: %w", err)
	}

	if err := a.evict(ctx); err != nil {
		// Eviction failure is not fatal for the write itself.
		a.log.Warn("retention eviction failed", zap.Error(err))
	}
	return nil
}

func (a *Analytics) insert(ctx context.Context, ev *events.Event) error {
	const cols = `(category, subject_key, camera_id, camera_name, severity, confidence, message, evidence_path, occurred_at)`

	if a.driver == "postgres" {
		const q = `INSERT INTO events ` + cols + `
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
		return a.db.QueryRowContext(ctx, q,
			ev.Category, ev.SubjectKey, ev.CameraID, ev.CameraName,
			ev.Severity, ev.Confidence, ev.Message, ev.EvidencePath, ev.At,
		).Scan(&ev.ID)
	}

	const q = `INSERT INTO events ` + cols + ` VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := a.db.ExecContext(ctx, q,
		ev.Category, ev.SubjectKey, ev.CameraID, ev.CameraName,
		ev.Severity, ev.Confidence, ev.Message, ev.EvidencePath, ev.At)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ev.ID = id
	return nil
}

// evict drops the oldest rows above the retention cap.
func (a *Analytics) evict(ctx context.Context) error {
	q := a.db.Rebind(`DELETE FROM events WHERE id NOT IN (
		SELECT id FROM events ORDER BY id DESC LIMIT ?)`)
	_, err := a.db.ExecContext(ctx, q, a.cap)
	return err
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Category string
	CameraID int
	Since    time.Time
	Limit    int
}

// Query returns matching events, newest first.
func (a *Analytics) Query(ctx context.Context, f Filter) ([]events.Event, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.CameraID > 0 {
		conds = append(conds, "camera_id = ?")
		args = append(args, f.CameraID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, f.Since)
	}

	q := `SELECT id, category, subject_key, camera_id, camera_name, severity,
		confidence, message, evidence_path, occurred_at FROM events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY occurred_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 || limit > defaultRetentionCap {
		limit = defaultRetentionCap
	}
	q += fmt.Sprintf(" LIMIT %d", limit)

	rows := []events.Event{}
	if err := a.db.SelectContext(ctx, &rows, a.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return rows, nil
}

// Stats aggregates counts over the given window.
type Stats struct {
	Window     time.Duration  `json:"-"`
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"byType"`
	ByCamera   map[string]int `json:"byCamera"`
	BySeverity map[string]int `json:"bySeverity"`
	ByHour     map[string]int `json:"byHour"`
}

// Stats computes event counts grouped by category, camera, severity and
// hour within the window ending now.
func (a *Analytics) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	since := time.Now().Add(-window)
	evs, err := a.Query(ctx, Filter{Since: since})
	if err != nil {
		return nil, err
	}

	s := &Stats{
		Window:     window,
		Total:      len(evs),
		ByCategory: make(map[string]int),
		ByCamera:   make(map[string]int),
		BySeverity: make(map[string]int),
		ByHour:     make(map[string]int),
	}
	for _, ev := range evs {
		s.ByCategory[string(ev.Category)]++
		s.ByCamera[ev.CameraName]++
		s.BySeverity[string(ev.Severity)]++
		s.ByHour[ev.At.Local().Format("2006-01-02 15:00")]++
	}
	return s, nil
}
