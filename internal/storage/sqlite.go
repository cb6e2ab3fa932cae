package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vitalwatch/internal/vitals"
	logx "vitalwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SchemaVersion is recorded in schema_migrations after a successful migrate.
const SchemaVersion = 1

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	limits limits
	closed atomic.Bool
}

// openSQLite opens a private in-memory database. Each call gets its own
// database name so separate stores never share rows.
func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	dsn := fmt.Sprintf("file:vitalwatch-%s?mode=memory&cache=shared", uuid.NewString())
	if cfg.BusyTimeout > 0 {
		dsn += fmt.Sprintf("&_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// The in-memory database lives as long as its connection; keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	st := &sqliteStore{db: db, log: log, limits: newLimits(cfg)}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.Int("schema", SchemaVersion))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}
	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: apply schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?)`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record version: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) AddReading(ctx context.Context, r vitals.Reading) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := checkRecord(r.ID, r.PatientID, r.TakenAt); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings(id, patient_id, systolic, diastolic, taken_at, received_at) VALUES(?,?,?,?,?,?)`,
		r.ID, strings.TrimSpace(r.PatientID), r.Systolic, r.Diastolic, r.TakenAt.UnixNano(), r.ReceivedAt.UnixNano(),
	)
	return s.mapErr(err, "reading "+r.ID)
}

func (s *sqliteStore) AddAlert(ctx context.Context, a vitals.Alert) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := checkRecord(a.ID, a.PatientID, a.TakenAt); err != nil {
		return err
	}
	if strings.TrimSpace(a.ReadingID) == "" {
		return fmt.Errorf("%w: alert needs a reading id", ErrInvalidRequest)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(id, reading_id, patient_id, systolic, diastolic, taken_at, received_at, reason, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ReadingID, strings.TrimSpace(a.PatientID), a.Systolic, a.Diastolic,
		a.TakenAt.UnixNano(), a.ReceivedAt.UnixNano(), a.Reason, a.Status.String(), a.CreatedAt.UnixNano(),
	)
	return s.mapErr(err, "alert "+a.ID)
}

// pageClause renders the keyset filter for q. Rows strictly after the
// cursor position are (taken_at < t) or (taken_at = t and id < id).
func pageClause(q query) (string, []any) {
	where := `patient_id = ?`
	args := []any{q.patientID}
	if q.after != nil {
		where += ` AND (taken_at < ? OR (taken_at = ? AND id < ?))`
		args = append(args, q.after.TakenAt, q.after.TakenAt, q.after.ID)
	}
	// One extra row tells us whether another page exists.
	args = append(args, q.limit+1)
	return where, args
}

func (s *sqliteStore) ListReadings(ctx context.Context, opts ListOptions) (Page[vitals.Reading], error) {
	if err := s.ready(ctx); err != nil {
		return Page[vitals.Reading]{}, err
	}
	q, err := s.limits.parse(opts)
	if err != nil {
		return Page[vitals.Reading]{}, err
	}
	where, args := pageClause(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id, systolic, diastolic, taken_at, received_at FROM readings
		 WHERE `+where+` ORDER BY taken_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return Page[vitals.Reading]{}, s.mapErr(err, "list readings")
	}
	defer rows.Close()

	items := make([]vitals.Reading, 0, q.limit)
	for rows.Next() {
		var (
			r             vitals.Reading
			taken, recvAt int64
		)
		if err := rows.Scan(&r.ID, &r.PatientID, &r.Systolic, &r.Diastolic, &taken, &recvAt); err != nil {
			return Page[vitals.Reading]{}, err
		}
		r.TakenAt = fromNanos(taken)
		r.ReceivedAt = fromNanos(recvAt)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return Page[vitals.Reading]{}, err
	}
	return trimPage(items, q.limit, func(r vitals.Reading) Cursor { return CursorAt(r.TakenAt, r.ID) }), nil
}

func (s *sqliteStore) ListAlerts(ctx context.Context, opts ListOptions) (Page[vitals.Alert], error) {
	if err := s.ready(ctx); err != nil {
		return Page[vitals.Alert]{}, err
	}
	q, err := s.limits.parse(opts)
	if err != nil {
		return Page[vitals.Alert]{}, err
	}
	where, args := pageClause(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reading_id, patient_id, systolic, diastolic, taken_at, received_at, reason, status, created_at FROM alerts
		 WHERE `+where+` ORDER BY taken_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return Page[vitals.Alert]{}, s.mapErr(err, "list alerts")
	}
	defer rows.Close()

	items := make([]vitals.Alert, 0, q.limit)
	for rows.Next() {
		var (
			a                      vitals.Alert
			status                 string
			taken, recvAt, created int64
		)
		if err := rows.Scan(&a.ID, &a.ReadingID, &a.PatientID, &a.Systolic, &a.Diastolic, &taken, &recvAt, &a.Reason, &status, &created); err != nil {
			return Page[vitals.Alert]{}, err
		}
		st, err := vitals.ParseAlertStatus(status)
		if err != nil {
			return Page[vitals.Alert]{}, err
		}
		a.Status = st
		a.TakenAt = fromNanos(taken)
		a.ReceivedAt = fromNanos(recvAt)
		a.CreatedAt = fromNanos(created)
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return Page[vitals.Alert]{}, err
	}
	return trimPage(items, q.limit, func(a vitals.Alert) Cursor { return CursorAt(a.TakenAt, a.ID) }), nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.ready(ctx); err != nil {
		return Stats{}, err
	}
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM readings), (SELECT COUNT(*) FROM alerts)`).Scan(&st.Readings, &st.Alerts)
	if err != nil {
		return Stats{}, s.mapErr(err, "stats")
	}
	return st, nil
}

// Close releases the connection, which discards the in-memory database.
func (s *sqliteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicate, what)
	}
	return fmt.Errorf("sqlite %s: %w", what, err)
}

func trimPage[T any](items []T, limit int, key func(T) Cursor) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	return Page[T]{Items: items, NextCursor: key(items[len(items)-1]).String()}
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
