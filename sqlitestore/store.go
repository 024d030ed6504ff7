// Package sqlitestore implements gate.UsageStore on SQLite.
//
// Counter mutations run inside an immediate transaction with the cap
// condition re-applied, so two concurrent requests that both passed the
// quota check cannot jointly exceed a tier cap.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	gate "github.com/unstuckgg/gate-go"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id               TEXT PRIMARY KEY,
	subject          TEXT NOT NULL UNIQUE,
	username         TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	tier             TEXT NOT NULL DEFAULT 'free',
	total_requests   INTEGER NOT NULL DEFAULT 0,
	monthly_requests INTEGER NOT NULL DEFAULT 0,
	reset_date       TIMESTAMP,
	created_at       TIMESTAMP NOT NULL,
	last_active_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_subject ON usage_records(subject);
`

// Store implements gate.UsageStore on a SQLite database.
type Store struct {
	db *sql.DB
}

// compile-time check
var _ gate.UsageStore = (*Store)(nil)

// Open opens (creating if needed) the database at path and prepares the
// schema. Transactions are started in immediate mode so the read inside
// IncrementUsage holds the write lock for the whole mutation.
func Open(path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("gate/sqlitestore: open: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and prepares the schema. The handle
// must be opened with the `_txlock=immediate` and `_busy_timeout` DSN options
// (as Open does): IncrementUsage reads and rewrites a row in one transaction,
// and a deferred transaction can fail with SQLITE_BUSY when it tries to
// upgrade to a write lock under contention.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("gate/sqlitestore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

const selectColumns = `id, subject, username, email, tier,
	total_requests, monthly_requests, reset_date, created_at, last_active_at`

func scanRecord(row *sql.Row) (*gate.UsageRecord, error) {
	var rec gate.UsageRecord
	var reset sql.NullTime
	err := row.Scan(&rec.ID, &rec.Subject, &rec.Username, &rec.Email, &rec.Tier,
		&rec.TotalRequests, &rec.MonthlyRequests, &reset, &rec.CreatedAt, &rec.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gate.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gate/sqlitestore: scan record: %w", err)
	}
	if reset.Valid {
		t := reset.Time
		rec.ResetDate = &t
	}
	return &rec, nil
}

// Get returns the record for the external subject id.
func (s *Store) Get(ctx context.Context, subject string) (*gate.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM usage_records WHERE subject = ?`, subject)
	return scanRecord(row)
}

// Create inserts the record, assigning a fresh id when empty.
func (s *Store) Create(ctx context.Context, rec *gate.UsageRecord) (*gate.UsageRecord, error) {
	out := *rec
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Tier == "" {
		out.Tier = gate.TierFree
	}
	var reset interface{}
	if out.ResetDate != nil {
		reset = *out.ResetDate
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, subject, username, email, tier, total_requests, monthly_requests,
			 reset_date, created_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.Subject, out.Username, out.Email, out.Tier,
		out.TotalRequests, out.MonthlyRequests, reset, out.CreatedAt, out.LastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("gate/sqlitestore: insert record: %w", err)
	}
	return &out, nil
}

// Touch refreshes profile metadata and the last-active timestamp.
func (s *Store) Touch(ctx context.Context, id, username, email string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_records
		 SET username = CASE WHEN ? != '' THEN ? ELSE username END,
		     email    = CASE WHEN ? != '' THEN ? ELSE email END,
		     last_active_at = ?
		 WHERE id = ?`,
		username, username, email, email, now, id)
	if err != nil {
		return fmt.Errorf("gate/sqlitestore: touch record: %w", err)
	}
	return nil
}

// IncrementUsage commits one admitted request against the record. The row is
// read and rewritten inside one immediate transaction with the caps
// re-checked, closing the check-then-increment race between concurrent
// requests for the same identity.
func (s *Store) IncrementUsage(ctx context.Context, id string, limits gate.TierLimits, now time.Time) (*gate.UsageRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("gate/sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM usage_records WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if limits.MaxTotalRequests > 0 && rec.TotalRequests >= limits.MaxTotalRequests {
		return nil, &gate.QuotaError{
			Code:            gate.QuotaLifetimeExceeded,
			Message:         fmt.Sprintf("lifetime request limit of %d reached", limits.MaxTotalRequests),
			CurrentRequests: rec.TotalRequests,
			MaxRequests:     limits.MaxTotalRequests,
			Tier:            rec.Tier,
			LimitType:       gate.LimitLifetime,
		}
	}

	reset := gate.MonthlyResetStatus(rec.ResetDate, now)
	if limits.MaxMonthlyRequests > 0 && !reset.Eligible && rec.MonthlyRequests >= limits.MaxMonthlyRequests {
		return nil, &gate.QuotaError{
			Code:            gate.QuotaMonthlyExceeded,
			Message:         fmt.Sprintf("monthly request limit of %d reached", limits.MaxMonthlyRequests),
			CurrentRequests: rec.MonthlyRequests,
			MaxRequests:     limits.MaxMonthlyRequests,
			Tier:            rec.Tier,
			LimitType:       gate.LimitMonthly,
			DaysUntilReset:  reset.DaysUntilReset,
			ResetDate:       reset.NextReset,
		}
	}

	rec.TotalRequests++
	if reset.Eligible {
		rec.MonthlyRequests = 1
		anchor := now
		rec.ResetDate = &anchor
	} else {
		rec.MonthlyRequests++
	}
	rec.LastActiveAt = now

	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_records
		 SET total_requests = ?, monthly_requests = ?, reset_date = ?, last_active_at = ?
		 WHERE id = ?`,
		rec.TotalRequests, rec.MonthlyRequests, *rec.ResetDate, rec.LastActiveAt, rec.ID); err != nil {
		return nil, fmt.Errorf("gate/sqlitestore: update counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("gate/sqlitestore: commit: %w", err)
	}
	return rec, nil
}

// UpdateTier moves the record to a new tier with a zeroed monthly counter
// and a fresh window anchor. Lifetime counters are preserved.
func (s *Store) UpdateTier(ctx context.Context, id string, tier gate.Tier, now time.Time) (*gate.UsageRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE usage_records
		 SET tier = ?, monthly_requests = 0, reset_date = ?, last_active_at = ?
		 WHERE id = ?`,
		tier, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("gate/sqlitestore: update tier: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, gate.ErrRecordNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM usage_records WHERE id = ?`, id)
	return scanRecord(row)
}
