// Package sqlite provides a durable alerts.Store on top of SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/hed1ad/txguard/pkg/alerts"
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	transaction_id TEXT PRIMARY KEY,
	anomaly_score  REAL NOT NULL,
	is_anomaly     INTEGER NOT NULL DEFAULT 1,
	acknowledged   INTEGER NOT NULL DEFAULT 0,
	snoozed_until  TEXT,
	run_id         TEXT NOT NULL DEFAULT '',
	fields         TEXT NOT NULL DEFAULT '{}',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_score ON alerts (anomaly_score DESC, transaction_id);
`

const selectColumns = `transaction_id, anomaly_score, is_anomaly, acknowledged, snoozed_until, run_id, fields, created_at`

// Store is an alerts.Store backed by a SQLite database file.
//
// Mutations are serialized by an in-process mutex and each runs in its own
// transaction, so a failed batch leaves no partial state behind.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
	log zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// Open opens (creating if needed) the alert database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		now: time.Now,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "alert_store").Logger()

	memory := path == ":memory:" || strings.HasPrefix(path, "file:")
	if !memory {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = absPath
	}

	db, err := sql.Open("sqlite", buildConnectionString(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open alert database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping alert database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply alert schema: %w", err)
	}

	s.db = db
	return s, nil
}

func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=busy_timeout(5000)"
	// Write transactions take the database lock up front so that other
	// processes sharing the file cannot interleave with a read-modify-write.
	connStr += "&_txlock=immediate"
	return connStr
}

// withTransaction runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTransaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertInitial implements alerts.Store.
func (s *Store) UpsertInitial(ctx context.Context, candidates []alerts.Candidate) (int, error) {
	if err := alerts.ValidateCandidates(candidates); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := formatTime(s.now())
	inserted := 0
	err := s.withTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO alerts (transaction_id, anomaly_score, is_anomaly, acknowledged, run_id, fields, created_at)
			VALUES (?, ?, 1, 0, ?, ?, ?)
			ON CONFLICT (transaction_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range candidates {
			fields, err := json.Marshal(orEmpty(c.Fields))
			if err != nil {
				return fmt.Errorf("failed to encode fields for %s: %w", c.TransactionID, err)
			}
			res, err := stmt.ExecContext(ctx, c.TransactionID, c.Score, c.RunID, string(fields), createdAt)
			if err != nil {
				return fmt.Errorf("failed to insert alert %s: %w", c.TransactionID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug().Int("candidates", len(candidates)).Int("inserted", inserted).Msg("Initial alerts stored")
	return inserted, nil
}

// Get implements alerts.Store.
func (s *Store) Get(ctx context.Context, id string) (alerts.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM alerts WHERE transaction_id = ?`, id)
	r, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alerts.Record{}, alerts.ErrNotFound
	}
	return r, err
}

// Acknowledge implements alerts.Store.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE transaction_id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to acknowledge %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return alerts.ErrNotFound
		}
		return nil
	})
}

// Snooze implements alerts.Store.
func (s *Store) Snooze(ctx context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		var acknowledged bool
		err := tx.QueryRowContext(ctx, `SELECT acknowledged FROM alerts WHERE transaction_id = ?`, id).Scan(&acknowledged)
		if errors.Is(err, sql.ErrNoRows) {
			return alerts.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		if acknowledged {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE alerts SET snoozed_until = ? WHERE transaction_id = ?`,
			formatTime(until), id); err != nil {
			return fmt.Errorf("failed to snooze %s: %w", id, err)
		}
		return nil
	})
}

// List implements alerts.Store. The rows are read by a single statement,
// which SQLite evaluates against one snapshot.
func (s *Store) List(ctx context.Context, q alerts.Query) ([]alerts.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM alerts ORDER BY anomaly_score DESC, transaction_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []alerts.Record
	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	return q.Apply(out), nil
}

// Close implements alerts.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row scanner) (alerts.Record, error) {
	var (
		r         alerts.Record
		snoozed   sql.NullString
		fields    string
		createdAt string
	)
	if err := row.Scan(&r.TransactionID, &r.Score, &r.IsAnomaly, &r.Acknowledged,
		&snoozed, &r.RunID, &fields, &createdAt); err != nil {
		return alerts.Record{}, err
	}

	if snoozed.Valid && snoozed.String != "" {
		// An unreadable deadline leaves the alert visible for review.
		if until, err := time.Parse(time.RFC3339Nano, snoozed.String); err == nil {
			r.SnoozedUntil = &until
		} else {
			s.log.Warn().Str("transaction_id", r.TransactionID).Str("snoozed_until", snoozed.String).
				Msg("Ignoring malformed snooze deadline")
		}
	}

	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return alerts.Record{}, fmt.Errorf("failed to decode fields for %s: %w", r.TransactionID, err)
	}
	if len(r.Fields) == 0 {
		r.Fields = nil
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return alerts.Record{}, fmt.Errorf("failed to parse created_at for %s: %w", r.TransactionID, err)
	}
	r.CreatedAt = t

	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
