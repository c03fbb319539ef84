// Package archive keeps a durable SQL history of outcomes and learning
// records. SQLite (modernc, pure Go) and PostgreSQL (lib/pq) share one
// schema; queries are written with ? placeholders and rebound per driver.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/actiond/internal/learning"
	"github.com/fyrsmithlabs/actiond/internal/outcome"
)

// Drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrDisabled is returned by Open when no driver is configured.
var ErrDisabled = errors.New("archive disabled")

// timeFormat sorts lexically in UTC.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	action_id        TEXT PRIMARY KEY,
	action_type      TEXT NOT NULL,
	target           TEXT NOT NULL,
	status           TEXT NOT NULL,
	improvement      DOUBLE PRECISION NOT NULL,
	met_expectations BOOLEAN NOT NULL,
	rollback_reason  TEXT NOT NULL DEFAULT '',
	executed_at      TEXT NOT NULL,
	completed_at     TEXT NOT NULL,
	payload          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_completed_at ON outcomes (completed_at);

CREATE TABLE IF NOT EXISTS learning_records (
	incident_id  TEXT PRIMARY KEY,
	pattern_type TEXT NOT NULL,
	action_taken TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	improvement  DOUBLE PRECISION NOT NULL,
	recorded_at  TEXT NOT NULL,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learning_pattern_type ON learning_records (pattern_type);
`

// Config selects the driver and data source.
type Config struct {
	Driver string `koanf:"driver"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `koanf:"dsn"`
}

// Enabled reports whether a driver is configured.
func (c Config) Enabled() bool {
	return c.Driver != "" && c.Driver != DriverNone
}

// Archive is a SQL-backed history store.
type Archive struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// Open connects and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive %s: dsn required", cfg.Driver)
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = openSQLite(ctx, cfg.DSN)
	case DriverPostgres:
		db, err = openPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported archive driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("archive opened", zap.String("driver", cfg.Driver))
	return &Archive{db: db, driver: cfg.Driver, logger: logger}, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent lifecycles.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	return db, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// rebind rewrites ? placeholders as $1..$n for postgres.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (a *Archive) exec(ctx context.Context, query string, args ...any) error {
	_, err := a.db.ExecContext(ctx, rebind(a.driver, query), args...)
	return err
}

// SaveOutcome inserts or replaces an outcome.
func (a *Archive) SaveOutcome(ctx context.Context, o outcome.Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	err = a.exec(ctx, `
		INSERT INTO outcomes (
			action_id, action_type, target, status, improvement,
			met_expectations, rollback_reason, executed_at, completed_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (action_id) DO UPDATE SET
			status = excluded.status,
			improvement = excluded.improvement,
			met_expectations = excluded.met_expectations,
			rollback_reason = excluded.rollback_reason,
			completed_at = excluded.completed_at,
			payload = excluded.payload`,
		o.ActionID, string(o.ActionType), o.Target, string(o.Status), o.ImprovementAchieved,
		o.MetExpectations, o.RollbackReason,
		o.ExecutedAt.UTC().Format(timeFormat), o.CompletedAt.UTC().Format(timeFormat), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save outcome %s: %w", o.ActionID, err)
	}
	return nil
}

// SaveLearning inserts or replaces a learning record.
func (a *Archive) SaveLearning(ctx context.Context, r learning.Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal learning record: %w", err)
	}
	err = a.exec(ctx, `
		INSERT INTO learning_records (
			incident_id, pattern_type, action_taken, outcome, improvement, recorded_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (incident_id) DO UPDATE SET
			outcome = excluded.outcome,
			improvement = excluded.improvement,
			payload = excluded.payload`,
		r.IncidentID, r.PatternType, string(r.ActionTaken), r.Outcome, r.ImprovementAchieved,
		r.IncidentTimestamp.UTC().Format(timeFormat), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save learning record %s: %w", r.IncidentID, err)
	}
	return nil
}

// RecentOutcomes returns up to limit outcomes, newest first.
func (a *Archive) RecentOutcomes(ctx context.Context, limit int) ([]outcome.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		rebind(a.driver, `SELECT payload FROM outcomes ORDER BY completed_at DESC, action_id LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []outcome.Outcome
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		var o outcome.Outcome
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LearningByPattern returns up to limit records of one pattern type,
// newest first.
func (a *Archive) LearningByPattern(ctx context.Context, pattern string, limit int) ([]learning.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, rebind(a.driver, `
		SELECT payload FROM learning_records
		WHERE pattern_type = ?
		ORDER BY recorded_at DESC, incident_id
		LIMIT ?`),
		pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query learning records: %w", err)
	}
	defer rows.Close()

	var out []learning.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan learning record: %w", err)
		}
		var r learning.Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode learning record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
