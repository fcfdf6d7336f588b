package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/validator"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS probes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint    TEXT    NOT NULL,
    success     INTEGER NOT NULL CHECK(success IN (0, 1)),
    latency_ms  INTEGER NOT NULL,
    status_code INTEGER NOT NULL DEFAULT 0,
    error       TEXT    NOT NULL DEFAULT '',
    checked_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_probes_endpoint_checked ON probes(endpoint, checked_at DESC);

CREATE TABLE IF NOT EXISTS endpoints (
    endpoint             TEXT    PRIMARY KEY,
    score                INTEGER NOT NULL CHECK(score BETWEEN 0 AND 100),
    latency_ms           INTEGER NOT NULL,
    consecutive_failures INTEGER NOT NULL,
    last_checked_at      TEXT    NOT NULL DEFAULT '',
    added_at             TEXT    NOT NULL,
    saved_at             TEXT    NOT NULL
);
`

// Probe is a stored probe result.
type Probe struct {
	ID         int64     `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Success    bool      `json:"success"`
	LatencyMs  int64     `json:"latency_ms"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// DB wraps a SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %q: %w", path, err)
	}
	if path == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// InsertProbe persists a probe result.
func (d *DB) InsertProbe(ctx context.Context, r validator.Result) error {
	var errText string
	if r.Err != nil {
		errText = r.Err.Error()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO probes (endpoint, success, latency_ms, status_code, error, checked_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Endpoint.String(),
		boolInt(r.Success),
		r.Latency.Milliseconds(),
		r.StatusCode,
		errText,
		formatTime(r.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting probe for %q: %w", r.Endpoint, err)
	}
	return nil
}

// LatestProbe returns the most recent probe of endpoint, or nil if none.
func (d *DB) LatestProbe(ctx context.Context, endpoint string) (*Probe, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, endpoint, success, latency_ms, status_code, error, checked_at FROM probes WHERE endpoint = ? ORDER BY checked_at DESC, id DESC LIMIT 1`,
		endpoint,
	)
	p, err := scanProbe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest probe for %q: %w", endpoint, err)
	}
	return p, nil
}

// EndpointHistory returns paginated probe history for an endpoint plus the total count.
func (d *DB) EndpointHistory(ctx context.Context, endpoint string, limit, offset int) ([]Probe, int, error) {
	var total int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM probes WHERE endpoint = ?`, endpoint,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting probes for %q: %w", endpoint, err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, endpoint, success, latency_ms, status_code, error, checked_at FROM probes WHERE endpoint = ? ORDER BY checked_at DESC, id DESC LIMIT ? OFFSET ?`,
		endpoint, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying history for %q: %w", endpoint, err)
	}
	defer rows.Close()

	probes, err := scanProbes(rows)
	if err != nil {
		return nil, 0, err
	}
	return probes, total, nil
}

// SuccessRate returns the percentage of successful probes among the last N
// probes of endpoint.
func (d *DB) SuccessRate(ctx context.Context, endpoint string, last int) (float64, error) {
	var total int
	var okCount sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(success)
		FROM (
			SELECT success FROM probes WHERE endpoint = ? ORDER BY checked_at DESC, id DESC LIMIT ?
		)
	`, endpoint, last).Scan(&total, &okCount)
	if err != nil {
		return 0, fmt.Errorf("calculating success rate for %q: %w", endpoint, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(okCount.Int64) / float64(total) * 100, nil
}

// PruneProbes deletes probes checked before cutoff and returns how many were removed.
func (d *DB) PruneProbes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM probes WHERE checked_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning probes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned probes: %w", err)
	}
	return n, nil
}

// SaveSnapshot replaces the stored pool snapshot with eps.
func (d *DB) SaveSnapshot(ctx context.Context, eps []registry.Endpoint) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoints`); err != nil {
		return fmt.Errorf("clearing snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO endpoints (endpoint, score, latency_ms, consecutive_failures, last_checked_at, added_at, saved_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing snapshot insert: %w", err)
	}
	defer stmt.Close()

	savedAt := formatTime(time.Now())
	for _, ep := range eps {
		var lastChecked string
		if !ep.LastCheckedAt.IsZero() {
			lastChecked = formatTime(ep.LastCheckedAt)
		}
		if _, err := stmt.ExecContext(ctx,
			ep.Key.String(), ep.Score, ep.LatencyMs, ep.ConsecutiveFailures,
			lastChecked, formatTime(ep.AddedAt), savedAt,
		); err != nil {
			return fmt.Errorf("saving endpoint %s: %w", ep.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored pool snapshot sorted by endpoint.
func (d *DB) LoadSnapshot(ctx context.Context) ([]registry.Endpoint, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT endpoint, score, latency_ms, consecutive_failures, last_checked_at, added_at
		FROM endpoints
		ORDER BY endpoint
	`)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	defer rows.Close()

	var eps []registry.Endpoint
	for rows.Next() {
		var ep registry.Endpoint
		var key, lastChecked, addedAt string
		if err := rows.Scan(&key, &ep.Score, &ep.LatencyMs, &ep.ConsecutiveFailures, &lastChecked, &addedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		if ep.Key, err = registry.ParseKey(key); err != nil {
			return nil, fmt.Errorf("snapshot row: %w", err)
		}
		if lastChecked != "" {
			if ep.LastCheckedAt, err = parseTime(lastChecked); err != nil {
				return nil, err
			}
		}
		if ep.AddedAt, err = parseTime(addedAt); err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}
	return eps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProbe(row scanner) (*Probe, error) {
	var p Probe
	var success int
	var checkedAt string
	err := row.Scan(&p.ID, &p.Endpoint, &success, &p.LatencyMs, &p.StatusCode, &p.Error, &checkedAt)
	if err != nil {
		return nil, err
	}
	p.Success = success == 1
	if p.CheckedAt, err = parseTime(checkedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProbes(rows *sql.Rows) ([]Probe, error) {
	var probes []Probe
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning probe row: %w", err)
		}
		probes = append(probes, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating probe rows: %w", err)
	}
	return probes, nil
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Fallback to RFC3339 without sub-second precision.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
		}
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
