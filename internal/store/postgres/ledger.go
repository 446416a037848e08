package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantrun/rotor/internal/domain"
	"github.com/quantrun/rotor/internal/regime"
)

// RunRecord is one rotation run as persisted in the ledger.
type RunRecord struct {
	RunID     uuid.UUID `db:"run_id"`
	AsOf      time.Time `db:"as_of"`
	Equity    float64   `db:"equity"`
	VolProxy  float64   `db:"vol_proxy"`
	Scaler    float64   `db:"scaler"`
	DryRun    bool      `db:"dry_run"`
	CreatedAt time.Time `db:"created_at"`
}

// Ledger records runs, decisions and regime snapshots in PostgreSQL for
// later analysis. It is an audit trail; the file store remains the system of
// record for positions.
type Ledger struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to the database at dsn and verifies connectivity.
func Open(dsn string, timeout time.Duration) (*Ledger, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Ledger{db: db, timeout: timeout}, nil
}

// Close releases the connection pool.
func (l *Ledger) Close() error { return l.db.Close() }

// RecordRun inserts the run header row.
func (l *Ledger) RecordRun(ctx context.Context, rec RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := `
		INSERT INTO rotation_runs (run_id, as_of, equity, vol_proxy, scaler, dry_run)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := l.db.ExecContext(ctx, query,
		rec.RunID, rec.AsOf, rec.Equity, rec.VolProxy, rec.Scaler, rec.DryRun); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate run %s: %w", rec.RunID, err)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordDecisions batch-inserts the run's decisions inside one transaction.
func (l *Ledger) RecordDecisions(ctx context.Context, runID uuid.UUID, decisions []domain.Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decisions transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rotation_decisions (run_id, action, symbol, reason, counterpart, amount_usd, price, score, intraday)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("prepare decisions insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range decisions {
		if _, err := stmt.ExecContext(ctx, runID,
			string(d.Action), d.Symbol, string(d.Reason), d.Counterpart,
			d.AmountUSD, d.Price, d.Score, d.Intraday); err != nil {
			return fmt.Errorf("insert decision %s %s: %w", d.Action, d.Symbol, err)
		}
	}
	return tx.Commit()
}

// RecordRegimes persists the per-bucket classifications for the run.
func (l *Ledger) RecordRegimes(ctx context.Context, runID uuid.UUID, statuses map[string]regime.Status) error {
	if len(statuses) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin regimes transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rotation_regimes (run_id, bucket, proxy, bull, defaulted, close, trend_ma)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("prepare regimes insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range statuses {
		if _, err := stmt.ExecContext(ctx, runID,
			st.Bucket, st.Proxy, st.Bull, st.Defaulted, st.Close, st.TrendMA); err != nil {
			return fmt.Errorf("insert regime %s: %w", st.Bucket, err)
		}
	}
	return tx.Commit()
}

// LatestRun returns the most recent run header, or nil when the ledger is
// empty.
func (l *Ledger) LatestRun(ctx context.Context) (*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var rec RunRecord
	err := l.db.GetContext(ctx, &rec, `
		SELECT run_id, as_of, equity, vol_proxy, scaler, dry_run, created_at
		FROM rotation_runs
		ORDER BY created_at DESC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest run: %w", err)
	}
	return &rec, nil
}

// Ping verifies connectivity, for the health endpoint.
func (l *Ledger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.db.PingContext(ctx)
}
