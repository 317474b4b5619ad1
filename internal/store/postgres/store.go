// Package postgres provides Postgres-backed persistence for runs and their
// records.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists runs and businesses in Postgres.
type Store struct {
	pool querier
}

// New creates a Store backed by a new connection pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const insertRunSQL = `
INSERT INTO runs (
	id, source, keyword, location, run_date, status, diagnostic, counts, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run engine.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	countsJSON, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	args := []any{
		run.ID,
		string(run.Source),
		run.Keyword,
		run.Location,
		run.Date,
		string(run.Status),
		run.Diagnostic,
		countsJSON,
		run.CreatedAt,
		run.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, insertRunSQL, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const updateRunSQL = `
UPDATE runs SET status = $2, diagnostic = $3, counts = $4, updated_at = $5 WHERE id = $1`

const insertBusinessSQL = `
INSERT INTO businesses (
	run_id, name, phone, email, address, website, rating, reviews_count,
	latitude, longitude, tax_id, legal_representative, issue_date,
	status_text, category, locator, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

// SaveResult marks the run terminal and inserts its records.
func (s *Store) SaveResult(ctx context.Context, result engine.RunResult) error {
	countsJSON, err := json.Marshal(result.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, updateRunSQL,
		result.RunID, string(result.Status), result.Reason, countsJSON, now)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", result.RunID)
	}
	for _, rec := range result.Records {
		args := []any{
			result.RunID,
			rec.Name,
			rec.Phone,
			rec.Email,
			rec.Address,
			rec.Website,
			rec.Rating,
			rec.ReviewsCount,
			rec.Latitude,
			rec.Longitude,
			rec.TaxID,
			rec.LegalRepresentative,
			rec.IssueDate,
			rec.StatusText,
			rec.Category,
			rec.Locator,
			now,
		}
		if _, err := s.pool.Exec(ctx, insertBusinessSQL, args...); err != nil {
			return fmt.Errorf("insert business for run %s: %w", result.RunID, err)
		}
	}
	return nil
}

const selectRunSQL = `
SELECT id, source, keyword, location, run_date, status, diagnostic, counts, created_at, updated_at
FROM runs WHERE id = $1`

// GetRun loads one run and its records.
func (s *Store) GetRun(ctx context.Context, runID string) (engine.RunRecord, error) {
	row := s.pool.QueryRow(ctx, selectRunSQL, runID)
	run, err := scanRun(row)
	if err != nil {
		return engine.RunRecord{}, fmt.Errorf("select run %s: %w", runID, err)
	}
	businesses, err := s.SearchBusinessesForRun(ctx, runID)
	if err != nil {
		return engine.RunRecord{}, err
	}
	for _, b := range businesses {
		run.Records = append(run.Records, b.Record)
	}
	return run, nil
}

const selectRunsSQL = `
SELECT id, source, keyword, location, run_date, status, diagnostic, counts, created_at, updated_at
FROM runs ORDER BY created_at DESC`

// ListRuns returns all runs, newest first, without their records.
func (s *Store) ListRuns(ctx context.Context) ([]engine.RunRecord, error) {
	rows, err := s.pool.Query(ctx, selectRunsSQL)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var out []engine.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

const searchBusinessesSQL = `
SELECT run_id, name, phone, email, address, website, rating, reviews_count,
	latitude, longitude, tax_id, legal_representative, issue_date,
	status_text, category, locator, created_at
FROM businesses
WHERE $1 = '' OR name ILIKE '%' || $1 || '%' OR address ILIKE '%' || $1 || '%' OR category ILIKE '%' || $1 || '%'
ORDER BY created_at DESC`

// SearchBusinesses returns stored records matching keyword on name, address,
// or category. An empty keyword returns everything.
func (s *Store) SearchBusinesses(ctx context.Context, keyword string) ([]engine.StoredBusiness, error) {
	rows, err := s.pool.Query(ctx, searchBusinessesSQL, keyword)
	if err != nil {
		return nil, fmt.Errorf("search businesses: %w", err)
	}
	defer rows.Close()
	return scanBusinesses(rows)
}

const selectRunBusinessesSQL = `
SELECT run_id, name, phone, email, address, website, rating, reviews_count,
	latitude, longitude, tax_id, legal_representative, issue_date,
	status_text, category, locator, created_at
FROM businesses WHERE run_id = $1 ORDER BY created_at`

// SearchBusinessesForRun returns the records captured by one run.
func (s *Store) SearchBusinessesForRun(ctx context.Context, runID string) ([]engine.StoredBusiness, error) {
	rows, err := s.pool.Query(ctx, selectRunBusinessesSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("select businesses for run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanBusinesses(rows)
}

func scanRun(row pgx.Row) (engine.RunRecord, error) {
	var (
		run        engine.RunRecord
		source     string
		status     string
		countsJSON []byte
	)
	err := row.Scan(
		&run.ID, &source, &run.Keyword, &run.Location, &run.Date,
		&status, &run.Diagnostic, &countsJSON, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return engine.RunRecord{}, err
	}
	run.Source = engine.Source(source)
	run.Status = engine.RunStatus(status)
	if len(countsJSON) > 0 {
		if err := json.Unmarshal(countsJSON, &run.Counts); err != nil {
			return engine.RunRecord{}, fmt.Errorf("unmarshal counts: %w", err)
		}
	}
	return run, nil
}

func scanBusinesses(rows pgx.Rows) ([]engine.StoredBusiness, error) {
	var out []engine.StoredBusiness
	for rows.Next() {
		var b engine.StoredBusiness
		err := rows.Scan(
			&b.RunID,
			&b.Record.Name,
			&b.Record.Phone,
			&b.Record.Email,
			&b.Record.Address,
			&b.Record.Website,
			&b.Record.Rating,
			&b.Record.ReviewsCount,
			&b.Record.Latitude,
			&b.Record.Longitude,
			&b.Record.TaxID,
			&b.Record.LegalRepresentative,
			&b.Record.IssueDate,
			&b.Record.StatusText,
			&b.Record.Category,
			&b.Record.Locator,
			&b.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate businesses: %w", err)
	}
	return out, nil
}
