package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/observability"
)

// PostgresStore implements Store on PostgreSQL. It is the durable backend
// for audit events and deployment history; execution state and results are
// stored as JSONB documents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func observePostgres(start time.Time) {
	observability.StoreLatency.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
}

// --- Execution state ---

func (s *PostgresStore) UpsertExecutionState(ctx context.Context, tenantID string, state *deployment.ExecutionState) error {
	defer observePostgres(time.Now())

	doc, err := json.Marshal(state)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO executions (execution_id, tenant_id, status, current_stage, state, started_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			state = EXCLUDED.state,
			last_updated = EXCLUDED.last_updated
	`
	_, err = s.pool.Exec(ctx, query,
		state.ExecutionID, tenantID, state.Status, state.CurrentStage, doc,
		state.StartedAt, state.LastUpdated,
	)
	return err
}

func (s *PostgresStore) GetExecutionState(ctx context.Context, tenantID string, executionID string) (*deployment.ExecutionState, error) {
	defer observePostgres(time.Now())

	var doc []byte
	query := `SELECT state FROM executions WHERE execution_id = $1 AND tenant_id = $2`
	err := s.pool.QueryRow(ctx, query, executionID, tenantID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var state deployment.ExecutionState
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *PostgresStore) ListExecutionStates(ctx context.Context, tenantID string, limit int) ([]*deployment.ExecutionState, error) {
	defer observePostgres(time.Now())

	query := `SELECT state FROM executions WHERE tenant_id = $1 ORDER BY started_at DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*deployment.ExecutionState
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var state deployment.ExecutionState
		if err := json.Unmarshal(doc, &state); err != nil {
			return nil, err
		}
		out = append(out, &state)
	}
	return out, rows.Err()
}

// --- Deployment history ---

func (s *PostgresStore) SaveResult(ctx context.Context, tenantID string, result *deployment.Result) error {
	defer observePostgres(time.Now())

	doc, err := json.Marshal(result)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO deployment_results (execution_id, tenant_id, module_name, module_version, success, result, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id) DO UPDATE SET
			success = EXCLUDED.success,
			result = EXCLUDED.result,
			finished_at = EXCLUDED.finished_at
	`
	_, err = s.pool.Exec(ctx, query,
		result.ExecutionID, tenantID, result.ModuleName, result.ModuleVersion,
		result.Success, doc, result.StartedAt, result.FinishedAt,
	)
	return err
}

func (s *PostgresStore) GetResult(ctx context.Context, tenantID string, executionID string) (*deployment.Result, error) {
	defer observePostgres(time.Now())

	var doc []byte
	query := `SELECT result FROM deployment_results WHERE execution_id = $1 AND tenant_id = $2`
	err := s.pool.QueryRow(ctx, query, executionID, tenantID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var result deployment.Result
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// --- Audit trail ---

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, event *deployment.AuditEvent) error {
	defer observePostgres(time.Now())

	meta, err := json.Marshal(event.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO audit_events (event_id, execution_id, tenant_id, event_type, category, action, result, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query,
		event.EventID, event.ExecutionID, event.TenantID, event.Type,
		event.Category, event.Action, event.Result, meta, event.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, executionID string) ([]*deployment.AuditEvent, error) {
	defer observePostgres(time.Now())

	query := `
		SELECT event_id, execution_id, tenant_id, event_type, category, action, result, metadata, created_at
		FROM audit_events WHERE execution_id = $1 ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*deployment.AuditEvent
	for rows.Next() {
		var e deployment.AuditEvent
		var meta []byte
		if err := rows.Scan(&e.EventID, &e.ExecutionID, &e.TenantID, &e.Type,
			&e.Category, &e.Action, &e.Result, &meta, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Quota counters ---

func (s *PostgresStore) AddUsage(ctx context.Context, tenantID string, resource string, delta int) (int, error) {
	defer observePostgres(time.Now())

	query := `
		INSERT INTO quota_usage (tenant_id, resource, used)
		VALUES ($1, $2, GREATEST($3, 0))
		ON CONFLICT (tenant_id, resource) DO UPDATE SET
			used = GREATEST(quota_usage.used + $3, 0)
		RETURNING used
	`
	var used int
	err := s.pool.QueryRow(ctx, query, tenantID, resource, delta).Scan(&used)
	return used, err
}

func (s *PostgresStore) GetUsage(ctx context.Context, tenantID string, resource string) (int, error) {
	defer observePostgres(time.Now())

	var used int
	query := `SELECT used FROM quota_usage WHERE tenant_id = $1 AND resource = $2`
	err := s.pool.QueryRow(ctx, query, tenantID, resource).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

// --- Idempotency ---

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	defer observePostgres(time.Now())

	var value string
	query := `SELECT value FROM idempotency_records WHERE key = $1 AND expires_at > NOW()`
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *PostgresStore) SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observePostgres(time.Now())

	query := `
		INSERT INTO idempotency_records (key, value, expires_at)
		VALUES ($1, $2, NOW() + $3)
		ON CONFLICT (key) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query, key, value, ttl)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
