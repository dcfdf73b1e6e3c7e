// Package store provides the persistence backends behind the deployment
// tracker, audit trail, quota accounting and idempotent submission. The
// pipeline core never sees these types directly; it talks to the narrow
// collaborator interfaces wired on top of a Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kernelforge/kernelforge/deployment"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// Store abstracts over the memory (tests), Redis (fast/ephemeral) and
// Postgres (durable) backends.
type Store interface {
	// Execution state (deployment tracker)
	UpsertExecutionState(ctx context.Context, tenantID string, state *deployment.ExecutionState) error
	GetExecutionState(ctx context.Context, tenantID string, executionID string) (*deployment.ExecutionState, error)
	ListExecutionStates(ctx context.Context, tenantID string, limit int) ([]*deployment.ExecutionState, error)

	// Deployment history
	SaveResult(ctx context.Context, tenantID string, result *deployment.Result) error
	GetResult(ctx context.Context, tenantID string, executionID string) (*deployment.Result, error)

	// Audit trail
	AppendAuditEvent(ctx context.Context, event *deployment.AuditEvent) error
	ListAuditEvents(ctx context.Context, executionID string) ([]*deployment.AuditEvent, error)

	// Quota counters. AddUsage applies a signed delta and returns the new
	// value; the two-step check-then-record contract lives in the quota
	// service, not here.
	AddUsage(ctx context.Context, tenantID string, resource string, delta int) (int, error)
	GetUsage(ctx context.Context, tenantID string, resource string) (int, error)

	// Idempotency records. SetIdempotencyRecordNX reports whether the key
	// was newly written.
	GetIdempotencyRecord(ctx context.Context, key string) (string, error)
	SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}
