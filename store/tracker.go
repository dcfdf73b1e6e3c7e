package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/observability"
)

// Tracker persists pipeline execution state transitions. Writes are
// best-effort: a tracker failure never fails the pipeline, it is logged
// and the pipeline keeps going.
type Tracker struct {
	store Store
}

func NewTracker(s Store) *Tracker {
	return &Tracker{store: s}
}

func (t *Tracker) UpdatePipelineState(ctx context.Context, tenantID string, state *deployment.ExecutionState) {
	if err := t.store.UpsertExecutionState(ctx, tenantID, state); err != nil {
		log.Printf("[tracker] failed to persist state for execution %s: %v", state.ExecutionID, err)
	}
}

func (t *Tracker) SaveResult(ctx context.Context, tenantID string, result *deployment.Result) {
	if err := t.store.SaveResult(ctx, tenantID, result); err != nil {
		log.Printf("[tracker] failed to persist result for execution %s: %v", result.ExecutionID, err)
	}
}

// AuditLog writes tamper-evident deployment audit events.
type AuditLog struct {
	store Store
}

func NewAuditLog(s Store) *AuditLog {
	return &AuditLog{store: s}
}

// LogDeploymentEvent records an audit event and returns its generated ID.
func (a *AuditLog) LogDeploymentEvent(ctx context.Context, executionID, tenantID, eventType, category, action, result string, metadata map[string]string) string {
	event := &deployment.AuditEvent{
		EventID:     uuid.NewString(),
		ExecutionID: executionID,
		TenantID:    tenantID,
		Type:        eventType,
		Category:    category,
		Action:      action,
		Result:      result,
		Timestamp:   time.Now().UTC(),
		Metadata:    metadata,
	}
	if err := a.store.AppendAuditEvent(ctx, event); err != nil {
		log.Printf("[audit] failed to append event %s for execution %s: %v", eventType, executionID, err)
	}
	return event.EventID
}

func (a *AuditLog) Events(ctx context.Context, executionID string) ([]*deployment.AuditEvent, error) {
	return a.store.ListAuditEvents(ctx, executionID)
}

// ResourceConcurrentDeployments is the quota resource gating pipeline admission.
const ResourceConcurrentDeployments = "ConcurrentDeployments"

// DefaultQuotaLimits applies when a tenant has no explicit limit configured.
var DefaultQuotaLimits = map[string]int{
	ResourceConcurrentDeployments: 10,
}

// QuotaService enforces per-tenant resource limits. Checking and recording
// are separate steps so a denied request never touches the usage counter.
type QuotaService struct {
	store  Store
	limits map[string]int
}

func NewQuotaService(s Store, limits map[string]int) *QuotaService {
	if limits == nil {
		limits = DefaultQuotaLimits
	}
	return &QuotaService{store: s, limits: limits}
}

// CheckQuota returns an error containing "quota exceeded" when the tenant
// is at or over its limit for the resource. It never mutates usage.
func (q *QuotaService) CheckQuota(ctx context.Context, tenantID string, resource string) error {
	limit, ok := q.limits[resource]
	if !ok {
		return nil
	}
	used, err := q.store.GetUsage(ctx, tenantID, resource)
	if err != nil {
		return fmt.Errorf("quota lookup for tenant %s: %w", tenantID, err)
	}
	if used >= limit {
		observability.QuotaDenials.Inc()
		return fmt.Errorf("quota exceeded for tenant %s: %s %d/%d", tenantID, resource, used, limit)
	}
	return nil
}

// RecordUsage increments the tenant's usage counter for the resource.
func (q *QuotaService) RecordUsage(ctx context.Context, tenantID string, resource string) error {
	_, err := q.store.AddUsage(ctx, tenantID, resource, 1)
	return err
}

// ReleaseUsage decrements the counter when a deployment finishes.
func (q *QuotaService) ReleaseUsage(ctx context.Context, tenantID string, resource string) error {
	_, err := q.store.AddUsage(ctx, tenantID, resource, -1)
	return err
}
