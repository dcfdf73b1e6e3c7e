package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kernelforge/kernelforge/deployment"
)

// MemoryStore is the in-process Store used for tests and single-node
// development. It implements the full interface.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*deployment.ExecutionState
	results    map[string]*deployment.Result
	audit      []*deployment.AuditEvent
	usage      map[string]int
	idem       map[string]idemEntry
}

type idemEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*deployment.ExecutionState),
		results:    make(map[string]*deployment.Result),
		audit:      make([]*deployment.AuditEvent, 0),
		usage:      make(map[string]int),
		idem:       make(map[string]idemEntry),
	}
}

// --- Execution state ---

func (s *MemoryStore) UpsertExecutionState(ctx context.Context, tenantID string, state *deployment.ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	cp.Stages = append([]deployment.StageResult(nil), state.Stages...)
	s.executions[TenantKey(tenantID, ResourceExecution, state.ExecutionID)] = &cp
	return nil
}

func (s *MemoryStore) GetExecutionState(ctx context.Context, tenantID string, executionID string) (*deployment.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.executions[TenantKey(tenantID, ResourceExecution, executionID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	cp.Stages = append([]deployment.StageResult(nil), st.Stages...)
	return &cp, nil
}

func (s *MemoryStore) ListExecutionStates(ctx context.Context, tenantID string, limit int) ([]*deployment.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := TenantPrefix(tenantID, ResourceExecution)
	out := make([]*deployment.ExecutionState, 0)
	for key, st := range s.executions {
		if strings.HasPrefix(key, prefix) {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Deployment history ---

func (s *MemoryStore) SaveResult(ctx context.Context, tenantID string, result *deployment.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *result
	s.results[TenantKey(tenantID, ResourceResult, result.ExecutionID)] = &cp
	return nil
}

func (s *MemoryStore) GetResult(ctx context.Context, tenantID string, executionID string) (*deployment.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[TenantKey(tenantID, ResourceResult, executionID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// --- Audit trail ---

func (s *MemoryStore) AppendAuditEvent(ctx context.Context, event *deployment.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, executionID string) ([]*deployment.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*deployment.AuditEvent, 0)
	for _, e := range s.audit {
		if e.ExecutionID == executionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Quota counters ---

func (s *MemoryStore) AddUsage(ctx context.Context, tenantID string, resource string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := TenantKey(tenantID, ResourceQuota, resource)
	s.usage[key] += delta
	if s.usage[key] < 0 {
		s.usage[key] = 0
	}
	return s.usage[key], nil
}

func (s *MemoryStore) GetUsage(ctx context.Context, tenantID string, resource string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[TenantKey(tenantID, ResourceQuota, resource)], nil
}

// --- Idempotency ---

func (s *MemoryStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.idem[key]
	if !ok {
		return "", ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		delete(s.idem, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.idem[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	s.idem[key] = idemEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}
