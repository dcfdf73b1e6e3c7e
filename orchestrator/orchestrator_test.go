package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kernelforge/kernelforge/approval"
	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/pipeline"
	"github.com/kernelforge/kernelforge/store"
	"github.com/kernelforge/kernelforge/strategy"
	"github.com/kernelforge/kernelforge/verification"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []deployment.AuditEvent
}

func (r *recordingAudit) LogDeploymentEvent(ctx context.Context, executionID, tenantID, eventType, category, action, result string, metadata map[string]string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, deployment.AuditEvent{
		EventID:     uuid.NewString(),
		ExecutionID: executionID,
		TenantID:    tenantID,
		Type:        eventType,
		Category:    category,
		Action:      action,
		Result:      result,
		Metadata:    metadata,
	})
	return r.events[len(r.events)-1].EventID
}

func (r *recordingAudit) find(eventType string) (deployment.AuditEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return deployment.AuditEvent{}, false
}

func newOrchestrator(t *testing.T) (*Orchestrator, *recordingAudit) {
	t.Helper()

	verifier, err := verification.NewVerifier("", false)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	mem := store.NewMemoryStore()
	audit := &recordingAudit{}

	o, err := New(Config{
		Pipeline: pipeline.Config{
			Verifier:    verifier,
			Strategies:  strategy.DefaultMap(),
			Approvals:   approval.NewMemoryService(),
			Audit:       audit,
			Tracker:     store.NewTracker(mem),
			Quota:       store.NewQuotaService(mem, nil),
			ApprovalTTL: time.Minute,
		},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { o.Close(context.Background()) })
	return o, audit
}

func TestExecuteBeforeInitializeFails(t *testing.T) {
	o, _ := newOrchestrator(t)

	_, err := o.ExecutePipeline(context.Background(), &deployment.Request{
		Module: deployment.ModuleDescriptor{Name: "m", Version: "1.0.0"},
		Target: deployment.Development,
	})
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("expected not initialized error, got %v", err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()

	first, err := o.InitializeClusters(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	second, err := o.InitializeClusters(ctx)
	if err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if len(first) != len(deployment.Environments) {
		t.Fatalf("expected %d clusters, got %d", len(deployment.Environments), len(first))
	}
	for env, c := range first {
		if second[env] != c {
			t.Errorf("%s: re-initialization returned a different cluster", env)
		}
	}
}

func TestClusterHealthSnapshot(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()

	if _, err := o.GetClusterHealth(ctx, deployment.Production); err == nil {
		t.Fatal("expected error before initialization")
	}

	if _, err := o.InitializeClusters(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h, err := o.GetClusterHealth(ctx, deployment.Production)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Environment != "Production" || h.TotalNodes != deployment.Production.NodeCount() {
		t.Errorf("unexpected snapshot %+v", h)
	}
}

func TestRollbackAlwaysAudited(t *testing.T) {
	o, audit := newOrchestrator(t)
	ctx := context.Background()

	if _, err := o.InitializeClusters(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Nothing was ever deployed; the rollback still completes and audits.
	req := &deployment.Request{
		ExecutionID: uuid.NewString(),
		Module:      deployment.ModuleDescriptor{Name: "ghost-module", Version: "1.0.0"},
		Target:      deployment.QA,
		TenantID:    "tenant-a",
	}
	if err := o.RollbackDeployment(ctx, req); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	e, ok := audit.find("RollbackCompleted")
	if !ok {
		t.Fatal("missing RollbackCompleted audit event")
	}
	if e.Category != "Deployment" || e.Action != "Rollback" {
		t.Errorf("unexpected audit fields %+v", e)
	}
}

func TestEndToEndDeployAndRollback(t *testing.T) {
	o, audit := newOrchestrator(t)
	ctx := context.Background()

	if _, err := o.InitializeClusters(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	req := &deployment.Request{
		ExecutionID: uuid.NewString(),
		Module:      deployment.ModuleDescriptor{Name: "cache-module", Version: "3.0.1"},
		Payload:     []byte("bytes"),
		Target:      deployment.Development,
		Requester:   "alice",
		TenantID:    "tenant-a",
	}
	result, err := o.ExecutePipeline(ctx, req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Message)
	}

	// The module is live on the Development cluster.
	c, err := o.GetCluster(deployment.Development)
	if err != nil {
		t.Fatalf("get cluster: %v", err)
	}
	for _, n := range c.Nodes() {
		if v, ok := n.LoadedVersion("cache-module"); !ok || v != "3.0.1" {
			t.Errorf("node %s: expected cache-module@3.0.1, got %q (%t)", n.ID, v, ok)
		}
	}

	if err := o.RollbackDeployment(ctx, req); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	for _, n := range c.Nodes() {
		if _, ok := n.LoadedVersion("cache-module"); ok {
			t.Errorf("node %s still reports cache-module after rollback", n.ID)
		}
	}
	if _, ok := audit.find("PipelineCompleted"); !ok {
		t.Error("missing PipelineCompleted audit event")
	}
}

func TestCloseIsRepeatable(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()

	if _, err := o.InitializeClusters(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := o.Close(ctx); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := o.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
