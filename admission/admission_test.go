package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kernelforge/kernelforge/deployment"
)

type mockExecutor struct {
	mu       sync.Mutex
	executed []string
	fail     bool
	delay    time.Duration
}

func (m *mockExecutor) Execute(ctx context.Context, req *deployment.Request) *deployment.Result {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
		}
	}
	m.mu.Lock()
	m.executed = append(m.executed, req.ExecutionID)
	m.mu.Unlock()
	return &deployment.Result{ExecutionID: req.ExecutionID, Success: !m.fail}
}

func (m *mockExecutor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executed)
}

func newRequest(tenant string) *deployment.Request {
	return &deployment.Request{
		ExecutionID: uuid.NewString(),
		Module:      deployment.ModuleDescriptor{Name: "m", Version: "1.0.0"},
		Target:      deployment.Development,
		Requester:   "alice",
		TenantID:    tenant,
	}
}

func TestQueueOrdering(t *testing.T) {
	q := NewQueue()
	now := time.Now()

	// P10 but aged two minutes: effective priority ~ -2.
	oldLow := &Task{Priority: 10, SubmitTime: now.Add(-2 * time.Minute), Request: newRequest("a")}
	recentHigh := &Task{Priority: 0, SubmitTime: now, Request: newRequest("b")}
	recentMedium := &Task{Priority: 5, SubmitTime: now, Request: newRequest("c")}

	q.Push(oldLow)
	q.Push(recentHigh)
	q.Push(recentMedium)

	if got := q.Pop(); got != oldLow {
		t.Errorf("expected aged low-priority task first, got tenant %s", got.Request.TenantID)
	}
	if got := q.Pop(); got != recentHigh {
		t.Errorf("expected recent high-priority task second, got tenant %s", got.Request.TenantID)
	}
	if got := q.Pop(); got != recentMedium {
		t.Errorf("expected recent medium task last, got tenant %s", got.Request.TenantID)
	}
}

func TestSubmitAndExecute(t *testing.T) {
	exec := &mockExecutor{}
	cfg := DefaultConfig()
	cfg.TenantRate = 1000
	cfg.TenantBurst = 100
	cfg.RequesterRate = 1000
	cfg.RequesterBurst = 100
	c := NewController(exec, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	task, err := c.Submit(newRequest("tenant-a"), 5)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case result := <-task.Done:
		if !result.Success {
			t.Errorf("expected success, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution")
	}
	if exec.count() != 1 {
		t.Errorf("expected 1 execution, got %d", exec.count())
	}
}

func TestQueueFullRejectsLowPriority(t *testing.T) {
	exec := &mockExecutor{}
	cfg := DefaultConfig()
	cfg.MaxQueueDepth = 2
	c := NewController(exec, cfg)
	// No Start: tasks stay queued.

	if _, err := c.Submit(newRequest("a"), 5); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if _, err := c.Submit(newRequest("a"), 5); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	// Low priority beyond the bound is rejected...
	if _, err := c.Submit(newRequest("a"), 5); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	// ...but critical work is still admitted.
	if _, err := c.Submit(newRequest("a"), 0); err != nil {
		t.Errorf("critical submit rejected: %v", err)
	}
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	cb := NewCircuitBreaker(10)

	if !cb.ShouldAdmit(0, 0) {
		t.Fatal("closed circuit must admit")
	}
	if cb.ShouldAdmit(11, 0) {
		t.Fatal("overloaded queue must open the circuit")
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	if cb.ShouldAdmit(0, 0) {
		t.Error("open circuit admits before cooldown")
	}

	// Force cooldown expiry.
	cb.mu.Lock()
	cb.openedAt = time.Now().Add(-time.Minute)
	cb.mu.Unlock()

	// Half-open allows a limited test sample.
	admitted := 0
	for i := 0; i < cb.testLimit; i++ {
		if cb.ShouldAdmit(0, 0) {
			admitted++
		}
	}
	if admitted != cb.testLimit {
		t.Errorf("expected %d test admissions, got %d", cb.testLimit, admitted)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful tests, got %s", cb.State())
	}
}

func TestCircuitReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker(10)
	cb.ShouldAdmit(11, 0) // open

	cb.mu.Lock()
	cb.openedAt = time.Now().Add(-time.Minute)
	cb.mu.Unlock()
	cb.ShouldAdmit(0, 0) // half-open test

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("expected open after half-open failure, got %s", cb.State())
	}
}

func TestConcurrencyBound(t *testing.T) {
	exec := &mockExecutor{delay: 100 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.TenantRate = 1000
	cfg.TenantBurst = 100
	cfg.RequesterRate = 1000
	cfg.RequesterBurst = 100
	c := NewController(exec, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	var tasks []*Task
	for i := 0; i < 6; i++ {
		task, err := c.Submit(newRequest("tenant-a"), 5)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		tasks = append(tasks, task)
	}

	for i, task := range tasks {
		select {
		case <-task.Done:
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d never finished", i)
		}
	}
	if exec.count() != 6 {
		t.Errorf("expected 6 executions, got %d", exec.count())
	}
}
