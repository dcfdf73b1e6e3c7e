package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kernelforge/kernelforge/deployment"
)

func TestMemoryStoreExecutionState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state := deployment.NewExecutionState(&deployment.Request{ExecutionID: "exec-1"})
	if err := s.UpsertExecutionState(ctx, "tenant-a", state); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetExecutionState(ctx, "tenant-a", "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExecutionID != "exec-1" {
		t.Errorf("expected exec-1, got %s", got.ExecutionID)
	}

	// Mutating the returned copy must not leak into the store.
	got.Status = deployment.StatusFailed
	again, _ := s.GetExecutionState(ctx, "tenant-a", "exec-1")
	if again.Status == deployment.StatusFailed {
		t.Error("store returned a shared reference instead of a copy")
	}

	if _, err := s.GetExecutionState(ctx, "tenant-b", "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}
	if _, err := s.GetExecutionState(ctx, "tenant-a", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		state := deployment.NewExecutionState(&deployment.Request{ExecutionID: id})
		if err := s.UpsertExecutionState(ctx, "tenant-a", state); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	all, err := s.ListExecutionStates(ctx, "tenant-a", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 states, got %d", len(all))
	}

	limited, err := s.ListExecutionStates(ctx, "tenant-a", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 states with limit, got %d", len(limited))
	}
}

func TestMemoryStoreUsageCounters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	used, err := s.AddUsage(ctx, "tenant-a", ResourceConcurrentDeployments, 1)
	if err != nil || used != 1 {
		t.Fatalf("expected used=1, got %d err=%v", used, err)
	}
	used, _ = s.AddUsage(ctx, "tenant-a", ResourceConcurrentDeployments, 1)
	if used != 2 {
		t.Errorf("expected used=2, got %d", used)
	}
	used, _ = s.AddUsage(ctx, "tenant-a", ResourceConcurrentDeployments, -5)
	if used != 0 {
		t.Errorf("expected clamp to 0, got %d", used)
	}

	if got, _ := s.GetUsage(ctx, "other", ResourceConcurrentDeployments); got != 0 {
		t.Errorf("expected zero usage for unknown tenant, got %d", got)
	}
}

func TestMemoryStoreIdempotencyNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	set, err := s.SetIdempotencyRecordNX(ctx, "key-1", "exec-1", time.Minute)
	if err != nil || !set {
		t.Fatalf("first write should win: set=%v err=%v", set, err)
	}
	set, err = s.SetIdempotencyRecordNX(ctx, "key-1", "exec-2", time.Minute)
	if err != nil || set {
		t.Fatalf("second write must lose: set=%v err=%v", set, err)
	}

	val, err := s.GetIdempotencyRecord(ctx, "key-1")
	if err != nil || val != "exec-1" {
		t.Errorf("expected exec-1, got %q err=%v", val, err)
	}

	// Expired records behave as missing and can be rewritten.
	if _, err := s.SetIdempotencyRecordNX(ctx, "key-2", "exec-3", -time.Second); err != nil {
		t.Fatalf("expired write: %v", err)
	}
	if _, err := s.GetIdempotencyRecord(ctx, "key-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired record, got %v", err)
	}
}

func TestQuotaServiceDenialDoesNotRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	quota := NewQuotaService(s, map[string]int{ResourceConcurrentDeployments: 1})

	if err := quota.CheckQuota(ctx, "tenant-a", ResourceConcurrentDeployments); err != nil {
		t.Fatalf("first check should pass: %v", err)
	}
	if err := quota.RecordUsage(ctx, "tenant-a", ResourceConcurrentDeployments); err != nil {
		t.Fatalf("record: %v", err)
	}

	err := quota.CheckQuota(ctx, "tenant-a", ResourceConcurrentDeployments)
	if err == nil {
		t.Fatal("expected denial at limit")
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("denial must mention quota exceeded, got %q", err.Error())
	}

	// A denied check must leave the counter untouched.
	if used, _ := s.GetUsage(ctx, "tenant-a", ResourceConcurrentDeployments); used != 1 {
		t.Errorf("denied check mutated usage: %d", used)
	}

	if err := quota.ReleaseUsage(ctx, "tenant-a", ResourceConcurrentDeployments); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := quota.CheckQuota(ctx, "tenant-a", ResourceConcurrentDeployments); err != nil {
		t.Errorf("check after release should pass: %v", err)
	}
}
