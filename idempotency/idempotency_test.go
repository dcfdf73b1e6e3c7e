package idempotency

import (
	"context"
	"testing"

	"github.com/kernelforge/kernelforge/store"
)

func TestClaimFirstWins(t *testing.T) {
	k := NewKeeper(store.NewMemoryStore())
	ctx := context.Background()

	id, fresh, err := k.Claim(ctx, "key-1", "exec-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !fresh || id != "exec-1" {
		t.Fatalf("expected fresh claim of exec-1, got %s fresh=%t", id, fresh)
	}

	// A retry with the same key maps onto the original execution.
	id, fresh, err = k.Claim(ctx, "key-1", "exec-2")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if fresh || id != "exec-1" {
		t.Errorf("expected replay of exec-1, got %s fresh=%t", id, fresh)
	}
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	k := NewKeeper(store.NewMemoryStore())
	ctx := context.Background()

	if _, _, err := k.Claim(ctx, "key-1", "exec-1"); err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	id, fresh, err := k.Claim(ctx, "key-2", "exec-2")
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if !fresh || id != "exec-2" {
		t.Errorf("expected independent claim, got %s fresh=%t", id, fresh)
	}
}
