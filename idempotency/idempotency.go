// Package idempotency lets the API deduplicate deployment submissions: a
// retried POST carrying the same Idempotency-Key maps onto the execution
// the first attempt created.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/kernelforge/kernelforge/store"
)

// DefaultTTL bounds how long a claimed key stays reserved.
const DefaultTTL = time.Hour

// Keeper claims idempotency keys against the shared store.
type Keeper struct {
	store store.Store
	ttl   time.Duration
}

func NewKeeper(s store.Store) *Keeper {
	return &Keeper{store: s, ttl: DefaultTTL}
}

// Claim attempts to bind key to executionID. When the key is fresh it
// returns (executionID, true); when a previous attempt already claimed it,
// it returns that attempt's execution id and false.
func (k *Keeper) Claim(ctx context.Context, key string, executionID string) (string, bool, error) {
	set, err := k.store.SetIdempotencyRecordNX(ctx, key, executionID, k.ttl)
	if err != nil {
		return "", false, err
	}
	if set {
		return executionID, true, nil
	}

	existing, err := k.store.GetIdempotencyRecord(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		// The record expired between the probe and the read; claim again.
		return k.Claim(ctx, key, executionID)
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}
