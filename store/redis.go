package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/observability"
)

// RedisStore implements Store on Redis. It backs the live deployment
// tracker, quota counters and idempotency records; audit events are kept in
// a per-execution list with a retention TTL.
type RedisStore struct {
	client *redis.Client

	// executionTTL bounds how long finished execution state lingers.
	executionTTL time.Duration
}

// NewRedisStore connects and verifies the connection before returning.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{
		client:       client,
		executionTTL: 24 * time.Hour,
	}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observeRedis(start time.Time) {
	observability.StoreLatency.WithLabelValues("redis").Observe(time.Since(start).Seconds())
}

// --- Execution state ---

func (s *RedisStore) UpsertExecutionState(ctx context.Context, tenantID string, state *deployment.ExecutionState) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, TenantKey(tenantID, ResourceExecution, state.ExecutionID), data, s.executionTTL).Err()
}

func (s *RedisStore) GetExecutionState(ctx context.Context, tenantID string, executionID string) (*deployment.ExecutionState, error) {
	defer observeRedis(time.Now())

	data, err := s.client.Get(ctx, TenantKey(tenantID, ResourceExecution, executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var state deployment.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisStore) ListExecutionStates(ctx context.Context, tenantID string, limit int) ([]*deployment.ExecutionState, error) {
	defer observeRedis(time.Now())

	out := make([]*deployment.ExecutionState, 0)
	iter := s.client.Scan(ctx, 0, TenantPrefix(tenantID, ResourceExecution)+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var state deployment.ExecutionState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, err
		}
		out = append(out, &state)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Deployment history ---

func (s *RedisStore) SaveResult(ctx context.Context, tenantID string, result *deployment.Result) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, TenantKey(tenantID, ResourceResult, result.ExecutionID), data, s.executionTTL).Err()
}

func (s *RedisStore) GetResult(ctx context.Context, tenantID string, executionID string) (*deployment.Result, error) {
	defer observeRedis(time.Now())

	data, err := s.client.Get(ctx, TenantKey(tenantID, ResourceResult, executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var result deployment.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// --- Audit trail ---

func (s *RedisStore) AppendAuditEvent(ctx context.Context, event *deployment.AuditEvent) error {
	defer observeRedis(time.Now())

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := "kernelforge:audit:" + event.ExecutionID
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, 7*24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAuditEvents(ctx context.Context, executionID string) ([]*deployment.AuditEvent, error) {
	defer observeRedis(time.Now())

	entries, err := s.client.LRange(ctx, "kernelforge:audit:"+executionID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*deployment.AuditEvent, 0, len(entries))
	for _, raw := range entries {
		var e deployment.AuditEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

// --- Quota counters ---

func (s *RedisStore) AddUsage(ctx context.Context, tenantID string, resource string, delta int) (int, error) {
	defer observeRedis(time.Now())

	val, err := s.client.IncrBy(ctx, TenantKey(tenantID, ResourceQuota, resource), int64(delta)).Result()
	if err != nil {
		return 0, err
	}
	// Clamp under-release back to zero rather than going negative.
	if val < 0 {
		if err := s.client.Set(ctx, TenantKey(tenantID, ResourceQuota, resource), 0, 0).Err(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return int(val), nil
}

func (s *RedisStore) GetUsage(ctx context.Context, tenantID string, resource string) (int, error) {
	defer observeRedis(time.Now())

	val, err := s.client.Get(ctx, TenantKey(tenantID, ResourceQuota, resource)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// --- Idempotency ---

func (s *RedisStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	defer observeRedis(time.Now())

	val, err := s.client.Get(ctx, "kernelforge:idempotency:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) SetIdempotencyRecordNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	return s.client.SetNX(ctx, "kernelforge:idempotency:"+key, value, ttl).Result()
}
