package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/modulus/model"
)

// IdempotencyStore remembers run-api outcomes by idempotency key so a retry
// replays the first outcome instead of calling the internal API again.
type IdempotencyStore interface {
	// Check returns the outcome stored under key. found is true whenever
	// the key is taken; a key taken by a different payload is a CONFLICT.
	Check(ctx context.Context, key, inputHash string) (result *Result, found bool, err error)

	// Store records result under key for ttl. An existing record is kept.
	Store(ctx context.Context, key, inputHash string, result Result, ttl time.Duration) error
}

// outcome is what a store keeps per key.
type outcome struct {
	InputHash string `json:"input_hash"`
	Result    Result `json:"result"`
}

func (o outcome) replay(key, inputHash string) (*Result, bool, error) {
	if o.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key))
	}
	r := o.Result
	return &r, true, nil
}

// IdempotencyKey scopes the caller's key to the subject and the action, so
// one caller can never replay another's outcome.
func IdempotencyKey(inv Invocation, subjectID string) string {
	return strings.Join([]string{
		"modulus", "idem", subjectID, inv.ModuleID, inv.SubmoduleID, inv.ActionID, inv.IdempotencyKey,
	}, ":")
}

// hashPayload fingerprints the payload. Map keys are encoded in sorted
// order, so the hash ignores key order but not list order.
func hashPayload(v model.Value) string {
	sum := sha256.New()
	_ = json.NewEncoder(sum).Encode(v)
	return hex.EncodeToString(sum.Sum(nil))
}

// MemoryIdempotencyStore is a process-local IdempotencyStore.
type MemoryIdempotencyStore struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	outcome
	expires time.Time
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{now: time.Now, records: make(map[string]memoryRecord)}
}

// Check implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, inputHash string) (*Result, bool, error) {
	s.mu.Lock()
	rec, ok := s.records[key]
	if ok && !s.now().Before(rec.expires) {
		delete(s.records, key)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, false, nil
	}
	return rec.replay(key, inputHash)
}

// Store implements IdempotencyStore. Expired records are swept on write.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash string, result Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, rec := range s.records {
		if !now.Before(rec.expires) {
			delete(s.records, k)
		}
	}
	if _, taken := s.records[key]; taken {
		return nil
	}
	s.records[key] = memoryRecord{
		outcome: outcome{InputHash: inputHash, Result: result},
		expires: now.Add(ttl),
	}
	return nil
}

// HealthCheck implements observability.HealthChecker.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// Len counts the records held, including expired ones not yet swept.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// RedisIdempotencyStore shares outcomes between replicas through Redis and
// leaves expiry to the server.
type RedisIdempotencyStore struct {
	rdb redis.Cmdable
}

// NewRedisIdempotencyStore creates a store over rdb.
func NewRedisIdempotencyStore(rdb redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{rdb: rdb}
}

// Check implements IdempotencyStore.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, inputHash string) (*Result, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("idempotency: get %s: %w", key, err)
	}

	var rec outcome
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return rec.replay(key, inputHash)
}

// Store implements IdempotencyStore with SET NX, so a concurrent duplicate
// cannot replace the first recorded outcome.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash string, result Result, ttl time.Duration) error {
	raw, err := json.Marshal(outcome{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("idempotency: encode %s: %w", key, err)
	}
	err = s.rdb.SetArgs(ctx, key, raw, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: set %s: %w", key, err)
	}
	return nil
}

// HealthCheck implements observability.HealthChecker.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
