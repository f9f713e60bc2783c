package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TriggerState remembers whether each signal is currently active so the
// evaluator only notifies on the rising edge instead of once per pass while
// a condition persists.
type TriggerState interface {
	// SetActive records the signal's current state and reports whether the
	// transition was inactive-to-active.
	SetActive(ctx context.Context, signal string, active bool) (bool, error)
	Close() error
}

// MemoryTriggerState keeps trigger state in process. State resets on
// restart, which re-fires any still-active signal once.
type MemoryTriggerState struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewMemoryTriggerState creates an empty in-process trigger state.
func NewMemoryTriggerState() *MemoryTriggerState {
	return &MemoryTriggerState{active: make(map[string]bool)}
}

func (m *MemoryTriggerState) SetActive(ctx context.Context, signal string, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	was := m.active[signal]
	m.active[signal] = active
	return active && !was, nil
}

func (m *MemoryTriggerState) Close() error { return nil }

// stateTTL bounds how long a stale key survives an abandoned deployment.
const stateTTL = 24 * time.Hour

// RedisTriggerState keeps trigger state in Redis so rising-edge detection
// survives restarts and is shared across replicas.
type RedisTriggerState struct {
	client *redis.Client
}

// NewRedisTriggerState connects to Redis and verifies the connection.
func NewRedisTriggerState(ctx context.Context, url string, maxRetries, poolSize int) (*RedisTriggerState, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.MaxRetries = maxRetries
	opts.PoolSize = poolSize

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisTriggerState{client: client}, nil
}

func (r *RedisTriggerState) key(signal string) string {
	return "transferpipe:signal:" + signal
}

func (r *RedisTriggerState) SetActive(ctx context.Context, signal string, active bool) (bool, error) {
	key := r.key(signal)

	prev, err := r.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to read trigger state: %w", err)
	}
	was := prev == "1"

	val := "0"
	if active {
		val = "1"
	}
	if err := r.client.Set(ctx, key, val, stateTTL).Err(); err != nil {
		return false, fmt.Errorf("failed to write trigger state: %w", err)
	}
	return active && !was, nil
}

func (r *RedisTriggerState) Close() error {
	return r.client.Close()
}
