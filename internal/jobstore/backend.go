package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/researchdesk/api/internal/model"
)

// Backend is the authoritative key-value home of job records
type Backend interface {
	Save(ctx context.Context, job *model.Job) error
	Load(ctx context.Context, jobID string) (*model.Job, error)
}

// RedisBackend stores jobs as JSON under job:<id> with a TTL
type RedisBackend struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisBackend(redisClient *redis.Client, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisBackend{redis: redisClient, ttl: ttl}
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func (b *RedisBackend) Save(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.redis.Set(ctx, jobKey(job.ID), data, b.ttl).Err()
}

func (b *RedisBackend) Load(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := b.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// MemoryBackend keeps jobs in process memory. Used by the CLI and tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: make(map[string]*model.Job)}
}

func (b *MemoryBackend) Save(_ context.Context, job *model.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[job.ID] = job.Clone()
	return nil
}

func (b *MemoryBackend) Load(_ context.Context, jobID string) (*model.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	job, ok := b.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}
