// Package limiter bounds concurrent calls to external providers.
//
// Each named pool is a counting semaphore, optionally combined with a
// request-rate limiter. Pools are shared by every job in the process, so
// they are the only place where one job's work can slow down another's.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/researchdesk/api/internal/metrics"
)

// Pool names used by the pipeline
const (
	PoolSearch     = "search"
	PoolExtraction = "extraction"
	PoolLLM        = "llm"
)

// DefaultBatchSize is the number of units grouped into one batch
const DefaultBatchSize = 20

// ErrUnknownPool is returned when submitting to a pool that was never configured
var ErrUnknownPool = errors.New("unknown pool")

// PoolConfig declares one pool
type PoolConfig struct {
	Name          string
	Concurrency   int
	RatePerSecond float64
	Burst         int
}

// DefaultPools returns the stock pool sizes: search 4, extraction 3, llm 2
func DefaultPools() []PoolConfig {
	return []PoolConfig{
		{Name: PoolSearch, Concurrency: 4},
		{Name: PoolExtraction, Concurrency: 3},
		{Name: PoolLLM, Concurrency: 2},
	}
}

type pool struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inFlight atomic.Int64
}

// Executor runs operations against named pools
type Executor struct {
	pools     map[string]*pool
	batchSize int
	logger    *zap.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithBatchSize overrides DefaultBatchSize
func WithBatchSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLogger sets the logger used for recovered panics
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an executor with the given pools. A pool with a
// non-positive concurrency gets a single slot.
func New(pools []PoolConfig, opts ...Option) *Executor {
	e := &Executor{
		pools:     make(map[string]*pool, len(pools)),
		batchSize: DefaultBatchSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, cfg := range pools {
		capacity := int64(cfg.Concurrency)
		if capacity <= 0 {
			capacity = 1
		}
		p := &pool{
			name:     cfg.Name,
			capacity: capacity,
			sem:      semaphore.NewWeighted(capacity),
		}
		if cfg.RatePerSecond > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
		}
		e.pools[cfg.Name] = p
	}
	return e
}

// BatchSize returns the configured batch size
func (e *Executor) BatchSize() int {
	return e.batchSize
}

// Capacity returns the concurrency cap of a pool, or 0 when unknown
func (e *Executor) Capacity(name string) int {
	if p, ok := e.pools[name]; ok {
		return int(p.capacity)
	}
	return 0
}

// InFlight returns how many operations currently hold a slot in a pool
func (e *Executor) InFlight(name string) int {
	if p, ok := e.pools[name]; ok {
		return int(p.inFlight.Load())
	}
	return 0
}

// Submit waits for a free slot in the named pool, runs op and releases the
// slot on every exit path. A panic inside op is returned as an error.
func (e *Executor) Submit(ctx context.Context, poolName string, op func(ctx context.Context) error) (err error) {
	p, ok := e.pools[poolName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, poolName)
	}

	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	metrics.PoolWait.WithLabelValues(poolName).Observe(time.Since(start).Seconds())

	p.inFlight.Add(1)
	metrics.PoolInFlight.WithLabelValues(poolName).Inc()
	defer func() {
		p.inFlight.Add(-1)
		metrics.PoolInFlight.WithLabelValues(poolName).Dec()
	}()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic in pool operation",
				zap.String("pool", poolName), zap.Any("panic", r))
			err = fmt.Errorf("pool %s: operation panicked: %v", poolName, r)
		}
	}()

	return op(ctx)
}

// Do is the value-returning form of Submit
func Do[T any](ctx context.Context, e *Executor, poolName string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Submit(ctx, poolName, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Result is the outcome of one unit in a batch run
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// BatchHook is called once a batch holds its pool slot, before its units run
type BatchHook func(batch, total int)

// Batch groups units into batches of the executor's batch size. Each batch
// holds one slot of the pool while its units run concurrently, so at most
// Capacity(pool) batches run at once. A failing unit is recorded in its
// Result and never affects the other units. Results keep input order.
func Batch[T, R any](ctx context.Context, e *Executor, poolName string, units []T, fn func(ctx context.Context, unit T) (R, error), hooks ...BatchHook) []Result[R] {
	results := make([]Result[R], len(units))
	for i := range results {
		results[i].Index = i
	}
	if len(units) == 0 {
		return results
	}

	size := e.batchSize
	total := (len(units) + size - 1) / size
	var wg sync.WaitGroup
	for start := 0; start < len(units); start += size {
		end := start + size
		if end > len(units) {
			end = len(units)
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			err := e.Submit(ctx, poolName, func(ctx context.Context) error {
				for _, hook := range hooks {
					hook(start/size, total)
				}
				runUnits(ctx, e.logger, units[start:end], results[start:end], fn)
				return nil
			})
			if err != nil {
				for i := start; i < end; i++ {
					results[i].Err = err
				}
			}
		}(start, end)
	}
	wg.Wait()
	return results
}

func runUnits[T, R any](ctx context.Context, logger *zap.Logger, units []T, results []Result[R], fn func(ctx context.Context, unit T) (R, error)) {
	var wg sync.WaitGroup
	for i := range units {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Recovered panic in batch unit", zap.Any("panic", r))
					results[i].Err = fmt.Errorf("unit panicked: %v", r)
				}
			}()
			v, err := fn(ctx, units[i])
			results[i].Value = v
			results[i].Err = err
		}(i)
	}
	wg.Wait()
}
