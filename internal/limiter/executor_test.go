package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// peakTracker records the highest number of concurrent callers it has seen
type peakTracker struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (p *peakTracker) enter() {
	n := p.current.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			return
		}
	}
}

func (p *peakTracker) leave() {
	p.current.Add(-1)
}

func TestSubmitRespectsConcurrencyCap(t *testing.T) {
	e := New([]PoolConfig{{Name: PoolLLM, Concurrency: 2}}, WithLogger(zaptest.NewLogger(t)))

	var tracker peakTracker
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.Submit(context.Background(), PoolLLM, func(ctx context.Context) error {
				tracker.enter()
				defer tracker.leave()
				assert.LessOrEqual(t, e.InFlight(PoolLLM), 2)
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, tracker.peak.Load(), int64(2))
	assert.Equal(t, 0, e.InFlight(PoolLLM))
}

func TestSubmitReleasesSlotOnErrorAndPanic(t *testing.T) {
	e := New([]PoolConfig{{Name: PoolSearch, Concurrency: 1}}, WithLogger(zaptest.NewLogger(t)))

	boom := errors.New("provider down")
	err := e.Submit(context.Background(), PoolSearch, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = e.Submit(context.Background(), PoolSearch, func(ctx context.Context) error {
		panic("unexpected")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The single slot must be free again
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = e.Submit(ctx, PoolSearch, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestSubmitUnknownPool(t *testing.T) {
	e := New(nil)
	err := e.Submit(context.Background(), "nope", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownPool)
}

func TestSubmitHonorsContextWhileWaiting(t *testing.T) {
	e := New([]PoolConfig{{Name: PoolLLM, Concurrency: 1}})

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = e.Submit(context.Background(), PoolLLM, func(ctx context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Submit(ctx, PoolLLM, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestDoReturnsValue(t *testing.T) {
	e := New([]PoolConfig{{Name: PoolSearch, Concurrency: 1}})
	v, err := Do(context.Background(), e, PoolSearch, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestBatchBoundsConcurrentBatches(t *testing.T) {
	e := New([]PoolConfig{{Name: PoolExtraction, Concurrency: 3}}, WithBatchSize(4))

	units := make([]int, 50)
	for i := range units {
		units[i] = i
	}

	var tracker peakTracker
	results := Batch(context.Background(), e, PoolExtraction, units, func(ctx context.Context, n int) (int, error) {
		tracker.enter()
		defer tracker.leave()
		time.Sleep(2 * time.Millisecond)
		return n * 2, nil
	})

	require.Len(t, results, 50)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, i*2, r.Value)
		assert.NoError(t, r.Err)
	}
	// batchConcurrency x batchSize
	assert.LessOrEqual(t, tracker.peak.Load(), int64(3*4))
}

func TestBatchIsolatesUnitFailures(t *testing.T) {
	e := New([]PoolConfig{{Name: PoolExtraction, Concurrency: 2}}, WithBatchSize(3))

	units := []string{"a", "fail", "c", "panic", "e"}
	results := Batch(context.Background(), e, PoolExtraction, units, func(ctx context.Context, s string) (string, error) {
		switch s {
		case "fail":
			return "", errors.New("timeout")
		case "panic":
			panic("bad page")
		}
		return s + "!", nil
	})

	require.Len(t, results, 5)
	assert.Equal(t, "a!", results[0].Value)
	assert.Error(t, results[1].Err)
	assert.Equal(t, "c!", results[2].Value)
	assert.Error(t, results[3].Err)
	assert.Equal(t, "e!", results[4].Value)
	assert.NoError(t, results[4].Err)
}

func TestBatchEmpty(t *testing.T) {
	e := New([]PoolConfig{{Name: PoolExtraction, Concurrency: 1}})
	results := Batch(context.Background(), e, PoolExtraction, []string(nil), func(ctx context.Context, s string) (int, error) {
		return 0, nil
	})
	assert.Empty(t, results)
}
