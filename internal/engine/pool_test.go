package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

func TestPoolRunsHandler(t *testing.T) {
	p := newWorkerPool(2)
	res, err := p.run(context.Background(), "t", time.Second, func(context.Context) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
	assert.EqualValues(t, 0, p.busy())
}

func TestPoolTimeout(t *testing.T) {
	p := newWorkerPool(1)
	_, err := p.run(context.Background(), "slow", 20*time.Millisecond, func(ctx context.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestPoolRecoversPanic(t *testing.T) {
	p := newWorkerPool(1)
	_, err := p.run(context.Background(), "boom", time.Second, func(context.Context) (map[string]any, error) {
		panic("bad")
	})
	require.Error(t, err)
	assert.Equal(t, "panic", domain.KindOf(err))

	// Слот освобожден
	_, err = p.run(context.Background(), "next", time.Second, func(context.Context) (map[string]any, error) {
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestPoolWaitForWorkerCountsTowardsTimeout(t *testing.T) {
	p := newWorkerPool(1)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = p.run(context.Background(), "hold", time.Second, func(context.Context) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	_, err := p.run(context.Background(), "queued", 20*time.Millisecond, func(context.Context) (map[string]any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, domain.ErrTimeout)
	close(release)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := newWorkerPool(3)
	var cur, peak atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.run(context.Background(), "t", time.Second, func(context.Context) (map[string]any, error) {
				n := cur.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				cur.Add(-1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestPoolCancelled(t *testing.T) {
	p := newWorkerPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.run(ctx, "t", time.Second, func(ctx context.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.True(t, errors.Is(err, ErrCancelled))
}
