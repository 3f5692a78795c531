package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

// ErrCancelled: вызывающий ушел раньше, чем истек таймаут.
var ErrCancelled = errors.New("call cancelled")

// panicError: паника обработчика, превращенная в ошибку.
type panicError struct{ value any }

func (p panicError) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }
func (p panicError) Kind() string  { return "panic" }

// workerPool выполняет обработчики вне горутины соединения, не больше size одновременно.
// Брошенный по таймауту обработчик сразу отдает слот пула и дорабатывает вне бюджета,
// иначе зависшая capability выедала бы пул у остальных агентов.
type workerPool struct {
	sem       *semaphore.Weighted
	size      int64
	inflight  atomic.Int64
	abandoned atomic.Int64
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 16
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

type outcome struct {
	result map[string]any
	err    error
}

// Состояния обработчика для учета брошенных.
const (
	handlerRunning int32 = iota
	handlerFinished
	handlerAbandoned
)

// run ждет результат не дольше timeout. По истечении вызывающий освобождается сразу,
// обработчик получает отмену контекста, но может доработать в фоне.
func (p *workerPool) run(ctx context.Context, tool string, timeout time.Duration, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Ожидание свободного воркера тоже входит в таймаут.
	if err := p.sem.Acquire(callCtx, 1); err != nil {
		return nil, p.ctxError(callCtx, tool)
	}

	var once sync.Once
	release := func() { once.Do(func() { p.sem.Release(1) }) }
	var state atomic.Int32

	done := make(chan outcome, 1)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Add(-1)
		defer func() {
			if !state.CompareAndSwap(handlerRunning, handlerFinished) {
				p.abandoned.Add(-1)
			}
		}()
		defer release()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: panicError{value: r}}
			}
		}()
		res, err := fn(callCtx)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return p.settle(callCtx, tool, out)
	case <-callCtx.Done():
		select {
		case out := <-done:
			return p.settle(callCtx, tool, out)
		default:
		}
		p.abandoned.Add(1)
		if !state.CompareAndSwap(handlerRunning, handlerAbandoned) {
			// Обработчик успел завершиться сам
			p.abandoned.Add(-1)
		}
		release()
		return nil, p.ctxError(callCtx, tool)
	}
}

// settle: обработчик, вернувший ошибку своего контекста, считается прерванным, а не упавшим.
func (p *workerPool) settle(ctx context.Context, tool string, out outcome) (map[string]any, error) {
	if out.err != nil && ctx.Err() != nil &&
		(errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled)) {
		return nil, p.ctxError(ctx, tool)
	}
	return out.result, out.err
}

func (p *workerPool) ctxError(ctx context.Context, tool string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.TimeoutError(tool)
	}
	return fmt.Errorf("%s: %w", tool, ErrCancelled)
}

func (p *workerPool) busy() int64 {
	return p.inflight.Load()
}

// orphans: обработчики, брошенные по таймауту и еще не вернувшиеся.
func (p *workerPool) orphans() int64 {
	return p.abandoned.Load()
}
