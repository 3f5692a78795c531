package connectors

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ExecutionProvider: исполнитель capability вне процесса шлюза.
type ExecutionProvider interface {
	Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
}

// ReliabilityConfig: защита одного удаленного расширения.
type ReliabilityConfig struct {
	Name        string
	RateLimit   float64 // запросов в секунду, 0 — без лимита
	Burst       int
	Attempts    uint
	CallTimeout time.Duration // на одну попытку

	// Circuit Breaker
	MaxRequests uint32
	Interval    time.Duration
	OpenTimeout time.Duration // через сколько CB попробует "закрыться"
	MaxFailures uint32

	// OnStateChange получает 0 (closed), 0.5 (half-open), 1 (open).
	OnStateChange func(name string, value float64)
}

func (c *ReliabilityConfig) defaults() {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 3
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// ReliabilityWrapper: лимитер -> предохранитель -> ретраи с бэкоффом.
type ReliabilityWrapper struct {
	name    string
	next    ExecutionProvider
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
	logger  *zap.Logger
}

func NewReliabilityWrapper(next ExecutionProvider, cfg ReliabilityConfig, logger *zap.Logger) *ReliabilityWrapper {
	cfg.defaults()
	logger = logger.With(zap.String("mod", "reliability"), zap.String("extension", cfg.Name))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// Ошибка самого инструмента — канал исправен
		IsSuccessful: func(err error) bool {
			var toolErr *RemoteToolError
			return err == nil || errors.As(err, &toolErr) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, stateValue(to))
			}
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &ReliabilityWrapper{
		name:    cfg.Name,
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
}

func (w *ReliabilityWrapper) Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, &UnavailableError{Extension: w.name, Cause: err}
	}

	res, err := w.cb.Execute(func() (interface{}, error) {
		var out map[string]any
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			out, callErr = w.next.Call(tCtx, tool, args)
			return callErr
		})
		return out, retryErr
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &UnavailableError{Extension: w.name, Cause: err}
		}
		return nil, err
	}
	out, _ := res.(map[string]any)
	return out, nil
}

// State: текущее состояние предохранителя.
func (w *ReliabilityWrapper) State() gobreaker.State {
	return w.cb.State()
}

func retryable(err error) bool {
	var toolErr *RemoteToolError
	if errors.As(err, &toolErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	}
	return 0
}
