package connectors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedProvider struct {
	calls atomic.Int32
	fn    func(n int32) (map[string]any, error)
}

func (p *scriptedProvider) Call(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
	return p.fn(p.calls.Add(1))
}

func fastConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Name:        "test",
		Attempts:    3,
		CallTimeout: time.Second,
		MaxFailures: 2,
		OpenTimeout: time.Minute,
	}
}

func TestReliabilityRetriesTransportErrors(t *testing.T) {
	p := &scriptedProvider{fn: func(n int32) (map[string]any, error) {
		if n < 3 {
			return nil, &ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("busy")}
		}
		return map[string]any{"ok": true}, nil
	}}
	w := NewReliabilityWrapper(p, fastConfig(), zap.NewNop())

	res, err := w.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestReliabilityDoesNotRetryToolErrors(t *testing.T) {
	p := &scriptedProvider{fn: func(int32) (map[string]any, error) {
		return nil, &RemoteToolError{Extension: "x", Tool: "echo", Token: "handler_error", Tag: "DeviceBusy"}
	}}
	w := NewReliabilityWrapper(p, fastConfig(), zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := w.Call(context.Background(), "echo", nil)
		var toolErr *RemoteToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, "DeviceBusy", toolErr.Kind())
	}
	assert.EqualValues(t, 5, p.calls.Load())
	assert.Equal(t, gobreaker.StateClosed, w.State())
}

func TestReliabilityOpensBreaker(t *testing.T) {
	var states []float64
	cfg := fastConfig()
	cfg.Attempts = 1
	cfg.OnStateChange = func(_ string, v float64) { states = append(states, v) }

	p := &scriptedProvider{fn: func(int32) (map[string]any, error) {
		return nil, errors.New("connection refused")
	}}
	w := NewReliabilityWrapper(p, cfg, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := w.Call(context.Background(), "echo", nil)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, w.State())
	assert.Equal(t, []float64{1}, states)

	_, err := w.Call(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrExtensionUnavailable)
	assert.EqualValues(t, 2, p.calls.Load(), "open breaker short-circuits")
}

func TestReliabilityRateLimiterHonoursContext(t *testing.T) {
	cfg := fastConfig()
	cfg.RateLimit = 0.001
	cfg.Burst = 1
	p := &scriptedProvider{fn: func(int32) (map[string]any, error) { return map[string]any{}, nil }}
	w := NewReliabilityWrapper(p, cfg, zap.NewNop())

	_, err := w.Call(context.Background(), "echo", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.Call(ctx, "echo", nil)
	assert.ErrorIs(t, err, ErrExtensionUnavailable)
}
