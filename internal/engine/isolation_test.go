package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/ledger"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/policy"
)

// Обработчик, который игнорирует отмену контекста, не должен занимать пул после таймаута.
func TestStuckHandlersDoNotStarvePool(t *testing.T) {
	log := zap.NewNop()
	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })

	reg := catalog.NewRegistry(log)
	require.NoError(t, reg.RegisterAll(
		catalog.Define("stuck").Handle(func(context.Context, map[string]any) (map[string]any, error) {
			<-unblock
			return nil, nil
		}),
		catalog.Define("ping").Handle(func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"pong": true}, nil
		}),
	))
	doc := &policy.Document{Timeouts: policy.Timeouts{
		DefaultCallTimeout: 1,
		Capabilities:       map[string]float64{"stuck": 0.05},
	}}
	led, err := ledger.New(100, log)
	require.NoError(t, err)
	d := NewDispatcher(reg, policy.NewEvaluator(doc, log), led, Config{Workers: 2}, log)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		res := d.Execute(ctx, call(id, "stuck", nil))
		require.Equal(t, "timeout", res.Error, id)
	}
	assert.EqualValues(t, 3, d.Stats().Abandoned)

	other := call("p1", "ping", nil)
	other.AgentID = "agent-2"
	res := d.Execute(ctx, other)
	require.Equal(t, domain.CallOK, res.Status, res.Error)
	assert.Equal(t, true, res.Result["pong"])
}

func TestAbandonedCounterDrains(t *testing.T) {
	p := newWorkerPool(1)
	unblock := make(chan struct{})

	_, err := p.run(context.Background(), "stuck", 20*time.Millisecond, func(context.Context) (map[string]any, error) {
		<-unblock
		return nil, nil
	})
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.EqualValues(t, 1, p.orphans())

	// Слот уже свободен, хотя обработчик еще работает
	_, err = p.run(context.Background(), "next", time.Second, func(context.Context) (map[string]any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	close(unblock)
	assert.Eventually(t, func() bool { return p.orphans() == 0 && p.busy() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLedgerKeepsOriginalArgsAndResult(t *testing.T) {
	log := zap.NewNop()
	reg := catalog.NewRegistry(log)
	require.NoError(t, catalog.Define("mutate").Handle(func(_ context.Context, args map[string]any) (map[string]any, error) {
		args["injected"] = true
		if nested, ok := args["nested"].(map[string]any); ok {
			nested["k"] = "changed"
		}
		return map[string]any{"value": "original"}, nil
	}).Register(reg))

	led, err := ledger.New(100, log)
	require.NoError(t, err)
	d := NewDispatcher(reg, policy.NewEvaluator(&policy.Document{}, log), led, Config{Workers: 1}, log)

	args := map[string]any{"x": 1, "nested": map[string]any{"k": "v"}}
	res := d.Execute(context.Background(), call("m1", "mutate", args))
	require.Equal(t, domain.CallOK, res.Status)

	// Вызывающий правит полученный конверт
	res.Result["value"] = "tampered"
	res.Error = "tampered"

	events := led.All()
	require.Len(t, events, 2)
	assert.Equal(t, map[string]any{"x": 1, "nested": map[string]any{"k": "v"}}, events[0].Args)
	assert.Equal(t, "original", events[1].Result.Result["value"])
	assert.Empty(t, events[1].Result.Error)
	assert.Equal(t, map[string]any{"x": 1, "nested": map[string]any{"k": "v"}}, args)
}

func TestStatsUsesCallerToolNames(t *testing.T) {
	log := zap.NewNop()
	reg := catalog.NewRegistry(log)
	require.NoError(t, catalog.Define("TakePhoto").Handle(func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}).Register(reg))

	doc := &policy.Document{RateLimits: map[string]int{"TakePhoto": 1}}
	led, err := ledger.New(100, log)
	require.NoError(t, err)
	d := NewDispatcher(reg, policy.NewEvaluator(doc, log), led, Config{Workers: 1}, log)
	ctx := context.Background()

	require.Equal(t, domain.CallOK, d.Execute(ctx, call("t1", "TakePhoto", nil)).Status)
	res := d.Execute(ctx, call("t2", "TakePhoto", nil))
	assert.Equal(t, domain.OutcomeRateLimited, res.Outcome)

	stats := d.Stats().RateLimits
	assert.Equal(t, RateUsage{Limit: 1, CurrentUsage: 1}, stats["TakePhoto"])
	assert.NotContains(t, stats, "takephoto")
}

func TestCloneMapIsDeep(t *testing.T) {
	src := map[string]any{"list": []any{map[string]any{"a": 1}}, "raw": []byte("ab")}
	dst := cloneMap(src)
	dst["list"].([]any)[0].(map[string]any)["a"] = 2
	dst["raw"].([]byte)[0] = 'z'

	assert.Equal(t, 1, src["list"].([]any)[0].(map[string]any)["a"])
	assert.Equal(t, []byte("ab"), src["raw"])
	assert.Nil(t, cloneMap(nil))
}
