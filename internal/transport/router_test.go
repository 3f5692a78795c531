package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/engine"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/health"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/ledger"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/policy"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/quota"
)

type gateway struct {
	router *Router
	ledger *ledger.Ledger
	quotas *quota.Manager
	disp   *engine.Dispatcher
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	log := zap.NewNop()

	reg := catalog.NewRegistry(log)
	require.NoError(t, reg.RegisterAll(
		catalog.Define("echo").
			Describe("Echo text back").
			Params(map[string]any{"text": map[string]any{"type": "string"}}, "text").
			Handle(func(_ context.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"echo": args["text"]}, nil
			}),
		catalog.Define("explode").Handle(func(context.Context, map[string]any) (map[string]any, error) {
			return nil, assert.AnError
		}),
	))

	led, err := ledger.New(100, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	q := quota.NewManager(quota.DefaultLimits(), log)
	pol := policy.NewEvaluator(&policy.Document{}, log)
	d := engine.NewDispatcher(reg, pol, led, engine.Config{Workers: 4}, log, engine.WithQuota(q))

	r := NewRouter(reg, d, led, q, health.NewMonitor("test"), log)
	return &gateway{router: r, ledger: led, quotas: q, disp: d}
}

func TestRouterMethods(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
		want Response
	}{
		{"ping", `{"method":"ping"}`, Response{"result": "pong"}},
		{"ping echoes id", `{"method":"ping","id":7}`, Response{"result": "pong", "id": float64(7)}},
		{"invalid json", `{nope`, Response{"error": "invalid_json", "message": "Could not parse JSON"}},
		{"unknown method", `{"method":"dance","id":"x"}`, Response{"error": "unknown_method", "method": "dance", "id": "x"}},
		{"missing tool", `{"method":"call_tool","params":{"call_id":"c1"}}`, Response{"error": "missing_tool_name", "call_id": "c1"}},
		{"info missing tool", `{"method":"get_tool_info"}`, Response{"error": "missing_tool_name"}},
		{"info not found", `{"method":"get_tool_info","params":{"tool":"ghost"}}`, Response{"error": "tool_not_found", "tool": "ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.router.HandleRaw(ctx, "agent-1", []byte(tt.raw)))
		})
	}
}

func TestRouterCallTool(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()

	resp := g.router.HandleRaw(ctx, "agent-conn", []byte(`{"method":"call_tool","params":{"call_id":"c1","tool":"echo","args":{"text":"hi"}}}`))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "c1", resp["call_id"])
	assert.Equal(t, map[string]any{"echo": "hi"}, resp["result"])
	assert.Contains(t, resp, "duration_ms")

	resp = g.router.HandleRaw(ctx, "agent-conn", []byte(`{"method":"call_tool","params":{"tool":"ghost"}}`))
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "tool_not_found: ghost", resp["error"])
	assert.Equal(t, "unknown", resp["call_id"])

	resp = g.router.HandleRaw(ctx, "agent-conn", []byte(`{"method":"call_tool","params":{"call_id":"c3","tool":"explode"}}`))
	assert.Equal(t, "handler_error", resp["error"])
	assert.Equal(t, "HandlerError", resp["kind"])
	assert.NotEmpty(t, resp["message"])

	// agent_id из params перекрывает id соединения
	g.router.HandleRaw(ctx, "agent-conn", []byte(`{"method":"call_tool","params":{"agent_id":"robot","call_id":"c4","tool":"echo","args":{"text":"x"}}}`))
	events := g.ledger.ForAgent("robot", 10)
	require.Len(t, events, 2)
	assert.Equal(t, "c4", events[0].CallID)
}

func TestRouterHistoryAndInfo(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		g.router.Dispatch(ctx, "agent-1", Request{Method: "call_tool", Params: map[string]any{
			"call_id": id, "tool": "echo", "args": map[string]any{"text": id},
		}})
	}

	resp := g.router.Dispatch(ctx, "agent-1", Request{Method: "get_history", Params: map[string]any{"n": float64(4)}})
	events, ok := resp["result"].([]domain.Event)
	require.True(t, ok)
	require.Len(t, events, 4)
	assert.Equal(t, "b", events[0].CallID)
	assert.Equal(t, "c", events[3].CallID)

	resp = g.router.Dispatch(ctx, "agent-1", Request{Method: "get_history"})
	assert.Len(t, resp["result"], 6)

	resp = g.router.Dispatch(ctx, "agent-1", Request{Method: "get_tool_info", Params: map[string]any{"tool": "echo"}})
	info, ok := resp["result"].(domain.CapabilityInfo)
	require.True(t, ok)
	assert.Equal(t, "Echo text back", info.Description)
	assert.Equal(t, domain.SensitivityLow, info.Sensitivity)

	resp = g.router.Dispatch(ctx, "agent-1", Request{Method: "list_tools"})
	tools, ok := resp["result"].(map[string]domain.CapabilityInfo)
	require.True(t, ok)
	assert.Len(t, tools, 2)
}

func TestRouterHealthAndStats(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()

	g.router.Dispatch(ctx, "agent-1", Request{Method: "call_tool", Params: map[string]any{"tool": "explode"}})

	resp := g.router.Dispatch(ctx, "agent-1", Request{Method: "health"})
	st, ok := resp["result"].(health.Status)
	require.True(t, ok)
	assert.EqualValues(t, 1, st.EventCount)
	require.Len(t, st.RecentErrors, 1)
	assert.Equal(t, "explode", st.RecentErrors[0].Tool)

	resp = g.router.Dispatch(ctx, "agent-1", Request{Method: "diagnostics"})
	_, ok = resp["result"].(health.Diagnostics)
	assert.True(t, ok)

	resp = g.router.Dispatch(ctx, "agent-1", Request{Method: "get_stats"})
	stats, ok := resp["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"echo", "explode"}, stats["tools"])
	assert.EqualValues(t, 1, stats["dispatcher"].(engine.Stats).TotalCalls)
	assert.Contains(t, stats, "quotas")
}

type panickyCatalog struct{ ToolCatalog }

func (panickyCatalog) List() map[string]domain.CapabilityInfo { panic("catalog exploded") }

func TestRouterRecoversPanics(t *testing.T) {
	g := newGateway(t)
	g.router.catalog = panickyCatalog{g.router.catalog}

	resp := g.router.HandleRaw(context.Background(), "agent-1", []byte(`{"method":"list_tools","id":1}`))
	assert.Equal(t, "internal_error", resp["error"])
	assert.Equal(t, "catalog exploded", resp["message"])
	assert.Equal(t, float64(1), resp["id"])
}
