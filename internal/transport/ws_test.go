package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/engine"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/health"
)

func startServer(t *testing.T, g *gateway) string {
	t.Helper()
	reg := prometheus.NewRegistry()
	ws := NewWSServer(g.router, g.ledger, g.quotas, engine.NewMetrics(reg), WSConfig{}, zap.NewNop())
	srv := httptest.NewServer(NewHTTPHandler(ws, health.NewMonitor("test"), reg))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, req any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, req))
	var resp map[string]any
	require.NoError(t, wsjson.Read(ctx, c, &resp))
	return resp
}

func TestWebSocketSession(t *testing.T) {
	g := newGateway(t)
	c := dial(t, startServer(t, g)+"/ws")

	resp := roundTrip(t, c, map[string]any{"method": "ping", "id": "p1"})
	assert.Equal(t, "pong", resp["result"])
	assert.Equal(t, "p1", resp["id"])

	resp = roundTrip(t, c, map[string]any{
		"method": "call_tool",
		"params": map[string]any{"call_id": "c1", "tool": "echo", "args": map[string]any{"text": "hello"}},
	})
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, map[string]any{"echo": "hello"}, resp["result"])

	// Битый JSON не рвет соединение
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{broken")))
	var bad map[string]any
	require.NoError(t, wsjson.Read(ctx, c, &bad))
	assert.Equal(t, "invalid_json", bad["error"])

	resp = roundTrip(t, c, map[string]any{"method": "ping"})
	assert.Equal(t, "pong", resp["result"])

	online := g.quotas.OnlineAgents()
	require.Len(t, online, 1)
	assert.True(t, strings.HasPrefix(online[0], "agent-"))
}

func TestWebSocketConnectDisconnectEvents(t *testing.T) {
	g := newGateway(t)
	url := startServer(t, g)
	c := dial(t, url)

	roundTrip(t, c, map[string]any{"method": "ping"})
	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))

	assert.Eventually(t, func() bool {
		return len(g.ledger.ByType(domain.EventAgentDisconnect, 10)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	connects := g.ledger.ByType(domain.EventAgentConnect, 10)
	require.Len(t, connects, 1)
	disconnects := g.ledger.ByType(domain.EventAgentDisconnect, 10)
	assert.Equal(t, connects[0].AgentID, disconnects[0].AgentID)
	assert.Empty(t, g.quotas.OnlineAgents())
}
