package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/bridge"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/connectors"
)

func startBridge(t *testing.T, g *gateway) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewBridgeServer(g.router, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Второй шлюз видит инструменты первого как свои через Bridge.
func TestRemoteExtensionOverBridge(t *testing.T) {
	remote := newGateway(t)
	conn := startBridge(t, remote)

	adapter := connectors.NewGRPCAdapter("remote", bridgeClient(conn), time.Second)
	wrapped := connectors.NewReliabilityWrapper(adapter, connectors.ReliabilityConfig{Name: "remote"}, zap.NewNop())

	local := catalog.NewRegistry(zap.NewNop())
	n, err := connectors.RegisterRemote(context.Background(), local, adapter, wrapped, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := local.Invoke(context.Background(), "echo", map[string]any{"text": "over grpc"})
	require.NoError(t, err)
	assert.Equal(t, "over grpc", res["echo"])

	_, err = local.Invoke(context.Background(), "explode", nil)
	var toolErr *connectors.RemoteToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "HandlerError", toolErr.Kind())

	// Вызов ушел под id шлюза
	events := remote.ledger.ForAgent(connectors.GatewayAgentID, 10)
	assert.NotEmpty(t, events)
}

func bridgeClient(conn *grpc.ClientConn) bridge.Client {
	return bridge.NewClient(conn)
}
