package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/bridge"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

// GatewayAgentID: под этим id шлюз ходит в удаленные расширения.
const GatewayAgentID = "uag-gateway"

const defaultThrottleDelay = 500 * time.Millisecond

// GRPCAdapter говорит с удаленным расширением по Bridge тем же протоколом,
// что агенты используют поверх WebSocket.
type GRPCAdapter struct {
	name    string
	client  bridge.Client
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(name string, client bridge.Client, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{name: name, client: client, timeout: timeout}
}

// Dial открывает соединение с расширением. Закрывать возвращенный conn — забота вызывающего.
func Dial(name, addr string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCAdapter, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial extension %s at %s: %w", name, addr, err)
	}
	return NewGRPCAdapter(name, bridge.NewClient(conn), timeout), conn, nil
}

// Call реализует ExecutionProvider
func (a *GRPCAdapter) Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	resp, err := a.roundTrip(ctx, "call_tool", map[string]any{
		"agent_id": GatewayAgentID,
		"call_id":  uuid.NewString(),
		"tool":     tool,
		"args":     args,
	})
	if err != nil {
		return nil, err
	}

	if token, ok := resp["error"].(string); ok && token != "" {
		if token == string(domain.CodeRateLimited) {
			return nil, &ThrottleError{RetryAfter: defaultThrottleDelay, Cause: a.toolError(tool, resp)}
		}
		return nil, a.toolError(tool, resp)
	}

	result, _ := resp["result"].(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// ListTools запрашивает каталог расширения.
func (a *GRPCAdapter) ListTools(ctx context.Context) (map[string]domain.CapabilityInfo, error) {
	resp, err := a.roundTrip(ctx, "list_tools", nil)
	if err != nil {
		return nil, err
	}
	if token, ok := resp["error"].(string); ok && token != "" {
		return nil, a.toolError("list_tools", resp)
	}

	raw, err := json.Marshal(resp["result"])
	if err != nil {
		return nil, fmt.Errorf("extension %s: encode tool list: %w", a.name, err)
	}
	var tools map[string]domain.CapabilityInfo
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, fmt.Errorf("extension %s: malformed tool list: %w", a.name, err)
	}
	return tools, nil
}

func (a *GRPCAdapter) roundTrip(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	msg := map[string]any{"method": method, "id": uuid.NewString()}
	if params != nil {
		msg["params"] = params
	}
	in, err := bridge.ToStruct(msg)
	if err != nil {
		return nil, err
	}

	// Собственный предел адаптера, даже если снаружи таймаут длиннее
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, bridge.AgentIDHeader, GatewayAgentID)

	out, err := a.client.Handle(ctx, in)
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, &ThrottleError{RetryAfter: defaultThrottleDelay, Cause: err}
		}
		return nil, fmt.Errorf("extension %s: %s failed: %w", a.name, method, err)
	}
	return bridge.FromStruct(out), nil
}

func (a *GRPCAdapter) toolError(tool string, resp map[string]any) *RemoteToolError {
	e := &RemoteToolError{Extension: a.name, Tool: tool}
	e.Token, _ = resp["error"].(string)
	e.Tag, _ = resp["kind"].(string)
	e.Message, _ = resp["message"].(string)
	if e.Message == "" {
		e.Message, _ = resp["reason"].(string)
	}
	return e
}

// RegisterRemote регистрирует все инструменты расширения в каталоге.
// Вызовы идут через exec (обычно ReliabilityWrapper над адаптером).
func RegisterRemote(ctx context.Context, reg *catalog.Registry, a *GRPCAdapter, exec ExecutionProvider, logger *zap.Logger) (int, error) {
	tools, err := a.ListTools(ctx)
	if err != nil {
		return 0, err
	}

	registered := 0
	for name, info := range tools {
		tool := name
		err := catalog.Define(tool).
			Describe(info.Description).
			Sensitivity(info.Sensitivity).
			Schema(info.Schema).
			Cost(info.CostHint.LatencyMs, info.CostHint.Expensive).
			Scope(info.Scope).
			Handle(func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return exec.Call(ctx, tool, args)
			}).
			Register(reg)
		if err != nil {
			// Плохой инструмент не мешает остальным
			logger.Warn("remote tool rejected",
				zap.String("extension", a.name),
				zap.String("tool", tool),
				zap.Error(err),
			)
			continue
		}
		registered++
	}

	logger.Info("remote extension registered",
		zap.String("extension", a.name),
		zap.Int("tools", registered),
		zap.Int("offered", len(tools)),
	)
	return registered, nil
}
