package transport

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/bridge"
)

type agentKey struct{}

// AgentFromContext: id агента, выставленный UnaryAgentInterceptor.
func AgentFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(agentKey{}).(string); ok {
		return id
	}
	return ""
}

// UnaryAgentInterceptor берет id агента из метаданных x-agent-id.
// Без заголовка вызов получает одноразовый id, как новое WebSocket-соединение.
func UnaryAgentInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		agentID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(bridge.AgentIDHeader); len(ids) > 0 {
				agentID = ids[0]
			}
		}
		if agentID == "" {
			agentID = "agent-" + uuid.NewString()
		}
		return handler(context.WithValue(ctx, agentKey{}, agentID), req)
	}
}

// GRPCServer: Bridge поверх того же Router, что и WebSocket.
type GRPCServer struct {
	router *Router
	logger *zap.Logger
}

func NewGRPCServer(router *Router, logger *zap.Logger) *GRPCServer {
	return &GRPCServer{router: router, logger: logger.Named("grpc")}
}

func (s *GRPCServer) Handle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	resp := s.router.HandleMap(ctx, AgentFromContext(ctx), bridge.FromStruct(in))
	out, err := bridge.ToStruct(resp)
	if err != nil {
		s.logger.Error("failed to encode bridge response", zap.Error(err))
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// NewBridgeServer собирает grpc.Server с перехватчиком агента и сервисом Bridge.
func NewBridgeServer(router *Router, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryAgentInterceptor()))
	srv := grpc.NewServer(opts...)
	bridge.RegisterServer(srv, NewGRPCServer(router, logger))
	return srv
}
