// Package bridge: gRPC-вход шлюза и клиент удаленных расширений.
//
// Сервис один: Handle принимает то же сообщение {method, params, id}, что и
// WebSocket, упакованное в google.protobuf.Struct, и возвращает ответ в Struct.
// Описание сервиса написано вручную: сообщения — стандартные well-known types,
// генерировать под них код нечего.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "anse.bridge.v1.Bridge"
	HandleFull  = "/" + ServiceName + "/Handle"

	// AgentIDHeader: метаданные с id агента.
	AgentIDHeader = "x-agent-id"
)

// Server: серверная часть Bridge.
type Server interface {
	Handle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc: описание для grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handle", Handler: handleHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "anse/bridge/v1/bridge.proto",
}

func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func handleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: HandleFull}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Handle(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client: клиентская часть Bridge.
type Client interface {
	Handle(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) Client {
	return &client{cc: cc}
}

func (c *client) Handle(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, HandleFull, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ToStruct переводит произвольный JSON-совместимый map в Struct.
// Типы, которые structpb не знает (вложенные структуры, []map и т.п.),
// нормализуются через JSON.
func ToStruct(m map[string]any) (*structpb.Struct, error) {
	if s, err := structpb.NewStruct(m); err == nil {
		return s, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode message: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("bridge: decode message: %w", err)
	}
	return structpb.NewStruct(plain)
}

// FromStruct: обратное преобразование. Числа приходят как float64.
func FromStruct(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.AsMap()
}
