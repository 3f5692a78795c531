package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/engine"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/health"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/ledger"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/quota"
)

const defaultHistory = 10

// Response: ответ агенту. Всегда JSON-объект.
type Response map[string]any

// Request: сообщение агента: {method, params, id}.
type Request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	ID     any            `json:"id,omitempty"`
}

// ToolCatalog: чтение каталога.
type ToolCatalog interface {
	List() map[string]domain.CapabilityInfo
	Describe(name string) (domain.CapabilityInfo, bool)
	Names() []string
}

// Dispatcher: исполнение вызовов.
type Dispatcher interface {
	Execute(ctx context.Context, req domain.CallRequest) *domain.CallResult
	Stats() engine.Stats
}

// History: чтение ленты.
type History interface {
	Recent(n int) []domain.Event
	ForAgent(agentID string, n int) []domain.Event
	Stats() ledger.Stats
}

// QuotaView: статистика квот для get_stats.
type QuotaView interface {
	AllStats() map[string]quota.Stats
	OnlineAgents() []string
}

// Router разбирает сообщения протокола и вызывает ядро.
// Один экземпляр обслуживает и WebSocket, и gRPC Bridge.
type Router struct {
	catalog    ToolCatalog
	dispatcher Dispatcher
	history    History
	quotas     QuotaView
	health     *health.Monitor
	logger     *zap.Logger
}

func NewRouter(cat ToolCatalog, d Dispatcher, h History, q QuotaView, mon *health.Monitor, logger *zap.Logger) *Router {
	return &Router{
		catalog:    cat,
		dispatcher: d,
		history:    h,
		quotas:     q,
		health:     mon,
		logger:     logger.Named("router"),
	}
}

// HandleRaw разбирает JSON и обрабатывает запрос. Битый JSON не закрывает соединение.
func (r *Router) HandleRaw(ctx context.Context, agentID string, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(domain.ProtocolError(domain.CodeInvalidJSON, "Could not parse JSON"))
	}
	return r.Dispatch(ctx, agentID, req)
}

// HandleMap: вход для Bridge, где сообщение уже разобрано.
func (r *Router) HandleMap(ctx context.Context, agentID string, msg map[string]any) Response {
	req := Request{ID: msg["id"]}
	req.Method, _ = msg["method"].(string)
	req.Params, _ = msg["params"].(map[string]any)
	return r.Dispatch(ctx, agentID, req)
}

// Dispatch выполняет метод. Паника метода превращается в internal_error.
func (r *Router) Dispatch(ctx context.Context, agentID string, req Request) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("request handler panicked",
				zap.String("agent_id", agentID),
				zap.String("method", req.Method),
				zap.Any("panic", rec),
			)
			if r.health != nil {
				r.health.RecordError(req.Method, fmt.Sprint(rec), health.SeverityError)
			}
			resp = Response{"error": string(domain.CodeInternal), "message": fmt.Sprint(rec)}
		}
		if req.ID != nil {
			resp["id"] = req.ID
		}
	}()

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	switch req.Method {
	case "ping":
		return Response{"result": "pong"}
	case "list_tools":
		return Response{"result": r.catalog.List()}
	case "call_tool":
		return r.callTool(ctx, agentID, params)
	case "get_history":
		return r.getHistory(params)
	case "get_tool_info":
		return r.toolInfo(params)
	case "health":
		return Response{"result": r.healthStatus()}
	case "diagnostics":
		if r.health == nil {
			return Response{"result": r.healthStatus()}
		}
		return Response{"result": r.health.Diagnostics()}
	case "get_stats":
		return Response{"result": r.stats()}
	}
	resp = errorResponse(domain.ProtocolError(domain.CodeUnknownMethod, ""))
	resp["method"] = req.Method
	return resp
}

// errorResponse: ответ протокола с машинным токеном вместо текста.
func errorResponse(e *domain.Error) Response {
	resp := Response{"error": string(e.Code)}
	if e.Msg != "" {
		resp["message"] = e.Msg
	}
	return resp
}

func (r *Router) callTool(ctx context.Context, connAgent string, params map[string]any) Response {
	call := domain.CallRequest{
		AgentID:       connAgent,
		CallID:        stringParam(params, "call_id", "unknown"),
		Tool:          stringParam(params, "tool", ""),
		ApprovalToken: stringParam(params, "approval_token", ""),
	}
	// Агент может представиться другим id: сессия не аутентифицирована
	if id := stringParam(params, "agent_id", ""); id != "" {
		call.AgentID = id
	}
	if call.Tool == "" {
		return Response{"error": string(domain.CodeMissingTool), "call_id": call.CallID}
	}
	call.Args, _ = params["args"].(map[string]any)

	res := r.dispatcher.Execute(ctx, call)
	r.observe(call.Tool, res)
	return envelope(res)
}

func (r *Router) observe(tool string, res *domain.CallResult) {
	if r.health == nil {
		return
	}
	r.health.RecordEvent()
	switch res.Outcome {
	case domain.OutcomeTimeout:
		r.health.RecordError(tool, res.Error, health.SeverityWarning)
	case domain.OutcomeError:
		msg := res.Error
		if res.Message != "" {
			msg += ": " + res.Message
		}
		r.health.RecordError(tool, msg, health.SeverityError)
	}
}

func (r *Router) getHistory(params map[string]any) Response {
	n := intParam(params, "n", defaultHistory)
	if agentID := stringParam(params, "agent_id", ""); agentID != "" {
		return Response{"result": r.history.ForAgent(agentID, n)}
	}
	return Response{"result": r.history.Recent(n)}
}

func (r *Router) toolInfo(params map[string]any) Response {
	name := stringParam(params, "tool", "")
	if name == "" {
		return Response{"error": string(domain.CodeMissingTool)}
	}
	info, ok := r.catalog.Describe(name)
	if !ok {
		return Response{"error": string(domain.CodeNotFound), "tool": name}
	}
	return Response{"result": info}
}

func (r *Router) healthStatus() any {
	if r.health == nil {
		return map[string]any{"status": "running"}
	}
	return r.health.Status()
}

func (r *Router) stats() map[string]any {
	out := map[string]any{
		"tools":      r.catalog.Names(),
		"ledger":     r.history.Stats(),
		"dispatcher": r.dispatcher.Stats(),
	}
	if r.quotas != nil {
		out["online_agents"] = r.quotas.OnlineAgents()
		out["quotas"] = r.quotas.AllStats()
	}
	return out
}

// envelope: конверт диспетчера как есть, в виде объекта.
func envelope(res *domain.CallResult) Response {
	out := Response{
		"status":      string(res.Status),
		"call_id":     res.CallID,
		"duration_ms": res.DurationMs,
	}
	if res.Result != nil {
		out["result"] = res.Result
	}
	for key, val := range map[string]string{
		"error":   res.Error,
		"kind":    res.Kind,
		"message": res.Message,
		"reason":  res.Reason,
	} {
		if val != "" {
			out[key] = val
		}
	}
	return out
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}
