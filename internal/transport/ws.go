package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/engine"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/quota"
)

// EventAppender: лента для событий подключения.
type EventAppender interface {
	Append(ev domain.Event) domain.Event
}

// Presence: учет агентов онлайн.
type Presence interface {
	Register(agentID string, limits *quota.Limits)
	Deregister(agentID string)
}

// WSConfig: ограничения соединения.
type WSConfig struct {
	ReadLimit    int64
	WriteTimeout time.Duration
}

// WSServer: постоянное WebSocket-соединение на агента.
// Сообщения одного соединения обрабатываются по очереди, ответ уходит до чтения следующего.
type WSServer struct {
	router   *Router
	ledger   EventAppender
	presence Presence
	metrics  *engine.Metrics
	cfg      WSConfig
	logger   *zap.Logger
}

func NewWSServer(router *Router, led EventAppender, presence Presence, metrics *engine.Metrics, cfg WSConfig, logger *zap.Logger) *WSServer {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = engine.NewMetrics(nil)
	}
	return &WSServer{
		router:   router,
		ledger:   led,
		presence: presence,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.Named("ws"),
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(s.cfg.ReadLimit)

	agentID := "agent-" + uuid.NewString()
	ctx := r.Context()
	s.connect(agentID, r)
	defer s.disconnect(agentID)

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			s.logReadError(agentID, err)
			return
		}

		resp := s.router.HandleRaw(ctx, agentID, data)
		if err := s.write(ctx, c, resp); err != nil {
			s.logger.Warn("failed to write response", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
	}
}

func (s *WSServer) write(ctx context.Context, c *websocket.Conn, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		// Результат обработчика не сериализуется: агенту уходит ошибка, соединение живет
		s.logger.Error("failed to encode response", zap.Error(err))
		fallback := Response{"error": string(domain.CodeInternal), "message": err.Error()}
		if id, ok := resp["id"]; ok {
			fallback["id"] = id
		}
		if payload, err = json.Marshal(fallback); err != nil {
			return err
		}
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return c.Write(wctx, websocket.MessageText, payload)
}

func (s *WSServer) connect(agentID string, r *http.Request) {
	s.metrics.ActiveConnections.Inc()
	if s.presence != nil {
		s.presence.Register(agentID, nil)
	}
	s.ledger.Append(domain.Event{
		Type:    domain.EventAgentConnect,
		AgentID: agentID,
		Data:    map[string]any{"remote_addr": r.RemoteAddr},
	})
	s.logger.Info("agent connected",
		zap.String("agent_id", agentID),
		zap.String("remote", r.RemoteAddr),
		zap.String("trace_id", TraceID(r.Context())),
	)
}

func (s *WSServer) disconnect(agentID string) {
	s.metrics.ActiveConnections.Dec()
	if s.presence != nil {
		s.presence.Deregister(agentID)
	}
	s.ledger.Append(domain.Event{Type: domain.EventAgentDisconnect, AgentID: agentID})
	s.logger.Info("agent disconnected", zap.String("agent_id", agentID))
}

func (s *WSServer) logReadError(agentID string, err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Debug("connection read failed", zap.String("agent_id", agentID), zap.Error(err))
}
