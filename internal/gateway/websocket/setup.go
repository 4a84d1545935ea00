package websocket

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/events/bus"
	"github.com/agenthost/agenthost/internal/session"
	ws "github.com/agenthost/agenthost/pkg/websocket"
)

// Gateway bundles the WebSocket fan-out components.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a WebSocket gateway bound to the session host.
func NewGateway(host *session.Host, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(host, eventBus, dispatcher, log)
	handler := NewHandler(hub, log)

	registerHealthHandler(dispatcher)
	registerSessionHandlers(dispatcher, host)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/v1/ws", g.Handler.HandleConnection)
}

func registerHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "agenthost",
		})
	})
}

// registerSessionHandlers wires the stateless session commands. Commands that
// need the client connection (subscribe, snapshot, message) are handled on
// the client directly.
func registerSessionHandlers(d *ws.Dispatcher, host *session.Host) {
	d.RegisterFunc(ws.ActionSessionList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		infos, err := host.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"sessions": infos})
	})

	d.RegisterFunc(ws.ActionSessionCreate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			ProfileID      string          `json:"profile_id"`
			Title          string          `json:"title"`
			SessionOptions json.RawMessage `json:"session_options"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		s, err := host.CreateSession(ctx, session.CreateSessionInput{
			ProfileID:      req.ProfileID,
			Title:          req.Title,
			SessionOptions: req.SessionOptions,
		})
		if err != nil {
			return nil, err
		}
		snap, err := s.GetState(ctx)
		if err != nil {
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, snap)
	})

	d.RegisterFunc(ws.ActionSessionUnload, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		if err := host.UnloadSession(ctx, req.SessionID); err != nil {
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success":    true,
			"session_id": req.SessionID,
		})
	})
}
