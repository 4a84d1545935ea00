package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/session"
	ws "github.com/agenthost/agenthost/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound queue size per client; overflow means the consumer cannot
	// keep up with the event stream and gets disconnected.
	sendQueueSize = 1024
)

// Client represents a single WebSocket connection
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // session IDs this client has joined
	closeOnce     sync.Once
	logger        *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendQueueSize),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming message. Subscription and session
// commands need the client itself; everything else goes to the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionSessionSubscribe:
		c.handleSubscribe(ctx, msg)
		return
	case ws.ActionSessionUnsubscribe:
		c.handleUnsubscribe(msg)
		return
	case ws.ActionSessionSnapshot:
		c.handleSnapshot(ctx, msg)
		return
	case ws.ActionSessionMessage:
		c.handleSessionMessage(ctx, msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// SessionRequest addresses a command at one session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// MessageRequest carries a prompt for a session. A positive timeout bounds
// the query's wall-clock time.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// handleSubscribe joins the session's room and replies with a full state
// snapshot, so the client starts from a consistent view before live events.
func (c *Client) handleSubscribe(ctx context.Context, msg *ws.Message) {
	var req SessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		return
	}

	s, err := c.hub.host.LoadSession(ctx, req.SessionID)
	if err != nil {
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error(), nil)
		return
	}
	if err := c.hub.Subscribe(c, req.SessionID); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	snap, err := s.GetState(ctx)
	if err != nil {
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error(), nil)
		return
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"session_id": req.SessionID,
		"snapshot":   snap,
	})
	c.sendMessage(resp)
}

// handleUnsubscribe leaves the session's room.
func (c *Client) handleUnsubscribe(msg *ws.Message) {
	var req SessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		return
	}

	c.hub.Unsubscribe(c, req.SessionID)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":    true,
		"session_id": req.SessionID,
	})
	c.sendMessage(resp)
}

// handleSnapshot returns the session's current state without joining the room.
func (c *Client) handleSnapshot(ctx context.Context, msg *ws.Message) {
	var req SessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		return
	}

	s, err := c.hub.host.LoadSession(ctx, req.SessionID)
	if err != nil {
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error(), nil)
		return
	}
	snap, err := s.GetState(ctx)
	if err != nil {
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error(), nil)
		return
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, snap)
	c.sendMessage(resp)
}

// handleSessionMessage enqueues a prompt on the session.
func (c *Client) handleSessionMessage(ctx context.Context, msg *ws.Message) {
	var req MessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.SessionID == "" || req.Prompt == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id and prompt are required", nil)
		return
	}

	var opts session.EnqueueOptions
	if req.TimeoutMs > 0 {
		opts.Deadline = time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	}
	if err := c.hub.host.SendMessage(ctx, req.SessionID, req.Prompt, opts); err != nil {
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error(), nil)
		return
	}

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"accepted":   true,
		"session_id": req.SessionID,
	})
	c.sendMessage(resp)
}

// sendMessage sends a message to the client
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// closeSlow signals the peer it fell behind and closes the connection. The
// hub removes the client separately; only the socket is touched here.
func (c *Client) closeSlow() {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"), deadline)
		_ = c.conn.Close()
	})
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// errorCode maps host error codes onto wire error codes.
func errorCode(err error) string {
	switch errdefs.CodeOf(err) {
	case errdefs.CodeNotFound:
		return ws.ErrorCodeNotFound
	case errdefs.CodeBusy:
		return ws.ErrorCodeBusy
	case errdefs.CodeCapacityExceeded:
		return ws.ErrorCodeCapacityExceeded
	case errdefs.CodeProtocolError:
		return ws.ErrorCodeValidation
	default:
		return ws.ErrorCodeInternalError
	}
}
