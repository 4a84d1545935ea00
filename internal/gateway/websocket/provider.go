package websocket

import (
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/events/bus"
	"github.com/agenthost/agenthost/internal/session"
)

// Provide creates the WebSocket gateway.
func Provide(host *session.Host, eventBus bus.EventBus, log *logger.Logger) (*Gateway, error) {
	return NewGateway(host, eventBus, log), nil
}
