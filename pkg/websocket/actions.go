package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session actions
	ActionSessionList     = "session.list"
	ActionSessionCreate   = "session.create"
	ActionSessionSnapshot = "session.snapshot"
	ActionSessionMessage  = "session.message"
	ActionSessionUnload   = "session.unload"

	// Subscription actions
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client)
	ActionSessionEvent = "session.event"
)

// Error codes
const (
	ErrorCodeBadRequest       = "BAD_REQUEST"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeBusy             = "BUSY"
	ErrorCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
	ErrorCodeValidation       = "VALIDATION_ERROR"
	ErrorCodeUnknownAction    = "UNKNOWN_ACTION"
	ErrorCodeSlowConsumer     = "SLOW_CONSUMER"
)
