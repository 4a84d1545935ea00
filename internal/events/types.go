// Package events defines the bus subjects the session host publishes on.
//
// Event type strings themselves come from the conversation package; a bus
// envelope carries one conversation.SessionEvent per message. Subjects are
// NATS-style dotted names so the same code runs against the in-memory bus and
// a real NATS deployment.
package events

// Subject roots.
const (
	// SessionSubject is the base subject for per-session event streams.
	SessionSubject = "session"
)

// Event sources for bus envelopes.
const (
	SourceSessionHost = "session-host"
	SourceGateway     = "gateway"
)

// BuildSessionSubject creates the event subject for a specific session.
func BuildSessionSubject(sessionID string) string {
	return SessionSubject + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for all session
// event streams.
func BuildSessionWildcardSubject() string {
	return SessionSubject + ".*"
}
