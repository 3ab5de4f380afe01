package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace
// prefix, e.g. "message." receives every message.* kind.
const (
	KindMessageUpserted     = "message.upserted"
	KindMessageRemoved      = "message.removed"
	KindMessageSendFailed   = "message.send_failed"
	KindConversationUpdated = "conversation.updated"
	KindTypingChanged       = "typing.changed"
	KindPresenceChanged     = "presence.changed"
	KindConnStatusChanged   = "conn.status_changed"
	KindConnFailed          = "conn.failed"
	KindCommandRejected     = "chat.command_rejected"
)

// Event is a domain event published on the bus. ConversationID is zero
// for events without a conversation scope (presence changes).
type Event struct {
	Kind           string
	ConversationID int64
	Timestamp      time.Time
	Payload        any
}
