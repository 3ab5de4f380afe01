package model

// Status is the delivery status of a message. Transitions are forward
// only; see StatusRank.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusFailed    Status = "failed"
)

// StatusRank orders statuses for the forward-only transition rule.
// Skipping ahead (pending -> seen) is allowed; moving backward is not.
// failed is terminal and reachable only from pending.
func StatusRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}

// User identifies a conversation participant.
type User struct {
	ID       int64
	Username string
}

// Attachment is a file attached to a message. Upload happens over REST;
// the store only carries the server's descriptor.
type Attachment struct {
	ID       int64
	FileURL  string
	FileName string
	FileType string
	FileSize int64
}

// Message is one entry in a conversation's collection.
//
// Identity is the server-assigned ID once known. While a message is
// optimistic (sent locally, not yet echoed) ID is zero and TempID holds
// a client-generated token; the echo clears TempID and sets ID.
type Message struct {
	ID             int64
	TempID         string
	ConversationID int64
	Sender         User
	Content        string
	Attachments    []Attachment
	ReplyToID      int64
	Status         Status
	IsEdited       bool
	IsPinned       bool
	IsDeleted      bool
	CreatedAt      int64 // unix millis
	UpdatedAt      int64
}

// Confirmed reports whether the message has a server identity.
func (m Message) Confirmed() bool { return m.ID != 0 }

// SameIdentity reports whether two messages refer to the same logical
// message: matching server IDs, or matching temp tokens before the
// server ID is known.
func SameIdentity(a, b Message) bool {
	if a.ID != 0 && b.ID != 0 {
		return a.ID == b.ID
	}
	return a.TempID != "" && a.TempID == b.TempID
}

// Conversation is a thread between participants, optionally scoped to a
// confession.
type Conversation struct {
	ID                 int64
	Participants       []User
	ConfessionID       int64
	LastMessagePreview string
	UnreadCount        int
	CreatedAt          int64
	UpdatedAt          int64
}
