// Package wire defines the push-channel protocol: the closed set of
// tagged inbound events the server delivers on a conversation socket
// and the outbound commands a client may send. Payload shapes mirror
// the server's JSON serializers.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/confideapp/confide/internal/model"
)

// Inbound is a server-pushed event. The set of variants is closed;
// events of an unrecognized type decode to Unknown so that newer
// servers never break older clients.
type Inbound interface {
	isInbound()
}

// ChatMessage carries a newly created message.
type ChatMessage struct {
	Message Message
}

// MessageEdited carries the full re-serialized message after an edit.
type MessageEdited struct {
	Message Message
}

// MessageDeleted announces a message deletion.
type MessageDeleted struct {
	MessageID int64
}

// MessagePinned carries the full message after a pin-state change.
type MessagePinned struct {
	Message Message
}

// Typing is another participant's typing indicator.
type Typing struct {
	UserID   int64
	Username string
	IsTyping bool
}

// ReadReceipt reports that a participant has seen a message.
type ReadReceipt struct {
	MessageID int64
	UserID    int64
	Username  string
	ReadAt    time.Time
}

// UserStatus is a server-pushed presence change.
type UserStatus struct {
	UserID   int64
	Username string
	Online   bool
}

// ServerError is a command rejection pushed by the server.
type ServerError struct {
	Message string
}

// Pong answers a client ping.
type Pong struct{}

// Unknown preserves forward compatibility: any unrecognized event type
// decodes to it and is ignored upstream.
type Unknown struct {
	Type string
}

func (ChatMessage) isInbound()    {}
func (MessageEdited) isInbound()  {}
func (MessageDeleted) isInbound() {}
func (MessagePinned) isInbound()  {}
func (Typing) isInbound()         {}
func (ReadReceipt) isInbound()    {}
func (UserStatus) isInbound()     {}
func (ServerError) isInbound()    {}
func (Pong) isInbound()           {}
func (Unknown) isInbound()        {}

type inboundEnvelope struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	MessageID int64           `json:"message_id"`
	UserID    int64           `json:"user_id"`
	Username  string          `json:"username"`
	IsTyping  bool            `json:"is_typing"`
	ReadAt    string          `json:"read_at"`
	Status    string          `json:"status"`
}

// Decode parses one text frame from the push channel. Malformed JSON is
// an error; a well-formed frame of an unrecognized type is Unknown, not
// an error.
func Decode(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case "chat_message":
		msg, err := decodeMessage(env.Message)
		if err != nil {
			return nil, err
		}
		return ChatMessage{Message: msg}, nil
	case "message_edited":
		msg, err := decodeMessage(env.Message)
		if err != nil {
			return nil, err
		}
		return MessageEdited{Message: msg}, nil
	case "message_deleted":
		return MessageDeleted{MessageID: env.MessageID}, nil
	case "message_pinned":
		msg, err := decodeMessage(env.Message)
		if err != nil {
			return nil, err
		}
		return MessagePinned{Message: msg}, nil
	case "typing":
		return Typing{UserID: env.UserID, Username: env.Username, IsTyping: env.IsTyping}, nil
	case "read_receipt":
		readAt, _ := time.Parse(time.RFC3339, env.ReadAt)
		return ReadReceipt{
			MessageID: env.MessageID,
			UserID:    env.UserID,
			Username:  env.Username,
			ReadAt:    readAt,
		}, nil
	case "user_status":
		return UserStatus{
			UserID:   env.UserID,
			Username: env.Username,
			Online:   env.Status == "online",
		}, nil
	case "error":
		return decodeServerError(data)
	case "pong":
		return Pong{}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

// The server reuses the "message" key for both the error text and the
// message object, so error frames need a second decode pass.
func decodeServerError(data []byte) (Inbound, error) {
	var raw struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode error frame: %w", err)
	}
	return ServerError{Message: raw.Message}, nil
}

func decodeMessage(raw json.RawMessage) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message payload: %w", err)
	}
	return msg, nil
}

// Message is the server's message serialization.
type Message struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"conversation"`
	Sender         Sender       `json:"sender"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments"`
	ReplyTo        *ReplyTo     `json:"reply_to"`
	Status         string       `json:"status"`
	IsEdited       bool         `json:"is_edited"`
	IsPinned       bool         `json:"is_pinned"`
	IsDeleted      bool         `json:"is_deleted"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ReplyTo is the embedded serialization of a quoted message.
type ReplyTo struct {
	ID          int64        `json:"id"`
	Sender      Sender       `json:"sender"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
	IsDeleted   bool         `json:"is_deleted"`
}

// Sender is the embedded participant serialization.
type Sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Attachment is the server's attachment serialization.
type Attachment struct {
	ID       int64  `json:"id"`
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
}

// ToModel converts a wire message to its domain form.
func (m Message) ToModel() model.Message {
	atts := make([]model.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, model.Attachment{
			ID:       a.ID,
			FileURL:  a.FileURL,
			FileName: a.FileName,
			FileType: a.FileType,
			FileSize: a.FileSize,
		})
	}
	status := model.Status(m.Status)
	if model.StatusRank(status) < 0 {
		status = model.StatusSent
	}
	var replyTo int64
	if m.ReplyTo != nil {
		replyTo = m.ReplyTo.ID
	}
	return model.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         model.User{ID: m.Sender.ID, Username: m.Sender.Username},
		Content:        m.Content,
		Attachments:    atts,
		ReplyToID:      replyTo,
		Status:         status,
		IsEdited:       m.IsEdited,
		IsPinned:       m.IsPinned,
		IsDeleted:      m.IsDeleted,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		UpdatedAt:      m.UpdatedAt.UnixMilli(),
	}
}
