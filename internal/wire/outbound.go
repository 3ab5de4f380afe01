package wire

import (
	"encoding/json"
	"errors"
)

// Outbound is a client command sent over the push channel.
type Outbound interface {
	isOutbound()
}

// SendChatMessage creates a new text message in the conversation.
type SendChatMessage struct {
	Content   string
	ReplyToID int64
}

// SetTyping broadcasts the sender's typing state.
type SetTyping struct {
	IsTyping bool
}

// SendReadReceipt acknowledges that a message was rendered visible.
type SendReadReceipt struct {
	MessageID int64
}

// EditMessage replaces the content of an existing message.
type EditMessage struct {
	MessageID int64
	Content   string
}

// DeleteMessage removes an existing message.
type DeleteMessage struct {
	MessageID int64
}

// PinMessage sets or clears the pinned flag on a message.
type PinMessage struct {
	MessageID int64
	IsPinned  bool
}

// Ping is the keepalive frame.
type Ping struct{}

func (SendChatMessage) isOutbound() {}
func (SetTyping) isOutbound()       {}
func (SendReadReceipt) isOutbound() {}
func (EditMessage) isOutbound()     {}
func (DeleteMessage) isOutbound()   {}
func (PinMessage) isOutbound()      {}
func (Ping) isOutbound()            {}

// Encode marshals an outbound command to one text frame.
func Encode(cmd Outbound) ([]byte, error) {
	switch c := cmd.(type) {
	case SendChatMessage:
		frame := struct {
			Type      string `json:"type"`
			Content   string `json:"content"`
			ReplyToID *int64 `json:"reply_to_id"`
		}{Type: "chat_message", Content: c.Content}
		if c.ReplyToID != 0 {
			frame.ReplyToID = &c.ReplyToID
		}
		return json.Marshal(frame)
	case SetTyping:
		return json.Marshal(struct {
			Type     string `json:"type"`
			IsTyping bool   `json:"is_typing"`
		}{"typing", c.IsTyping})
	case SendReadReceipt:
		return json.Marshal(struct {
			Type      string `json:"type"`
			MessageID int64  `json:"message_id"`
		}{"read_receipt", c.MessageID})
	case EditMessage:
		return json.Marshal(struct {
			Type      string `json:"type"`
			MessageID int64  `json:"message_id"`
			Content   string `json:"content"`
		}{"edit_message", c.MessageID, c.Content})
	case DeleteMessage:
		return json.Marshal(struct {
			Type      string `json:"type"`
			MessageID int64  `json:"message_id"`
		}{"delete_message", c.MessageID})
	case PinMessage:
		return json.Marshal(struct {
			Type      string `json:"type"`
			MessageID int64  `json:"message_id"`
			IsPinned  bool   `json:"is_pinned"`
		}{"pin_message", c.MessageID, c.IsPinned})
	case Ping:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{"ping"})
	default:
		return nil, errUnknownCommand
	}
}

var errUnknownCommand = errors.New("unknown outbound command")
