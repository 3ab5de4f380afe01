package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/confideapp/confide/internal/bus"
	"github.com/confideapp/confide/internal/model"
	"github.com/confideapp/confide/internal/reconcile"
	"github.com/confideapp/confide/internal/wire"
)

// eventLoop consumes the push channel's inbound stream until Close.
// Every store mutation for this conversation happens here, on the
// session's timers or in a user command; events apply strictly in
// delivery order.
func (s *Session) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.push.Events():
			s.handle(evt)
		}
	}
}

func (s *Session) handle(evt wire.Inbound) {
	switch e := evt.(type) {
	case wire.ChatMessage:
		s.handleChatMessage(e.Message.ToModel())
	case wire.MessageEdited:
		s.handleEdited(e.Message.ToModel())
	case wire.MessageDeleted:
		s.handleDeleted(e.MessageID)
	case wire.MessagePinned:
		s.handlePinned(e.Message.ToModel())
	case wire.Typing:
		if e.UserID != s.self.ID {
			s.store.SetTyping(s.conversationID, e.UserID, e.IsTyping)
		}
	case wire.ReadReceipt:
		s.handleReadReceipt(e)
	case wire.UserStatus:
		s.store.SetPresence(e.UserID, e.Online)
	case wire.ServerError:
		s.handleServerError(e)
	case wire.Pong:
		// Keepalive answer; nothing to apply.
	case wire.Unknown:
		s.logger.Debug("ignoring unrecognized event", zap.String("type", e.Type))
	}
}

func (s *Session) handleChatMessage(msg model.Message) {
	if s.stale(msg.ConversationID) {
		return
	}

	if msg.Sender.ID == s.self.ID {
		if tempID := s.matchPending(msg); tempID != "" {
			s.store.PromoteMessage(s.conversationID, tempID, msg)
		} else {
			s.store.AddMessage(s.conversationID, msg)
		}
	} else {
		s.store.AddMessage(s.conversationID, msg)
		if err := s.push.Send(wire.SendReadReceipt{MessageID: msg.ID}); err != nil {
			s.logger.Debug("read receipt dropped", zap.Error(err))
		}
	}
	s.mirrorMessages([]model.Message{msg})
}

// matchPending finds the oldest optimistic entry this echo confirms:
// same sender, same content, no server id yet. Sends and echoes share
// one ordered channel, so first match is the right one.
func (s *Session) matchPending(echo model.Message) string {
	for _, m := range s.store.Messages(s.conversationID) {
		if m.ID == 0 && m.TempID != "" && m.Sender.ID == echo.Sender.ID && m.Content == echo.Content {
			return m.TempID
		}
	}
	return ""
}

func (s *Session) handleEdited(msg model.Message) {
	if s.stale(msg.ConversationID) || !s.known(msg.ID) {
		return
	}
	s.store.PatchMessage(s.conversationID, msg.ID, reconcile.Patch{
		Content:   &msg.Content,
		IsEdited:  &msg.IsEdited,
		UpdatedAt: &msg.UpdatedAt,
	})
	s.mirrorMessages([]model.Message{msg})
}

func (s *Session) handleDeleted(messageID int64) {
	if !s.known(messageID) {
		return
	}
	s.store.MarkMessageDeleted(s.conversationID, messageID)
	if s.cache != nil {
		if err := s.cache.DeleteMessage(context.Background(), s.conversationID, messageID); err != nil {
			s.logger.Warn("cache delete failed", zap.Error(err))
		}
	}
}

func (s *Session) handlePinned(msg model.Message) {
	if s.stale(msg.ConversationID) || !s.known(msg.ID) {
		return
	}
	s.store.PatchMessage(s.conversationID, msg.ID, reconcile.Patch{
		IsPinned:  &msg.IsPinned,
		UpdatedAt: &msg.UpdatedAt,
	})
	s.mirrorMessages([]model.Message{msg})
}

func (s *Session) handleReadReceipt(e wire.ReadReceipt) {
	if !s.known(e.MessageID) {
		return
	}
	seen := model.StatusSeen
	s.store.PatchMessage(s.conversationID, e.MessageID, reconcile.Patch{Status: &seen})
}

func (s *Session) handleServerError(e wire.ServerError) {
	s.logger.Warn("server rejected command", zap.String("detail", e.Message))
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:           bus.KindCommandRejected,
		ConversationID: s.conversationID,
		Timestamp:      s.clock.Now(),
		Payload:        e.Message,
	})
}

// stale reports whether an event addresses a different conversation.
// The channel is scoped per conversation; a mismatched id means a
// server-side routing problem and the event is dropped.
func (s *Session) stale(conversationID int64) bool {
	if conversationID != 0 && conversationID != s.conversationID {
		s.logger.Warn("event for wrong conversation dropped",
			zap.Int64("event_conversation_id", conversationID))
		return true
	}
	return false
}

// known reports whether a server id is present in the collection.
// Events referencing unknown ids are stale and dropped, logged only.
func (s *Session) known(messageID int64) bool {
	for _, m := range s.store.Messages(s.conversationID) {
		if m.ID == messageID {
			return true
		}
	}
	s.logger.Debug("event for unknown message dropped", zap.Int64("message_id", messageID))
	return false
}
