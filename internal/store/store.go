// Package store holds the canonical client-side view of conversations:
// message collections, typing and presence maps, and unread counters.
// All mutations replace nested structures immutably, so readers can use
// identity comparison for change detection; accessors hand out copies.
package store

import (
	"sync"
	"time"

	"github.com/confideapp/confide/internal/bus"
	"github.com/confideapp/confide/internal/clock"
	"github.com/confideapp/confide/internal/model"
	"github.com/confideapp/confide/internal/reconcile"
	"go.uber.org/zap"
)

// typingExpiry is how long a typing=true entry survives without refresh.
const typingExpiry = 3 * time.Second

// Store is the single source of truth for client state. Each
// conversation's partition is independent; there is no cross-partition
// ordering guarantee.
type Store struct {
	mu     sync.RWMutex
	clock  clock.Clock
	bus    *bus.Bus
	logger *zap.Logger

	conversations []model.Conversation
	messages      map[int64][]model.Message
	typing        map[int64]map[int64]bool
	typingTimers  map[int64]map[int64]clock.Timer
	presence      map[int64]bool
	unreadTotal   int
}

// New creates an empty store.
func New(clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		clock:        clk,
		bus:          b,
		logger:       logger,
		messages:     make(map[int64][]model.Message),
		typing:       make(map[int64]map[int64]bool),
		typingTimers: make(map[int64]map[int64]clock.Timer),
		presence:     make(map[int64]bool),
	}
}

// SetConversations replaces the conversation list.
func (s *Store) SetConversations(convs []model.Conversation) {
	s.mu.Lock()
	s.conversations = append([]model.Conversation(nil), convs...)
	s.mu.Unlock()
	s.publish(bus.KindConversationUpdated, 0, nil)
}

// UpsertConversation inserts or replaces one conversation.
func (s *Store) UpsertConversation(conv model.Conversation) {
	s.mu.Lock()
	out := make([]model.Conversation, 0, len(s.conversations)+1)
	replaced := false
	for _, c := range s.conversations {
		if c.ID == conv.ID {
			out = append(out, conv)
			replaced = true
		} else {
			out = append(out, c)
		}
	}
	if !replaced {
		out = append(out, conv)
	}
	s.conversations = out
	s.mu.Unlock()
	s.publish(bus.KindConversationUpdated, conv.ID, conv)
}

// Conversations returns a copy of the conversation list.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Conversation(nil), s.conversations...)
}

// Conversation returns one conversation by id.
func (s *Store) Conversation(id int64) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// SetMessages replaces a conversation's message collection.
func (s *Store) SetMessages(conversationID int64, msgs []model.Message) {
	s.mu.Lock()
	s.messages[conversationID] = append([]model.Message(nil), msgs...)
	s.mu.Unlock()
	s.publish(bus.KindMessageUpserted, conversationID, nil)
}

// PrependMessages puts an older history page ahead of the live tail.
func (s *Store) PrependMessages(conversationID int64, page []model.Message) {
	s.mu.Lock()
	s.messages[conversationID] = reconcile.PrependHistory(s.messages[conversationID], page)
	s.mu.Unlock()
	s.publish(bus.KindMessageUpserted, conversationID, nil)
}

// AddMessage appends a message, deduplicating by identity.
func (s *Store) AddMessage(conversationID int64, msg model.Message) {
	s.mu.Lock()
	before := s.messages[conversationID]
	after := reconcile.Insert(before, msg)
	s.messages[conversationID] = after
	changed := len(after) != len(before)
	if changed {
		s.touchConversationLocked(conversationID, msg)
	}
	s.mu.Unlock()
	if changed {
		s.publish(bus.KindMessageUpserted, conversationID, msg)
	}
}

// PatchMessage applies a structural update to one message. Unknown ids
// and backward status moves are ignored by the reconciler.
func (s *Store) PatchMessage(conversationID, messageID int64, patch reconcile.Patch) {
	s.mu.Lock()
	s.messages[conversationID] = reconcile.ApplyPatch(s.messages[conversationID], messageID, patch)
	s.mu.Unlock()
	s.publish(bus.KindMessageUpserted, conversationID, messageID)
}

// PatchPending applies a patch to an optimistic message by temp token.
// Only the status may change for an unconfirmed entry.
func (s *Store) PatchPending(conversationID int64, tempID string, to model.Status) {
	s.mu.Lock()
	msgs := s.messages[conversationID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if m.TempID == tempID && m.ID == 0 {
			if m.Status == model.StatusPending {
				out[i].Status = to
			}
			break
		}
	}
	s.messages[conversationID] = out
	s.mu.Unlock()
	s.publish(bus.KindMessageUpserted, conversationID, tempID)
}

// RemoveMessage hard-removes a message.
func (s *Store) RemoveMessage(conversationID, messageID int64) {
	s.mu.Lock()
	s.messages[conversationID] = reconcile.Remove(s.messages[conversationID], messageID)
	s.mu.Unlock()
	s.publish(bus.KindMessageRemoved, conversationID, messageID)
}

// MarkMessageDeleted soft-deletes a message; the entry is retained for
// the session and filtered at render time.
func (s *Store) MarkMessageDeleted(conversationID, messageID int64) {
	s.mu.Lock()
	s.messages[conversationID] = reconcile.MarkDeleted(s.messages[conversationID], messageID)
	s.mu.Unlock()
	s.publish(bus.KindMessageUpserted, conversationID, messageID)
}

// PromoteMessage replaces an optimistic entry with its server echo.
func (s *Store) PromoteMessage(conversationID int64, tempID string, echo model.Message) {
	s.mu.Lock()
	s.messages[conversationID] = reconcile.Promote(s.messages[conversationID], tempID, echo)
	s.touchConversationLocked(conversationID, echo)
	s.mu.Unlock()
	s.publish(bus.KindMessageUpserted, conversationID, echo)
}

// Messages returns a copy of a conversation's collection, including
// soft-deleted entries.
func (s *Store) Messages(conversationID int64) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), s.messages[conversationID]...)
}

// VisibleMessages returns the renderable collection.
func (s *Store) VisibleMessages(conversationID int64) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reconcile.Visible(s.messages[conversationID])
}

// SetTyping records a participant's typing state. A true entry expires
// on its own after 3 seconds unless refreshed; the store owns the
// expiry timer.
func (s *Store) SetTyping(conversationID, userID int64, isTyping bool) {
	s.mu.Lock()
	if t := s.typingTimers[conversationID][userID]; t != nil {
		t.Stop()
		delete(s.typingTimers[conversationID], userID)
	}

	byUser := make(map[int64]bool, len(s.typing[conversationID])+1)
	for k, v := range s.typing[conversationID] {
		byUser[k] = v
	}
	if isTyping {
		byUser[userID] = true
		if s.typingTimers[conversationID] == nil {
			s.typingTimers[conversationID] = make(map[int64]clock.Timer)
		}
		s.typingTimers[conversationID][userID] = s.clock.AfterFunc(typingExpiry, func() {
			s.SetTyping(conversationID, userID, false)
		})
	} else {
		delete(byUser, userID)
	}
	s.typing[conversationID] = byUser
	s.mu.Unlock()

	s.publish(bus.KindTypingChanged, conversationID, userID)
}

// TypingUsers returns the ids of users currently typing in a
// conversation.
func (s *Store) TypingUsers(conversationID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for id, on := range s.typing[conversationID] {
		if on {
			out = append(out, id)
		}
	}
	return out
}

// SetPresence records a server-pushed online/offline change. There is
// no client-side expiry or inference for presence.
func (s *Store) SetPresence(userID int64, online bool) {
	s.mu.Lock()
	presence := make(map[int64]bool, len(s.presence)+1)
	for k, v := range s.presence {
		presence[k] = v
	}
	presence[userID] = online
	s.presence = presence
	s.mu.Unlock()
	s.publish(bus.KindPresenceChanged, 0, userID)
}

// IsOnline reports a user's last known presence.
func (s *Store) IsOnline(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence[userID]
}

// MarkConversationRead zeroes a conversation's unread counter
// optimistically. The server's authoritative total arrives later via
// SetUnreadTotal.
func (s *Store) MarkConversationRead(conversationID int64) {
	s.mu.Lock()
	out := make([]model.Conversation, len(s.conversations))
	copy(out, s.conversations)
	for i, c := range out {
		if c.ID == conversationID {
			out[i].UnreadCount = 0
		}
	}
	s.conversations = out
	s.mu.Unlock()
	s.publish(bus.KindConversationUpdated, conversationID, nil)
}

// SetUnreadTotal records the server-confirmed total unread count.
func (s *Store) SetUnreadTotal(n int) {
	s.mu.Lock()
	s.unreadTotal = n
	s.mu.Unlock()
}

// UnreadTotal returns the last known total unread count.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadTotal
}

// touchConversationLocked refreshes a conversation's preview and unread
// counter after a new message lands.
func (s *Store) touchConversationLocked(conversationID int64, msg model.Message) {
	out := make([]model.Conversation, len(s.conversations))
	copy(out, s.conversations)
	for i, c := range out {
		if c.ID == conversationID {
			out[i].LastMessagePreview = preview(msg.Content)
			out[i].UpdatedAt = msg.CreatedAt
		}
	}
	s.conversations = out
}

func (s *Store) publish(kind string, conversationID int64, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:           kind,
		ConversationID: conversationID,
		Timestamp:      s.clock.Now(),
		Payload:        payload,
	})
}

func preview(content string) string {
	const maxLen = 100
	if len(content) <= maxLen {
		return content
	}
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen])
}
