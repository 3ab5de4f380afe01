// Package chat binds one conversation's push channel to the store: the
// inbound event loop, optimistic sends, typing debounce, read receipts
// and history paging live here.
package chat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/confideapp/confide/internal/bus"
	"github.com/confideapp/confide/internal/clock"
	"github.com/confideapp/confide/internal/model"
	"github.com/confideapp/confide/internal/rest"
	"github.com/confideapp/confide/internal/status"
	"github.com/confideapp/confide/internal/store"
	"github.com/confideapp/confide/internal/wire"
)

const (
	// typingIdle is how long after the last keypress the session waits
	// before announcing typing stopped.
	typingIdle = 2 * time.Second

	// historyPreload bounds how much cached history is rendered before
	// the network round-trip completes.
	historyPreload = 50
)

var (
	// ErrNotConfirmed is returned for edit/delete/pin commands that
	// target a message the server has not echoed yet.
	ErrNotConfirmed = errors.New("chat: message not yet confirmed by server")

	// ErrUnknownMessage is returned for commands that target an id
	// absent from the conversation.
	ErrUnknownMessage = errors.New("chat: unknown message")

	// ErrSessionClosed is returned by commands after Close.
	ErrSessionClosed = errors.New("chat: session closed")
)

// API is the subset of the REST client the session calls.
type API interface {
	GetConversation(ctx context.Context, id int64) (model.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, pageNum int) (rest.MessagesPage, error)
	SendMessage(ctx context.Context, req rest.SendMessageRequest) (model.Message, error)
	MarkConversationRead(ctx context.Context, conversationID int64) error
	UnreadCount(ctx context.Context) (int, error)
}

// PushChannel is the subset of the transport manager the session uses.
type PushChannel interface {
	Open(ctx context.Context) error
	Send(cmd wire.Outbound) error
	Close()
	Events() <-chan wire.Inbound
	State() status.State
}

// Cache persists confirmed state across restarts. Nil disables
// persistence.
type Cache interface {
	UpsertConversation(ctx context.Context, conv model.Conversation) error
	UpsertMessage(ctx context.Context, msg model.Message) error
	DeleteMessage(ctx context.Context, conversationID, msgID int64) error
	ListMessages(ctx context.Context, conversationID, beforeMillis int64, limit int) ([]model.Message, error)
}

// Session drives one open conversation. All store mutations are
// triggered by discrete events: an inbound frame, a timer fire or a
// user command.
type Session struct {
	conversationID int64
	self           model.User
	store          *store.Store
	cache          Cache
	api            API
	push           PushChannel
	clock          clock.Clock
	bus            *bus.Bus
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	page         int
	hasMore      bool
	typingActive bool
	typingTimer  clock.Timer
}

// SessionConfig carries the session's collaborators.
type SessionConfig struct {
	ConversationID int64
	Self           model.User
	Store          *store.Store
	Cache          Cache
	API            API
	Push           PushChannel
	Clock          clock.Clock
	Bus            *bus.Bus
	Logger         *zap.Logger
}

// NewSession wires a session. Open must be called before commands.
func NewSession(cfg SessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conversationID: cfg.ConversationID,
		self:           cfg.Self,
		store:          cfg.Store,
		cache:          cfg.Cache,
		api:            cfg.API,
		push:           cfg.Push,
		clock:          cfg.Clock,
		bus:            cfg.Bus,
		logger:         cfg.Logger.With(zap.Int64("conversation_id", cfg.ConversationID)),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Open renders cached history, refreshes conversation and first history
// page over REST, marks the conversation read and opens the push
// channel. The event loop runs until Close.
func (s *Session) Open(ctx context.Context) error {
	s.preloadCache(ctx)

	conv, err := s.api.GetConversation(ctx, s.conversationID)
	if err != nil {
		return err
	}
	s.store.UpsertConversation(conv)
	s.mirrorConversation(conv)

	page, err := s.api.ListMessages(ctx, s.conversationID, 1)
	if err != nil {
		return err
	}
	s.store.SetMessages(s.conversationID, page.Messages)
	s.mirrorMessages(page.Messages)
	s.mu.Lock()
	s.page = 1
	s.hasMore = page.HasMore
	s.mu.Unlock()

	if err := s.api.MarkConversationRead(ctx, s.conversationID); err != nil {
		s.logger.Warn("mark read failed", zap.Error(err))
	} else {
		s.store.MarkConversationRead(s.conversationID)
	}
	if total, err := s.api.UnreadCount(ctx); err != nil {
		s.logger.Warn("unread count failed", zap.Error(err))
	} else {
		s.store.SetUnreadTotal(total)
	}

	if err := s.push.Open(s.ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.eventLoop()
	return nil
}

// LoadOlder fetches the next older history page and prepends it.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	next := s.page + 1
	s.mu.Unlock()

	page, err := s.api.ListMessages(ctx, s.conversationID, next)
	if err != nil {
		return err
	}
	s.store.PrependMessages(s.conversationID, page.Messages)
	s.mirrorMessages(page.Messages)

	s.mu.Lock()
	s.page = next
	s.hasMore = page.HasMore
	s.mu.Unlock()
	return nil
}

// SendMessage sends a new message. Without attachments it goes over the
// push channel with an optimistic local insert; the server echo
// promotes the entry. With attachments the REST upload is the only
// send path and the resulting broadcast inserts the message, so the
// two paths never produce duplicates. Returns the optimistic temp id
// when one was created.
func (s *Session) SendMessage(ctx context.Context, content string, replyToID int64, attachments []rest.AttachmentUpload) (string, error) {
	if s.isClosed() {
		return "", ErrSessionClosed
	}

	if len(attachments) > 0 {
		s.uploadAsync(ctx, content, replyToID, attachments)
		return "", nil
	}

	now := s.clock.Now().UnixMilli()
	tempID := uuid.NewString()
	s.store.AddMessage(s.conversationID, model.Message{
		TempID:         tempID,
		ConversationID: s.conversationID,
		Sender:         s.self,
		Content:        content,
		ReplyToID:      replyToID,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})

	if err := s.push.Send(wire.SendChatMessage{Content: content, ReplyToID: replyToID}); err != nil {
		s.store.PatchPending(s.conversationID, tempID, model.StatusFailed)
		s.publishSendFailed(tempID, err)
		return tempID, err
	}
	return tempID, nil
}

// uploadAsync runs the REST upload detached from the session context:
// closing the conversation view does not cancel an in-flight upload,
// and a late response still lands in the store and the cache.
func (s *Session) uploadAsync(ctx context.Context, content string, replyToID int64, attachments []rest.AttachmentUpload) {
	req := rest.SendMessageRequest{
		ConversationID: s.conversationID,
		Content:        content,
		ReplyToID:      replyToID,
		Attachments:    attachments,
	}
	uploadCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		msg, err := s.api.SendMessage(uploadCtx, req)
		if err != nil {
			s.logger.Warn("attachment upload failed", zap.Error(err))
			s.publishSendFailed("", err)
			return
		}
		s.store.AddMessage(s.conversationID, msg)
		s.mirrorMessages([]model.Message{msg})
	}()
}

// EditMessage requests an edit over the push channel. The store changes
// only when the server confirms via message_edited.
func (s *Session) EditMessage(messageID int64, content string) error {
	if err := s.requireConfirmed(messageID); err != nil {
		return err
	}
	return s.push.Send(wire.EditMessage{MessageID: messageID, Content: content})
}

// DeleteMessage requests a deletion. Not applied optimistically.
func (s *Session) DeleteMessage(messageID int64) error {
	if err := s.requireConfirmed(messageID); err != nil {
		return err
	}
	return s.push.Send(wire.DeleteMessage{MessageID: messageID})
}

// PinMessage requests pinning. Not applied optimistically.
func (s *Session) PinMessage(messageID int64) error {
	return s.setPinned(messageID, true)
}

// UnpinMessage requests unpinning. Not applied optimistically.
func (s *Session) UnpinMessage(messageID int64) error {
	return s.setPinned(messageID, false)
}

func (s *Session) setPinned(messageID int64, pinned bool) error {
	if err := s.requireConfirmed(messageID); err != nil {
		return err
	}
	return s.push.Send(wire.PinMessage{MessageID: messageID, IsPinned: pinned})
}

// SendTyping registers a keypress. The first keypress transmits
// typing=true; each subsequent one only resets the 2 second idle
// timer. When the timer fires, typing=false goes out and the latch
// re-arms.
func (s *Session) SendTyping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = s.clock.AfterFunc(typingIdle, s.typingIdleFired)

	if s.typingActive {
		return
	}
	s.typingActive = true
	if err := s.push.Send(wire.SetTyping{IsTyping: true}); err != nil {
		s.logger.Debug("typing signal dropped", zap.Error(err))
	}
}

func (s *Session) typingIdleFired() {
	s.mu.Lock()
	s.typingActive = false
	s.typingTimer = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.push.Send(wire.SetTyping{IsTyping: false}); err != nil {
		s.logger.Debug("typing signal dropped", zap.Error(err))
	}
}

// Close tears down the push channel and stops the event loop and
// timers. Idempotent. In-flight uploads are not cancelled.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	s.push.Close()
	s.cancel()
}

// ConnectionState reports the push channel state.
func (s *Session) ConnectionState() status.State {
	return s.push.State()
}

// ConversationID identifies the session's conversation.
func (s *Session) ConversationID() int64 {
	return s.conversationID
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ResolveTarget maps a message reference from the local API to a
// server id. Numeric refs resolve to themselves; a temp token names
// an optimistic message the server has not confirmed yet, which no
// command may target.
func (s *Session) ResolveTarget(ref string) (int64, error) {
	if s.isClosed() {
		return 0, ErrSessionClosed
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	for _, m := range s.store.Messages(s.conversationID) {
		if m.TempID == ref && !m.Confirmed() {
			return 0, ErrNotConfirmed
		}
	}
	return 0, ErrUnknownMessage
}

// requireConfirmed rejects commands that target an optimistic or
// unknown message.
func (s *Session) requireConfirmed(messageID int64) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	for _, m := range s.store.Messages(s.conversationID) {
		if m.ID == messageID {
			return nil
		}
	}
	// The id may still be a temp token's zero value from the caller's
	// perspective; distinguish unconfirmed from unknown.
	if messageID == 0 {
		return ErrNotConfirmed
	}
	return ErrUnknownMessage
}

func (s *Session) preloadCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	msgs, err := s.cache.ListMessages(ctx, s.conversationID, 0, historyPreload)
	if err != nil {
		s.logger.Warn("cache preload failed", zap.Error(err))
		return
	}
	if len(msgs) > 0 {
		s.store.SetMessages(s.conversationID, msgs)
	}
}

func (s *Session) mirrorConversation(conv model.Conversation) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpsertConversation(context.Background(), conv); err != nil {
		s.logger.Warn("cache write failed", zap.Error(err))
	}
}

func (s *Session) mirrorMessages(msgs []model.Message) {
	if s.cache == nil {
		return
	}
	for _, m := range msgs {
		if !m.Confirmed() {
			continue
		}
		if err := s.cache.UpsertMessage(context.Background(), m); err != nil {
			s.logger.Warn("cache write failed", zap.Error(err))
		}
	}
}

func (s *Session) publishSendFailed(tempID string, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:           bus.KindMessageSendFailed,
		ConversationID: s.conversationID,
		Timestamp:      s.clock.Now(),
		Payload:        map[string]string{"temp_id": tempID, "error": err.Error()},
	})
}
