package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/confideapp/confide/internal/bus"
	"github.com/confideapp/confide/internal/clock"
	"github.com/confideapp/confide/internal/model"
	"github.com/confideapp/confide/internal/store"
	"github.com/confideapp/confide/internal/transport"
)

// Manager is the per-conversation session registry. Sessions are
// independent; there is no cross-conversation ordering.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[int64]*Session
}

// Deps carries the shared collaborators every session is built from.
type Deps struct {
	Self   model.User
	WSURL  string // e.g. wss://host
	Token  string
	Dialer transport.Dialer
	Store  *store.Store
	Cache  Cache
	API    API
	Clock  clock.Clock
	Bus    *bus.Bus
	Logger *zap.Logger
}

// NewManager creates an empty registry.
func NewManager(deps Deps) *Manager {
	if deps.Dialer == nil {
		deps.Dialer = transport.WebsocketDialer{}
	}
	return &Manager{
		deps:     deps,
		sessions: make(map[int64]*Session),
	}
}

// Open returns the existing session for a conversation or opens a new
// one.
func (m *Manager) Open(ctx context.Context, conversationID int64) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[conversationID]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	push := transport.NewManager(transport.Config{
		ConversationID: conversationID,
		BaseURL:        m.deps.WSURL,
		Token:          m.deps.Token,
		Dialer:         m.deps.Dialer,
		Clock:          m.deps.Clock,
		Bus:            m.deps.Bus,
		Logger:         m.deps.Logger,
	})
	sess := NewSession(SessionConfig{
		ConversationID: conversationID,
		Self:           m.deps.Self,
		Store:          m.deps.Store,
		Cache:          m.deps.Cache,
		API:            m.deps.API,
		Push:           push,
		Clock:          m.deps.Clock,
		Bus:            m.deps.Bus,
		Logger:         m.deps.Logger,
	})
	if err := sess.Open(ctx); err != nil {
		sess.Close()
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[conversationID]; ok {
		// Lost the race; keep the first session.
		m.mu.Unlock()
		sess.Close()
		return existing, nil
	}
	m.sessions[conversationID] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns an open session, if any.
func (m *Manager) Get(conversationID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[conversationID]
	return sess, ok
}

// Close tears down one conversation's session.
func (m *Manager) Close(conversationID int64) {
	m.mu.Lock()
	sess, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// CloseAll tears down every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[int64]*Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// OpenConversations lists ids with an active session.
func (m *Manager) OpenConversations() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}
