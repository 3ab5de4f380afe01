// Package transport owns the push-channel connection for one open
// conversation: dialing, heartbeat, reconnection with exponential
// backoff, and delivery of decoded inbound events on a single stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confideapp/confide/internal/bus"
	"github.com/confideapp/confide/internal/clock"
	"github.com/confideapp/confide/internal/status"
	"github.com/confideapp/confide/internal/wire"
	"go.uber.org/zap"
)

const (
	// heartbeatInterval is how often a keepalive ping is written while
	// the connection is open. A missing pong is not treated as a
	// failure; dead-connection detection is left to the socket layer.
	heartbeatInterval = 30 * time.Second

	// reconnectBase is the delay before the first reconnect attempt.
	// It doubles per attempt: 1s, 2s, 4s, 8s, 16s.
	reconnectBase = time.Second

	// maxReconnectAttempts bounds consecutive failed reconnects before
	// the connection is declared terminally failed.
	maxReconnectAttempts = 5

	// writeTimeout bounds one frame write.
	writeTimeout = 10 * time.Second

	// eventBufSize is the inbound event channel buffer.
	eventBufSize = 64
)

// ErrClosed is returned by Send when the connection is not open.
var ErrClosed = errors.New("transport: connection not open")

// Conn is one established socket. *coder/websocket.Conn satisfies it
// through the adapter in websocket.go; tests substitute scripted conns.
type Conn interface {
	// Read blocks for the next text frame.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error
	// Close tears the socket down.
	Close() error
}

// Dialer establishes connections. Injectable for tests.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Manager owns one conversation's push channel.
type Manager struct {
	conversationID int64
	url            string
	dialer         Dialer
	clock          clock.Clock
	machine        *status.Machine
	bus            *bus.Bus
	logger         *zap.Logger

	events chan wire.Inbound

	mu          sync.Mutex
	conn        Conn
	connCancel  context.CancelFunc
	attempts    int
	intentional bool
	heartbeat   clock.Timer
	retry       clock.Timer
}

// Config carries the Manager's construction parameters.
type Config struct {
	ConversationID int64
	BaseURL        string // e.g. wss://host:port
	Token          string
	Dialer         Dialer
	Clock          clock.Clock
	Bus            *bus.Bus
	Logger         *zap.Logger
}

// NewManager creates a manager in the Closed state. Open must be called
// to establish the connection.
func NewManager(cfg Config) *Manager {
	return &Manager{
		conversationID: cfg.ConversationID,
		url:            fmt.Sprintf("%s/ws/chat/%d/?token=%s", cfg.BaseURL, cfg.ConversationID, cfg.Token),
		dialer:         cfg.Dialer,
		clock:          cfg.Clock,
		machine:        status.NewMachine(cfg.ConversationID, cfg.Bus),
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		events:         make(chan wire.Inbound, eventBufSize),
	}
}

// Events is the single tagged inbound stream. It is never closed; after
// Close or terminal failure it simply goes quiet.
func (m *Manager) Events() <-chan wire.Inbound {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Open dials the push channel. An initial dial failure follows the same
// reconnect policy as a mid-session drop.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}

	if err := m.dial(ctx); err != nil {
		m.logger.Warn("initial dial failed",
			zap.Int64("conversation_id", m.conversationID),
			zap.Error(err))
		_ = m.machine.Transition(status.Reconnecting)
		m.scheduleReconnect(ctx)
		return nil
	}
	return nil
}

// Send writes one fire-and-forget command frame. Returns ErrClosed when
// the connection is not open.
func (m *Manager) Send(cmd wire.Outbound) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.machine.Current() != status.Open {
		return ErrClosed
	}

	data, err := wire.Encode(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close marks the closure intentional, suppresses reconnection and
// tears down the socket. Idempotent; no events are delivered after it
// returns.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return
	}
	m.intentional = true
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	if m.retry != nil {
		m.retry.Stop()
	}
	if m.connCancel != nil {
		m.connCancel()
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.machine.ForceClose()
}

// dial establishes a socket, moves to Open and resets the attempt
// counter. Caller has already put the machine in Connecting or
// Reconnecting.
func (m *Manager) dial(ctx context.Context) error {
	conn, err := m.dialer.Dial(ctx, m.url)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	connCtx, cancel := context.WithCancel(ctx)
	m.conn = conn
	m.connCancel = cancel
	m.attempts = 0
	m.mu.Unlock()

	if err := m.machine.Transition(status.Open); err != nil {
		return err
	}

	m.logger.Info("push channel open", zap.Int64("conversation_id", m.conversationID))
	m.armHeartbeat()
	go m.readLoop(ctx, connCtx, conn)
	return nil
}

// readLoop feeds the event stream until the connection drops. On an
// unintentional drop it kicks off reconnection.
func (m *Manager) readLoop(ctx, connCtx context.Context, conn Conn) {
	for {
		data, err := conn.Read(connCtx)
		if err != nil {
			if m.isIntentional() || connCtx.Err() != nil {
				return
			}
			m.logger.Warn("push channel dropped",
				zap.Int64("conversation_id", m.conversationID),
				zap.Error(err))
			m.handleDrop(ctx)
			return
		}

		evt, err := wire.Decode(data)
		if err != nil {
			// Malformed frame: drop it, keep the connection.
			m.logger.Warn("undecodable frame",
				zap.Int64("conversation_id", m.conversationID),
				zap.Error(err))
			continue
		}

		select {
		case m.events <- evt:
		case <-connCtx.Done():
			return
		}
	}
}

// handleDrop transitions to Reconnecting and schedules the next
// attempt.
func (m *Manager) handleDrop(ctx context.Context) {
	m.mu.Lock()
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	if m.connCancel != nil {
		m.connCancel()
	}
	m.conn = nil
	m.mu.Unlock()

	// Arm the retry before announcing the state change so that an
	// observer seeing RECONNECTING knows an attempt is scheduled.
	m.scheduleReconnect(ctx)
	_ = m.machine.Transition(status.Reconnecting)
}

// scheduleReconnect arms the backoff timer for the next attempt, or
// declares terminal failure once attempts are exhausted.
func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return
	}
	if m.attempts >= maxReconnectAttempts {
		m.mu.Unlock()
		m.fail()
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := reconnectBase << (attempt - 1)
	m.retry = m.clock.AfterFunc(delay, func() {
		m.redial(ctx)
	})
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		zap.Int64("conversation_id", m.conversationID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

func (m *Manager) redial(ctx context.Context) {
	if m.isIntentional() {
		return
	}
	if err := m.dial(ctx); err != nil {
		m.logger.Warn("reconnect attempt failed",
			zap.Int64("conversation_id", m.conversationID),
			zap.Error(err))
		m.scheduleReconnect(ctx)
	}
}

func (m *Manager) fail() {
	m.logger.Error("reconnect attempts exhausted",
		zap.Int64("conversation_id", m.conversationID),
		zap.Int("attempts", maxReconnectAttempts))
	_ = m.machine.Transition(status.Failed)
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:           bus.KindConnFailed,
			ConversationID: m.conversationID,
			Timestamp:      m.clock.Now(),
		})
	}
}

// armHeartbeat schedules the next keepalive ping. Re-arms itself while
// the connection stays open.
func (m *Manager) armHeartbeat() {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return
	}
	m.heartbeat = m.clock.AfterFunc(heartbeatInterval, func() {
		if err := m.Send(wire.Ping{}); err != nil {
			return
		}
		m.armHeartbeat()
	})
	m.mu.Unlock()
}

func (m *Manager) isIntentional() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intentional
}
