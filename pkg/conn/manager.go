// Package conn owns the single duplex channel to the agent server. It
// knows nothing about message semantics: inbound per-session event
// frames are routed to registered listeners, liveness is watched by a
// heartbeat loop, and connection loss drives a bounded reconnect policy.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/pkg/domain"
)

// ErrNotConnected is returned by operations that require a live channel.
var ErrNotConnected = errors.New("not connected to agent server")

// ErrReconnectExhausted marks the terminal state after the bounded
// reconnect attempts are used up. Only an explicit Connect clears it.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Status names a connection lifecycle notification.
type Status string

const (
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
	StatusReconnecting    Status = "reconnecting"
	StatusReconnectFailed Status = "reconnect_failed"
)

// StatusEvent is delivered to subscribers on every lifecycle transition.
type StatusEvent struct {
	Status  Status
	Attempt int // reconnect attempt number, set for StatusReconnecting
	Err     error
}

// ConnectionStatus is a point-in-time snapshot for upward consumers.
type ConnectionStatus struct {
	Connected     bool
	Reconnecting  bool
	LastConnected time.Time
	LastError     error
}

// EventHandler receives one session event at a time, in delivery order.
type EventHandler func(domain.Event)

// Config controls channel endpoints and timing. Zero values fall back to
// the defaults below; tests compress the intervals.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/api/channel.
	URL string

	HeartbeatInterval    time.Duration // default 15s
	PingTimeout          time.Duration // default 5s
	MaxMissedPings       int           // default 2
	MaxReconnectAttempts int           // default 5
	ReconnectMinBackoff  time.Duration // default 1s
	ReconnectMaxBackoff  time.Duration // default 5s
	HandshakeTimeout     time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.MaxMissedPings <= 0 {
		c.MaxMissedPings = 2
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectMinBackoff <= 0 {
		c.ReconnectMinBackoff = time.Second
	}
	if c.ReconnectMaxBackoff <= 0 {
		c.ReconnectMaxBackoff = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// frame is the wire envelope for both directions of the channel.
type frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

const (
	frameJoin       = "join"
	frameLeave      = "leave"
	frameSendQuery  = "send_query"
	frameAbortQuery = "abort_query"
	frameAgentEvent = "agent_event"
)

// Manager maintains one channel per process. It is constructed
// explicitly and injected into its consumers; there is no package-level
// instance.
type Manager struct {
	cfg Config

	mu          sync.Mutex
	ws          *websocket.Conn
	gen         int // physical connection generation, guards stale pump callbacks
	connected   bool
	connecting  bool // a Connect call is mid-dial
	reconning   bool
	terminal    bool // reconnect exhausted, waiting on explicit Connect
	closing     bool // user-requested disconnect in progress
	missed      int
	lastConn    time.Time
	lastErr     error
	listeners   map[string]EventHandler
	subs        map[chan StatusEvent]struct{}
	pongWaiters []chan struct{}
	hbCancel    context.CancelFunc

	writeMu sync.Mutex
}

// New returns a manager for the given endpoint. Connect must be called
// before any session operations.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		listeners: make(map[string]EventHandler),
		subs:      make(map[chan StatusEvent]struct{}),
	}
}

// Connect establishes the channel. It is idempotent: if the channel is
// already live it returns immediately. A successful connect starts the
// heartbeat loop and clears any terminal reconnect-failed state.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.terminal = false
	m.closing = false
	m.mu.Unlock()

	ws, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.connecting = false
		m.lastErr = err
		m.mu.Unlock()
		return err
	}
	m.adopt(ws)

	m.mu.Lock()
	m.connecting = false
	if m.hbCancel == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		m.hbCancel = cancel
		go m.heartbeatLoop(hbCtx)
	}
	m.mu.Unlock()
	return nil
}

// Disconnect stops the heartbeat, closes the channel, and resets the
// missed-ping and reconnect counters. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	m.gen++
	m.missed = 0
	m.reconning = false
	m.terminal = false
	if m.hbCancel != nil {
		m.hbCancel()
		m.hbCancel = nil
	}
	ws := m.ws
	m.ws = nil
	wasConnected := m.connected
	m.connected = false
	m.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	if wasConnected {
		m.notify(StatusEvent{Status: StatusDisconnected})
	}
}

// dial opens a websocket connection and installs the pong handler.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	ws.SetPongHandler(func(string) error {
		m.mu.Lock()
		waiters := m.pongWaiters
		m.pongWaiters = nil
		m.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}
		return nil
	})
	return ws, nil
}

// adopt installs a freshly dialed connection, rejoins session rooms, and
// starts the read pump for it.
func (m *Manager) adopt(ws *websocket.Conn) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.ws = ws
	m.connected = true
	m.reconning = false
	m.missed = 0
	m.lastConn = time.Now()
	m.lastErr = nil
	sessions := make([]string, 0, len(m.listeners))
	for id := range m.listeners {
		sessions = append(sessions, id)
	}
	m.mu.Unlock()

	for _, id := range sessions {
		if err := m.writeFrame(frame{Type: frameJoin, SessionID: id}); err != nil {
			slog.Warn("Failed to rejoin session room", "sessionID", id, "error", err)
		}
	}

	go m.readLoop(ws, gen)
	m.notify(StatusEvent{Status: StatusConnected})
}

// readLoop pumps inbound frames until the connection dies. Events are
// dispatched to listeners synchronously, one at a time.
func (m *Manager) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleConnLoss(gen, err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("Dropping malformed channel frame", "error", err)
			continue
		}
		if f.Type != frameAgentEvent {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(f.Event, &ev); err != nil {
			slog.Warn("Dropping malformed agent event", "sessionID", f.SessionID, "error", err)
			continue
		}
		m.mu.Lock()
		handler := m.listeners[f.SessionID]
		m.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
}

// handleConnLoss reacts to a dead read pump. A user-requested disconnect
// already emitted its notification; anything else starts the bounded
// reconnect loop.
func (m *Manager) handleConnLoss(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		// A newer connection has replaced this one.
		m.mu.Unlock()
		return
	}
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.lastErr = err
	if m.ws != nil {
		m.ws.Close()
		m.ws = nil
	}
	m.reconning = true
	m.mu.Unlock()

	slog.Warn("Channel lost", "error", err)
	m.notify(StatusEvent{Status: StatusDisconnected, Err: err})
	go m.reconnectLoop()
}

// reconnectLoop retries the dial with capped exponential backoff. On
// exhaustion it emits StatusReconnectFailed exactly once and leaves the
// manager terminal until an explicit Connect.
func (m *Manager) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectMinBackoff
	bo.MaxInterval = m.cfg.ReconnectMaxBackoff

	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.mu.Lock()
		if m.closing || m.connected {
			m.reconning = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.notify(StatusEvent{Status: StatusReconnecting, Attempt: attempt})
		time.Sleep(bo.NextBackOff())

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
		ws, err := m.dial(ctx)
		cancel()
		if err == nil {
			slog.Info("Channel reconnected", "attempt", attempt)
			m.adopt(ws)
			return
		}
		slog.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.reconning = false
	m.terminal = true
	m.lastErr = ErrReconnectExhausted
	// Liveness probing stops in the terminal state; the next explicit
	// Connect restarts it.
	if m.hbCancel != nil {
		m.hbCancel()
		m.hbCancel = nil
	}
	m.mu.Unlock()
	m.notify(StatusEvent{Status: StatusReconnectFailed, Err: ErrReconnectExhausted})
}

// heartbeatLoop watches channel liveness. Two consecutive missed pings
// force-close the socket, which routes through the reconnect policy;
// this catches zombie channels the transport has not noticed yet.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		connected := m.connected
		m.mu.Unlock()

		ok := false
		if connected {
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			ok = m.Ping(pingCtx)
			cancel()
		}

		m.mu.Lock()
		if ok {
			m.missed = 0
			m.mu.Unlock()
			continue
		}
		m.missed++
		missed := m.missed
		ws := m.ws
		m.mu.Unlock()

		if missed >= m.cfg.MaxMissedPings && ws != nil {
			slog.Warn("Heartbeat threshold reached, forcing channel close", "missed", missed)
			ws.Close()
		}
	}
}

// Ping probes channel liveness with a websocket control ping and reports
// whether a pong arrived within the ping timeout.
func (m *Manager) Ping(ctx context.Context) bool {
	m.mu.Lock()
	if !m.connected || m.ws == nil {
		m.mu.Unlock()
		return false
	}
	ws := m.ws
	ch := make(chan struct{})
	m.pongWaiters = append(m.pongWaiters, ch)
	m.mu.Unlock()

	deadline := time.Now().Add(m.cfg.PingTimeout)
	if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return false
	}

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(m.cfg.PingTimeout):
		return false
	}
}

// JoinSession registers interest in a session's event room, replacing
// any prior listener for that session. Rejoining while already joined is
// a silent takeover, not an error.
func (m *Manager) JoinSession(sessionID string, handler EventHandler) error {
	m.mu.Lock()
	m.listeners[sessionID] = handler
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.writeFrame(frame{Type: frameJoin, SessionID: sessionID})
}

// LeaveSession removes the session's listener and leaves its room.
func (m *Manager) LeaveSession(sessionID string) {
	m.mu.Lock()
	delete(m.listeners, sessionID)
	connected := m.connected
	m.mu.Unlock()

	if connected {
		if err := m.writeFrame(frame{Type: frameLeave, SessionID: sessionID}); err != nil {
			slog.Debug("Failed to send leave frame", "sessionID", sessionID, "error", err)
		}
	}
}

// SendQuery submits a user turn as a fire-and-forget frame.
func (m *Manager) SendQuery(sessionID, text string) error {
	if !m.isLive() {
		return ErrNotConnected
	}
	return m.writeFrame(frame{
		Type:      frameSendQuery,
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   text,
	})
}

// AbortQuery requests a best-effort stop of the session's in-flight run.
func (m *Manager) AbortQuery(sessionID string) error {
	if !m.isLive() {
		return ErrNotConnected
	}
	return m.writeFrame(frame{
		Type:      frameAbortQuery,
		ID:        uuid.New().String(),
		SessionID: sessionID,
	})
}

func (m *Manager) isLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && m.ws != nil
}

func (m *Manager) writeFrame(f frame) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return ws.WriteJSON(f)
}

// Status returns a snapshot for upward consumers.
func (m *Manager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionStatus{
		Connected:     m.connected,
		Reconnecting:  m.reconning,
		LastConnected: m.lastConn,
		LastError:     m.lastErr,
	}
}

// Subscribe returns a channel of lifecycle notifications. Slow consumers
// drop notifications rather than block the channel pumps.
func (m *Manager) Subscribe() chan StatusEvent {
	ch := make(chan StatusEvent, 16)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (m *Manager) Unsubscribe(ch chan StatusEvent) {
	m.mu.Lock()
	_, ok := m.subs[ch]
	delete(m.subs, ch)
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (m *Manager) notify(ev StatusEvent) {
	m.mu.Lock()
	subs := make([]chan StatusEvent, 0, len(m.subs))
	for ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
