// Package connection owns the single live websocket session to the chat
// gateway. Nothing else opens or closes the socket; rooms, typing and read
// receipts all multiplex their frames through the Manager.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketchat/internal/auth"
	"marketchat/internal/gateway"
	"marketchat/internal/protocol"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

var (
	ErrNotConnected = errors.New("connection: not connected")
	ErrClosed       = errors.New("connection: manager closed")
	ErrBufferFull   = errors.New("connection: send buffer full")
)

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 10 * time.Second
	readLimit   = 4096
	sendBuffer  = 256
	dialTimeout = 10 * time.Second

	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 10
)

type Config struct {
	Ring       *gateway.Ring
	Credential string
	Identity   auth.Identity
	// Dialer defaults to a websocket.Dialer with a 10s handshake timeout.
	Dialer *websocket.Dialer
	// OnState is invoked after every state change.
	OnState func(State)

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Manager maintains exactly one logical gateway session per authenticated
// user. It holds no business data; everything it learns goes out through
// the decoded event channel and the OnState hook.
type Manager struct {
	id         string
	ring       *gateway.Ring
	credential string
	identity   auth.Identity
	dialer     *websocket.Dialer
	onState    func(State)
	limiter    *Limiter
	events     chan protocol.Event
	done       chan struct{}

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	send       chan []byte
	retry      *backoff
	retryTimer *time.Timer
	closed     bool
}

func NewManager(cfg Config) *Manager {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	base := cfg.BaseDelay
	if base == 0 {
		base = defaultBaseDelay
	}
	max := cfg.MaxDelay
	if max == 0 {
		max = defaultMaxDelay
	}
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = defaultMaxAttempts
	}

	return &Manager{
		id:         uuid.New().String(),
		ring:       cfg.Ring,
		credential: cfg.Credential,
		identity:   cfg.Identity,
		dialer:     dialer,
		onState:    cfg.OnState,
		limiter:    NewLimiter(typingBurstLimit, typingRefillRate),
		events:     make(chan protocol.Event, sendBuffer),
		done:       make(chan struct{}),
		retry:      newBackoff(base, max, attempts),
	}
}

// Events is the sequential stream of decoded inbound events. The engine's
// apply loop is the single consumer.
func (m *Manager) Events() <-chan protocol.Event {
	return m.events
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the gateway session. Idempotent: a no-op while
// already Connecting or Connected. On failure the retry schedule takes
// over; the returned error reports only the first attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	notify := m.setStateLocked(Connecting)
	m.mu.Unlock()
	notify()

	return m.dial(ctx)
}

// Reconnect is the manual recovery path: it clears any scheduled retry,
// resets the backoff budget and dials immediately.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retry.reset()
	if m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	notify := m.setStateLocked(Connecting)
	m.mu.Unlock()
	notify()

	return m.dial(ctx)
}

// Send frames an outbound event onto the session. Typing signals pass
// through the flood guard and are silently dropped when it trips; every
// other kind either enqueues or reports an error.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.state != Connected || m.send == nil {
		return ErrNotConnected
	}

	if event == protocol.EventTypingStart || event == protocol.EventTypingStop {
		if !m.limiter.Allow() {
			log.Printf("[CONN] Flood guard dropped %s signal", event)
			return nil
		}
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	select {
	case m.send <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close tears the session down: pending retry timers are cancelled and the
// socket is closed. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.send = nil
	notify := m.setStateLocked(Disconnected)
	close(m.done)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	notify()
	log.Printf("[CONN] Manager %s closed", m.id)
	return nil
}

// setStateLocked records the transition and returns the notification to
// run after the lock is released, so OnState hooks may call back into the
// manager.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	log.Printf("[CONN] State -> %s", s)
	if m.onState == nil {
		return func() {}
	}
	cb := m.onState
	return func() { cb(s) }
}

func (m *Manager) dial(ctx context.Context) error {
	target := m.ring.Pick(m.identity.UserID)
	if target == "" {
		m.scheduleRetry()
		return fmt.Errorf("connection: no gateway configured")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.credential)

	conn, resp, err := m.dialer.DialContext(ctx, target+"/ws", header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		log.Printf("[CONN] Dial %s failed: %v", target, err)
		m.scheduleRetry()
		return fmt.Errorf("dial gateway %s: %w", target, err)
	}

	joinFrame, err := protocol.Encode(protocol.EventUserJoin, protocol.UserJoin{
		UserID:   m.identity.UserID,
		UserRole: m.identity.Role,
	})
	if err != nil {
		conn.Close()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if m.state == Connected && m.conn != nil {
		// A manual Reconnect and a timer redial can race; whichever dial
		// installed first keeps the session.
		m.mu.Unlock()
		conn.Close()
		log.Printf("[CONN] Discarding duplicate session to %s", target)
		return nil
	}
	m.conn = conn
	m.send = make(chan []byte, sendBuffer)
	m.retry.reset()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	// Identity goes out first, before anyone else can multiplex on the
	// fresh session.
	m.send <- joinFrame
	send := m.send
	notify := m.setStateLocked(Connected)
	m.mu.Unlock()

	go m.readPump(conn)
	go m.writePump(conn, send)

	log.Printf("[CONN] Session established to %s", target)
	notify()
	return nil
}

// scheduleRetry arms the next backoff timer, or parks the manager in
// Failed once the budget is spent.
func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.retry.exhausted() {
		notify := m.setStateLocked(Failed)
		m.mu.Unlock()
		log.Printf("[CONN] Retry budget exhausted; waiting for manual reconnect")
		notify()
		return
	}
	delay := m.retry.nextDelay()
	attempt := m.retry.attempt
	notify := m.setStateLocked(Reconnecting)
	m.retryTimer = time.AfterFunc(delay, m.redial)
	m.mu.Unlock()

	log.Printf("[CONN] Retrying in %s (attempt %d/%d)", delay, attempt, m.retry.maxAttempts)
	notify()
}

func (m *Manager) redial() {
	m.mu.Lock()
	if m.closed || m.state == Connected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	m.dial(ctx) //nolint:errcheck // dial schedules the next retry itself
}

func (m *Manager) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			remote := websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseServiceRestart,
			)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[CONN] Unexpected close: %v", err)
			}
			m.handleDisconnect(conn, remote)
			return
		}

		event, err := protocol.Decode(data)
		if err != nil {
			var unknown *protocol.ErrUnknownEvent
			if errors.As(err, &unknown) {
				log.Printf("[CONN] Ignoring unknown event %q", unknown.Name)
			} else {
				log.Printf("[CONN] Dropping undecodable frame: %v", err)
			}
			continue
		}

		select {
		case m.events <- event:
		case <-m.done:
			return
		}
	}
}

func (m *Manager) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-m.done:
			conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
			return
		}
	}
}

// handleDisconnect reacts to a dead read pump. A close frame from the
// gateway means the remote ended the session on purpose, so dial again
// right away instead of waiting out the backoff schedule.
func (m *Manager) handleDisconnect(conn *websocket.Conn, remote bool) {
	m.mu.Lock()
	if m.conn != conn {
		// A stale pump from an already-replaced connection.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.send = nil
	conn.Close()

	if m.closed {
		notify := m.setStateLocked(Disconnected)
		m.mu.Unlock()
		notify()
		return
	}

	if remote {
		notify := m.setStateLocked(Connecting)
		m.mu.Unlock()
		notify()
		log.Printf("[CONN] Session closed by remote, dialing fresh connection")
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		m.dial(ctx) //nolint:errcheck // dial schedules retries itself
		return
	}

	m.mu.Unlock()
	log.Printf("[CONN] Session lost, entering retry schedule")
	m.scheduleRetry()
}
