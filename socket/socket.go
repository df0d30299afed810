// Package socket owns the one websocket connection a desk session keeps to the
// chat server. It authenticates after transport open, fans decoded frames out
// to subscribers in arrival order, and re-establishes dropped connections with
// a single fixed-delay retry timer. A deliberate Disconnect never retries.
package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/order-desk/wire"
)

const (
	defaultRetryDelay = 3 * time.Second
	dialTimeout       = 10 * time.Second
	writeWait         = 10 * time.Second
)

// ErrNotConnected reports a send attempted while the transport is not open.
// Non-fatal: the caller retries the domain action after reconnection; the
// manager buffers nothing.
var ErrNotConnected = errors.New("socket: not connected")

// State is the connection lifecycle position.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticated
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Conn is the slice of *websocket.Conn the manager needs. Tests substitute
// scripted fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a websocket connection to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Notifier surfaces user-visible connection events.
type Notifier interface {
	Notify(text string)
	NotifyError(text string)
}

// Handler receives each decoded inbound event, strictly in arrival order.
type Handler func(ev wire.Event)

// Config wires a Manager. URL and Token are required; the rest defaults.
type Config struct {
	URL string
	// Token returns the current session token, empty when logged out. Consulted
	// at connect time and again before a retry fires: no token, no retry.
	Token func() string
	// Dial defaults to a gorilla/websocket dialer.
	Dial Dialer
	// Notify defaults to log output.
	Notify Notifier
	// RetryDelay defaults to 3 seconds. Fixed, not exponential.
	RetryDelay time.Duration
}

type subscriber struct {
	id int
	fn Handler
}

// Manager is the process-wide connection owner. Views share one Manager and
// register their own subscriptions; tearing down a view cancels only its
// subscription, never the shared connection.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	state State
	conn  Conn
	retry *time.Timer
	gen   uint64 // bumped whenever the current conn stops being current
	subs  []subscriber
	next  int
}

func NewManager(cfg Config) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = gorillaDial
	}
	if cfg.Notify == nil {
		cfg.Notify = logNotifier{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	return &Manager{cfg: cfg}
}

// State reports the current lifecycle position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts a connection attempt. Valid only from Disconnected; in any
// other state the connection is already owned and Connect is a no-op.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	m.state = Connecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	go m.dial(gen)
}

// Disconnect deliberately closes the transport and suppresses any pending or
// future automatic reconnect. Valid from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++ // orphan any in-flight dial or read loop
	m.state = Disconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}

// Send writes one frame. Fails with ErrNotConnected while the transport is
// not open; never buffers.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("socket: write: %w", err)
	}
	return nil
}

// Subscribe registers a handler for decoded inbound events and returns its
// cancel func. Handlers run sequentially on the read loop, in arrival order.
func (m *Manager) Subscribe(fn Handler) (cancel func()) {
	m.mu.Lock()
	m.next++
	id := m.next
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) dial(gen uint64) {
	ctx, cancelDial := context.WithTimeout(context.Background(), dialTimeout)
	defer cancelDial()
	conn, err := m.cfg.Dial(ctx, m.cfg.URL)

	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close() // disconnected while dialing
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("url", m.cfg.URL).Msg("[socket] dial failed")
		m.scheduleRetryLocked()
		m.mu.Unlock()
		return
	}
	m.conn = conn
	// Authenticate immediately; any subsequent server traffic confirms
	// liveness, no explicit ack required.
	if token := m.cfg.Token(); token != "" {
		frame, _ := wire.EncodeAuth(token)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Warn().Err(err).Msg("[socket] auth write failed")
			m.conn = nil
			m.scheduleRetryLocked()
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
	m.mu.Unlock()

	m.cfg.Notify.Notify("connected to chat server")
	go m.readLoop(conn, gen)
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.handleFrame(gen, payload)
	}
}

func (m *Manager) handleFrame(gen uint64, payload []byte) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.state == Connecting {
		m.state = Authenticated
	}
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	ev, err := wire.Decode(payload)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			log.Debug().Str("type", ev.Type).Msg("[socket] ignoring unknown frame")
		} else {
			log.Warn().Err(err).Msg("[socket] dropping malformed frame")
		}
		return
	}
	if ev.Type == wire.TypeError && ev.Error != nil {
		m.cfg.Notify.NotifyError(ev.Error.Content)
	}
	for _, s := range subs {
		s.fn(ev)
	}
}

// handleClose reacts to an unplanned transport close. Stale generations are
// ignored, which is what keeps a second close from scheduling a second timer.
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	log.Debug().Err(cause).Msg("[socket] connection lost")
	m.scheduleRetryLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.cfg.Notify.NotifyError("chat connection lost, retrying")
}

// scheduleRetryLocked arms the single reconnect timer. Callers hold m.mu.
func (m *Manager) scheduleRetryLocked() {
	m.gen++ // whatever conn produced this is no longer current
	m.state = Reconnecting
	if m.retry != nil {
		return
	}
	m.retry = time.AfterFunc(m.cfg.RetryDelay, m.retryFire)
}

func (m *Manager) retryFire() {
	m.mu.Lock()
	m.retry = nil
	if m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	if m.cfg.Token() == "" {
		// Logged out while waiting: correct terminal state, no more retries.
		m.state = Disconnected
		m.mu.Unlock()
		log.Info().Msg("[socket] no session token, giving up reconnect")
		return
	}
	m.state = Connecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	go m.dial(gen)
}

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, nil
}

type logNotifier struct{}

func (logNotifier) Notify(text string)      { log.Info().Msgf("[socket] %s", text) }
func (logNotifier) NotifyError(text string) { log.Warn().Msgf("[socket] %s", text) }
