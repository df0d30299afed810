package socket

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/order-desk/wire"
)

type fakeConn struct {
	frames  chan []byte
	readErr chan error
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case p := <-c.frames:
		return websocket.TextMessage, p, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
}

func (d *fakeDialer) dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type recNotifier struct {
	mu    sync.Mutex
	infos []string
	errs  []string
}

func (n *recNotifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, text)
}

func (n *recNotifier) NotifyError(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, text)
}

func (n *recNotifier) errCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}

func newTestManager(t *testing.T, d *fakeDialer, token func() string) (*Manager, *recNotifier) {
	t.Helper()
	if token == nil {
		token = func() string { return "tok" }
	}
	n := &recNotifier{}
	m := NewManager(Config{
		URL:        "ws://test.invalid/ws",
		Token:      token,
		Dial:       d.dial,
		Notify:     n,
		RetryDelay: 50 * time.Millisecond,
	})
	t.Cleanup(m.Disconnect)
	return m, n
}

func validFrame() []byte {
	p, _ := wire.EncodeNewMessage(wire.NewMessageData{
		ID: "m1", ChatID: "r1", OrderID: "o1", SenderID: "u1",
		Content: "hi", CreatedAt: time.Now().UTC(),
	})
	return p
}

func TestConnect_AuthHandshake(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, nil)

	m.Connect()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)
	conn := d.last()

	// auth frame goes out before anything else
	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 2*time.Millisecond)
	conn.mu.Lock()
	auth := string(conn.writes[0])
	conn.mu.Unlock()
	require.Contains(t, auth, `"type":"auth"`)
	require.Contains(t, auth, `"token":"tok"`)
	require.Equal(t, Connecting, m.State())

	// any server traffic confirms liveness
	conn.frames <- validFrame()
	require.Eventually(t, func() bool { return m.State() == Authenticated }, time.Second, 2*time.Millisecond)
}

func TestConnect_OnlyFromDisconnected(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, nil)
	m.Connect()
	m.Connect()
	m.Connect()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, d.count())
}

func TestReconnect_SingleTimer(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, nil)
	m.Connect()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)
	conn := d.last()
	conn.frames <- validFrame()
	require.Eventually(t, func() bool { return m.State() == Authenticated }, time.Second, 2*time.Millisecond)

	// force-close the transport
	conn.readErr <- io.ErrUnexpectedEOF
	require.Eventually(t, func() bool { return m.State() == Reconnecting }, time.Second, 2*time.Millisecond)

	// a second forced close before the retry fires must not arm a second
	// timer: the close comes from a stale generation and is ignored
	m.handleClose(1, io.ErrUnexpectedEOF)

	// exactly one retry attempt, landing back in Connecting
	require.Eventually(t, func() bool { return d.count() == 2 }, time.Second, 2*time.Millisecond)
	require.Equal(t, Connecting, m.State())
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 2, d.count(), "only the one scheduled retry may fire")
}

func TestReconnect_GivesUpWithoutToken(t *testing.T) {
	var mu sync.Mutex
	token := "tok"
	tokenFn := func() string {
		mu.Lock()
		defer mu.Unlock()
		return token
	}
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, tokenFn)
	m.Connect()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)

	// log out, then drop the transport
	mu.Lock()
	token = ""
	mu.Unlock()
	d.last().readErr <- io.ErrUnexpectedEOF

	require.Eventually(t, func() bool { return m.State() == Disconnected }, time.Second, 2*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 1, d.count(), "no retry without a session token")
}

func TestDisconnect_SuppressesRetry(t *testing.T) {
	d := &fakeDialer{}
	m, n := newTestManager(t, d, nil)
	m.Connect()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)
	d.last().frames <- validFrame()
	require.Eventually(t, func() bool { return m.State() == Authenticated }, time.Second, 2*time.Millisecond)

	m.Disconnect()
	require.Equal(t, Disconnected, m.State())

	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 1, d.count(), "deliberate close must not reconnect")
	require.Zero(t, n.errCount(), "deliberate close is not an error to the user")
}

func TestDisconnect_CancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, nil)
	m.Connect()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)

	d.last().readErr <- io.ErrUnexpectedEOF
	require.Eventually(t, func() bool { return m.State() == Reconnecting }, time.Second, 2*time.Millisecond)

	m.Disconnect()
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 1, d.count())
	require.Equal(t, Disconnected, m.State())
}

func TestSend_WhileClosed(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, nil)
	err := m.Send([]byte(`{"type":"message","data":{}}`))
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 0, d.count(), "no frame transmitted")
}

func TestSubscribe_DeliveryAndCancel(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, nil)

	var mu sync.Mutex
	var got, other []string
	cancel := m.Subscribe(func(ev wire.Event) {
		mu.Lock()
		got = append(got, ev.NewMessage.ID)
		mu.Unlock()
	})
	m.Subscribe(func(ev wire.Event) {
		mu.Lock()
		other = append(other, ev.NewMessage.ID)
		mu.Unlock()
	})

	m.Connect()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)
	conn := d.last()

	for _, id := range []string{"m1", "m2", "m3"} {
		p, _ := wire.EncodeNewMessage(wire.NewMessageData{
			ID: id, ChatID: "r1", OrderID: "o1", SenderID: "u1",
			Content: "x", CreatedAt: time.Now().UTC(),
		})
		conn.frames <- p
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3 && len(other) == 3
	}, time.Second, 2*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"m1", "m2", "m3"}, got, "arrival order preserved")
	mu.Unlock()

	cancel()
	conn.frames <- validFrame()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(other) == 4
	}, time.Second, 2*time.Millisecond)
	mu.Lock()
	require.Len(t, got, 3, "cancelled subscriber must not receive")
	mu.Unlock()
}

func TestUnknownFrame_NoMutationNoPanic(t *testing.T) {
	d := &fakeDialer{}
	m, n := newTestManager(t, d, nil)
	events := 0
	var mu sync.Mutex
	m.Subscribe(func(wire.Event) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	m.Connect()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)
	conn := d.last()
	conn.frames <- []byte(`{"type":"unknown_kind","data":{}}`)
	conn.frames <- validFrame()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 1
	}, time.Second, 2*time.Millisecond)
	require.Zero(t, n.errCount())
}

func TestErrorFrame_SurfacedConnectionKept(t *testing.T) {
	d := &fakeDialer{}
	m, n := newTestManager(t, d, nil)
	m.Connect()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)
	conn := d.last()

	p, _ := wire.EncodeError("room is closed")
	conn.frames <- p
	require.Eventually(t, func() bool { return n.errCount() == 1 }, time.Second, 2*time.Millisecond)
	require.Equal(t, Authenticated, m.State(), "error frame keeps the connection open")
}

func TestDialFailure_SchedulesRetry(t *testing.T) {
	d := &fakeDialer{fail: true}
	m, _ := newTestManager(t, d, nil)
	m.Connect()
	require.Eventually(t, func() bool { return m.State() == Reconnecting }, time.Second, 2*time.Millisecond)

	d.mu.Lock()
	d.fail = false
	d.mu.Unlock()
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == Connecting }, time.Second, 2*time.Millisecond)
}
