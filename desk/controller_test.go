package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/order-desk/api"
	"github.com/gosuda/order-desk/socket"
	"github.com/gosuda/order-desk/store"
	"github.com/gosuda/order-desk/wire"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	handler socket.Handler
	state   socket.State
	sendErr error
	cancels int
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = socket.Authenticated
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Subscribe(fn socket.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancels++
		f.handler = nil
	}
}

func (f *fakeTransport) State() socket.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) deliver(t *testing.T, payload []byte) {
	t.Helper()
	ev, err := wire.Decode(payload)
	require.NoError(t, err)
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	require.NotNil(t, fn, "no subscription installed")
	fn(ev)
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, p := range f.sent {
		out[i] = string(p)
	}
	return out
}

// restStub serves the room and history endpoints the controller hits on Open.
func restStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/r1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.ChatRoom{
			ID: "r1", OrderID: "o1", Active: true,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		})
	})
	mux.HandleFunc("/chat/r1/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]api.ChatMessage{
			{ID: "m1", ChatID: "r1", Sender: api.Sender{ID: "u2", Name: "Support"}, Content: "hello", CreatedAt: time.Now().UTC()},
			{ID: "m2", ChatID: "r1", Sender: api.Sender{ID: "u1", Name: "Me"}, Content: "hi", CreatedAt: time.Now().UTC()},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestController(t *testing.T) (*RoomController, *fakeTransport, *store.ChatStore) {
	t.Helper()
	srv := restStub(t)
	client := api.New(api.Config{BaseURL: srv.URL})
	tr := &fakeTransport{}
	st := store.New()
	return NewRoomController(client, tr, st, "r1", "u1"), tr, st
}

func newMessageFrame(t *testing.T, id, chatID, orderID, content string) []byte {
	t.Helper()
	p, err := wire.EncodeNewMessage(wire.NewMessageData{
		ID: id, ChatID: chatID, OrderID: orderID, SenderID: "u2",
		Content: content, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return p
}

func TestOpen_SeedsHistoryWithFlattenedSenders(t *testing.T) {
	ctl, tr, st := newTestController(t)
	require.NoError(t, ctl.Open(context.Background()))

	cur, ok := st.Current()
	require.True(t, ok, "current room must be set")
	require.Equal(t, "r1", cur.ID)
	require.Len(t, cur.Messages, 2)
	require.Equal(t, "u2", cur.Messages[0].SenderID, "nested sender flattened to id")
	require.Equal(t, "u1", cur.Messages[1].SenderID)

	frames := tr.sentFrames()
	require.Len(t, frames, 1)
	require.Contains(t, frames[0], `"type":"join_chat"`)
	require.Contains(t, frames[0], `"chatId":"r1"`)
}

func TestLiveMessage_AppendedInArrivalOrder(t *testing.T) {
	ctl, tr, st := newTestController(t)
	require.NoError(t, ctl.Open(context.Background()))

	var scrolled []string
	ctl.OnAppend = func(m store.Message) { scrolled = append(scrolled, m.ID) }

	tr.deliver(t, newMessageFrame(t, "m3", "r1", "o1", "third"))

	cur, _ := st.Current()
	require.Len(t, cur.Messages, 3, "history plus live frame")
	require.Equal(t, []string{"m1", "m2", "m3"},
		[]string{cur.Messages[0].ID, cur.Messages[1].ID, cur.Messages[2].ID})
	require.Equal(t, []string{"m3"}, scrolled, "view scrolls to the new message")
}

func TestLiveMessage_OtherOrderIgnored(t *testing.T) {
	ctl, tr, st := newTestController(t)
	require.NoError(t, ctl.Open(context.Background()))

	scrolls := 0
	ctl.OnAppend = func(store.Message) { scrolls++ }
	tr.deliver(t, newMessageFrame(t, "mX", "r1", "other-order", "noise"))

	cur, _ := st.Current()
	require.Len(t, cur.Messages, 2)
	require.Zero(t, scrolls)
}

func TestChatClosed_MarksRoom(t *testing.T) {
	ctl, tr, st := newTestController(t)
	require.NoError(t, ctl.Open(context.Background()))

	p, err := wire.EncodeChatClosed("r1", "handled by staff")
	require.NoError(t, err)
	tr.deliver(t, p)

	cur, _ := st.Current()
	require.False(t, cur.Active)
	require.Equal(t, "handled by staff", cur.Summary)
}

func TestSend_TrimsAndRefusesEmpty(t *testing.T) {
	ctl, tr, _ := newTestController(t)
	require.NoError(t, ctl.Open(context.Background()))
	before := len(tr.sentFrames())

	require.NoError(t, ctl.Send(""))
	require.NoError(t, ctl.Send("   \t  "))
	require.Len(t, tr.sentFrames(), before, "whitespace-only input sends nothing")

	require.NoError(t, ctl.Send("  hello there  "))
	frames := tr.sentFrames()
	require.Len(t, frames, before+1)
	last := frames[len(frames)-1]
	require.Contains(t, last, `"content":"hello there"`, "content is trimmed")
	require.Contains(t, last, `"orderId":"o1"`)
	require.Contains(t, last, `"senderId":"u1"`)
	require.Contains(t, last, `"chatId":"r1"`)
}

func TestSend_WhileTransportClosed(t *testing.T) {
	ctl, tr, _ := newTestController(t)
	require.NoError(t, ctl.Open(context.Background()))

	tr.mu.Lock()
	tr.sendErr = socket.ErrNotConnected
	tr.mu.Unlock()

	err := ctl.Send("does not go out")
	require.ErrorIs(t, err, socket.ErrNotConnected)
	for _, f := range tr.sentFrames() {
		require.False(t, strings.Contains(f, "does not go out"), "no frame transmitted")
	}
}

func TestClose_CancelsOnlyOwnSubscription(t *testing.T) {
	ctl, tr, _ := newTestController(t)
	require.NoError(t, ctl.Open(context.Background()))

	ctl.Close()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Equal(t, 1, tr.cancels, "subscription released")
	require.Equal(t, socket.Authenticated, tr.state, "shared connection left alone")
	// leave_chat went out before the subscription died
	found := false
	for _, p := range tr.sent {
		if strings.Contains(string(p), `"type":"leave_chat"`) {
			found = true
		}
	}
	require.True(t, found)
}
