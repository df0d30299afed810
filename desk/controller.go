package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/order-desk/api"
	"github.com/gosuda/order-desk/socket"
	"github.com/gosuda/order-desk/store"
	"github.com/gosuda/order-desk/wire"
)

// transport is the slice of the shared connection manager a room view uses.
// The manager itself is session-wide; a view owns only its subscription.
type transport interface {
	Connect()
	Send(payload []byte) error
	Subscribe(fn socket.Handler) (cancel func())
	State() socket.State
}

// RoomController drives one open chat room: it seeds history over REST,
// follows live frames for the room's order, and submits sends. Closing the
// controller cancels its subscription and nothing else.
type RoomController struct {
	api  *api.Client
	conn transport
	st   *store.ChatStore

	roomID  string
	orderID string
	selfID  string

	// OnAppend fires for each message that lands in the room so the view
	// can follow the tail.
	OnAppend func(m store.Message)

	cancel func()
}

func NewRoomController(client *api.Client, conn transport, st *store.ChatStore, roomID, selfID string) *RoomController {
	return &RoomController{
		api:    client,
		conn:   conn,
		st:     st,
		roomID: roomID,
		selfID: selfID,
	}
}

// Open fetches the room and its full history, seeds the store, makes sure the
// shared connection is up, and installs the live frame handler.
func (c *RoomController) Open(ctx context.Context) error {
	room, err := c.api.ChatRoom(ctx, c.roomID)
	if err != nil {
		return fmt.Errorf("fetch chat room: %w", err)
	}
	history, err := c.api.ChatMessages(ctx, c.roomID)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	c.orderID = room.OrderID

	msgs := make([]store.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, store.Message{
			ID:        m.ID,
			ChatID:    m.ChatID,
			SenderID:  m.Sender.ID, // flatten the nested sender record
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	c.st.UpsertRoom(store.Room{
		ID:        room.ID,
		OrderID:   room.OrderID,
		Active:    room.Active,
		Summary:   room.Summary,
		Messages:  msgs,
		CreatedAt: room.CreatedAt,
		UpdatedAt: room.UpdatedAt,
	})
	c.st.SetCurrent(room.ID)

	c.conn.Connect()
	c.cancel = c.conn.Subscribe(c.handleEvent)

	// Best effort: the server scopes nothing on join, clients filter by
	// order id, but announcing interest keeps parity with the wire contract.
	if room.Active {
		if frame, err := wire.EncodeJoin(c.roomID); err == nil {
			_ = c.conn.Send(frame)
		}
	}
	return nil
}

func (c *RoomController) handleEvent(ev wire.Event) {
	switch ev.Type {
	case wire.TypeNewMessage:
		m := ev.NewMessage
		if m.OrderID != c.orderID {
			return
		}
		msg := store.Message{
			ID:        m.ID,
			ChatID:    m.ChatID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
		if c.st.AppendMessage(msg) && c.OnAppend != nil {
			c.OnAppend(msg)
		}
	case wire.TypeChatClosed:
		if ev.ChatClosed.ChatID != c.roomID {
			return
		}
		c.st.CloseRoom(ev.ChatClosed.ChatID, ev.ChatClosed.Summary)
	case wire.TypeError:
		// already surfaced by the connection manager
	}
}

// Send submits one message. Whitespace-only input is a no-op; a transport
// that is not open yields socket.ErrNotConnected and the caller retries after
// reconnection. No optimistic append: the room updates on the server echo.
func (c *RoomController) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	frame, err := wire.EncodeMessage(wire.MessageData{
		ChatID:   c.roomID,
		OrderID:  c.orderID,
		SenderID: c.selfID,
		Content:  text,
	})
	if err != nil {
		return err
	}
	return c.conn.Send(frame)
}

// Close tears down this view: leave the room and drop the subscription.
// The shared connection stays up for other views.
func (c *RoomController) Close() {
	if frame, err := wire.EncodeLeave(c.roomID); err == nil {
		if err := c.conn.Send(frame); err != nil {
			log.Debug().Err(err).Msg("[desk] leave_chat not sent")
		}
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.st.ClearCurrent()
}
