package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/order-desk/wire"
)

var (
	errNotFound     = errors.New("not found")
	errForbidden    = errors.New("forbidden")
	errRoomClosed   = errors.New("chat room is closed")
	errBadStatus    = errors.New("unknown order status")
	errEmailTaken   = errors.New("email already registered")
	errBadLogin     = errors.New("invalid email or password")
	errEmptyContent = errors.New("empty message content")
)

var orderStatuses = map[string]bool{
	"pending":   true,
	"approved":  true,
	"rejected":  true,
	"completed": true,
}

type user struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`

	password string
}

type order struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type chatRoom struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	Active    bool      `json:"isActive"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type chatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	OrderID   string    `json:"orderId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// messageView is the REST history shape: the author rides along as a nested
// record that clients flatten.
type messageView struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chatId"`
	Sender    senderView `json:"sender"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
}

type senderView struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type session struct {
	Token string `json:"token"`
	User  *user  `json:"user"`
}

// Hub keeps the whole dev-server world: accounts, orders, chat rooms and
// their messages, plus every live websocket client. One mutex guards it all;
// the load is single-developer.
type Hub struct {
	mu        sync.RWMutex
	users     map[string]*user
	byEmail   map[string]*user
	tokens    map[string]string // token -> user id
	orders    map[string]*order
	orderList []string
	rooms     map[string]*chatRoom
	roomList  []string
	msgs      map[string][]*chatMessage
	clients   map[*client]struct{}
	wg        sync.WaitGroup
	store     *stateStore
}

func newHub() *Hub {
	return &Hub{
		users:   make(map[string]*user),
		byEmail: make(map[string]*user),
		tokens:  make(map[string]string),
		orders:  make(map[string]*order),
		rooms:   make(map[string]*chatRoom),
		msgs:    make(map[string][]*chatMessage),
		clients: make(map[*client]struct{}),
	}
}

// attachStore connects persistence and replays whatever it holds.
func (h *Hub) attachStore(s *stateStore) {
	orders, rooms, msgs, err := s.LoadAll()
	if err != nil {
		log.Warn().Err(err).Msg("[devserver] load state failed; starting empty")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range orders {
		oc := o
		h.orders[o.ID] = &oc
		h.orderList = append(h.orderList, o.ID)
	}
	for _, r := range rooms {
		rc := r
		h.rooms[r.ID] = &rc
		h.roomList = append(h.roomList, r.ID)
	}
	for _, m := range msgs {
		mc := m
		h.msgs[m.ChatID] = append(h.msgs[m.ChatID], &mc)
	}
	h.store = s
	log.Info().Msgf("[devserver] restored %d orders, %d rooms, %d messages",
		len(orders), len(rooms), len(msgs))
}

// Register creates an account. The first account becomes staff so a fresh
// dev environment has an admin without extra ceremony.
func (h *Hub) Register(name, email, password string) (session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	if _, ok := h.byEmail[email]; ok {
		return session{}, errEmailTaken
	}
	role := "user"
	if len(h.users) == 0 {
		role = "admin"
	}
	u := &user{
		ID:       uuid.NewString(),
		Name:     name,
		Email:    email,
		Role:     role,
		password: password,
	}
	h.users[u.ID] = u
	h.byEmail[email] = u
	return h.issueSessionLocked(u), nil
}

func (h *Hub) Login(email, password string) (session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok || u.password != password {
		return session{}, errBadLogin
	}
	return h.issueSessionLocked(u), nil
}

func (h *Hub) issueSessionLocked(u *user) session {
	tok := uuid.NewString()
	h.tokens[tok] = u.ID
	return session{Token: tok, User: u}
}

// Authenticate resolves a bearer or socket token to its user.
func (h *Hub) Authenticate(token string) (*user, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.tokens[token]
	if !ok {
		return nil, false
	}
	u, ok := h.users[id]
	return u, ok
}

func (h *Hub) CreateOrder(u *user, typ, symbol string, price, quantity float64) order {
	now := time.Now().UTC()
	o := &order{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Type:      typ,
		Symbol:    symbol,
		Price:     price,
		Quantity:  quantity,
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
	h.mu.Lock()
	h.orders[o.ID] = o
	h.orderList = append(h.orderList, o.ID)
	h.mu.Unlock()
	h.persistOrder(o)
	return *o
}

// Orders lists the caller's orders; staff see everything.
func (h *Hub) Orders(u *user) []order {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]order, 0, len(h.orderList))
	for _, id := range h.orderList {
		o := h.orders[id]
		if u.Role != "admin" && o.UserID != u.ID {
			continue
		}
		out = append(out, *o)
	}
	return out
}

func (h *Hub) Order(u *user, id string) (order, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.orders[id]
	if !ok {
		return order{}, errNotFound
	}
	if u.Role != "admin" && o.UserID != u.ID {
		return order{}, errForbidden
	}
	return *o, nil
}

// UpdateOrderStatus is the staff review operation. Status legality is only
// membership in the known set; transition ordering is not enforced.
func (h *Hub) UpdateOrderStatus(u *user, id, status string) (order, error) {
	if u.Role != "admin" {
		return order{}, errForbidden
	}
	if !orderStatuses[status] {
		return order{}, errBadStatus
	}
	h.mu.Lock()
	o, ok := h.orders[id]
	if !ok {
		h.mu.Unlock()
		return order{}, errNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	cp := *o
	h.mu.Unlock()
	h.persistOrder(&cp)
	return cp, nil
}

// CreateRoom opens a support room for an order, reusing a still-active room
// rather than stacking duplicates.
func (h *Hub) CreateRoom(u *user, orderID string) (chatRoom, error) {
	h.mu.Lock()
	o, ok := h.orders[orderID]
	if !ok {
		h.mu.Unlock()
		return chatRoom{}, errNotFound
	}
	if u.Role != "admin" && o.UserID != u.ID {
		h.mu.Unlock()
		return chatRoom{}, errForbidden
	}
	for _, id := range h.roomList {
		if r := h.rooms[id]; r.OrderID == orderID && r.Active {
			cp := *r
			h.mu.Unlock()
			return cp, nil
		}
	}
	now := time.Now().UTC()
	r := &chatRoom{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	h.rooms[r.ID] = r
	h.roomList = append(h.roomList, r.ID)
	cp := *r
	h.mu.Unlock()
	h.persistRoom(&cp)
	return cp, nil
}

// Rooms lists every room (all=true, the staff view) or just the rooms of the
// caller's own orders.
func (h *Hub) Rooms(u *user, all bool) []chatRoom {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]chatRoom, 0, len(h.roomList))
	for _, id := range h.roomList {
		r := h.rooms[id]
		if !all {
			o := h.orders[r.OrderID]
			if o == nil || o.UserID != u.ID {
				continue
			}
		}
		out = append(out, *r)
	}
	return out
}

func (h *Hub) Room(id string) (chatRoom, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	if !ok {
		return chatRoom{}, errNotFound
	}
	return *r, nil
}

// Messages renders a room's history with nested sender records.
func (h *Hub) Messages(roomID string) ([]messageView, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.rooms[roomID]; !ok {
		return nil, errNotFound
	}
	msgs := h.msgs[roomID]
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		sv := senderView{ID: m.SenderID}
		if u, ok := h.users[m.SenderID]; ok {
			sv.Name = u.Name
		}
		out = append(out, messageView{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Sender:    sv,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// CloseRoom marks the room read-only, stores the summary and tells every
// live client.
func (h *Hub) CloseRoom(u *user, id, summary string) (chatRoom, error) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	if !ok {
		h.mu.Unlock()
		return chatRoom{}, errNotFound
	}
	o := h.orders[r.OrderID]
	if u.Role != "admin" && (o == nil || o.UserID != u.ID) {
		h.mu.Unlock()
		return chatRoom{}, errForbidden
	}
	r.Active = false
	r.Summary = summary
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	h.mu.Unlock()

	h.persistRoom(&cp)
	if frame, err := wire.EncodeChatClosed(cp.ID, cp.Summary); err == nil {
		h.broadcast(frame)
	}
	return cp, nil
}

// PostMessage accepts a send intent from a live client, persists the message
// and echoes it to every authenticated connection. Clients filter by order
// id; a closed room refuses the send.
func (h *Hub) PostMessage(sender *user, data wire.MessageData) (chatMessage, error) {
	content := strings.TrimSpace(data.Content)
	if content == "" {
		return chatMessage{}, errEmptyContent
	}
	h.mu.Lock()
	r, ok := h.rooms[data.ChatID]
	if !ok {
		h.mu.Unlock()
		return chatMessage{}, errNotFound
	}
	if !r.Active {
		h.mu.Unlock()
		return chatMessage{}, errRoomClosed
	}
	m := &chatMessage{
		ID:        uuid.NewString(),
		ChatID:    r.ID,
		OrderID:   r.OrderID, // the room, not the client, names the order
		SenderID:  sender.ID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	h.msgs[r.ID] = append(h.msgs[r.ID], m)
	r.UpdatedAt = m.CreatedAt
	cp := *m
	h.mu.Unlock()

	h.persistMessage(&cp)
	frame, err := wire.EncodeNewMessage(wire.NewMessageData{
		ID:        cp.ID,
		ChatID:    cp.ChatID,
		OrderID:   cp.OrderID,
		SenderID:  cp.SenderID,
		Content:   cp.Content,
		CreatedAt: cp.CreatedAt,
	})
	if err != nil {
		return cp, fmt.Errorf("encode echo: %w", err)
	}
	h.broadcast(frame)
	return cp, nil
}

func (h *Hub) attach(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.wg.Add(1)
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		h.wg.Done()
	}
}

func (h *Hub) broadcast(frame []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.push(frame)
	}
}

// closeAll force-closes every live connection during shutdown.
func (h *Hub) closeAll() {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.close()
	}
}

// wait blocks until every websocket handler goroutine has finished.
func (h *Hub) wait() {
	h.wg.Wait()
}

func (h *Hub) persistOrder(o *order) {
	if h.store == nil {
		return
	}
	if err := h.store.PutOrder(o); err != nil {
		log.Debug().Err(err).Msg("[devserver] persist order")
	}
}

func (h *Hub) persistRoom(r *chatRoom) {
	if h.store == nil {
		return
	}
	if err := h.store.PutRoom(r); err != nil {
		log.Debug().Err(err).Msg("[devserver] persist room")
	}
}

func (h *Hub) persistMessage(m *chatMessage) {
	if h.store == nil {
		return
	}
	if err := h.store.AppendMessage(m); err != nil {
		log.Debug().Err(err).Msg("[devserver] persist message")
	}
}
