// Package store holds the client-side chat state: the rooms the user can see
// and the room currently on screen. It is the in-memory record the UI renders;
// the server remains the authority.
package store

import (
	"sync"
	"time"
)

// Message is one immutable chat message. Appended only, never edited.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	CreatedAt time.Time
}

// Room is one support conversation bound to an order. A closed room keeps its
// history but accepts no further messages.
type Room struct {
	ID        string
	OrderID   string
	Active    bool
	Summary   string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatStore keeps rooms keyed by id, preserving first-seen order for listing.
// Events referencing a room the store does not know are discarded: messages
// are never buffered for rooms that have not been loaded.
type ChatStore struct {
	mu      sync.RWMutex
	order   []string
	rooms   map[string]*Room
	current string
}

func New() *ChatStore {
	return &ChatStore{rooms: make(map[string]*Room)}
}

// UpsertRoom inserts or replaces a room record in full. Used to seed state
// after a REST fetch; the incoming record wins, messages included.
func (s *ChatStore) UpsertRoom(room Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; !ok {
		s.order = append(s.order, room.ID)
	}
	r := room
	r.Messages = append([]Message(nil), room.Messages...)
	s.rooms[room.ID] = &r
}

// AppendMessage appends to the owning room's message sequence in call order.
// Returns false when the room is unknown; the message is dropped, the
// collection untouched.
func (s *ChatStore) AppendMessage(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[msg.ChatID]
	if !ok {
		return false
	}
	r.Messages = append(r.Messages, msg)
	r.UpdatedAt = msg.CreatedAt
	return true
}

// CloseRoom marks a room inactive and records the closing summary.
// Returns false when the room is unknown.
func (s *ChatStore) CloseRoom(id, summary string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return false
	}
	r.Active = false
	r.Summary = summary
	return true
}

// SetCurrent points the live view at a known room. Returns false (and leaves
// the view unchanged) when the room is unknown.
func (s *ChatStore) SetCurrent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return false
	}
	s.current = id
	return true
}

// ClearCurrent drops the live view without touching the room collection.
func (s *ChatStore) ClearCurrent() {
	s.mu.Lock()
	s.current = ""
	s.mu.Unlock()
}

// Current returns a copy of the room on screen, if any.
func (s *ChatStore) Current() (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == "" {
		return Room{}, false
	}
	return s.rooms[s.current].copy(), true
}

// Room returns a copy of one room by id.
func (s *ChatStore) Room(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return r.copy(), true
}

// Rooms lists all rooms in first-seen order.
func (s *ChatStore) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rooms[id].copy())
	}
	return out
}

// Len reports how many rooms the store holds.
func (s *ChatStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (r *Room) copy() Room {
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	return out
}
