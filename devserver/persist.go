package main

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
)

// stateStore persists orders, rooms and messages in a PebbleDB key-value
// store so a dev environment survives restarts. Key layout: orders and rooms
// under their id ('o'/'r' prefix, overwritten in place), messages under an
// 8-byte big-endian sequence number ('m' prefix, append-only).
type stateStore struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

const (
	prefixOrder   = 'o'
	prefixRoom    = 'r'
	prefixMessage = 'm'
)

func openStateStore(dir string) (*stateStore, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &stateStore{db: db}
	// Discover the next message sequence from the last message key.
	it, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixMessage},
		UpperBound: []byte{prefixMessage + 1},
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	if it.Last() {
		if key := it.Key(); len(key) >= 9 {
			s.next = binary.BigEndian.Uint64(key[1:9]) + 1
		}
	}
	return s, nil
}

func (s *stateStore) PutOrder(o *order) error {
	return s.put(prefixOrder, []byte(o.ID), o)
}

func (s *stateStore) PutRoom(r *chatRoom) error {
	return s.put(prefixRoom, []byte(r.ID), r)
}

func (s *stateStore) put(prefix byte, id []byte, v any) error {
	if s == nil || s.db == nil {
		return nil
	}
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	key := append([]byte{prefix}, id...)
	return s.db.Set(key, val, pebble.Sync)
}

func (s *stateStore) AppendMessage(m *chatMessage) error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := make([]byte, 9)
	key[0] = prefixMessage
	binary.BigEndian.PutUint64(key[1:], s.next)
	s.next++
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Set(key, val, pebble.Sync)
}

// LoadAll replays the whole store: orders and rooms by id, messages in
// append order.
func (s *stateStore) LoadAll() ([]order, []chatRoom, []chatMessage, error) {
	if s == nil || s.db == nil {
		return nil, nil, nil, nil
	}
	it, err := s.db.NewIter(nil)
	if err != nil {
		return nil, nil, nil, err
	}
	defer func() { _ = it.Close() }()

	var (
		orders []order
		rooms  []chatRoom
		msgs   []chatMessage
	)
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		if len(key) == 0 {
			continue
		}
		switch key[0] {
		case prefixOrder:
			var o order
			if err := json.Unmarshal(it.Value(), &o); err == nil {
				orders = append(orders, o)
			}
		case prefixRoom:
			var r chatRoom
			if err := json.Unmarshal(it.Value(), &r); err == nil {
				rooms = append(rooms, r)
			}
		case prefixMessage:
			var m chatMessage
			if err := json.Unmarshal(it.Value(), &m); err == nil {
				msgs = append(msgs, m)
			}
		}
	}
	return orders, rooms, msgs, nil
}

func (s *stateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
