package storage

import (
	"encoding/binary"
	"fmt"

	"fedmint/internal/peer"
	"fedmint/internal/queue"
)

// cursorPrefix prefixes the last delivered id of each sender: q/<peer big-endian>.
var cursorPrefix = []byte("q/")

// CursorStore persists queue delivery progress. It implements queue.CursorStore.
type CursorStore struct {
	db *Storage // db is the backing store
}

// NewCursorStore wraps db.
func NewCursorStore(db *Storage) *CursorStore {
	return &CursorStore{db: db}
}

// LoadCursor returns the last delivered id of p.
func (c *CursorStore) LoadCursor(p peer.ID) (queue.MessageID, bool, error) {
	raw, err := c.db.Get(cursorKey(p))
	if err != nil {
		return 0, false, err
	}

	if raw == nil {
		return 0, false, nil
	}

	if len(raw) != 8 {
		return 0, false, fmt.Errorf("cursor of peer %d has size %d", p, len(raw))
	}

	return queue.MessageID(binary.BigEndian.Uint64(raw)), true, nil
}

// SaveCursor records the last delivered id of p.
func (c *CursorStore) SaveCursor(p peer.ID, id queue.MessageID) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))

	return c.db.Set(cursorKey(p), buf[:])
}

// Cursors returns every stored cursor.
func (c *CursorStore) Cursors() (map[peer.ID]queue.MessageID, error) {
	out := make(map[peer.ID]queue.MessageID)

	err := c.db.IteratePrefix(cursorPrefix, func(key, value []byte) error {
		if len(key) != len(cursorPrefix)+2 || len(value) != 8 {
			return fmt.Errorf("malformed cursor record %x", key)
		}

		p := peer.ID(binary.BigEndian.Uint16(key[len(cursorPrefix):]))
		out[p] = queue.MessageID(binary.BigEndian.Uint64(value))

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// cursorKey builds the record key of p.
func cursorKey(p peer.ID) []byte {
	key := make([]byte, len(cursorPrefix)+2)
	copy(key, cursorPrefix)
	binary.BigEndian.PutUint16(key[len(cursorPrefix):], uint16(p))

	return key
}
