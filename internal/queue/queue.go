package queue

import (
	"errors"
	"fmt"
	"sync"

	"fedmint/internal/logger"
	"fedmint/internal/metrics"
	"fedmint/internal/peer"
)

const (
	// DefaultOrigin is the first MessageID of every sender.
	DefaultOrigin MessageID = 1

	// DefaultBufferSize is the per-sender reorder window.
	DefaultBufferSize = 64
)

var (
	// ErrStreamFaulty is returned once a sender overran its reorder window.
	ErrStreamFaulty = errors.New("sender stream is faulty")

	// ErrUnknownSender is returned for messages from outside the federation.
	ErrUnknownSender = errors.New("unknown sender")
)

// CursorStore persists the last delivered MessageID of each sender.
type CursorStore interface {
	// LoadCursor returns the last delivered id, or false if none was saved.
	LoadCursor(p peer.ID) (MessageID, bool, error)

	// SaveCursor records the last delivered id.
	SaveCursor(p peer.ID, id MessageID) error
}

// Config configures a Queue.
type Config struct {
	Peers      peer.Set         // Peers are the senders the queue accepts
	Origin     MessageID        // Origin is the first id of every sender, DefaultOrigin if zero
	BufferSize int              // BufferSize is the reorder window, DefaultBufferSize if zero
	Store      CursorStore      // Store persists delivery progress, may be nil
	OnFaulty   func(p peer.ID)  // OnFaulty is called once when a stream becomes faulty
	Metrics    *metrics.Metrics // Metrics may be nil
}

// slot is one entry of a sender's reorder ring.
type slot[M any] struct {
	full    bool      // full marks an occupied slot
	id      MessageID // id is the stored message id
	payload M         // payload is the stored message
}

// stream is the delivery state of one sender.
type stream[M any] struct {
	mu       sync.Mutex // mu serializes arrivals from the sender
	next     MessageID  // next is the next id to deliver
	ring     []slot[M]  // ring buffers ids in [next, next+len(ring))
	buffered int        // buffered counts occupied slots
	faulty   bool       // faulty drops everything until Reset
}

// Queue delivers each sender's messages exactly once and in id order.
// Senders are independent: each has its own lock and a fixed-size ring
// allocated at construction.
type Queue[M any] struct {
	origin   MessageID              // origin is the first id of every sender
	size     int                    // size is the ring capacity per sender
	store    CursorStore            // store persists delivery progress
	onFaulty func(p peer.ID)        // onFaulty signals overrun streams
	metrics  *metrics.Metrics       // metrics may be nil
	streams  map[peer.ID]*stream[M] // streams is fixed after New
}

// New creates a queue for the configured senders, resuming from the
// cursors in cfg.Store when present.
func New[M any](cfg Config) (*Queue[M], error) {
	if cfg.Peers.Len() == 0 {
		return nil, fmt.Errorf("queue needs at least one sender")
	}

	if cfg.BufferSize < 0 {
		return nil, fmt.Errorf("buffer size must not be negative, got %d", cfg.BufferSize)
	}

	q := &Queue[M]{
		origin:   cfg.Origin,
		size:     cfg.BufferSize,
		store:    cfg.Store,
		onFaulty: cfg.OnFaulty,
		metrics:  cfg.Metrics,
		streams:  make(map[peer.ID]*stream[M], cfg.Peers.Len()),
	}

	if q.origin == 0 {
		q.origin = DefaultOrigin
	}

	if q.size == 0 {
		q.size = DefaultBufferSize
	}

	for _, p := range cfg.Peers {
		s := &stream[M]{
			next: q.origin,
			ring: make([]slot[M], q.size),
		}

		if q.store != nil {
			last, ok, err := q.store.LoadCursor(p)
			if err != nil {
				return nil, fmt.Errorf("load cursor of peer %d:\n%w", p, err)
			}

			if ok && last >= q.origin {
				s.next = last.Next()
			}
		}

		q.streams[p] = s
	}

	return q, nil
}

// Receive accepts one message and returns the payloads that became
// deliverable, in id order. A message filling a gap releases every buffered
// successor. Duplicates and already delivered ids return nothing.
// An id beyond the reorder window marks the stream faulty and returns
// ErrStreamFaulty, as does every later message until Reset.
func (q *Queue[M]) Receive(msg UniqueMessage[M]) ([]M, error) {
	s, ok := q.streams[msg.Sender]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", msg.Key(), ErrUnknownSender)
	}

	s.mu.Lock()

	if s.faulty {
		s.mu.Unlock()
		q.metrics.QueueMessage("dropped")

		return nil, ErrStreamFaulty
	}

	if msg.ID < s.next {
		s.mu.Unlock()
		q.metrics.QueueMessage("duplicate")

		return nil, nil
	}

	if msg.ID-s.next >= MessageID(q.size) {
		q.markFaultyLocked(s)
		next := s.next
		s.mu.Unlock()

		logger.Warn("sender stream overran reorder window",
			"peer", msg.Sender,
			"id", msg.ID,
			"expected", next,
			"window", q.size,
		)

		q.metrics.StreamFaulty(msg.Sender.String())

		if q.onFaulty != nil {
			q.onFaulty(msg.Sender)
		}

		return nil, ErrStreamFaulty
	}

	sl := &s.ring[q.index(msg.ID)]

	if sl.full {
		// the window holds one id per slot, so this is the same id
		s.mu.Unlock()
		q.metrics.QueueMessage("duplicate")

		return nil, nil
	}

	sl.full = true
	sl.id = msg.ID
	sl.payload = msg.Payload
	s.buffered++

	if msg.ID != s.next {
		s.mu.Unlock()
		q.metrics.QueueMessage("buffered")

		return nil, nil
	}

	out := q.drainLocked(s)

	var err error
	if q.store != nil {
		if saveErr := q.store.SaveCursor(msg.Sender, s.next-1); saveErr != nil {
			err = fmt.Errorf("save cursor of peer %d:\n%w", msg.Sender, saveErr)
		}
	}

	s.mu.Unlock()

	for range out {
		q.metrics.QueueMessage("delivered")
	}

	return out, err
}

// Reset clears the faulty flag and the buffered messages of p. Delivery
// resumes at the first undelivered id.
func (q *Queue[M]) Reset(p peer.ID) error {
	s, ok := q.streams[p]
	if !ok {
		return fmt.Errorf("reset peer %d: %w", p, ErrUnknownSender)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q.clearLocked(s)
	s.faulty = false

	return nil
}

// Cursor returns the last delivered id of p, or Origin-1 if nothing was delivered.
func (q *Queue[M]) Cursor(p peer.ID) (MessageID, error) {
	s, ok := q.streams[p]
	if !ok {
		return 0, fmt.Errorf("cursor of peer %d: %w", p, ErrUnknownSender)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.next - 1, nil
}

// Buffered returns the number of out-of-order messages held for p.
func (q *Queue[M]) Buffered(p peer.ID) int {
	s, ok := q.streams[p]
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buffered
}

// Faulty reports whether p's stream is marked faulty.
func (q *Queue[M]) Faulty(p peer.ID) bool {
	s, ok := q.streams[p]
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.faulty
}

// drainLocked pops consecutive messages starting at s.next.
func (q *Queue[M]) drainLocked(s *stream[M]) []M {
	var out []M

	for {
		sl := &s.ring[q.index(s.next)]
		if !sl.full || sl.id != s.next {
			return out
		}

		out = append(out, sl.payload)

		var zero slot[M]
		*sl = zero
		s.buffered--
		s.next++
	}
}

// markFaultyLocked flags s and releases its buffer.
func (q *Queue[M]) markFaultyLocked(s *stream[M]) {
	s.faulty = true
	q.clearLocked(s)
}

// clearLocked empties the ring.
func (q *Queue[M]) clearLocked(s *stream[M]) {
	var zero slot[M]
	for i := range s.ring {
		s.ring[i] = zero
	}

	s.buffered = 0
}

// index maps an id to its ring slot.
func (q *Queue[M]) index(id MessageID) int {
	return int(id % MessageID(q.size))
}
