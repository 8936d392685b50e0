package queue

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// logDegree is the btree node degree.
const logDegree = 32

// Log keeps the most recent delivered messages of all senders in the
// deterministic total order. Two peers that appended the same set of
// messages iterate them identically, whatever the arrival order.
type Log[M any] struct {
	mu       sync.RWMutex                    // mu protects tree
	tree     *btree.BTreeG[UniqueMessage[M]] // tree orders messages by the configured ordering
	ordering Ordering                        // ordering is the total order
	limit    int                             // limit bounds the entries, oldest in order evicted first
}

// NewLog creates a log holding at most limit entries. A limit of zero keeps everything.
func NewLog[M any](ordering Ordering, limit int) *Log[M] {
	return &Log[M]{
		tree:     btree.NewG[UniqueMessage[M]](logDegree, func(a, b UniqueMessage[M]) bool { return Less(ordering, a, b) }),
		ordering: ordering,
		limit:    limit,
	}
}

// Append inserts msg. It returns false if a message with the same key is
// already present.
func (l *Log[M]) Append(msg UniqueMessage[M]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tree.Has(msg) {
		return false
	}

	l.tree.ReplaceOrInsert(msg)

	for l.limit > 0 && l.tree.Len() > l.limit {
		l.tree.DeleteMin()
	}

	return true
}

// Ordering returns the total order of the log.
func (l *Log[M]) Ordering() Ordering {
	return l.ordering
}

// Len returns the number of entries.
func (l *Log[M]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.tree.Len()
}

// Ascend calls fn for every entry in order until fn returns false.
func (l *Log[M]) Ascend(fn func(msg UniqueMessage[M]) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	l.tree.Ascend(func(msg UniqueMessage[M]) bool { return fn(msg) })
}

// Keys returns the keys of every entry in order.
func (l *Log[M]) Keys() []Key {
	keys := make([]Key, 0, l.Len())

	l.Ascend(func(msg UniqueMessage[M]) bool {
		keys = append(keys, msg.Key())
		return true
	})

	return keys
}

// Sequencer assigns outgoing MessageIDs for the local sender.
type Sequencer struct {
	last atomic.Uint64 // last is the most recently assigned id
}

// NewSequencer creates a sequencer whose first id follows last.
// Pass Origin-1 for a fresh sender.
func NewSequencer(last MessageID) *Sequencer {
	s := &Sequencer{}
	s.last.Store(uint64(last))

	return s
}

// Next assigns the next id.
func (s *Sequencer) Next() MessageID {
	return MessageID(s.last.Add(1))
}

// Last returns the most recently assigned id.
func (s *Sequencer) Last() MessageID {
	return MessageID(s.last.Load())
}
