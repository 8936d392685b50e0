// Package queue turns per-sender message streams into exactly-once,
// in-order delivery and defines the deterministic total order used to
// replay messages from many senders identically on every peer.
package queue

import (
	"fmt"
	"sort"

	"fedmint/internal/peer"
)

// MessageID is a per-sender sequence number.
type MessageID uint64

// Next returns the following id.
func (id MessageID) Next() MessageID {
	return id + 1
}

// Key identifies a message across all senders.
type Key struct {
	Sender peer.ID   // Sender is the originating peer
	ID     MessageID // ID is the sender's sequence number
}

// String returns sender/id.
func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Sender, k.ID)
}

// UniqueMessage wraps a payload with its sender and sequence number.
type UniqueMessage[M any] struct {
	Sender  peer.ID   // Sender is the originating peer
	ID      MessageID // ID is the sender's sequence number
	Payload M         // Payload is the message content
}

// Key returns the (sender, id) pair.
func (m UniqueMessage[M]) Key() Key {
	return Key{Sender: m.Sender, ID: m.ID}
}

// Ordering selects the tie-break of the total order across senders.
type Ordering int

const (
	// OrderIDFirst compares MessageID first, then PeerID.
	OrderIDFirst Ordering = iota

	// OrderPeerFirst compares PeerID first, then MessageID.
	OrderPeerFirst
)

// DefaultOrdering is the total order used when none is configured.
const DefaultOrdering = OrderIDFirst

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case OrderIDFirst:
		return "id-first"
	case OrderPeerFirst:
		return "peer-first"
	default:
		return fmt.Sprintf("ordering %d", int(o))
	}
}

// ParseOrdering parses the name returned by String.
func ParseOrdering(s string) (Ordering, error) {
	switch s {
	case "", "id-first":
		return OrderIDFirst, nil
	case "peer-first":
		return OrderPeerFirst, nil
	default:
		return 0, fmt.Errorf("unknown ordering %q", s)
	}
}

// Compare returns -1, 0 or 1 as a sorts before, equal to or after b.
func (o Ordering) Compare(a, b Key) int {
	if o == OrderPeerFirst {
		if c := cmp(a.Sender, b.Sender); c != 0 {
			return c
		}

		return cmp(a.ID, b.ID)
	}

	if c := cmp(a.ID, b.ID); c != 0 {
		return c
	}

	return cmp(a.Sender, b.Sender)
}

// Less reports whether a sorts before b under o.
func Less[M any](o Ordering, a, b UniqueMessage[M]) bool {
	return o.Compare(a.Key(), b.Key()) < 0
}

// Sort orders msgs by o. Equal keys keep their relative order.
func Sort[M any](o Ordering, msgs []UniqueMessage[M]) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(o, msgs[i], msgs[j]) })
}

// cmp compares two ordered integers.
func cmp[T peer.ID | MessageID](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
