package federation

import "sync"

// outbox keeps the most recent outgoing frames in send order.
type outbox struct {
	mu    sync.Mutex // mu protects every field below
	ring  [][]byte   // ring holds up to len(ring) frames
	start int        // start is the index of the oldest frame
	n     int        // n counts stored frames
}

// newOutbox creates an outbox holding size frames.
func newOutbox(size int) *outbox {
	return &outbox{ring: make([][]byte, size)}
}

// push appends data, evicting the oldest frame when full.
func (o *outbox) push(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.n < len(o.ring) {
		o.ring[(o.start+o.n)%len(o.ring)] = data
		o.n++

		return
	}

	o.ring[o.start] = data
	o.start = (o.start + 1) % len(o.ring)
}

// frames returns the stored frames, oldest first.
func (o *outbox) frames() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([][]byte, o.n)
	for i := range out {
		out[i] = o.ring[(o.start+i)%len(o.ring)]
	}

	return out
}
