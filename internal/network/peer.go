package network

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"fedmint/internal/logger"
	"fedmint/internal/peer"
)

// Peer is the connection to one federation member.
// Outgoing frames go through a bounded queue drained by one writer, so a
// member that stops reading only delays its own frames.
type Peer struct {
	id      peer.ID       // id is the authenticated member
	address string        // address is the remote address
	conn    *quic.Conn    // conn is the underlying QUIC connection
	node    *Node         // node is the parent node
	out     chan []byte   // out holds frames waiting for the writer
	done    chan struct{} // done is closed with the peer
	closed  atomic.Bool   // closed indicates if the peer is closed
}

// newPeer creates a peer for conn with an empty send queue.
func newPeer(n *Node, id peer.ID, addr string, conn *quic.Conn) *Peer {
	return &Peer{
		id:      id,
		address: addr,
		conn:    conn,
		node:    n,
		out:     make(chan []byte, n.sendQueue),
		done:    make(chan struct{}),
	}
}

// ID returns the authenticated member id.
func (p *Peer) ID() peer.ID {
	return p.id
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send queues data for the writer and never blocks.
// It fails with ErrSendQueueFull while the member is not keeping up.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("send to peer %d: %w", p.id, ErrNotConnected)
	}

	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return fmt.Errorf("send to peer %d: %w", p.id, ErrNotConnected)
	default:
		return fmt.Errorf("send to peer %d: %w", p.id, ErrSendQueueFull)
	}
}

// sendLoop writes queued frames, one stream each, until the peer closes.
func (p *Peer) sendLoop() {
	for {
		select {
		case data := <-p.out:
			if err := p.write(data); err != nil {
				logger.Debug("frame dropped", "peer", p.id, "error", err)
			}
		case <-p.done:
			return
		case <-p.node.ctx.Done():
			return
		}
	}
}

// write sends one frame within the node's send timeout.
func (p *Peer) write(data []byte) error {
	ctx, cancel := context.WithTimeout(p.node.ctx, p.node.sendTimeout)
	defer cancel()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := stream.SetWriteDeadline(time.Now().Add(p.node.sendTimeout)); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("set write deadline:\n%w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return stream.Close()
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	close(p.done)

	err := p.conn.CloseWithError(0, "closed")
	p.node.handlePeerDisconnect(p)

	return err
}

// receiveLoop accepts unidirectional streams until the connection ends.
func (p *Peer) receiveLoop() {
	for {
		stream, err := p.conn.AcceptUniStream(p.node.ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.id, "error", err)
			break
		}

		go p.handleStream(stream)
	}

	p.handleDisconnect()
}

// handleStream reads one frame and hands it to the node.
func (p *Peer) handleStream(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.id, "error", err)
		return
	}

	p.node.callOnMessage(p.id, data)
}

// handleDisconnect runs once when the connection drops on its own.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	close(p.done)
	p.node.handlePeerDisconnect(p)
}
