// Package network connects federation peers over mutually authenticated QUIC.
//
// Every connection is bound to a peer.ID by the ed25519 key in the remote
// TLS certificate; keys outside the configured membership are rejected
// during the handshake. Messages are length-prefixed frames, one per
// unidirectional stream, so they may arrive out of order.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"fedmint/internal/logger"
	"fedmint/internal/peer"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 30 * time.Second

	// defaultSendTimeout bounds opening and writing one outgoing stream.
	defaultSendTimeout = 5 * time.Second

	// defaultSendQueue is the number of frames queued per member.
	defaultSendQueue = 1024

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "fedmint/1"
)

var (
	// ErrUnknownKey is returned when a remote key is not a federation member.
	ErrUnknownKey = errors.New("key is not a federation member")

	// ErrNotConnected is returned when sending to a peer without a connection.
	ErrNotConnected = errors.New("peer not connected")

	// ErrSendQueueFull is returned when a member's send queue is full.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("node closed")
)

// Member is the public identity of a federation peer.
type Member struct {
	PublicKey ed25519.PublicKey // PublicKey authenticates the member's connections
	Addr      string            // Addr is the member's listen address, may be empty
}

// Config holds the configuration for a Node.
type Config struct {
	Self           peer.ID            // Self is the local member
	PrivateKey     ed25519.PrivateKey // PrivateKey must match Members[Self]
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	Members        map[peer.ID]Member // Members lists every federation peer
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
	SendTimeout    time.Duration      // SendTimeout bounds writing one frame, defaultSendTimeout if zero
	SendQueue      int                // SendQueue is the per-member queue length, defaultSendQueue if zero
}

// Node maintains one connection per federation member.
// Of each pair, the member with the lower id dials and reconnects.
type Node struct {
	self       peer.ID      // self is the local member
	listenAddr string       // listenAddr is the address to listen on
	tlsConfig  *tls.Config  // tlsConfig is the TLS configuration
	quicConfig *quic.Config // quicConfig is the QUIC configuration
	dir        directory    // dir maps member keys to ids

	listener *quic.Listener // listener is the QUIC listener

	peers   map[peer.ID]*Peer  // peers holds the live connection of each member
	addrs   map[peer.ID]string // addrs holds dial addresses for reconnection
	peersMu sync.RWMutex       // peersMu protects peers and addrs

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay
	sendTimeout    time.Duration // sendTimeout bounds writing one frame
	sendQueue      int           // sendQueue is the per-member queue length

	onConnect    func(peer.ID)         // onConnect is called when a member connects
	onMessage    func(peer.ID, []byte) // onMessage is called for every received frame
	onDisconnect func(peer.ID)         // onDisconnect is called when a member disconnects
	handlersMu   sync.RWMutex          // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a node for cfg.Self.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	me, ok := cfg.Members[cfg.Self]
	if !ok {
		return nil, fmt.Errorf("peer %d is not a member", cfg.Self)
	}

	if !me.PublicKey.Equal(cfg.PrivateKey.Public()) {
		return nil, fmt.Errorf("private key does not match member %d", cfg.Self)
	}

	dir, err := newDirectory(cfg.Members)
	if err != nil {
		return nil, fmt.Errorf("members:\n%w", err)
	}

	cert, err := certificate(cfg.PrivateKey, cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true, // chains are not used, keys are checked against the directory
		VerifyPeerCertificate: dir.verify(),
		NextProtos:            []string{alpnProtocol},
		MinVersion:            tls.VersionTLS13,
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	sendTimeout := cfg.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = defaultSendTimeout
	}

	sendQueue := cfg.SendQueue
	if sendQueue <= 0 {
		sendQueue = defaultSendQueue
	}

	addrs := make(map[peer.ID]string, len(cfg.Members))
	for id, m := range cfg.Members {
		if m.Addr != "" {
			addrs[id] = m.Addr
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		self:           cfg.Self,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		dir:            dir,
		peers:          make(map[peer.ID]*Peer),
		addrs:          addrs,
		reconnectDelay: reconnectDelay,
		sendTimeout:    sendTimeout,
		sendQueue:      sendQueue,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Self returns the local member id.
func (n *Node) Self() peer.ID {
	return n.self
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// ConnectAll dials every member with a higher id and a known address.
// Failed dials are retried in the background.
func (n *Node) ConnectAll() {
	n.peersMu.RLock()
	targets := make(map[peer.ID]string)
	for id, addr := range n.addrs {
		if id > n.self {
			targets[id] = addr
		}
	}
	n.peersMu.RUnlock()

	for id, addr := range targets {
		if _, err := n.Connect(id, addr); err != nil {
			logger.Debug("initial dial failed", "peer", id, "addr", addr, "error", err)
			n.scheduleReconnect(id)
		}
	}
}

// Connect dials member id at addr and records addr for reconnection.
// The handshake fails unless the remote key belongs to id.
func (n *Node) Connect(id peer.ID, addr string) (*Peer, error) {
	if n.ctx.Err() != nil {
		return nil, ErrClosed
	}

	n.peersMu.Lock()
	n.addrs[id] = addr
	n.peersMu.Unlock()

	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	p, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	if p.id != id {
		p.Close()
		return nil, fmt.Errorf("%s is peer %d, not %d", addr, p.id, id)
	}

	n.callOnConnect(p.id)

	return p, nil
}

// Send delivers data to member id.
func (n *Node) Send(id peer.ID, data []byte) error {
	n.peersMu.RLock()
	p := n.peers[id]
	n.peersMu.RUnlock()

	if p == nil {
		return fmt.Errorf("send to peer %d: %w", id, ErrNotConnected)
	}

	return p.Send(data)
}

// Broadcast queues data for all connected members and returns the last error.
// A member that does not keep up does not delay the others.
func (n *Node) Broadcast(data []byte) error {
	var lastErr error

	for _, p := range n.Peers() {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Disconnect closes the connection to id. The dialing side reconnects after
// the reconnection delay.
func (n *Node) Disconnect(id peer.ID) {
	n.peersMu.RLock()
	p := n.peers[id]
	n.peersMu.RUnlock()

	if p != nil {
		p.Close()
	}
}

// Peers returns the connected members.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// Connected reports whether a connection to id is live.
func (n *Node) Connected(id peer.ID) bool {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	_, ok := n.peers[id]
	return ok
}

// OnConnect sets the handler called when a member connects.
func (n *Node) OnConnect(fn func(peer.ID)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called for every received frame.
// The handler runs on the stream's goroutine and may be called concurrently.
func (n *Node) OnMessage(fn func(peer.ID, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a member disconnects.
func (n *Node) OnDisconnect(fn func(peer.ID)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[peer.ID]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleIncoming(conn)
		}()
	}
}

// handleIncoming registers an accepted connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	p, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		logger.Warn("rejected connection", "addr", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(p.id)
}

// setupPeer binds conn to a member and starts its receive loop.
// An existing connection to the same member is replaced.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pub, err := remoteKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	id, ok := n.dir.lookup(pub)
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownKey, pub[:8])
	}

	if id == n.self {
		return nil, fmt.Errorf("connection to self")
	}

	p := newPeer(n, id, addr, conn)

	n.peersMu.Lock()
	old := n.peers[id]
	n.peers[id] = p
	n.peersMu.Unlock()

	if old != nil {
		old.Close()
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		p.receiveLoop()
	}()
	go func() {
		defer n.wg.Done()
		p.sendLoop()
	}()

	logger.Debug("peer connected", "peer", id, "addr", addr)

	return p, nil
}

// handlePeerDisconnect unregisters p and schedules a reconnection if this
// side dials the pair.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	current := n.peers[p.id] == p
	if current {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	if !current {
		return
	}

	logger.Debug("peer disconnected", "peer", p.id)

	n.callOnDisconnect(p.id)

	if p.id > n.self {
		n.scheduleReconnect(p.id)
	}
}

// scheduleReconnect starts a reconnection goroutine unless the node is closing.
func (n *Node) scheduleReconnect(id peer.ID) {
	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(id)
	}()
}

// reconnectPeer attempts to reconnect to a member with exponential backoff.
func (n *Node) reconnectPeer(id peer.ID) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.peersMu.RLock()
		addr, known := n.addrs[id]
		_, live := n.peers[id]
		n.peersMu.RUnlock()

		if !known || live {
			return
		}

		if _, err := n.Connect(id, addr); err == nil {
			return
		}

		delay = min(delay*2, maxReconnectDelay)
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(id peer.ID) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(id)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(id peer.ID, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(id, data)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(id peer.ID) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(id)
	}
}
