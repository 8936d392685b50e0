// Package federation runs the issuance protocol between mint peers.
//
// A Server sequences its own messages, passes every incoming envelope
// through the per-sender queue, and dispatches delivered messages to the
// issuer and the share combiner. Sign requests are broadcast by the peer
// that received them from a client; every peer that accepts the request
// broadcasts its partial signature, so any peer can combine.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"fedmint/internal/logger"
	"fedmint/internal/metrics"
	"fedmint/internal/mint"
	"fedmint/internal/peer"
	"fedmint/internal/queue"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
	"fedmint/internal/types"
	"fedmint/internal/wire"
)

const (
	// DefaultLogSize bounds the audit log.
	DefaultLogSize = 4096

	// earlyRequests bounds the requests whose shares arrived before the request.
	earlyRequests = 1024
)

// Transport moves frames between authenticated members.
// network.Node implements it. Send and Broadcast only queue frames, so
// they may be called while a sender's dispatch lock is held.
type Transport interface {
	Send(id peer.ID, data []byte) error
	Broadcast(data []byte) error
	Disconnect(id peer.ID)
	OnMessage(fn func(peer.ID, []byte))
	OnConnect(fn func(peer.ID))
}

// Config configures a Server.
type Config struct {
	Keys       *mint.TieredKeySet // Keys is the local key material
	Scheme     tbs.Scheme         // Scheme signs and combines, tbs.BLS if nil
	Transport  Transport          // Transport reaches the other members
	Store      queue.CursorStore  // Store persists sequence numbers, may be nil
	Origin     queue.MessageID    // Origin is the first id of every stream
	BufferSize int                // BufferSize is the per-sender reorder window
	Ordering   queue.Ordering     // Ordering sorts the audit log
	LogSize    int                // LogSize bounds the audit log, DefaultLogSize if zero
	CacheSize  int                // CacheSize bounds the verification cache
	Timeout    time.Duration      // Timeout is the per-request deadline
	Retention  time.Duration      // Retention keeps finished requests readable
	Now        func() time.Time   // Now is the clock, time.Now if nil
	Metrics    *metrics.Metrics   // Metrics may be nil
}

// Server is one mint peer of the federation.
type Server struct {
	self      peer.ID                     // self is the local member
	keys      *mint.TieredKeySet          // keys is the local key material
	transport Transport                   // transport reaches the other members
	issuer    *mint.Issuer                // issuer produces the local shares
	combiner  *mint.Combiner              // combiner collects every member's shares
	queue     *queue.Queue[wire.Envelope] // queue orders incoming envelopes per sender
	log       *queue.Log[wire.Envelope]   // log keeps delivered envelopes in total order
	seq       *queue.Sequencer            // seq numbers outgoing envelopes
	store     queue.CursorStore           // store persists the last outgoing id
	outbox    *outbox                     // outbox replays recent envelopes on reconnect
	senders   map[peer.ID]*sync.Mutex     // senders serializes dispatch per sender
	metrics   *metrics.Metrics            // metrics may be nil
	sendMu    sync.Mutex                  // sendMu keeps ids and outbox order aligned

	early   *lru.Cache[mint.RequestID, []mint.PartialSigResponse] // early holds shares of untracked requests
	earlyMu sync.Mutex                                            // earlyMu orders Track against stashing
}

// New creates a server. Call Start to attach it to the transport.
func New(cfg Config) (*Server, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key set is required")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	if cfg.Scheme == nil {
		cfg.Scheme = tbs.BLS{}
	}

	if cfg.Origin == 0 {
		cfg.Origin = queue.DefaultOrigin
	}

	if cfg.BufferSize == 0 {
		cfg.BufferSize = queue.DefaultBufferSize
	}

	if cfg.LogSize == 0 {
		cfg.LogSize = DefaultLogSize
	}

	self := cfg.Keys.Self()

	s := &Server{
		self:      self,
		keys:      cfg.Keys,
		transport: cfg.Transport,
		issuer:    mint.NewIssuer(cfg.Keys, cfg.Scheme),
		log:       queue.NewLog[wire.Envelope](cfg.Ordering, cfg.LogSize),
		store:     cfg.Store,
		outbox:    newOutbox(cfg.BufferSize),
		senders:   make(map[peer.ID]*sync.Mutex),
		metrics:   cfg.Metrics,
	}

	combiner, err := mint.NewCombiner(mint.CombinerConfig{
		Keys:      cfg.Keys.PublicKeySet(),
		Scheme:    cfg.Scheme,
		CacheSize: cfg.CacheSize,
		Timeout:   cfg.Timeout,
		Retention: cfg.Retention,
		Now:       cfg.Now,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create combiner:\n%w", err)
	}

	s.combiner = combiner

	var others peer.Set
	for _, p := range cfg.Keys.Peers() {
		if p != self {
			others = append(others, p)
			s.senders[p] = &sync.Mutex{}
		}
	}

	s.queue, err = queue.New[wire.Envelope](queue.Config{
		Peers:      others,
		Origin:     cfg.Origin,
		BufferSize: cfg.BufferSize,
		Store:      cfg.Store,
		OnFaulty:   s.onFaulty,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue:\n%w", err)
	}

	last := cfg.Origin - 1
	if cfg.Store != nil {
		saved, ok, err := cfg.Store.LoadCursor(self)
		if err != nil {
			return nil, fmt.Errorf("load own sequence:\n%w", err)
		}

		if ok && saved > last {
			last = saved
		}
	}

	s.seq = queue.NewSequencer(last)

	s.early, err = lru.New[mint.RequestID, []mint.PartialSigResponse](earlyRequests)
	if err != nil {
		return nil, fmt.Errorf("create early share cache:\n%w", err)
	}

	return s, nil
}

// Start attaches the server to the transport and starts expiry sweeps.
func (s *Server) Start() {
	s.transport.OnMessage(s.handle)
	s.transport.OnConnect(s.resend)
	s.combiner.Start()

	logger.Info("mint peer started",
		"peer", s.self,
		"threshold", s.keys.Threshold(),
		"peers", s.keys.Peers().Len(),
		"tiers", len(s.keys.Tiers()),
		"next_id", s.seq.Last().Next(),
	)
}

// Close stops the expiry sweeps. The transport is owned by the caller.
func (s *Server) Close() {
	s.combiner.Close()
}

// Self returns the local member id.
func (s *Server) Self() peer.ID {
	return s.self
}

// Combiner returns the share combiner.
func (s *Server) Combiner() *mint.Combiner {
	return s.combiner
}

// Log returns the audit log of delivered envelopes.
func (s *Server) Log() *queue.Log[wire.Envelope] {
	return s.log
}

// Queue returns the incoming message queue.
func (s *Server) Queue() *queue.Queue[wire.Envelope] {
	return s.queue
}

// Issue submits req to the federation and waits for the combined blind
// signatures. The request is cancelled if ctx ends first.
func (s *Server) Issue(ctx context.Context, req mint.SignRequest) (*mint.SigResponse, error) {
	start := time.Now()

	id, err := s.track(req)
	if err != nil {
		return nil, err
	}

	own, err := s.issuer.Sign(req)
	if err != nil {
		s.combiner.Cancel(id)
		return nil, fmt.Errorf("sign request %s:\n%w", id, err)
	}

	s.submit(own)

	s.send(types.MessageKindSignRequest, wire.EncodeSignRequest(req))
	s.send(types.MessageKindPartialSig, wire.EncodePartialSig(own))

	resp, err := s.combiner.Wait(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			s.combiner.Cancel(id)
		}

		return nil, err
	}

	logger.Info("request issued", "request", id, "tokens", req.Tokens.Len(), logger.Timed(start))

	return resp, nil
}

// IssueCoins builds a request for amount, has it signed and returns the
// finalized coins.
func (s *Server) IssueCoins(ctx context.Context, amount tiered.Amount) ([]mint.SpendableCoin, error) {
	pending, err := mint.PrepareIssuance(amount, s.keys.Tiers())
	if err != nil {
		return nil, err
	}

	resp, err := s.Issue(ctx, pending.Request)
	if err != nil {
		return nil, err
	}

	return pending.Finalize(resp, s.keys.PublicKeySet())
}

// handle decodes one frame from an authenticated member and delivers what
// the queue releases.
func (s *Server) handle(from peer.ID, data []byte) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		s.reject(from, "malformed", err)
		return
	}

	if env.Sender != from {
		s.reject(from, "spoofed", fmt.Errorf("envelope claims sender %d", env.Sender))
		return
	}

	mu, ok := s.senders[from]
	if !ok {
		s.reject(from, "unknown_sender", queue.ErrUnknownSender)
		return
	}

	mu.Lock()
	defer mu.Unlock()

	out, err := s.queue.Receive(env.Message())
	if err != nil && !errors.Is(err, queue.ErrStreamFaulty) {
		logger.Warn("queue receive failed", "peer", from, "id", env.ID, "error", err)
	}

	for _, e := range out {
		s.log.Append(e.Message())
		s.dispatch(e)
	}
}

// dispatch runs a delivered envelope.
func (s *Server) dispatch(e wire.Envelope) {
	switch e.Kind {
	case types.MessageKindSignRequest:
		req, err := wire.DecodeSignRequest(e.Payload)
		if err != nil {
			s.reject(e.Sender, "malformed_request", err)
			return
		}

		s.handleSignRequest(e.Sender, req)

	case types.MessageKindPartialSig:
		resp, err := wire.DecodePartialSig(e.Payload)
		if err != nil {
			s.reject(e.Sender, "malformed_share", err)
			return
		}

		if resp.Peer != e.Sender {
			s.combiner.ReportMalformed(resp.Request, e.Sender)
			s.reject(e.Sender, "spoofed_share", fmt.Errorf("shares claim peer %d", resp.Peer))
			return
		}

		s.submit(resp)

	default:
		s.reject(e.Sender, "unknown_kind", fmt.Errorf("kind %s", e.Kind))
	}
}

// handleSignRequest tracks a request broadcast by another member and
// answers it with the local shares.
func (s *Server) handleSignRequest(from peer.ID, req mint.SignRequest) {
	id, err := s.track(req)
	if err != nil {
		logger.Warn("rejected sign request", "peer", from, "error", err)
		s.metrics.MessageRejected("invalid_request")
		return
	}

	own, err := s.issuer.Sign(req)
	if errors.Is(err, mint.ErrInternal) {
		logger.Error("local signer failed", "peer", from, "request", id, "error", err)
		return
	}

	if err != nil {
		logger.Warn("sign failed", "peer", from, "request", id, "error", err)
		return
	}

	s.submit(own)
	s.send(types.MessageKindPartialSig, wire.EncodePartialSig(own))

	logger.Debug("answered sign request", "peer", from, "request", id)
}

// track starts tracking req and replays shares that arrived early.
func (s *Server) track(req mint.SignRequest) (mint.RequestID, error) {
	s.earlyMu.Lock()

	id, err := s.combiner.Track(req)
	if err != nil {
		s.earlyMu.Unlock()
		return id, err
	}

	stashed, _ := s.early.Peek(id)
	s.early.Remove(id)
	s.earlyMu.Unlock()

	for _, resp := range stashed {
		s.submit(resp)
	}

	return id, nil
}

// submit hands resp to the combiner, keeping it for later if the request
// is not tracked yet.
func (s *Server) submit(resp mint.PartialSigResponse) {
	_, err := s.combiner.Submit(resp)
	if err == nil {
		return
	}

	if !errors.Is(err, mint.ErrUnknownRequest) {
		logger.Debug("share not accepted", "peer", resp.Peer, "request", resp.Request, "error", err)
		return
	}

	s.earlyMu.Lock()
	defer s.earlyMu.Unlock()

	// tracked since the first attempt
	if _, err := s.combiner.Submit(resp); !errors.Is(err, mint.ErrUnknownRequest) {
		return
	}

	stashed, _ := s.early.Peek(resp.Request)
	if len(stashed) >= s.keys.Peers().Len() {
		return
	}

	s.early.Add(resp.Request, append(stashed, resp))
}

// send sequences one message and broadcasts it.
func (s *Server) send(kind types.MessageKind, payload []byte) {
	s.sendMu.Lock()

	id := s.seq.Next()
	data := wire.EncodeEnvelope(wire.Envelope{Sender: s.self, ID: id, Kind: kind, Payload: payload})
	s.outbox.push(data)

	if s.store != nil {
		if err := s.store.SaveCursor(s.self, id); err != nil {
			logger.Warn("save own sequence failed", "id", id, "error", err)
		}
	}

	s.sendMu.Unlock()

	s.metrics.MessageSent()

	// members that miss it get it from the outbox when they reconnect
	if err := s.transport.Broadcast(data); err != nil {
		logger.Debug("broadcast incomplete", "id", id, "kind", kind, "error", err)
	}
}

// resend replays the outbox to a member that just connected.
// The receiving queue drops what it already delivered.
func (s *Server) resend(p peer.ID) {
	frames := s.outbox.frames()

	for _, data := range frames {
		if err := s.transport.Send(p, data); err != nil {
			logger.Debug("replay interrupted", "peer", p, "error", err)
			return
		}
	}

	if len(frames) > 0 {
		logger.Debug("replayed outbox", "peer", p, "frames", len(frames))
	}
}

// onFaulty drops the connection of a member that overran its window and
// restarts its stream. The member replays its outbox on reconnection.
func (s *Server) onFaulty(p peer.ID) {
	logger.Warn("disconnecting faulty peer", "peer", p)

	s.transport.Disconnect(p)

	if err := s.queue.Reset(p); err != nil {
		logger.Error("reset stream failed", "peer", p, "error", err)
	}
}

// reject logs and counts a dropped message.
func (s *Server) reject(from peer.ID, reason string, err error) {
	logger.Warn("dropped peer message", "peer", from, "reason", reason, "error", err)
	s.metrics.MessageRejected(reason)
}
