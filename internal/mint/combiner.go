package mint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fedmint/internal/logger"
	"fedmint/internal/metrics"
	"fedmint/internal/peer"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

const (
	// DefaultTimeout is how long a request may collect shares.
	DefaultTimeout = 30 * time.Second

	// DefaultRetention is how long a finished request stays readable.
	DefaultRetention = 5 * time.Minute

	// DefaultSweepInterval is the interval between expiry sweeps.
	DefaultSweepInterval = time.Second
)

// State is the lifecycle state of a tracked request.
type State int

const (
	// StatePending means the request is still collecting shares.
	StatePending State = iota

	// StateCompleted means every token has a combined signature.
	StateCompleted

	// StateFailed means the request can no longer complete.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// CombinerConfig configures a Combiner. Zero durations select the defaults.
type CombinerConfig struct {
	Keys          *PublicKeySet    // Keys verifies shares and provides the threshold
	Scheme        tbs.Scheme       // Scheme verifies and combines shares
	CacheSize     int              // CacheSize bounds the verification cache
	Timeout       time.Duration    // Timeout is the per-request deadline
	Retention     time.Duration    // Retention keeps finished outcomes readable
	SweepInterval time.Duration    // SweepInterval paces the background expiry
	Now           func() time.Time // Now is the clock, time.Now if nil
	Metrics       *metrics.Metrics // Metrics may be nil
}

// Outcome is a snapshot of a tracked request.
type Outcome struct {
	Request  RequestID       // Request is the request id
	State    State           // State is the lifecycle state
	Response *SigResponse    // Response is set once completed
	Faults   MintShareErrors // Faults lists misbehaving peers so far
	Err      error           // Err is set once failed
}

// PartiallySignedRequest accumulates the shares of one request until it
// completes or fails. The accumulators are released once it finishes.
type PartiallySignedRequest struct {
	mu         sync.Mutex                       // mu protects every field below
	id         RequestID                        // id is the request id
	tokens     []TokenRef                       // tokens is the request flattened in tier order
	state      State                            // state is the lifecycle state
	deadline   time.Time                        // deadline is when a pending request fails
	finishedAt time.Time                        // finishedAt is when the request left pending
	seen       []map[peer.ID]tbs.SignatureShare // seen holds every share recorded per token
	valid      []map[peer.ID]tbs.SignatureShare // valid holds the verified shares per token
	excluded   map[peer.ID]struct{}             // excluded holds peers whose response was rejected whole
	answered   map[peer.ID]struct{}             // answered holds peers whose response was judged, kept after completion
	faults     MintShareErrors                  // faults holds the first fault of each peer
	result     *SigResponse                     // result is set once completed
	err        *CombineError                    // err is set once failed
	done       chan struct{}                    // done is closed when the request finishes
}

// Combiner collects partial signature responses from peers, verifies them
// and combines threshold shares into blind signatures. It is safe for
// concurrent use; verification runs without holding any request lock.
type Combiner struct {
	keys      *PublicKeySet      // keys holds the public key shares
	scheme    tbs.Scheme         // scheme verifies and combines
	cache     *VerificationCache // cache memoizes share verification
	threshold int                // threshold is the number of shares needed
	timeout   time.Duration      // timeout is the per-request deadline
	retention time.Duration      // retention keeps finished outcomes readable
	sweep     time.Duration      // sweep is the expiry interval
	now       func() time.Time   // now is the clock
	metrics   *metrics.Metrics   // metrics may be nil

	mu       sync.RWMutex                          // mu protects requests
	requests map[RequestID]*PartiallySignedRequest // requests holds tracked requests

	stop      chan struct{}  // stop signals the sweeper to exit
	wg        sync.WaitGroup // wg waits for the sweeper
	startOnce sync.Once      // startOnce guards Start
	closeOnce sync.Once      // closeOnce guards Close
}

// NewCombiner creates a Combiner. Call Start to expire requests in the background.
func NewCombiner(cfg CombinerConfig) (*Combiner, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("combiner needs a public key set")
	}

	if cfg.Scheme == nil {
		return nil, fmt.Errorf("combiner needs a signature scheme")
	}

	c := &Combiner{
		keys:      cfg.Keys,
		scheme:    cfg.Scheme,
		threshold: cfg.Keys.Threshold(),
		timeout:   orDefault(cfg.Timeout, DefaultTimeout),
		retention: orDefault(cfg.Retention, DefaultRetention),
		sweep:     orDefault(cfg.SweepInterval, DefaultSweepInterval),
		now:       cfg.Now,
		metrics:   cfg.Metrics,
		requests:  make(map[RequestID]*PartiallySignedRequest),
		stop:      make(chan struct{}),
	}

	if c.now == nil {
		c.now = time.Now
	}

	size := cfg.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}

	cache, err := NewVerificationCache(size, c.verifyShare, cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("verification cache:\n%w", err)
	}

	c.cache = cache

	return c, nil
}

// Cache returns the verification cache.
func (c *Combiner) Cache() *VerificationCache {
	return c.cache
}

// Track starts collecting shares for req. Tracking an already tracked
// request is a no-op and returns the same id.
func (c *Combiner) Track(req SignRequest) (RequestID, error) {
	if err := validateRequest(req, c.keys.Tiers(), c.scheme); err != nil {
		return RequestID{}, err
	}

	id := req.ID()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.requests[id]; ok {
		return id, nil
	}

	psr := &PartiallySignedRequest{
		id:       id,
		tokens:   make([]TokenRef, 0, req.Tokens.Len()),
		state:    StatePending,
		deadline: c.now().Add(c.timeout),
		excluded: make(map[peer.ID]struct{}),
		answered: make(map[peer.ID]struct{}),
		faults:   make(MintShareErrors),
		done:     make(chan struct{}),
	}

	_ = req.Tokens.Each(func(tier tiered.Amount, _ int, tok BlindToken) error {
		psr.tokens = append(psr.tokens, TokenRef{Tier: tier, Token: tok})
		return nil
	})

	psr.seen = make([]map[peer.ID]tbs.SignatureShare, len(psr.tokens))
	psr.valid = make([]map[peer.ID]tbs.SignatureShare, len(psr.tokens))

	for k := range psr.tokens {
		psr.seen[k] = make(map[peer.ID]tbs.SignatureShare)
		psr.valid[k] = make(map[peer.ID]tbs.SignatureShare)
	}

	c.requests[id] = psr
	c.metrics.RequestTracked()

	logger.Debug("tracking sign request", "request", id, "tokens", len(psr.tokens))

	return id, nil
}

// pendingShare is a share waiting for verification.
type pendingShare struct {
	slot  int                // slot is the flattened token index
	share tbs.SignatureShare // share is the submitted share
}

// Submit records one peer's partial response and returns the request state
// after processing it.
// Flow:
//  1. Under the request lock: check state, deadline and shape, pick new shares
//  2. Without any lock: verify the new shares through the cache
//  3. Under the request lock: record results, then complete or fail if decided
//
// Resubmitting an already recorded share is a no-op. A different share for a
// token the peer already answered is recorded as a Duplicate fault and ignored.
// A response arriving after completion is still checked so its faults are
// reported, but the result is not changed.
func (c *Combiner) Submit(resp PartialSigResponse) (State, error) {
	psr := c.lookup(resp.Request)
	if psr == nil {
		return StateFailed, &CombineError{Kind: CombineUnknownRequest, Request: resp.Request}
	}

	if !c.keys.Peers().Contains(resp.Peer) {
		return c.State(resp.Request), fmt.Errorf("peer %d is not a federation member", resp.Peer)
	}

	// Step 1: snapshot what needs verification
	psr.mu.Lock()

	if psr.state == StateCompleted {
		psr.mu.Unlock()
		return c.auditLate(psr, resp)
	}

	if psr.state != StatePending {
		state := psr.state
		psr.mu.Unlock()

		return state, nil
	}

	if c.expireLocked(psr) {
		psr.mu.Unlock()
		c.finished(psr)

		return StateFailed, nil
	}

	if _, out := psr.excluded[resp.Peer]; out {
		psr.mu.Unlock()
		return StatePending, nil
	}

	shares := flatten(resp.Shares)

	if len(shares) != len(psr.tokens) || !sameLayout(psr.tokens, resp.Shares) {
		c.faultLocked(psr, resp.Peer, PeerErrWrongTier)
		psr.excluded[resp.Peer] = struct{}{}
		psr.answered[resp.Peer] = struct{}{}

		c.decideLocked(psr)
		state := psr.state
		psr.mu.Unlock()

		if state != StatePending {
			c.finished(psr)
		}

		return state, &CombineError{
			Kind:    CombineTierShapeMismatch,
			Request: resp.Request,
			Detail:  fmt.Sprintf("peer %d answered with a different tier layout", resp.Peer),
		}
	}

	var pending []pendingShare

	for k, share := range shares {
		if prev, ok := psr.seen[k][resp.Peer]; ok {
			if prev != share {
				c.faultLocked(psr, resp.Peer, PeerErrDuplicate)
			}

			continue
		}

		pending = append(pending, pendingShare{slot: k, share: share})
	}

	tokens := psr.tokens
	psr.mu.Unlock()

	if len(pending) == 0 {
		return c.State(resp.Request), nil
	}

	// Step 2: verify outside the lock
	results := make([]bool, len(pending))
	for i, p := range pending {
		results[i] = c.cache.VerifyOrCached(resp.Request, resp.Peer, tokens[p.slot], p.share)
	}

	// Step 3: apply results
	psr.mu.Lock()

	if psr.state == StateCompleted {
		c.judgeLateLocked(psr, resp.Peer, !allTrue(results), PeerErrInvalidSignature)
	}

	if psr.state != StatePending {
		state := psr.state
		psr.mu.Unlock()

		return state, nil
	}

	for i, p := range pending {
		// a concurrent submit of the same response may have won the race
		if prev, ok := psr.seen[p.slot][resp.Peer]; ok {
			if prev != p.share {
				c.faultLocked(psr, resp.Peer, PeerErrDuplicate)
			}

			continue
		}

		psr.seen[p.slot][resp.Peer] = p.share
		psr.answered[resp.Peer] = struct{}{}

		if results[i] {
			psr.valid[p.slot][resp.Peer] = p.share
			c.metrics.ShareAccepted()
		} else {
			c.faultLocked(psr, resp.Peer, PeerErrInvalidSignature)
		}
	}

	c.decideLocked(psr)
	state := psr.state
	psr.mu.Unlock()

	if state != StatePending {
		c.finished(psr)
	}

	return state, nil
}

// ReportMalformed records that peer sent an undecodable response for request.
// The peer is excluded from the request.
func (c *Combiner) ReportMalformed(request RequestID, p peer.ID) {
	psr := c.lookup(request)
	if psr == nil || !c.keys.Peers().Contains(p) {
		return
	}

	psr.mu.Lock()

	if psr.state == StateCompleted {
		c.judgeLateLocked(psr, p, true, PeerErrMalformed)
	}

	if psr.state != StatePending {
		psr.mu.Unlock()
		return
	}

	c.faultLocked(psr, p, PeerErrMalformed)
	psr.excluded[p] = struct{}{}
	psr.answered[p] = struct{}{}
	c.decideLocked(psr)

	state := psr.state
	psr.mu.Unlock()

	if state != StatePending {
		c.finished(psr)
	}
}

// auditLate verifies a response to an already completed request. Each peer
// is judged once. The combined result stays as it is.
func (c *Combiner) auditLate(psr *PartiallySignedRequest, resp PartialSigResponse) (State, error) {
	psr.mu.Lock()

	if _, ok := psr.answered[resp.Peer]; ok {
		psr.mu.Unlock()
		return StateCompleted, nil
	}

	tokens := psr.tokens
	psr.mu.Unlock()

	shares := flatten(resp.Shares)

	if len(shares) != len(tokens) || !sameLayout(tokens, resp.Shares) {
		psr.mu.Lock()
		c.judgeLateLocked(psr, resp.Peer, true, PeerErrWrongTier)
		psr.mu.Unlock()

		return StateCompleted, &CombineError{
			Kind:    CombineTierShapeMismatch,
			Request: resp.Request,
			Detail:  fmt.Sprintf("peer %d answered with a different tier layout", resp.Peer),
		}
	}

	// the session left the cache when the request completed
	faulty := false

	for k, share := range shares {
		if !c.verifyShare(resp.Peer, tokens[k], share) {
			faulty = true
			break
		}
	}

	psr.mu.Lock()
	c.judgeLateLocked(psr, resp.Peer, faulty, PeerErrInvalidSignature)
	psr.mu.Unlock()

	return StateCompleted, nil
}

// judgeLateLocked marks p as answered after completion and records t if faulty.
// A peer already judged is left as it is.
func (c *Combiner) judgeLateLocked(psr *PartiallySignedRequest, p peer.ID, faulty bool, t PeerErrorType) {
	if _, ok := psr.answered[p]; ok {
		return
	}

	psr.answered[p] = struct{}{}

	if faulty {
		c.faultLocked(psr, p, t)
	}
}

// State returns the current state of request, or StateFailed if unknown.
func (c *Combiner) State(request RequestID) State {
	return c.Outcome(request).State
}

// Result returns the combined signatures of a completed request.
// It returns ErrPending while shares are still being collected and the
// failure reason once the request failed.
func (c *Combiner) Result(request RequestID) (*SigResponse, error) {
	return c.Outcome(request).result()
}

// Outcome returns a snapshot of request.
func (c *Combiner) Outcome(request RequestID) Outcome {
	psr := c.lookup(request)
	if psr == nil {
		return Outcome{
			Request: request,
			State:   StateFailed,
			Err:     &CombineError{Kind: CombineUnknownRequest, Request: request},
		}
	}

	return c.snapshot(psr)
}

// snapshot copies the visible state of psr, expiring it first if due.
func (c *Combiner) snapshot(psr *PartiallySignedRequest) Outcome {
	psr.mu.Lock()

	expired := c.expireLocked(psr)

	o := Outcome{
		Request:  psr.id,
		State:    psr.state,
		Response: psr.result,
		Faults:   psr.faults.clone(),
	}

	if psr.err != nil {
		o.Err = psr.err
	}

	psr.mu.Unlock()

	if expired {
		c.finished(psr)
	}

	return o
}

// result converts the outcome into the Result return values.
func (o Outcome) result() (*SigResponse, error) {
	switch o.State {
	case StateCompleted:
		return o.Response, nil
	case StatePending:
		return nil, &CombineError{Kind: CombinePending, Request: o.Request, Faults: o.Faults}
	default:
		return nil, o.Err
	}
}

// Wait blocks until request finishes or ctx is done.
func (c *Combiner) Wait(ctx context.Context, request RequestID) (*SigResponse, error) {
	psr := c.lookup(request)
	if psr == nil {
		return nil, &CombineError{Kind: CombineUnknownRequest, Request: request}
	}

	psr.mu.Lock()
	remaining := psr.deadline.Sub(c.now())
	psr.mu.Unlock()

	timer := time.NewTimer(max(remaining, 0))
	defer timer.Stop()

	select {
	case <-psr.done:
	case <-timer.C:
		// wall-clock deadline reached, let Outcome expire it
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// read psr directly, a cancelled request is no longer tracked
	return c.snapshot(psr).result()
}

// Cancel invalidates request, releasing its accumulator and cached
// verification results. Waiters receive ErrCancelled.
func (c *Combiner) Cancel(request RequestID) error {
	c.mu.Lock()
	psr, ok := c.requests[request]
	delete(c.requests, request)
	c.mu.Unlock()

	if !ok {
		return &CombineError{Kind: CombineUnknownRequest, Request: request}
	}

	psr.mu.Lock()
	wasPending := psr.state == StatePending

	if wasPending {
		c.failLocked(psr, CombineCancelled, "cancelled")
	}

	psr.mu.Unlock()

	if wasPending {
		c.finished(psr)
	} else {
		c.cache.EvictSession(request)
	}

	return nil
}

// Expire fails pending requests past their deadline and forgets finished
// requests past the retention window. It returns the number of requests
// that failed in this call.
func (c *Combiner) Expire() int {
	now := c.now()

	c.mu.RLock()
	list := make([]*PartiallySignedRequest, 0, len(c.requests))
	for _, psr := range c.requests {
		list = append(list, psr)
	}
	c.mu.RUnlock()

	var failed []*PartiallySignedRequest
	var stale []RequestID

	for _, psr := range list {
		psr.mu.Lock()

		switch {
		case c.expireLocked(psr):
			failed = append(failed, psr)
		case psr.state != StatePending && now.Sub(psr.finishedAt) >= c.retention:
			stale = append(stale, psr.id)
		}

		psr.mu.Unlock()
	}

	for _, psr := range failed {
		c.finished(psr)
	}

	if len(stale) > 0 {
		c.mu.Lock()
		for _, id := range stale {
			delete(c.requests, id)
		}
		c.mu.Unlock()
	}

	return len(failed)
}

// Len returns the number of tracked requests, finished ones included.
func (c *Combiner) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.requests)
}

// Start launches the background expiry loop.
func (c *Combiner) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)

		go func() {
			defer c.wg.Done()

			ticker := time.NewTicker(c.sweep)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					c.Expire()
				case <-c.stop:
					return
				}
			}
		}()
	})
}

// Close stops the background expiry loop.
func (c *Combiner) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
}

// lookup returns the tracked request or nil.
func (c *Combiner) lookup(request RequestID) *PartiallySignedRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.requests[request]
}

// verifyShare is the VerifyFunc backing the cache.
func (c *Combiner) verifyShare(p peer.ID, ref TokenRef, share tbs.SignatureShare) bool {
	pk, ok := c.keys.Share(ref.Tier, p)
	if !ok {
		return false
	}

	return c.scheme.VerifyShare(pk, tbs.BlindedMessage(ref.Token), share)
}

// faultLocked records the first fault of a peer.
func (c *Combiner) faultLocked(psr *PartiallySignedRequest, p peer.ID, t PeerErrorType) {
	c.metrics.ShareRejected(t.String())

	if _, ok := psr.faults[p]; ok {
		return
	}

	psr.faults[p] = t

	logger.Warn("faulty share response", "request", psr.id, "peer", p, "reason", t)
}

// expireLocked fails psr if its deadline passed. It reports whether it did.
func (c *Combiner) expireLocked(psr *PartiallySignedRequest) bool {
	if psr.state != StatePending || c.now().Before(psr.deadline) {
		return false
	}

	c.failLocked(psr, CombineExpired, "deadline passed before threshold was reached")

	return true
}

// decideLocked completes psr once every token has threshold valid shares,
// or fails it once some token can no longer reach the threshold.
func (c *Combiner) decideLocked(psr *PartiallySignedRequest) {
	complete := true

	for k := range psr.tokens {
		if len(psr.valid[k]) >= c.threshold {
			continue
		}

		complete = false

		if c.reachableLocked(psr, k) < c.threshold {
			c.failLocked(psr, CombineInsufficientShares,
				fmt.Sprintf("token %d can reach at most %d of %d shares", k, c.reachableLocked(psr, k), c.threshold))
			return
		}
	}

	if complete {
		c.completeLocked(psr)
	}
}

// reachableLocked counts valid shares of token k plus peers that may still answer it.
func (c *Combiner) reachableLocked(psr *PartiallySignedRequest, k int) int {
	n := len(psr.valid[k])

	for _, p := range c.keys.Peers() {
		if _, answered := psr.seen[k][p]; answered {
			continue
		}

		if _, out := psr.excluded[p]; out {
			continue
		}

		n++
	}

	return n
}

// completeLocked combines the valid shares of every token.
func (c *Combiner) completeLocked(psr *PartiallySignedRequest) {
	resp := &SigResponse{
		Request:    psr.id,
		Signatures: make(tiered.Multi[tbs.BlindSignature]),
	}

	for k, ref := range psr.tokens {
		sig, err := c.scheme.Combine(psr.valid[k], c.threshold)
		if err != nil {
			c.failLocked(psr, CombineInsufficientShares, fmt.Sprintf("combine token %d: %v", k, err))
			return
		}

		resp.Signatures.Add(ref.Tier, sig)
	}

	psr.state = StateCompleted
	psr.result = resp
	c.releaseLocked(psr)
}

// failLocked moves psr to Failed.
func (c *Combiner) failLocked(psr *PartiallySignedRequest, kind CombineErrorKind, detail string) {
	psr.state = StateFailed
	psr.err = &CombineError{
		Kind:    kind,
		Request: psr.id,
		Detail:  detail,
		Faults:  psr.faults.clone(),
	}

	c.releaseLocked(psr)
}

// releaseLocked drops the accumulators of a finished request and wakes waiters.
func (c *Combiner) releaseLocked(psr *PartiallySignedRequest) {
	psr.finishedAt = c.now()
	psr.seen = nil
	psr.valid = nil
	psr.excluded = nil

	close(psr.done)
}

// finished runs the unlocked bookkeeping after psr left Pending.
func (c *Combiner) finished(psr *PartiallySignedRequest) {
	c.cache.EvictSession(psr.id)

	psr.mu.Lock()
	state := psr.state
	err := psr.err
	psr.mu.Unlock()

	c.metrics.RequestFinished(state.String())

	if err != nil {
		logger.Info("sign request failed", "request", psr.id, "reason", err.Kind, "faults", err.Faults.String())
	} else {
		logger.Debug("sign request completed", "request", psr.id)
	}
}

// flatten lists the values of m in tier order.
func flatten[T any](m tiered.Multi[T]) []T {
	out := make([]T, 0, m.Len())

	_ = m.Each(func(_ tiered.Amount, _ int, v T) error {
		out = append(out, v)
		return nil
	})

	return out
}

// sameLayout reports whether shares follow the tier layout of tokens.
func sameLayout(tokens []TokenRef, shares tiered.Multi[tbs.SignatureShare]) bool {
	counts := make(tiered.Counts)
	for _, ref := range tokens {
		counts[ref.Tier]++
	}

	return counts.Equal(shares.Counts())
}

// allTrue reports whether every entry of v is true.
func allTrue(v []bool) bool {
	for _, ok := range v {
		if !ok {
			return false
		}
	}

	return true
}

// orDefault returns d if v is zero.
func orDefault(v, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}

	return v
}
