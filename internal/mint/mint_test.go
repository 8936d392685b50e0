package mint

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fedmint/internal/peer"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

// testTiers are the denominations used across the mint tests.
var testTiers = tiered.Tiers{1, 2, 4}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// federation is a deterministic n-peer setup with threshold 2f+1.
type federation struct {
	keys    map[peer.ID]*TieredKeySet
	issuers map[peer.ID]*Issuer
	public  *PublicKeySet
}

func newFederation(t testing.TB, n int) *federation {
	t.Helper()

	dealings := make(tiered.Tiered[*tbs.Dealing], len(testTiers))

	for _, tier := range testTiers {
		d, err := tbs.Deal(peer.Threshold(n), peer.Range(n), tbs.SeedReader([]byte(fmt.Sprintf("tier-%d", tier))))
		if err != nil {
			t.Fatalf("deal tier %d: %v", tier, err)
		}

		dealings[tier] = d
	}

	keys, err := KeySetsFromDealings(dealings)
	if err != nil {
		t.Fatalf("key sets: %v", err)
	}

	f := &federation{
		keys:    keys,
		issuers: make(map[peer.ID]*Issuer, n),
		public:  keys[0].PublicKeySet(),
	}

	for id, ks := range keys {
		f.issuers[id] = NewIssuer(ks, tbs.BLS{})
	}

	return f
}

func (f *federation) sign(t *testing.T, id peer.ID, req SignRequest) PartialSigResponse {
	t.Helper()

	resp, err := f.issuers[id].Sign(req)
	if err != nil {
		t.Fatalf("peer %d sign: %v", id, err)
	}

	return resp
}

func (f *federation) combiner(t *testing.T, clock *fakeClock) *Combiner {
	t.Helper()

	c, err := NewCombiner(CombinerConfig{
		Keys:      f.public,
		Scheme:    tbs.BLS{},
		Timeout:   10 * time.Second,
		Retention: time.Minute,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new combiner: %v", err)
	}

	return c
}

func prepare(t *testing.T, amount tiered.Amount) *PendingIssuance {
	t.Helper()

	p, err := PrepareIssuance(amount, testTiers)
	if err != nil {
		t.Fatalf("prepare issuance: %v", err)
	}

	return p
}

// TestIssuerSign tests that a valid request yields one share per token.
func TestIssuerSign(t *testing.T) {
	f := newFederation(t, 4)
	p := prepare(t, 7)

	resp := f.sign(t, 2, p.Request)

	if resp.Peer != 2 {
		t.Errorf("peer: got %d, want 2", resp.Peer)
	}

	if resp.Request != p.Request.ID() {
		t.Error("response references another request")
	}

	if !tiered.SameShape(p.Request.Tokens, resp.Shares) {
		t.Errorf("shape: got %v, want %v", resp.Shares.Counts(), p.Request.Tokens.Counts())
	}

	var scheme tbs.BLS

	err := p.Request.Tokens.Each(func(tier tiered.Amount, idx int, tok BlindToken) error {
		pk, _ := f.public.Share(tier, 2)
		if !scheme.VerifyShare(pk, tbs.BlindedMessage(tok), resp.Shares[tier][idx]) {
			return fmt.Errorf("share %d/%d does not verify", tier, idx)
		}

		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

// TestIssuerRejects tests every request validation failure.
func TestIssuerRejects(t *testing.T) {
	f := newFederation(t, 4)
	issuer := f.issuers[0]

	valid := prepare(t, 3).Request
	tok := valid.Tokens[1][0]

	var malformed BlindToken

	tests := []struct {
		name string
		req  SignRequest
		want error
	}{
		{
			name: "empty",
			req:  SignRequest{Amount: 0, Tokens: tiered.Multi[BlindToken]{}},
			want: ErrEmptyRequest,
		},
		{
			name: "unknown tier",
			req:  SignRequest{Amount: 8, Tokens: tiered.Multi[BlindToken]{8: {tok}}},
			want: ErrUnknownTier,
		},
		{
			name: "malformed token",
			req:  SignRequest{Amount: 1, Tokens: tiered.Multi[BlindToken]{1: {malformed}}},
			want: ErrMalformedToken,
		},
		{
			name: "decomposition mismatch",
			req:  SignRequest{Amount: 2, Tokens: tiered.Multi[BlindToken]{1: {tok}}},
			want: ErrDecompositionMismatch,
		},
		{
			name: "not the canonical decomposition",
			req:  SignRequest{Amount: 2, Tokens: tiered.Multi[BlindToken]{1: {tok, valid.Tokens[2][0]}}},
			want: ErrDecompositionMismatch,
		},
		{
			name: "duplicate token",
			req:  SignRequest{Amount: 3, Tokens: tiered.Multi[BlindToken]{1: {tok}, 2: {tok}}},
			want: ErrDuplicateToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Sign(tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

// brokenSigner is a scheme whose signer always fails.
type brokenSigner struct {
	tbs.BLS
}

func (brokenSigner) SignShare(tbs.SecretKey, tbs.BlindedMessage) (tbs.SignatureShare, error) {
	return tbs.SignatureShare{}, errors.New("signer unavailable")
}

// TestIssuerInternalError tests that a local signing failure is not blamed on the request.
func TestIssuerInternalError(t *testing.T) {
	f := newFederation(t, 4)
	issuer := NewIssuer(f.keys[1], brokenSigner{})

	_, err := issuer.Sign(prepare(t, 5).Request)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("got %v, want an internal error", err)
	}

	if errors.Is(err, ErrMalformedToken) {
		t.Error("internal failure reported as a malformed token")
	}
}

// TestCombinerCompletesWithFaultyPeer tests N=4, T=3 with one peer sending bad shares.
func TestCombinerCompletesWithFaultyPeer(t *testing.T) {
	f := newFederation(t, 4)
	c := f.combiner(t, newFakeClock())
	p := prepare(t, 7)

	id, err := c.Track(p.Request)
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	// peer 3 replays peer 0's shares under its own id
	forged := f.sign(t, 0, p.Request)
	forged.Peer = 3

	steps := []struct {
		resp PartialSigResponse
		want State
	}{
		{forged, StatePending},
		{f.sign(t, 0, p.Request), StatePending},
		{f.sign(t, 1, p.Request), StatePending},
		{f.sign(t, 2, p.Request), StateCompleted},
	}

	for i, step := range steps {
		state, err := c.Submit(step.resp)
		if err != nil {
			t.Fatalf("step %d: submit: %v", i, err)
		}

		if state != step.want {
			t.Fatalf("step %d: state %s, want %s", i, state, step.want)
		}
	}

	o := c.Outcome(id)
	if o.Faults[3] != PeerErrInvalidSignature || len(o.Faults) != 1 {
		t.Errorf("faults: got %v, want 3=invalid_signature", o.Faults)
	}

	resp, err := c.Result(id)
	if err != nil {
		t.Fatalf("result: %v", err)
	}

	coins, err := p.Finalize(resp, f.public)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	var total tiered.Amount
	for _, coin := range coins {
		total += coin.Tier
	}

	if total != 7 {
		t.Errorf("coin total: got %d, want 7", total)
	}

	if c.Cache().Sessions() != 0 {
		t.Error("cache entries should be dropped once the request completes")
	}
}

// TestCombinerFaultsIndependentOfOrder tests that the faulty peer is reported
// whether its shares arrive before or after the honest quorum.
func TestCombinerFaultsIndependentOfOrder(t *testing.T) {
	f := newFederation(t, 4)
	p := prepare(t, 7)

	forged := f.sign(t, 0, p.Request)
	forged.Peer = 3

	honest := []PartialSigResponse{
		f.sign(t, 0, p.Request),
		f.sign(t, 1, p.Request),
		f.sign(t, 2, p.Request),
	}

	orders := map[string][]PartialSigResponse{
		"faulty first":  {forged, honest[0], honest[1], honest[2]},
		"faulty middle": {honest[0], forged, honest[1], honest[2]},
		"faulty last":   {honest[0], honest[1], honest[2], forged},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			c := f.combiner(t, newFakeClock())

			id, err := c.Track(p.Request)
			if err != nil {
				t.Fatalf("track: %v", err)
			}

			for i, resp := range order {
				if _, err := c.Submit(resp); err != nil {
					t.Fatalf("submit %d: %v", i, err)
				}
			}

			o := c.Outcome(id)
			if o.State != StateCompleted {
				t.Fatalf("state: got %s, want completed", o.State)
			}

			if len(o.Faults) != 1 || o.Faults[3] != PeerErrInvalidSignature {
				t.Errorf("faults: got %v, want 3=invalid_signature", o.Faults)
			}

			// an honest resubmission after completion is not a fault
			if state, err := c.Submit(honest[0]); err != nil || state != StateCompleted {
				t.Errorf("resubmit: got %s %v, want completed", state, err)
			}

			if len(c.Outcome(id).Faults) != 1 {
				t.Errorf("faults after resubmit: got %v", c.Outcome(id).Faults)
			}

			if _, err := p.Finalize(o.Response, f.public); err != nil {
				t.Errorf("finalize: %v", err)
			}

			if c.Cache().Sessions() != 0 {
				t.Error("late checks should not repopulate the cache")
			}
		})
	}
}

// TestCombinerLateMalformed tests that a malformed report after completion is recorded.
func TestCombinerLateMalformed(t *testing.T) {
	f := newFederation(t, 4)
	c := f.combiner(t, newFakeClock())
	p := prepare(t, 3)

	id, err := c.Track(p.Request)
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	for _, peerID := range []peer.ID{0, 1, 2} {
		if _, err := c.Submit(f.sign(t, peerID, p.Request)); err != nil {
			t.Fatalf("submit %d: %v", peerID, err)
		}
	}

	c.ReportMalformed(id, 3)
	c.ReportMalformed(id, 1)

	o := c.Outcome(id)
	if o.State != StateCompleted {
		t.Fatalf("state: got %s, want completed", o.State)
	}

	if len(o.Faults) != 1 || o.Faults[3] != PeerErrMalformed {
		t.Errorf("faults: got %v, want 3=malformed", o.Faults)
	}
}

// TestCombinerExpires tests that a request with only two answers fails at the deadline.
func TestCombinerExpires(t *testing.T) {
	f := newFederation(t, 4)
	clock := newFakeClock()
	c := f.combiner(t, clock)
	p := prepare(t, 5)

	id, _ := c.Track(p.Request)

	for _, peerID := range []peer.ID{0, 1} {
		if state, _ := c.Submit(f.sign(t, peerID, p.Request)); state != StatePending {
			t.Fatalf("peer %d: state %s, want pending", peerID, state)
		}
	}

	if _, err := c.Result(id); !errors.Is(err, ErrPending) {
		t.Fatalf("result before deadline: got %v, want pending", err)
	}

	if n := c.Expire(); n != 0 {
		t.Fatalf("expired %d requests before the deadline", n)
	}

	clock.Advance(11 * time.Second)

	if n := c.Expire(); n != 1 {
		t.Fatalf("expired %d requests, want 1", n)
	}

	_, err := c.Result(id)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("result: got %v, want expired", err)
	}

	if errors.Is(err, ErrInsufficientShares) {
		t.Error("a deadline failure should not match insufficient shares")
	}

	// a late answer does not revive the request
	if state, _ := c.Submit(f.sign(t, 2, p.Request)); state != StateFailed {
		t.Errorf("late submit: state %s, want failed", state)
	}

	clock.Advance(2 * time.Minute)
	c.Expire()

	if c.Len() != 0 {
		t.Errorf("finished request should be forgotten after retention, %d left", c.Len())
	}
}

// TestCombinerFailsEarly tests that two faulty peers out of four fail the request at once.
func TestCombinerFailsEarly(t *testing.T) {
	f := newFederation(t, 4)
	c := f.combiner(t, newFakeClock())
	p := prepare(t, 1)

	id, _ := c.Track(p.Request)

	good := f.sign(t, 0, p.Request)

	for _, liar := range []peer.ID{2, 3} {
		forged := good
		forged.Peer = liar
		c.Submit(forged)
	}

	o := c.Outcome(id)
	if o.State != StateFailed {
		t.Fatalf("state: got %s, want failed", o.State)
	}

	if !errors.Is(o.Err, ErrInsufficientShares) {
		t.Errorf("error: got %v, want insufficient shares", o.Err)
	}

	var ce *CombineError
	if !errors.As(o.Err, &ce) || len(ce.Faults) != 2 {
		t.Errorf("error should carry both faults, got %v", o.Err)
	}
}

// TestCombinerIdempotentSubmit tests that resubmitting the same response changes nothing.
func TestCombinerIdempotentSubmit(t *testing.T) {
	f := newFederation(t, 4)
	c := f.combiner(t, newFakeClock())
	p := prepare(t, 6)

	id, _ := c.Track(p.Request)
	resp := f.sign(t, 1, p.Request)

	c.Submit(resp)
	before := c.Cache().Len()

	for i := 0; i < 3; i++ {
		if state, err := c.Submit(resp); err != nil || state != StatePending {
			t.Fatalf("resubmit %d: state %s err %v", i, state, err)
		}
	}

	if c.Cache().Len() != before {
		t.Errorf("cache grew on resubmission: %d -> %d", before, c.Cache().Len())
	}

	if o := c.Outcome(id); len(o.Faults) != 0 {
		t.Errorf("identical resubmission recorded faults: %v", o.Faults)
	}

	// tracking the same request again is a no-op
	again, err := c.Track(p.Request)
	if err != nil || again != id {
		t.Errorf("retrack: got %s %v, want %s", again, err, id)
	}
}

// TestCombinerConflictingShare tests that a peer changing its answer is flagged.
func TestCombinerConflictingShare(t *testing.T) {
	f := newFederation(t, 4)
	c := f.combiner(t, newFakeClock())
	p := prepare(t, 1)

	id, _ := c.Track(p.Request)

	first := f.sign(t, 0, p.Request)
	c.Submit(first)

	second := PartialSigResponse{
		Peer:    0,
		Request: id,
		Shares:  tiered.Multi[tbs.SignatureShare]{1: {f.sign(t, 1, p.Request).Shares[1][0]}},
	}
	c.Submit(second)

	if o := c.Outcome(id); o.Faults[0] != PeerErrDuplicate {
		t.Errorf("faults: got %v, want 0=duplicate", o.Faults)
	}

	// the first valid share still counts
	c.Submit(f.sign(t, 1, p.Request))

	if state, _ := c.Submit(f.sign(t, 2, p.Request)); state != StateCompleted {
		t.Errorf("state: got %s, want completed", state)
	}
}

// TestCombinerShapeMismatch tests that a response with another tier layout is rejected.
func TestCombinerShapeMismatch(t *testing.T) {
	f := newFederation(t, 4)
	c := f.combiner(t, newFakeClock())
	p := prepare(t, 3)

	id, _ := c.Track(p.Request)

	resp := f.sign(t, 1, p.Request)
	resp.Shares[4] = []tbs.SignatureShare{resp.Shares[1][0]}

	_, err := c.Submit(resp)
	if !errors.Is(err, ErrTierShapeMismatch) {
		t.Fatalf("submit: got %v, want tier shape mismatch", err)
	}

	if o := c.Outcome(id); o.Faults[1] != PeerErrWrongTier {
		t.Errorf("faults: got %v, want 1=wrong_tier", o.Faults)
	}

	// the other three peers still complete the request
	for _, peerID := range []peer.ID{0, 2} {
		c.Submit(f.sign(t, peerID, p.Request))
	}

	if state, _ := c.Submit(f.sign(t, 3, p.Request)); state != StateCompleted {
		t.Errorf("state: got %s, want completed", state)
	}
}

// TestCombinerCancel tests that cancelling wakes waiters and forgets the request.
func TestCombinerCancel(t *testing.T) {
	f := newFederation(t, 4)
	c := f.combiner(t, newFakeClock())
	p := prepare(t, 2)

	id, _ := c.Track(p.Request)
	c.Submit(f.sign(t, 0, p.Request))

	errc := make(chan error, 1)

	go func() {
		_, err := c.Wait(t.Context(), id)
		errc <- err
	}()

	if err := c.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrUnknownRequest) {
			t.Errorf("wait: got %v, want cancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}

	if _, err := c.Result(id); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("result after cancel: got %v, want unknown request", err)
	}

	if c.Cache().Sessions() != 0 {
		t.Error("cancel should drop cached verification results")
	}

	if err := c.Cancel(id); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("second cancel: got %v, want unknown request", err)
	}
}

// TestCombinerUnknownRequest tests submitting for a request that was never tracked.
func TestCombinerUnknownRequest(t *testing.T) {
	f := newFederation(t, 4)
	c := f.combiner(t, newFakeClock())
	p := prepare(t, 1)

	if _, err := c.Submit(f.sign(t, 0, p.Request)); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("got %v, want unknown request", err)
	}
}

// TestCombinerConcurrentSubmit tests racing submissions from every peer.
func TestCombinerConcurrentSubmit(t *testing.T) {
	f := newFederation(t, 4)
	c := f.combiner(t, newFakeClock())
	p := prepare(t, 7)

	id, _ := c.Track(p.Request)

	responses := make([]PartialSigResponse, 0, 4)
	for _, peerID := range peer.Range(4) {
		responses = append(responses, f.sign(t, peerID, p.Request))
	}

	var wg sync.WaitGroup

	for round := 0; round < 3; round++ {
		for _, resp := range responses {
			wg.Add(1)

			go func(r PartialSigResponse) {
				defer wg.Done()
				c.Submit(r)
			}(resp)
		}
	}

	wg.Wait()

	resp, err := c.Wait(t.Context(), id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if _, err := p.Finalize(resp, f.public); err != nil {
		t.Errorf("finalize: %v", err)
	}

	if o := c.Outcome(id); len(o.Faults) != 0 {
		t.Errorf("honest peers recorded as faulty: %v", o.Faults)
	}
}
