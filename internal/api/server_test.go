package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fedmint/internal/mint"
	"fedmint/internal/peer"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
	"fedmint/internal/wire"
)

// localIssuer signs with every member in process.
type localIssuer struct {
	issuers  []*mint.Issuer
	combiner *mint.Combiner
	err      error
}

func (l *localIssuer) Issue(_ context.Context, req mint.SignRequest) (*mint.SigResponse, error) {
	if l.err != nil {
		return nil, l.err
	}

	id, err := l.combiner.Track(req)
	if err != nil {
		return nil, err
	}

	for _, is := range l.issuers {
		resp, err := is.Sign(req)
		if err != nil {
			return nil, err
		}

		if _, err := l.combiner.Submit(resp); err != nil {
			return nil, err
		}
	}

	return l.combiner.Result(id)
}

// newTestServer creates a server backed by a four member federation.
func newTestServer(t *testing.T) (*Server, *localIssuer, *mint.PublicKeySet) {
	t.Helper()

	dealings := make(tiered.Tiered[*tbs.Dealing])
	for _, tier := range []tiered.Amount{1, 2, 4, 8} {
		d, err := tbs.Deal(3, peer.Range(4), tbs.SeedReader([]byte(fmt.Sprintf("api-%d", tier))))
		if err != nil {
			t.Fatalf("deal: %v", err)
		}

		dealings[tier] = d
	}

	keys, err := mint.KeySetsFromDealings(dealings)
	if err != nil {
		t.Fatalf("key sets: %v", err)
	}

	pks := keys[0].PublicKeySet()

	combiner, err := mint.NewCombiner(mint.CombinerConfig{Keys: pks, Scheme: tbs.BLS{}})
	if err != nil {
		t.Fatalf("combiner: %v", err)
	}

	issuer := &localIssuer{combiner: combiner}
	for id := peer.ID(0); id < 4; id++ {
		issuer.issuers = append(issuer.issuers, mint.NewIssuer(keys[id], tbs.BLS{}))
	}

	server := New(Config{
		Addr:   ":0",
		Issuer: issuer,
		Keys:   pks,
		Status: func() Status { return Status{Peer: 0, Connected: 3, Pending: 1} },
	})

	return server, issuer, pks
}

// do runs one request against the router.
func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

// TestSignAndVerify tests the full client flow: blind, sign, finalize, verify.
func TestSignAndVerify(t *testing.T) {
	s, _, pks := newTestServer(t)

	pending, err := mint.PrepareIssuance(11, pks.Tiers())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	w := do(t, s, "POST", "/v1/sign", wire.EncodeSignRequest(pending.Request))
	if w.Code != http.StatusOK {
		t.Fatalf("sign: status %d: %s", w.Code, w.Body.String())
	}

	var out SignResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse sign response: %v", err)
	}

	id := pending.Request.ID()
	if out.Request != hex.EncodeToString(id[:]) {
		t.Fatalf("request id: got %s", out.Request)
	}

	resp, err := out.SigResponse()
	if err != nil {
		t.Fatalf("convert sign response: %v", err)
	}

	coins, err := pending.Finalize(resp, pks)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	plain := make([]mint.Coin, len(coins))
	for i, c := range coins {
		plain[i] = c.Coin
	}

	// claim a tier the last coin was not signed for
	plain[2].Tier *= 2

	encoded, err := mint.EncodeCoins(plain)
	if err != nil {
		t.Fatalf("encode coins: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"coins": encoded})

	w = do(t, s, "POST", "/v1/verify", body)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: status %d: %s", w.Code, w.Body.String())
	}

	var verdict VerifyResponse

	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("parse verify response: %v", err)
	}

	if len(verdict.Valid) != 3 || verdict.Valid[2] || !verdict.Valid[0] || !verdict.Valid[1] {
		t.Errorf("valid: got %v, want [true true false]", verdict.Valid)
	}

	if verdict.Total != 11-uint64(coins[2].Tier) {
		t.Errorf("total: got %d", verdict.Total)
	}
}

// TestVerifyCountsCoinOnce tests that a coin repeated in a bundle adds its tier once.
func TestVerifyCountsCoinOnce(t *testing.T) {
	s, _, pks := newTestServer(t)

	pending, err := mint.PrepareIssuance(5, pks.Tiers())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	w := do(t, s, "POST", "/v1/sign", wire.EncodeSignRequest(pending.Request))
	if w.Code != http.StatusOK {
		t.Fatalf("sign: status %d: %s", w.Code, w.Body.String())
	}

	var out SignResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse sign response: %v", err)
	}

	resp, err := out.SigResponse()
	if err != nil {
		t.Fatalf("convert sign response: %v", err)
	}

	coins, err := pending.Finalize(resp, pks)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	bundle := []mint.Coin{coins[0].Coin, coins[1].Coin, coins[0].Coin}

	encoded, err := mint.EncodeCoins(bundle)
	if err != nil {
		t.Fatalf("encode coins: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"coins": encoded})

	w = do(t, s, "POST", "/v1/verify", body)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: status %d: %s", w.Code, w.Body.String())
	}

	var verdict VerifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("parse verify response: %v", err)
	}

	if len(verdict.Valid) != 3 || !verdict.Valid[0] || !verdict.Valid[1] || !verdict.Valid[2] {
		t.Errorf("valid: got %v, want [true true true]", verdict.Valid)
	}

	if verdict.Total != 5 {
		t.Errorf("total: got %d, want 5", verdict.Total)
	}
}

// TestSignRejects tests the status codes of failed issuance.
func TestSignRejects(t *testing.T) {
	s, issuer, pks := newTestServer(t)

	if w := do(t, s, "POST", "/v1/sign", []byte("not a flatbuffer")); w.Code != http.StatusBadRequest {
		t.Errorf("garbage body: got %d, want 400", w.Code)
	}

	empty := wire.EncodeSignRequest(mint.SignRequest{})
	if w := do(t, s, "POST", "/v1/sign", empty); w.Code != http.StatusBadRequest {
		t.Errorf("empty request: got %d, want 400", w.Code)
	}

	pending, err := mint.PrepareIssuance(3, pks.Tiers())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	issuer.err = &mint.CombineError{Kind: mint.CombineInsufficientShares}
	if w := do(t, s, "POST", "/v1/sign", wire.EncodeSignRequest(pending.Request)); w.Code != http.StatusServiceUnavailable {
		t.Errorf("insufficient shares: got %d, want 503", w.Code)
	}

	issuer.err = &mint.CombineError{Kind: mint.CombineExpired}
	if w := do(t, s, "POST", "/v1/sign", wire.EncodeSignRequest(pending.Request)); w.Code != http.StatusGatewayTimeout {
		t.Errorf("expired: got %d, want 504", w.Code)
	}

	issuer.err = fmt.Errorf("wait:\n%w", context.DeadlineExceeded)
	if w := do(t, s, "POST", "/v1/sign", wire.EncodeSignRequest(pending.Request)); w.Code != http.StatusGatewayTimeout {
		t.Errorf("timeout: got %d, want 504", w.Code)
	}

	issuer.err = errors.New("boom")
	if w := do(t, s, "POST", "/v1/sign", wire.EncodeSignRequest(pending.Request)); w.Code != http.StatusInternalServerError {
		t.Errorf("other error: got %d, want 500", w.Code)
	}
}

func TestKeysAndDecompose(t *testing.T) {
	s, _, pks := newTestServer(t)

	w := do(t, s, "GET", "/v1/keys", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("keys: status %d", w.Code)
	}

	var keys KeysResponse
	if err := json.Unmarshal(w.Body.Bytes(), &keys); err != nil {
		t.Fatalf("parse keys: %v", err)
	}

	pk, _ := pks.Aggregate(4)
	if keys.Threshold != 3 || keys.Keys["4"] != pk.String() {
		t.Errorf("keys: got threshold %d key %s", keys.Threshold, keys.Keys["4"])
	}

	parsed, err := keys.PublicKeySet()
	if err != nil {
		t.Fatalf("parse key set: %v", err)
	}

	share, _ := pks.Share(2, 1)
	if got, ok := parsed.Share(2, 1); !ok || got != share || parsed.Peers().Len() != 4 {
		t.Errorf("parsed key set differs: share ok %v, peers %v", ok, parsed.Peers())
	}

	w = do(t, s, "GET", "/v1/decompose/13", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("decompose: status %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), `"tokens":3`) {
		t.Errorf("decompose: got %s", w.Body.String())
	}

	if w := do(t, s, "GET", "/v1/decompose/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad amount: got %d, want 400", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, "GET", "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}

	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("parse status: %v", err)
	}

	if st.Connected != 3 || st.Pending != 1 {
		t.Errorf("status: got %+v", st)
	}

	if w := do(t, New(Config{}), "GET", "/status", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("missing status: got %d, want 503", w.Code)
	}
}
