// Package client talks to the HTTP API of a mint peer: it fetches the
// federation keys, has blind tokens signed and verifies coins.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"fedmint/internal/api"
	"fedmint/internal/mint"
	"fedmint/internal/tiered"
	"fedmint/internal/wire"
)

// defaultTimeout bounds one request when ctx has no deadline.
const defaultTimeout = 60 * time.Second

// Client connects to a mint peer via HTTP.
type Client struct {
	baseURL string       // baseURL is the API root (e.g. "http://127.0.0.1:8080")
	http    *http.Client // http performs the requests

	keys   *mint.PublicKeySet // keys caches the federation keys
	keysMu sync.Mutex         // keysMu protects keys
}

// New creates a client for addr, either "host:port" or a full URL.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Keys returns the federation's public keys, fetched once.
func (c *Client) Keys(ctx context.Context) (*mint.PublicKeySet, error) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()

	if c.keys != nil {
		return c.keys, nil
	}

	var resp api.KeysResponse
	if err := c.get(ctx, "/v1/keys", &resp); err != nil {
		return nil, fmt.Errorf("fetch keys:\n%w", err)
	}

	pks, err := resp.PublicKeySet()
	if err != nil {
		return nil, fmt.Errorf("parse keys:\n%w", err)
	}

	c.keys = pks

	return pks, nil
}

// Issue has amount signed as fresh coins. The coins are checked against
// the federation keys before they are returned.
func (c *Client) Issue(ctx context.Context, amount tiered.Amount) ([]mint.SpendableCoin, error) {
	pks, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := mint.PrepareIssuance(amount, pks.Tiers())
	if err != nil {
		return nil, err
	}

	var out api.SignResponse

	err = c.post(ctx, "/v1/sign", "application/octet-stream", wire.EncodeSignRequest(pending.Request), &out)
	if err != nil {
		return nil, fmt.Errorf("sign:\n%w", err)
	}

	resp, err := out.SigResponse()
	if err != nil {
		return nil, fmt.Errorf("parse signatures:\n%w", err)
	}

	return pending.Finalize(resp, pks)
}

// Verify asks the peer which coins carry a valid federation signature.
func (c *Client) Verify(ctx context.Context, coins []mint.Coin) (*api.VerifyResponse, error) {
	encoded, err := mint.EncodeCoins(coins)
	if err != nil {
		return nil, err
	}

	var out api.VerifyResponse
	if err := c.postJSON(ctx, "/v1/verify", api.VerifyRequest{Coins: encoded}, &out); err != nil {
		return nil, fmt.Errorf("verify:\n%w", err)
	}

	return &out, nil
}

// Status returns the peer's monitoring view.
func (c *Client) Status(ctx context.Context) (*api.Status, error) {
	var st api.Status
	if err := c.get(ctx, "/status", &st); err != nil {
		return nil, err
	}

	return &st, nil
}
