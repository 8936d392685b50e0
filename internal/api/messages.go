package api

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"fedmint/internal/mint"
	"fedmint/internal/peer"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

// SignResponse is the JSON form of mint.SigResponse. Signatures are keyed
// by decimal tier, in the request's token order.
type SignResponse struct {
	Request    string              `json:"request"`    // Request is the hex request id
	Signatures map[string][]string `json:"signatures"` // Signatures holds hex blind signatures per tier
}

// NewSignResponse converts a combined response to its JSON form.
func NewSignResponse(resp *mint.SigResponse) SignResponse {
	out := SignResponse{
		Request:    hex.EncodeToString(resp.Request[:]),
		Signatures: make(map[string][]string, len(resp.Signatures)),
	}

	_ = resp.Signatures.Each(func(tier tiered.Amount, _ int, sig tbs.BlindSignature) error {
		key := strconv.FormatUint(uint64(tier), 10)
		out.Signatures[key] = append(out.Signatures[key], hex.EncodeToString(sig[:]))
		return nil
	})

	return out
}

// SigResponse parses the JSON form back.
func (r SignResponse) SigResponse() (*mint.SigResponse, error) {
	var id mint.RequestID
	if err := decodeHex(r.Request, id[:]); err != nil {
		return nil, fmt.Errorf("request id:\n%w", err)
	}

	out := &mint.SigResponse{
		Request:    id,
		Signatures: make(tiered.Multi[tbs.BlindSignature], len(r.Signatures)),
	}

	for key, sigs := range r.Signatures {
		tier, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tier %q:\n%w", key, err)
		}

		for i, h := range sigs {
			var sig tbs.BlindSignature
			if err := decodeHex(h, sig[:]); err != nil {
				return nil, fmt.Errorf("tier %d #%d:\n%w", tier, i, err)
			}

			out.Signatures.Add(tiered.Amount(tier), sig)
		}
	}

	return out, nil
}

// VerifyRequest is the body of POST /v1/verify.
type VerifyRequest struct {
	Coins string `json:"coins"` // Coins is a mint.EncodeCoins string
}

// VerifyResponse reports the validity of each coin and the value of the valid ones.
type VerifyResponse struct {
	Valid []bool `json:"valid"` // Valid holds one verdict per coin, in input order
	Total uint64 `json:"total"` // Total sums the tiers of the distinct valid coins
}

// KeysResponse publishes the federation's public keys, keyed by decimal tier.
type KeysResponse struct {
	Threshold int                          `json:"threshold"` // Threshold is the number of shares needed to combine
	Peers     peer.Set                     `json:"peers"`     // Peers is the federation membership
	Keys      map[string]string            `json:"keys"`      // Keys holds the hex aggregate key per tier
	Shares    map[string]map[string]string `json:"shares"`    // Shares holds the hex key share per tier and peer
}

// NewKeysResponse converts a public key set to its JSON form.
func NewKeysResponse(pks *mint.PublicKeySet) KeysResponse {
	out := KeysResponse{
		Threshold: pks.Threshold(),
		Peers:     pks.Peers(),
		Keys:      make(map[string]string, len(pks.Tiers())),
		Shares:    make(map[string]map[string]string, len(pks.Tiers())),
	}

	for _, tier := range pks.Tiers() {
		key := strconv.FormatUint(uint64(tier), 10)

		agg, _ := pks.Aggregate(tier)
		out.Keys[key] = agg.String()

		shares := make(map[string]string, len(pks.Peers()))
		for _, id := range pks.Peers() {
			pk, _ := pks.Share(tier, id)
			shares[strconv.FormatUint(uint64(id), 10)] = pk.String()
		}

		out.Shares[key] = shares
	}

	return out
}

// PublicKeySet parses the JSON form back.
func (k KeysResponse) PublicKeySet() (*mint.PublicKeySet, error) {
	aggregate := make(tiered.Tiered[tbs.PublicKey], len(k.Keys))
	shares := make(tiered.Tiered[map[peer.ID]tbs.PublicKey], len(k.Shares))

	for key, h := range k.Keys {
		tier, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tier %q:\n%w", key, err)
		}

		pk, err := tbs.ParsePublicKey(h)
		if err != nil {
			return nil, fmt.Errorf("tier %d:\n%w", tier, err)
		}

		aggregate[tiered.Amount(tier)] = pk
	}

	for key, byPeer := range k.Shares {
		tier, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tier %q:\n%w", key, err)
		}

		m := make(map[peer.ID]tbs.PublicKey, len(byPeer))
		for idKey, h := range byPeer {
			id, err := strconv.ParseUint(idKey, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("tier %d: peer %q:\n%w", tier, idKey, err)
			}

			pk, err := tbs.ParsePublicKey(h)
			if err != nil {
				return nil, fmt.Errorf("tier %d peer %d:\n%w", tier, id, err)
			}

			m[peer.ID(id)] = pk
		}

		shares[tiered.Amount(tier)] = m
	}

	return mint.NewPublicKeySet(k.Threshold, aggregate, shares)
}

// decodeHex decodes s into dst, which it must fill exactly.
func decodeHex(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	if len(b) != len(dst) {
		return fmt.Errorf("size %d, want %d", len(b), len(dst))
	}

	copy(dst, b)

	return nil
}
