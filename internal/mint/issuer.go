package mint

import (
	"fmt"

	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

// Issuer produces this peer's partial signatures for sign requests.
// It holds no mutable state and is safe for concurrent use.
type Issuer struct {
	keys   *TieredKeySet // keys is this peer's signing material
	scheme tbs.Scheme    // scheme is the signature scheme
}

// NewIssuer creates an Issuer over the given key set.
func NewIssuer(keys *TieredKeySet, scheme tbs.Scheme) *Issuer {
	return &Issuer{keys: keys, scheme: scheme}
}

// Keys returns the issuer's key set.
func (i *Issuer) Keys() *TieredKeySet {
	return i.keys
}

// Sign validates req and returns one signature share per token, laid out
// exactly like the request.
// Checks, in order:
//  1. the request carries tokens
//  2. every referenced tier has keys
//  3. every token is a valid blinded message and appears once
//  4. the token counts equal the decomposition of the amount
func (i *Issuer) Sign(req SignRequest) (PartialSigResponse, error) {
	if err := validateRequest(req, i.keys.Tiers(), i.scheme); err != nil {
		return PartialSigResponse{}, err
	}

	resp := PartialSigResponse{
		Peer:    i.keys.Self(),
		Request: req.ID(),
		Shares:  make(tiered.Multi[tbs.SignatureShare], len(req.Tokens)),
	}

	err := req.Tokens.Each(func(tier tiered.Amount, _ int, tok BlindToken) error {
		sk, ok := i.keys.Secret(tier)
		if !ok {
			return &MintError{Kind: ErrKindInternal, Tier: tier, Err: fmt.Errorf("no secret share for a declared tier")}
		}

		// the token already passed ValidMessage, so a failure here is local
		share, err := i.scheme.SignShare(sk, tbs.BlindedMessage(tok))
		if err != nil {
			return &MintError{Kind: ErrKindInternal, Tier: tier, Err: err}
		}

		resp.Shares.Add(tier, share)

		return nil
	})
	if err != nil {
		return PartialSigResponse{}, err
	}

	return resp, nil
}

// validateRequest runs the structural checks shared by signing and tracking.
func validateRequest(req SignRequest, tiers tiered.Tiers, scheme tbs.Scheme) error {
	if req.Tokens.Len() == 0 {
		return &MintError{Kind: ErrKindEmptyRequest}
	}

	for _, tier := range req.Tokens.Tiers() {
		if err := tiers.Check(tier); err != nil {
			return &MintError{Kind: ErrKindUnknownTier, Tier: tier, Err: err}
		}
	}

	seen := make(map[BlindToken]struct{}, req.Tokens.Len())

	err := req.Tokens.Each(func(tier tiered.Amount, _ int, tok BlindToken) error {
		if !scheme.ValidMessage(tbs.BlindedMessage(tok)) {
			return &MintError{Kind: ErrKindMalformedToken, Tier: tier}
		}

		if _, dup := seen[tok]; dup {
			return &MintError{Kind: ErrKindDuplicateToken, Tier: tier}
		}

		seen[tok] = struct{}{}

		return nil
	})
	if err != nil {
		return err
	}

	want, err := tiers.Decompose(req.Amount)
	if err != nil {
		return &MintError{Kind: ErrKindDecompositionMismatch, Err: err}
	}

	if !want.Equal(req.Tokens.Counts()) {
		return &MintError{
			Kind: ErrKindDecompositionMismatch,
			Err:  fmt.Errorf("amount %d needs %d tokens, request has %d", req.Amount, want.Len(), req.Tokens.Len()),
		}
	}

	return nil
}
