package tbs

import (
	"fmt"
	"io"
	"math/big"
	"sort"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"fedmint/internal/peer"
)

// Scheme is the set of operations the mint needs from a threshold blind
// signature scheme. Implementations must be safe for concurrent use.
type Scheme interface {
	// ValidMessage reports whether msg is a well-formed blinded message.
	ValidMessage(msg BlindedMessage) bool

	// SignShare produces this peer's share over a blinded message.
	SignShare(sk SecretKey, msg BlindedMessage) (SignatureShare, error)

	// VerifyShare checks a share against the signer's public key share.
	VerifyShare(pk PublicKey, msg BlindedMessage, share SignatureShare) bool

	// Combine interpolates threshold shares into one blind signature.
	// Shares beyond the threshold are ignored, lowest peer ids first.
	Combine(shares map[peer.ID]SignatureShare, threshold int) (BlindSignature, error)
}

// BLS is the BLS12-381 implementation of Scheme.
type BLS struct{}

// ValidMessage checks that msg decodes to a non-identity G1 point.
func (BLS) ValidMessage(msg BlindedMessage) bool {
	_, err := decodeG1(msg[:])
	return err == nil
}

// SignShare computes msg * sk.
func (BLS) SignShare(sk SecretKey, msg BlindedMessage) (SignatureShare, error) {
	point, err := decodeG1(msg[:])
	if err != nil {
		return SignatureShare{}, fmt.Errorf("decode blinded message:\n%w", err)
	}

	k := new(big.Int).SetBytes(sk[:])
	if k.Sign() == 0 || k.Cmp(order) >= 0 {
		return SignatureShare{}, fmt.Errorf("invalid secret key share")
	}

	var share SignatureShare
	copy(share[:], toP1(point).Mult(toScalar(k)).ToAffine().Compress())

	return share, nil
}

// VerifyShare checks e(share, g2) == e(msg, pk).
func (BLS) VerifyShare(pk PublicKey, msg BlindedMessage, share SignatureShare) bool {
	sig, err := decodeG1(share[:])
	if err != nil {
		return false
	}

	m, err := decodeG1(msg[:])
	if err != nil {
		return false
	}

	key, err := decodeG2(pk)
	if err != nil {
		return false
	}

	return pairingEqual(sig, m, key)
}

// Combine interpolates the shares at zero.
func (BLS) Combine(shares map[peer.ID]SignatureShare, threshold int) (BlindSignature, error) {
	if threshold <= 0 {
		return BlindSignature{}, fmt.Errorf("threshold must be positive")
	}

	if len(shares) < threshold {
		return BlindSignature{}, fmt.Errorf("not enough shares: got %d, need %d", len(shares), threshold)
	}

	signers := make([]peer.ID, 0, len(shares))
	for id := range shares {
		signers = append(signers, id)
	}

	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })
	signers = signers[:threshold]

	var acc *blst.P1

	for _, id := range signers {
		share := shares[id]

		point, err := decodeG1(share[:])
		if err != nil {
			return BlindSignature{}, fmt.Errorf("decode share of peer %d:\n%w", id, err)
		}

		term := toP1(point).Mult(toScalar(lagrangeAtZero(id, signers)))

		if acc == nil {
			acc = term
		} else {
			acc.AddAssign(term)
		}
	}

	var out BlindSignature
	copy(out[:], acc.ToAffine().Compress())

	return out, nil
}

// KeyShare is the key material one peer receives from the dealer.
type KeyShare struct {
	Secret SecretKey // Secret is the peer's secret key share
	Public PublicKey // Public is g2 * Secret
}

// Dealing is the output of a trusted dealer for one tier.
type Dealing struct {
	Threshold int                  // Threshold is the number of shares needed to combine
	Aggregate PublicKey            // Aggregate is the federation public key
	Shares    map[peer.ID]KeyShare // Shares maps each peer to its key share
}

// PublicShares returns the public key share of every peer.
func (d *Dealing) PublicShares() map[peer.ID]PublicKey {
	out := make(map[peer.ID]PublicKey, len(d.Shares))
	for id, ks := range d.Shares {
		out[id] = ks.Public
	}

	return out
}

// Deal splits a fresh secret key into Shamir shares for peers.
// Any threshold of the resulting shares can sign under Aggregate.
func Deal(threshold int, peers peer.Set, r io.Reader) (*Dealing, error) {
	if threshold <= 0 || threshold > peers.Len() {
		return nil, fmt.Errorf("invalid threshold %d for %d peers", threshold, peers.Len())
	}

	coeffs := make([]*big.Int, threshold)
	for i := range coeffs {
		c, err := randomScalar(r)
		if err != nil {
			return nil, fmt.Errorf("draw coefficient:\n%w", err)
		}

		coeffs[i] = c
	}

	d := &Dealing{
		Threshold: threshold,
		Aggregate: publicFromSecret(coeffs[0]),
		Shares:    make(map[peer.ID]KeyShare, peers.Len()),
	}

	for _, id := range peers {
		sk := evalPoly(coeffs, id.Index())

		var ks KeyShare
		sk.FillBytes(ks.Secret[:])
		ks.Public = publicFromSecret(sk)

		d.Shares[id] = ks
	}

	return d, nil
}

// evalPoly evaluates the polynomial at x using Horner's rule.
func evalPoly(coeffs []*big.Int, x uint64) *big.Int {
	bx := new(big.Int).SetUint64(x)
	acc := new(big.Int)

	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Mul(acc, bx)
		acc.Add(acc, coeffs[i])
		acc.Mod(acc, order)
	}

	return acc
}

// SeedReader returns a deterministic randomness stream derived from seed,
// for reproducible dealings in tests and local setups.
func SeedReader(seed []byte) io.Reader {
	h := blake3.New()
	h.Write([]byte("fedmint-dealer"))
	h.Write(seed)

	return h.Digest()
}
