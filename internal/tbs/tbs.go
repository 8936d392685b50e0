// Package tbs implements threshold blind signatures over BLS12-381.
//
// Messages and signatures live in G1, public keys in G2. A client blinds a
// message by multiplying its curve point with a random scalar, each peer
// multiplies the blinded point with its secret key share, and any threshold
// of shares is combined by Lagrange interpolation. Unblinding multiplies by
// the inverse scalar and yields a plain BLS signature under the aggregate key.
package tbs

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	blst "github.com/supranational/blst/bindings/go"

	"fedmint/internal/peer"
)

const (
	// ScalarSize is the size of a serialized scalar in bytes.
	ScalarSize = 32

	// PointSize is the size of a compressed G1 point in bytes.
	PointSize = 48

	// PublicKeySize is the size of a compressed G2 point in bytes.
	PublicKeySize = 96
)

// hashDST is the domain separation tag for hashing messages to G1.
var hashDST = []byte("FEDMINT_TBS_BLS12381G1_XMD:SHA-256_SSWU_RO_")

// order is the order r of the BLS12-381 scalar field.
var order, _ = new(big.Int).SetString("73eda753299d7d483339d80809a1d80553bda402fffe5bfeffffffff00000001", 16)

// SecretKey is a secret key share (big-endian scalar).
type SecretKey [ScalarSize]byte

// PublicKey is a compressed G2 public key or public key share.
type PublicKey [PublicKeySize]byte

// BlindingKey is the client's secret blinding scalar.
type BlindingKey [ScalarSize]byte

// BlindedMessage is a compressed G1 point: H(msg) * blinding key.
type BlindedMessage [PointSize]byte

// SignatureShare is one peer's signature over a blinded message.
type SignatureShare [PointSize]byte

// BlindSignature is the combined signature over a blinded message.
type BlindSignature [PointSize]byte

// Signature is an unblinded signature over the original message.
type Signature [PointSize]byte

// String returns the hex encoding of the key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey

	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("decode public key:\n%w", err)
	}

	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("public key size: got %d, want %d", len(b), PublicKeySize)
	}

	copy(pk[:], b)

	return pk, nil
}

// NewBlindingKey draws a fresh non-zero blinding scalar.
func NewBlindingKey() (BlindingKey, error) {
	s, err := randomScalar(rand.Reader)
	if err != nil {
		return BlindingKey{}, err
	}

	var bk BlindingKey
	s.FillBytes(bk[:])

	return bk, nil
}

// BlindMessage hashes msg to G1 and blinds it with bk.
func BlindMessage(msg []byte, bk BlindingKey) (BlindedMessage, error) {
	r := new(big.Int).SetBytes(bk[:])
	if r.Sign() == 0 || r.Cmp(order) >= 0 {
		return BlindedMessage{}, fmt.Errorf("invalid blinding key")
	}

	point := blst.HashToG1(msg, hashDST).Mult(toScalar(r))

	var out BlindedMessage
	copy(out[:], point.ToAffine().Compress())

	return out, nil
}

// Unblind removes the blinding factor from a combined signature.
func Unblind(sig BlindSignature, bk BlindingKey) (Signature, error) {
	r := new(big.Int).SetBytes(bk[:])
	if r.Sign() == 0 || r.Cmp(order) >= 0 {
		return Signature{}, fmt.Errorf("invalid blinding key")
	}

	point, err := decodeG1(sig[:])
	if err != nil {
		return Signature{}, fmt.Errorf("decode blind signature:\n%w", err)
	}

	inv := new(big.Int).ModInverse(r, order)
	unblinded := toP1(point).Mult(toScalar(inv))

	var out Signature
	copy(out[:], unblinded.ToAffine().Compress())

	return out, nil
}

// Verify checks an unblinded signature over msg against the aggregate key:
// e(sig, g2) == e(H(msg), pk).
func Verify(msg []byte, sig Signature, pk PublicKey) bool {
	point, err := decodeG1(sig[:])
	if err != nil {
		return false
	}

	key, err := decodeG2(pk)
	if err != nil {
		return false
	}

	hashed := blst.HashToG1(msg, hashDST).ToAffine()

	return pairingEqual(point, hashed, key)
}

// randomScalar draws a uniform non-zero scalar from r.
func randomScalar(r io.Reader) (*big.Int, error) {
	var buf [64]byte

	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("read randomness:\n%w", err)
		}

		s := new(big.Int).SetBytes(buf[:])
		s.Mod(s, order)

		if s.Sign() != 0 {
			return s, nil
		}
	}
}

// toScalar converts a reduced integer to a blst scalar.
func toScalar(x *big.Int) *blst.Scalar {
	var buf [ScalarSize]byte
	x.FillBytes(buf[:])

	return new(blst.Scalar).FromBEndian(buf[:])
}

// toP1 lifts an affine point to projective form for arithmetic.
func toP1(a *blst.P1Affine) *blst.P1 {
	p := new(blst.P1)
	p.FromAffine(a)

	return p
}

// decodeG1 uncompresses a G1 point and checks subgroup membership.
// The point at infinity is rejected.
func decodeG1(b []byte) (*blst.P1Affine, error) {
	if len(b) != PointSize {
		return nil, fmt.Errorf("point size: got %d, want %d", len(b), PointSize)
	}

	// compressed infinity carries the 0x40 flag
	if b[0]&0x40 != 0 {
		return nil, fmt.Errorf("point at infinity")
	}

	p := new(blst.P1Affine).Uncompress(b)
	if p == nil {
		return nil, fmt.Errorf("invalid point encoding")
	}

	if !p.InG1() {
		return nil, fmt.Errorf("point not in G1")
	}

	return p, nil
}

// decodeG2 uncompresses and validates a public key.
func decodeG2(pk PublicKey) (*blst.P2Affine, error) {
	if pk[0]&0x40 != 0 {
		return nil, fmt.Errorf("public key at infinity")
	}

	p := new(blst.P2Affine).Uncompress(pk[:])
	if p == nil {
		return nil, fmt.Errorf("invalid public key encoding")
	}

	if !p.KeyValidate() {
		return nil, fmt.Errorf("public key not in G2")
	}

	return p, nil
}

// pairingEqual checks e(sig, g2) == e(msg, pk).
func pairingEqual(sig, msg *blst.P1Affine, pk *blst.P2Affine) bool {
	g2 := blst.P2Generator().ToAffine()

	lhs := blst.Fp12MillerLoop(g2, sig)
	rhs := blst.Fp12MillerLoop(pk, msg)

	return blst.Fp12FinalVerify(lhs, rhs)
}

// publicFromSecret computes g2 * sk.
func publicFromSecret(sk *big.Int) PublicKey {
	var pk PublicKey
	copy(pk[:], blst.P2Generator().Mult(toScalar(sk)).ToAffine().Compress())

	return pk
}

// lagrangeAtZero returns the Lagrange coefficient of peer id for the given signer set.
func lagrangeAtZero(id peer.ID, signers []peer.ID) *big.Int {
	xi := new(big.Int).SetUint64(id.Index())
	num := big.NewInt(1)
	den := big.NewInt(1)

	for _, other := range signers {
		if other == id {
			continue
		}

		xj := new(big.Int).SetUint64(other.Index())
		num.Mul(num, xj)
		num.Mod(num, order)

		diff := new(big.Int).Sub(xj, xi)
		diff.Mod(diff, order)
		den.Mul(den, diff)
		den.Mod(den, order)
	}

	den.ModInverse(den, order)
	num.Mul(num, den)

	return num.Mod(num, order)
}
