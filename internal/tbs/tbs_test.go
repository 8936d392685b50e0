package tbs

import (
	"crypto/rand"
	"testing"

	"fedmint/internal/peer"
)

// issue blinds msg, collects shares from the given signers and returns the
// unblinded signature.
func issue(t *testing.T, d *Dealing, msg []byte, signers []peer.ID) Signature {
	t.Helper()

	var scheme BLS

	bk, err := NewBlindingKey()
	if err != nil {
		t.Fatalf("blinding key: %v", err)
	}

	blinded, err := BlindMessage(msg, bk)
	if err != nil {
		t.Fatalf("blind: %v", err)
	}

	shares := make(map[peer.ID]SignatureShare)

	for _, id := range signers {
		share, err := scheme.SignShare(d.Shares[id].Secret, blinded)
		if err != nil {
			t.Fatalf("sign share %d: %v", id, err)
		}

		if !scheme.VerifyShare(d.Shares[id].Public, blinded, share) {
			t.Fatalf("share of peer %d does not verify", id)
		}

		shares[id] = share
	}

	combined, err := scheme.Combine(shares, d.Threshold)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}

	sig, err := Unblind(combined, bk)
	if err != nil {
		t.Fatalf("unblind: %v", err)
	}

	return sig
}

// TestThresholdIssuance tests that any threshold subset produces a valid signature.
func TestThresholdIssuance(t *testing.T) {
	d, err := Deal(3, peer.Range(4), rand.Reader)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}

	msg := []byte("coin nonce")

	first := issue(t, d, msg, []peer.ID{0, 1, 2})
	second := issue(t, d, msg, []peer.ID{1, 2, 3})

	if !Verify(msg, first, d.Aggregate) {
		t.Error("signature from peers 0,1,2 should verify")
	}

	if !Verify(msg, second, d.Aggregate) {
		t.Error("signature from peers 1,2,3 should verify")
	}

	// BLS signatures are unique: both subsets must yield the same signature
	if first != second {
		t.Error("different signer subsets produced different signatures")
	}

	if Verify([]byte("other nonce"), first, d.Aggregate) {
		t.Error("signature should not verify for another message")
	}
}

// TestVerifyShareRejectsWrongKey tests that a share does not verify under another peer's key.
func TestVerifyShareRejectsWrongKey(t *testing.T) {
	d, _ := Deal(2, peer.Range(3), rand.Reader)

	var scheme BLS

	bk, _ := NewBlindingKey()
	blinded, _ := BlindMessage([]byte("msg"), bk)

	share, err := scheme.SignShare(d.Shares[0].Secret, blinded)
	if err != nil {
		t.Fatalf("sign share: %v", err)
	}

	if scheme.VerifyShare(d.Shares[1].Public, blinded, share) {
		t.Error("share should not verify under the wrong key")
	}

	var garbage SignatureShare
	garbage[0] = 0xff
	if scheme.VerifyShare(d.Shares[0].Public, blinded, garbage) {
		t.Error("garbage share should not verify")
	}
}

// TestCombineNeedsThreshold tests that fewer shares than the threshold are refused.
func TestCombineNeedsThreshold(t *testing.T) {
	d, _ := Deal(3, peer.Range(4), rand.Reader)

	var scheme BLS

	bk, _ := NewBlindingKey()
	blinded, _ := BlindMessage([]byte("msg"), bk)

	shares := make(map[peer.ID]SignatureShare)
	for _, id := range []peer.ID{0, 1} {
		shares[id], _ = scheme.SignShare(d.Shares[id].Secret, blinded)
	}

	if _, err := scheme.Combine(shares, d.Threshold); err == nil {
		t.Error("combine with 2 of 3 shares should fail")
	}
}

// TestValidMessage tests blinded message validation.
func TestValidMessage(t *testing.T) {
	var scheme BLS

	bk, _ := NewBlindingKey()
	blinded, _ := BlindMessage([]byte("msg"), bk)

	if !scheme.ValidMessage(blinded) {
		t.Error("blinded message should be valid")
	}

	var infinity BlindedMessage
	infinity[0] = 0xc0
	if scheme.ValidMessage(infinity) {
		t.Error("point at infinity should be rejected")
	}

	var junk BlindedMessage
	if scheme.ValidMessage(junk) {
		t.Error("zero bytes should be rejected")
	}
}

// TestParsePublicKey tests the hex form of public keys.
func TestParsePublicKey(t *testing.T) {
	d, _ := Deal(1, peer.Range(1), rand.Reader)

	parsed, err := ParsePublicKey(d.Aggregate.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed != d.Aggregate {
		t.Error("parsed key differs")
	}

	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Error("short key should fail")
	}
}

// TestDealDeterministic tests that the same seed yields the same dealing.
func TestDealDeterministic(t *testing.T) {
	first, err := Deal(3, peer.Range(4), SeedReader([]byte("seed")))
	if err != nil {
		t.Fatalf("deal: %v", err)
	}

	second, _ := Deal(3, peer.Range(4), SeedReader([]byte("seed")))
	if first.Aggregate != second.Aggregate {
		t.Error("same seed should give the same aggregate key")
	}

	other, _ := Deal(3, peer.Range(4), SeedReader([]byte("other")))
	if first.Aggregate == other.Aggregate {
		t.Error("different seeds should give different keys")
	}
}

// TestToP1RoundTrip tests that lifting a decoded point keeps its encoding.
func TestToP1RoundTrip(t *testing.T) {
	bk, err := NewBlindingKey()
	if err != nil {
		t.Fatalf("blinding key: %v", err)
	}

	blinded, err := BlindMessage([]byte("coin nonce"), bk)
	if err != nil {
		t.Fatalf("blind: %v", err)
	}

	point, err := decodeG1(blinded[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var got BlindedMessage
	copy(got[:], toP1(point).ToAffine().Compress())

	if got != blinded {
		t.Errorf("round trip: got %x, want %x", got, blinded)
	}
}
