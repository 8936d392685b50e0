package mint

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

// coinsPrefix marks a serialized coin bundle.
const coinsPrefix = "fedmintA"

// CoinNonce is the x-only schnorr public key that identifies a coin.
// Only the holder of the matching secret key can spend it.
type CoinNonce [32]byte

// String returns the hex encoding of the nonce.
func (n CoinNonce) String() string {
	return hex.EncodeToString(n[:])
}

// VerifySpend checks a spend signature over msg made with the nonce's key.
func (n CoinNonce) VerifySpend(msg, sig []byte) bool {
	pub, err := schnorr.ParsePubKey(n[:])
	if err != nil {
		return false
	}

	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}

	digest := blake3.Sum256(msg)

	return s.Verify(digest[:], pub)
}

// SpendKey is the secret that controls one coin.
type SpendKey struct {
	priv *btcec.PrivateKey // priv is the schnorr signing key
}

// NewSpendKey draws a fresh spend key.
func NewSpendKey() (*SpendKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate spend key:\n%w", err)
	}

	return &SpendKey{priv: priv}, nil
}

// Nonce returns the coin nonce of the key.
func (k *SpendKey) Nonce() CoinNonce {
	var n CoinNonce
	copy(n[:], schnorr.SerializePubKey(k.priv.PubKey()))

	return n
}

// Sign produces a spend signature over msg.
func (k *SpendKey) Sign(msg []byte) ([]byte, error) {
	digest := blake3.Sum256(msg)

	sig, err := schnorr.Sign(k.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign spend:\n%w", err)
	}

	return sig.Serialize(), nil
}

// Bytes returns the serialized secret key.
func (k *SpendKey) Bytes() []byte {
	return k.priv.Serialize()
}

// Coin is a nonce with a federation signature under the key of its tier.
type Coin struct {
	Tier      tiered.Amount // Tier is the denomination
	Nonce     CoinNonce     // Nonce identifies the coin
	Signature tbs.Signature // Signature is the unblinded federation signature
}

// Verify checks the coin signature against the federation key of its tier.
func (c Coin) Verify(pks *PublicKeySet) bool {
	pk, ok := pks.Aggregate(c.Tier)
	if !ok {
		return false
	}

	return tbs.Verify(c.Nonce[:], c.Signature, pk)
}

// SpendableCoin is a coin together with the key that spends it.
type SpendableCoin struct {
	Coin
	Key *SpendKey // Key controls the coin
}

// issuanceSecret is what the client keeps for one requested token.
type issuanceSecret struct {
	key      *SpendKey       // key controls the future coin
	blinding tbs.BlindingKey // blinding removes the blinding factor
}

// PendingIssuance holds a sign request and the client secrets needed to
// turn the federation's answer into coins.
type PendingIssuance struct {
	Request SignRequest                  // Request is sent to the federation
	secrets tiered.Multi[issuanceSecret] // secrets mirror the request layout
}

// PrepareIssuance decomposes amount over tiers and builds one blind token per
// element, each over a fresh coin nonce.
func PrepareIssuance(amount tiered.Amount, tiers tiered.Tiers) (*PendingIssuance, error) {
	counts, err := tiers.Decompose(amount)
	if err != nil {
		return nil, fmt.Errorf("decompose amount:\n%w", err)
	}

	p := &PendingIssuance{
		Request: SignRequest{
			Amount: amount,
			Tokens: make(tiered.Multi[BlindToken], len(counts)),
		},
		secrets: make(tiered.Multi[issuanceSecret], len(counts)),
	}

	for _, tier := range tiers {
		for i := 0; i < counts[tier]; i++ {
			key, err := NewSpendKey()
			if err != nil {
				return nil, err
			}

			bk, err := tbs.NewBlindingKey()
			if err != nil {
				return nil, fmt.Errorf("blinding key:\n%w", err)
			}

			nonce := key.Nonce()

			blinded, err := tbs.BlindMessage(nonce[:], bk)
			if err != nil {
				return nil, fmt.Errorf("blind nonce:\n%w", err)
			}

			p.Request.Tokens.Add(tier, BlindToken(blinded))
			p.secrets.Add(tier, issuanceSecret{key: key, blinding: bk})
		}
	}

	return p, nil
}

// Finalize unblinds the federation's signatures and checks every resulting coin.
func (p *PendingIssuance) Finalize(resp *SigResponse, pks *PublicKeySet) ([]SpendableCoin, error) {
	if resp.Request != p.Request.ID() {
		return nil, fmt.Errorf("response is for request %s, want %s", resp.Request, p.Request.ID())
	}

	if !tiered.SameShape(p.secrets, resp.Signatures) {
		return nil, fmt.Errorf("response layout does not match the request")
	}

	coins := make([]SpendableCoin, 0, p.secrets.Len())

	err := p.secrets.Each(func(tier tiered.Amount, idx int, s issuanceSecret) error {
		sig, err := tbs.Unblind(resp.Signatures[tier][idx], s.blinding)
		if err != nil {
			return fmt.Errorf("unblind tier %d #%d:\n%w", tier, idx, err)
		}

		coin := Coin{Tier: tier, Nonce: s.key.Nonce(), Signature: sig}
		if !coin.Verify(pks) {
			return fmt.Errorf("coin of tier %d #%d has an invalid signature", tier, idx)
		}

		coins = append(coins, SpendableCoin{Coin: coin, Key: s.key})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return coins, nil
}

// coinRecord is the serialized form of a coin.
type coinRecord struct {
	Tier      uint64 `cbor:"a"`
	Nonce     []byte `cbor:"n"`
	Signature []byte `cbor:"s"`
}

// EncodeCoins serializes coins into a copyable string.
func EncodeCoins(coins []Coin) (string, error) {
	records := make([]coinRecord, len(coins))

	for i, c := range coins {
		records[i] = coinRecord{
			Tier:      uint64(c.Tier),
			Nonce:     c.Nonce[:],
			Signature: c.Signature[:],
		}
	}

	b, err := cbor.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal coins:\n%w", err)
	}

	return coinsPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeCoins parses a string produced by EncodeCoins.
func DecodeCoins(s string) ([]Coin, error) {
	if !strings.HasPrefix(s, coinsPrefix) {
		return nil, fmt.Errorf("missing %q prefix", coinsPrefix)
	}

	b, err := base64.RawURLEncoding.DecodeString(s[len(coinsPrefix):])
	if err != nil {
		return nil, fmt.Errorf("decode base64:\n%w", err)
	}

	var records []coinRecord
	if err := cbor.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("unmarshal coins:\n%w", err)
	}

	coins := make([]Coin, len(records))

	for i, r := range records {
		if len(r.Nonce) != len(CoinNonce{}) || len(r.Signature) != tbs.PointSize {
			return nil, fmt.Errorf("coin %d has a malformed field", i)
		}

		coins[i].Tier = tiered.Amount(r.Tier)
		copy(coins[i].Nonce[:], r.Nonce)
		copy(coins[i].Signature[:], r.Signature)
	}

	return coins, nil
}
