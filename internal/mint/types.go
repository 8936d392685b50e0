package mint

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"

	"fedmint/internal/peer"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
)

// BlindToken is a blinded coin nonce submitted for signing.
type BlindToken tbs.BlindedMessage

// RequestID identifies a sign request by the hash of its content.
type RequestID [32]byte

// String returns the first 8 bytes in hex, enough for logs.
func (id RequestID) String() string {
	return hex.EncodeToString(id[:8])
}

// SignRequest asks the federation to sign a set of blind tokens.
// The token counts per tier must equal the decomposition of Amount.
type SignRequest struct {
	Amount tiered.Amount            // Amount is the total value requested
	Tokens tiered.Multi[BlindToken] // Tokens holds the blind tokens per tier
}

// ID hashes the request content. Two requests with the same amount and the
// same tokens in the same order share an id.
func (r SignRequest) ID() RequestID {
	h := blake3.New()

	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], uint64(r.Amount))
	h.Write(buf[:])

	for _, tier := range r.Tokens.Tiers() {
		tokens := r.Tokens[tier]

		binary.BigEndian.PutUint64(buf[:], uint64(tier))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(len(tokens)))
		h.Write(buf[:])

		for _, tok := range tokens {
			h.Write(tok[:])
		}
	}

	var id RequestID
	copy(id[:], h.Sum(nil))

	return id
}

// PartialSigResponse is one peer's answer to a sign request, with one share
// per token in the same tier and index layout as the request.
type PartialSigResponse struct {
	Peer    peer.ID                          // Peer is the signer
	Request RequestID                        // Request is the request being answered
	Shares  tiered.Multi[tbs.SignatureShare] // Shares holds one share per token
}

// SigResponse is the combined result of a request, one blind signature per token.
type SigResponse struct {
	Request    RequestID                        // Request is the request being answered
	Signatures tiered.Multi[tbs.BlindSignature] // Signatures holds one signature per token
}

// TokenRef names a token together with the tier it claims.
type TokenRef struct {
	Tier  tiered.Amount // Tier is the denomination
	Token BlindToken    // Token is the blinded nonce
}
