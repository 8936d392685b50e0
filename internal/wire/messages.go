package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"fedmint/internal/mint"
	"fedmint/internal/peer"
	"fedmint/internal/tbs"
	"fedmint/internal/tiered"
	"fedmint/internal/types"
)

// point is a fixed-size group element carried in a TierItem.
type point interface {
	~[tbs.PointSize]byte
}

// EncodeSignRequest serializes a sign request payload.
func EncodeSignRequest(req mint.SignRequest) []byte {
	builder := flatbuffers.NewBuilder(64 + req.Tokens.Len()*(tbs.PointSize+32))

	tokensVec := buildItems(builder, req.Tokens, types.SignRequestMsgStartTokensVector)

	types.SignRequestMsgStart(builder)
	types.SignRequestMsgAddAmount(builder, uint64(req.Amount))
	types.SignRequestMsgAddTokens(builder, tokensVec)
	builder.Finish(types.SignRequestMsgEnd(builder))

	return builder.FinishedBytes()
}

// DecodeSignRequest parses a sign request payload.
// Tier and decomposition checks are left to the issuer.
func DecodeSignRequest(data []byte) (req mint.SignRequest, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("sign request: %w", ErrMalformed)
		}
	}()

	if len(data) < 8 {
		return req, fmt.Errorf("sign request too short: %w", ErrMalformed)
	}

	msg := types.GetRootAsSignRequestMsg(data, 0)

	tokens, err := readItems[mint.BlindToken](msg.TokensLength(), msg.Tokens)
	if err != nil {
		return req, fmt.Errorf("tokens:\n%w", err)
	}

	req.Amount = tiered.Amount(msg.Amount())
	req.Tokens = tokens

	return req, nil
}

// EncodePartialSig serializes one peer's signature shares.
func EncodePartialSig(resp mint.PartialSigResponse) []byte {
	builder := flatbuffers.NewBuilder(96 + resp.Shares.Len()*(tbs.PointSize+32))

	sharesVec := buildItems(builder, resp.Shares, types.PartialSigMsgStartSharesVector)
	requestVec := builder.CreateByteVector(resp.Request[:])

	types.PartialSigMsgStart(builder)
	types.PartialSigMsgAddRequest(builder, requestVec)
	types.PartialSigMsgAddPeer(builder, uint16(resp.Peer))
	types.PartialSigMsgAddShares(builder, sharesVec)
	builder.Finish(types.PartialSigMsgEnd(builder))

	return builder.FinishedBytes()
}

// DecodePartialSig parses a partial signature payload.
func DecodePartialSig(data []byte) (resp mint.PartialSigResponse, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("partial signature: %w", ErrMalformed)
		}
	}()

	if len(data) < 8 {
		return resp, fmt.Errorf("partial signature too short: %w", ErrMalformed)
	}

	msg := types.GetRootAsPartialSigMsg(data, 0)

	if len(msg.RequestBytes()) != len(resp.Request) {
		return resp, fmt.Errorf("request id size %d: %w", len(msg.RequestBytes()), ErrMalformed)
	}

	shares, err := readItems[tbs.SignatureShare](msg.SharesLength(), msg.Shares)
	if err != nil {
		return resp, fmt.Errorf("shares:\n%w", err)
	}

	copy(resp.Request[:], msg.RequestBytes())
	resp.Peer = peer.ID(msg.Peer())
	resp.Shares = shares

	return resp, nil
}

// buildItems writes m as a vector of TierItem, tiers ascending and
// values in index order.
func buildItems[T point](
	builder *flatbuffers.Builder,
	m tiered.Multi[T],
	startVector func(*flatbuffers.Builder, int) flatbuffers.UOffsetT,
) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, 0, m.Len())

	for _, tier := range m.Tiers() {
		for _, v := range m[tier] {
			data := builder.CreateByteVector(v[:])

			types.TierItemStart(builder)
			types.TierItemAddTier(builder, uint64(tier))
			types.TierItemAddData(builder, data)
			offsets = append(offsets, types.TierItemEnd(builder))
		}
	}

	startVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}

// readItems rebuilds a tiered collection from n TierItems.
func readItems[T point](n int, get func(*types.TierItem, int) bool) (tiered.Multi[T], error) {
	out := make(tiered.Multi[T])

	var item types.TierItem

	for i := 0; i < n; i++ {
		if !get(&item, i) {
			return nil, fmt.Errorf("item %d missing: %w", i, ErrMalformed)
		}

		data := item.DataBytes()
		if len(data) != tbs.PointSize {
			return nil, fmt.Errorf("item %d has size %d: %w", i, len(data), ErrMalformed)
		}

		var v T
		copy(v[:], data)
		out.Add(tiered.Amount(item.Tier()), v)
	}

	return out, nil
}
