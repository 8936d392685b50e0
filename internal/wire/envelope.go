// Package wire encodes federation messages as FlatBuffers.
//
// Every message travels inside an Envelope that carries the sender, its
// per-sender sequence number and the payload kind. Payloads above
// compressThreshold are zstd compressed.
package wire

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"fedmint/internal/peer"
	"fedmint/internal/queue"
	"fedmint/internal/types"
)

const (
	// compressThreshold is the payload size above which payloads are compressed.
	compressThreshold = 1 << 10

	// MaxPayloadSize bounds a decoded payload.
	MaxPayloadSize = 4 << 20

	// flagCompressed marks a zstd compressed payload.
	flagCompressed byte = 1 << 0
)

// ErrMalformed is returned for buffers that do not decode.
var ErrMalformed = errors.New("malformed message")

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
)

// Envelope frames one message of a sender's stream.
type Envelope struct {
	Sender  peer.ID           // Sender is the peer that produced the message
	ID      queue.MessageID   // ID is the sender's sequence number
	Kind    types.MessageKind // Kind selects the payload decoder
	Payload []byte            // Payload is the encoded message body
}

// Message returns the envelope as a queue message.
func (e Envelope) Message() queue.UniqueMessage[Envelope] {
	return queue.UniqueMessage[Envelope]{Sender: e.Sender, ID: e.ID, Payload: e}
}

// EncodeEnvelope serializes e, compressing large payloads.
func EncodeEnvelope(e Envelope) []byte {
	payload := e.Payload
	flags := byte(0)

	if len(payload) > compressThreshold {
		payload = encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		flags |= flagCompressed
	}

	builder := flatbuffers.NewBuilder(len(payload) + 64)

	payloadVec := builder.CreateByteVector(payload)

	types.EnvelopeStart(builder)
	types.EnvelopeAddSender(builder, uint16(e.Sender))
	types.EnvelopeAddId(builder, uint64(e.ID))
	types.EnvelopeAddKind(builder, e.Kind)
	types.EnvelopeAddFlags(builder, flags)
	types.EnvelopeAddPayload(builder, payloadVec)
	builder.Finish(types.EnvelopeEnd(builder))

	return builder.FinishedBytes()
}

// DecodeEnvelope parses an envelope and inflates its payload.
func DecodeEnvelope(data []byte) (e Envelope, retErr error) {
	// FlatBuffers panics on malformed data
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("envelope: %w", ErrMalformed)
		}
	}()

	if len(data) < 8 {
		return e, fmt.Errorf("envelope too short: %w", ErrMalformed)
	}

	env := types.GetRootAsEnvelope(data, 0)

	e.Sender = peer.ID(env.Sender())
	e.ID = queue.MessageID(env.Id())
	e.Kind = env.Kind()

	if e.ID == 0 {
		return e, fmt.Errorf("envelope id 0: %w", ErrMalformed)
	}

	payload := env.PayloadBytes()

	if env.Flags()&flagCompressed != 0 {
		inflated, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return e, fmt.Errorf("inflate payload: %w", errors.Join(ErrMalformed, err))
		}

		payload = inflated
	} else {
		payload = append([]byte(nil), payload...)
	}

	if len(payload) > MaxPayloadSize {
		return e, fmt.Errorf("payload of %d bytes: %w", len(payload), ErrMalformed)
	}

	e.Payload = payload

	return e, nil
}
