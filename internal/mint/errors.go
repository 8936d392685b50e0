package mint

import (
	"fmt"
	"sort"
	"strings"

	"fedmint/internal/peer"
	"fedmint/internal/tiered"
)

// MintErrorKind classifies why a peer refused to sign a request.
type MintErrorKind int

const (
	// ErrKindUnknownTier means a token references a tier without keys.
	ErrKindUnknownTier MintErrorKind = iota

	// ErrKindMalformedToken means a token is not a valid blinded message.
	ErrKindMalformedToken

	// ErrKindDecompositionMismatch means the token counts do not decompose the amount.
	ErrKindDecompositionMismatch

	// ErrKindDuplicateToken means the same token appears twice in one request.
	ErrKindDuplicateToken

	// ErrKindEmptyRequest means the request carries no tokens.
	ErrKindEmptyRequest

	// ErrKindInternal means this peer's own key material or signer failed.
	// It points at misconfiguration, not at the request.
	ErrKindInternal
)

// String returns the kind name.
func (k MintErrorKind) String() string {
	switch k {
	case ErrKindUnknownTier:
		return "unknown tier"
	case ErrKindMalformedToken:
		return "malformed token"
	case ErrKindDecompositionMismatch:
		return "decomposition mismatch"
	case ErrKindDuplicateToken:
		return "duplicate token"
	case ErrKindEmptyRequest:
		return "empty request"
	case ErrKindInternal:
		return "internal error"
	default:
		return fmt.Sprintf("mint error %d", int(k))
	}
}

// MintError is returned by Issuer.Sign when a request is invalid.
type MintError struct {
	Kind MintErrorKind // Kind classifies the failure
	Tier tiered.Amount // Tier is the offending tier, if any
	Err  error         // Err is the underlying cause, if any
}

// Error implements error.
func (e *MintError) Error() string {
	msg := "sign request rejected: " + e.Kind.String()

	if e.Tier != 0 {
		msg += fmt.Sprintf(" (tier %d)", e.Tier)
	}

	if e.Err != nil {
		msg += ":\n" + e.Err.Error()
	}

	return msg
}

// Unwrap returns the underlying cause.
func (e *MintError) Unwrap() error {
	return e.Err
}

// Is matches another *MintError of the same kind.
func (e *MintError) Is(target error) bool {
	t, ok := target.(*MintError)
	return ok && t.Kind == e.Kind
}

// PeerErrorType classifies a fault in a peer's partial signature response.
type PeerErrorType int

const (
	// PeerErrMalformed means the response could not be decoded.
	PeerErrMalformed PeerErrorType = iota

	// PeerErrWrongTier means the shares do not match the request's tier layout.
	PeerErrWrongTier

	// PeerErrInvalidSignature means a share failed verification.
	PeerErrInvalidSignature

	// PeerErrDuplicate means the peer sent a conflicting share for a token.
	PeerErrDuplicate
)

// String returns the label used in logs and metrics.
func (t PeerErrorType) String() string {
	switch t {
	case PeerErrMalformed:
		return "malformed"
	case PeerErrWrongTier:
		return "wrong_tier"
	case PeerErrInvalidSignature:
		return "invalid_signature"
	case PeerErrDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("peer_error_%d", int(t))
	}
}

// MintShareErrors maps each offending peer to the first fault seen from it
// during one request.
type MintShareErrors map[peer.ID]PeerErrorType

// Peers returns the offending peers in ascending order.
func (m MintShareErrors) Peers() []peer.ID {
	ids := make([]peer.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// String lists the faults as peer=type pairs.
func (m MintShareErrors) String() string {
	parts := make([]string, 0, len(m))
	for _, id := range m.Peers() {
		parts = append(parts, fmt.Sprintf("%d=%s", id, m[id]))
	}

	return strings.Join(parts, ",")
}

// clone returns an independent copy.
func (m MintShareErrors) clone() MintShareErrors {
	out := make(MintShareErrors, len(m))
	for id, t := range m {
		out[id] = t
	}

	return out
}

// CombineErrorKind classifies a combination failure.
type CombineErrorKind int

const (
	// CombineInsufficientShares means fewer than threshold valid shares can arrive.
	CombineInsufficientShares CombineErrorKind = iota

	// CombineUnknownRequest means the request is not tracked.
	CombineUnknownRequest

	// CombineTierShapeMismatch means a response does not match the request layout.
	CombineTierShapeMismatch

	// CombinePending means the request has not finished yet.
	CombinePending

	// CombineCancelled means the request was cancelled before completion.
	CombineCancelled

	// CombineExpired means the deadline passed before every token reached the threshold.
	CombineExpired
)

// String returns the kind name.
func (k CombineErrorKind) String() string {
	switch k {
	case CombineInsufficientShares:
		return "insufficient shares"
	case CombineUnknownRequest:
		return "unknown request"
	case CombineTierShapeMismatch:
		return "tier shape mismatch"
	case CombinePending:
		return "pending"
	case CombineCancelled:
		return "cancelled"
	case CombineExpired:
		return "expired"
	default:
		return fmt.Sprintf("combine error %d", int(k))
	}
}

// CombineError reports why a request could not be combined.
type CombineError struct {
	Kind    CombineErrorKind // Kind classifies the failure
	Request RequestID        // Request is the affected request
	Detail  string           // Detail is a human readable explanation
	Faults  MintShareErrors  // Faults lists the peers that misbehaved
}

// Error implements error.
func (e *CombineError) Error() string {
	msg := fmt.Sprintf("combine %s: %s", e.Request, e.Kind)

	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	if len(e.Faults) > 0 {
		msg += " [faults " + e.Faults.String() + "]"
	}

	return msg
}

// Is matches another *CombineError of the same kind, so the package
// sentinels work with errors.Is.
func (e *CombineError) Is(target error) bool {
	t, ok := target.(*CombineError)
	return ok && t.Kind == e.Kind
}

var (
	// ErrInsufficientShares matches CombineInsufficientShares errors.
	ErrInsufficientShares = &CombineError{Kind: CombineInsufficientShares}

	// ErrUnknownRequest matches CombineUnknownRequest errors.
	ErrUnknownRequest = &CombineError{Kind: CombineUnknownRequest}

	// ErrTierShapeMismatch matches CombineTierShapeMismatch errors.
	ErrTierShapeMismatch = &CombineError{Kind: CombineTierShapeMismatch}

	// ErrPending matches CombinePending errors.
	ErrPending = &CombineError{Kind: CombinePending}

	// ErrCancelled matches CombineCancelled errors.
	ErrCancelled = &CombineError{Kind: CombineCancelled}

	// ErrExpired matches CombineExpired errors.
	ErrExpired = &CombineError{Kind: CombineExpired}

	// ErrUnknownTier matches ErrKindUnknownTier errors.
	ErrUnknownTier = &MintError{Kind: ErrKindUnknownTier}

	// ErrMalformedToken matches ErrKindMalformedToken errors.
	ErrMalformedToken = &MintError{Kind: ErrKindMalformedToken}

	// ErrDecompositionMismatch matches ErrKindDecompositionMismatch errors.
	ErrDecompositionMismatch = &MintError{Kind: ErrKindDecompositionMismatch}

	// ErrDuplicateToken matches ErrKindDuplicateToken errors.
	ErrDuplicateToken = &MintError{Kind: ErrKindDuplicateToken}

	// ErrEmptyRequest matches ErrKindEmptyRequest errors.
	ErrEmptyRequest = &MintError{Kind: ErrKindEmptyRequest}

	// ErrInternal matches ErrKindInternal errors.
	ErrInternal = &MintError{Kind: ErrKindInternal}
)
