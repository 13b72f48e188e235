package envelope

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NormError is a protocol-level rejection produced by Normalize. Code
// matches one of the standard system/error codes from spec.md §6.
type NormError struct {
	Code    string
	Message string
}

func (e *NormError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Standard error codes (spec.md §6).
const (
	ErrMalformedEnvelope = "MalformedEnvelope"
	ErrUnsupportedProto  = "UnsupportedProtocol"
	ErrSpoofedSender     = "SpoofedSender"
	ErrDuplicateEnvelope = "DuplicateEnvelope"
	ErrUnknownKind       = "UnknownKind"
)

// Normalizer converts wire bytes into validated Envelopes. It is the sole
// boundary between untrusted input and the gateway's internal model
// (spec.md §4.1): downstream components may assume structural
// well-formedness of anything Normalize returns.
//
// Normalizer is safe for concurrent use; the seen-id set is the only
// shared state and is guarded by a mutex, matching the teacher's
// mutex-guarded-map idiom (cellorg/internal/broker/service.go).
type Normalizer struct {
	mu      sync.Mutex
	seenIDs map[string]struct{}
}

// NewNormalizer creates a Normalizer with an empty seen-id set.
func NewNormalizer() *Normalizer {
	return &Normalizer{seenIDs: make(map[string]struct{})}
}

// Normalize parses raw wire bytes sent by senderID into a validated
// Envelope, per the steps in spec.md §4.1.
func (n *Normalizer) Normalize(raw []byte, senderID string) (*Envelope, error) {
	r, err := ParseRaw(raw)
	if err != nil {
		return nil, &NormError{Code: ErrMalformedEnvelope, Message: err.Error()}
	}

	if r.Protocol == "" {
		r.Protocol = Protocol
	} else if r.Protocol != Protocol {
		return nil, &NormError{Code: ErrUnsupportedProto, Message: fmt.Sprintf("unsupported protocol %q", r.Protocol)}
	}

	if r.From == "" {
		r.From = senderID
	} else if r.From != senderID {
		return nil, &NormError{Code: ErrSpoofedSender, Message: fmt.Sprintf("from %q does not match authenticated sender %q", r.From, senderID)}
	}

	id := r.ID
	if id == "" {
		id = uuid.New().String()
		n.markSeen(id)
	} else if !n.markSeen(id) {
		return nil, &NormError{Code: ErrDuplicateEnvelope, Message: fmt.Sprintf("envelope id %q already seen", id)}
	}

	ts := time.Now().UTC()
	if r.TS != nil {
		ts = *r.TS
	}

	corr, err := coerceCorrelationID(r.CorrelationID)
	if err != nil {
		return nil, &NormError{Code: ErrMalformedEnvelope, Message: err.Error()}
	}

	if r.Kind == "" {
		return nil, &NormError{Code: ErrMalformedEnvelope, Message: "kind is required"}
	}

	return &Envelope{
		Protocol:      r.Protocol,
		ID:            id,
		TS:            ts,
		From:          r.From,
		To:            r.To,
		Kind:          r.Kind,
		CorrelationID: corr,
		Context:       r.Context,
		Payload:       r.Payload,
	}, nil
}

// markSeen records id in the seen set, returning false if it was already
// present (duplicate detection, spec.md §4.1).
func (n *Normalizer) markSeen(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.seenIDs[id]; ok {
		return false
	}
	n.seenIDs[id] = struct{}{}
	return true
}
