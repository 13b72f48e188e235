// Package envelope provides the universal message structure for MEW Protocol
// gateway communication.
//
// Every message that crosses the gateway is wrapped in an Envelope: routing
// metadata (from/to/kind/correlation), a kind-specific JSON payload, and the
// bookkeeping fields the normalizer stamps on ingress (id, timestamp,
// protocol). Envelopes are immutable once normalized; mutation helpers
// return a new value or operate on a fresh clone.
//
// Called by: transport readers, the capability matcher, the router, the
// history log, the welcome builder.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol is the single fixed protocol constant every envelope must carry.
const Protocol = "mew/v1"

// BroadcastToken is the implicit recipient used for capability matching
// when Envelope.To is empty.
const BroadcastToken = "*broadcast*"

// GatewayID is the sender identity the gateway itself uses for
// gateway-originated envelopes (welcome, presence, errors, acks).
// Participants may never claim this id as their own `from` (spec.md §3:
// `from` always equals the authenticated participant id of the sender).
const GatewayID = "gateway"

// Envelope is the universal message unit routed by the gateway.
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	TS            time.Time       `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Context       string          `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// rawEnvelope mirrors Envelope but allows CorrelationID to arrive as either
// a scalar string or a sequence, per spec.md §9: "Implementations SHOULD
// coerce a scalar into a one-element sequence on ingress."
type rawEnvelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	TS            *time.Time      `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID json.RawMessage `json:"correlation_id,omitempty"`
	Context       string          `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Recipients returns the envelope's "to" list, or the broadcast token if
// the envelope has no explicit recipients (spec.md §4.2 edge case).
func (e *Envelope) Recipients() []string {
	if len(e.To) == 0 {
		return []string{BroadcastToken}
	}
	return e.To
}

// IsBroadcast reports whether the envelope has no explicit recipients.
func (e *Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// Correlates reports whether id appears in the envelope's correlation
// sequence.
func (e *Envelope) Correlates(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}

// UnmarshalPayload unmarshals the envelope payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.To != nil {
		clone.To = append([]string(nil), e.To...)
	}
	if e.CorrelationID != nil {
		clone.CorrelationID = append([]string(nil), e.CorrelationID...)
	}
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &clone
}

// ToJSON serializes the envelope.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ParseError reports a structural problem found while parsing wire bytes
// into a rawEnvelope, prior to normalization.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

// ParseRaw decodes wire bytes into a rawEnvelope without normalizing it.
// Exposed for transports that need to peek at fields (e.g. to route a
// decode failure back to the sender) before handing off to Normalize.
func ParseRaw(raw []byte) (*rawEnvelope, error) {
	var r rawEnvelope
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("malformed envelope: %v", err)}
	}
	return &r, nil
}

// coerceCorrelationID normalizes a correlation_id field that may be absent,
// a scalar string, or a JSON array of strings.
func coerceCorrelationID(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var seq []string
	if err := json.Unmarshal(raw, &seq); err == nil {
		return seq, nil
	}
	var scalar string
	if err := json.Unmarshal(raw, &scalar); err == nil {
		if scalar == "" {
			return nil, nil
		}
		return []string{scalar}, nil
	}
	return nil, &ParseError{Message: "correlation_id must be a string or an array of strings"}
}

// NewEnvelope builds a fully-formed envelope for gateway-originated
// messages (system/*, welcome, presence, errors) or for tests.
func NewEnvelope(from string, to []string, kind string, correlationID []string, payload interface{}) (*Envelope, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		Protocol:      Protocol,
		ID:            uuid.New().String(),
		TS:            time.Now().UTC(),
		From:          from,
		To:            to,
		Kind:          kind,
		CorrelationID: correlationID,
		Payload:       payloadBytes,
	}, nil
}
