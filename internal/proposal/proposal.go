// Package proposal implements the proposal/correlation tracker (spec.md
// §4.6, component C6): it links an mcp/proposal envelope to the
// mcp/request that fulfills it and the mcp/response that completes it.
//
// The tracker is advisory: it never blocks delivery of requests or
// responses (spec.md §9 — "Proposals are not transactions"). Its purpose
// is observability and timeout accounting.
//
// Grounded on cellorg/internal/client/broker.go's request/response
// correlation idiom (responseChans map[string]chan *BrokerResponse),
// generalized from "one request waits for one response" to "track a
// proposal -> request -> response chain that may never complete".
package proposal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Status is a proposal's lifecycle state.
type Status int

const (
	Open Status = iota
	Fulfilled
	TimedOut
)

// Proposal tracks one open mcp/proposal envelope.
type Proposal struct {
	ID             string
	Proposer       string
	PayloadDigest  uint64
	Deadline       time.Time
	Status         Status
	FulfillingReqID string // set once a correlated mcp/request arrives
}

// Tracker holds every open proposal in a space.
//
// Thread safety: single mutex, matching the teacher's responseChMux idiom
// (cellorg/internal/client/broker.go).
type Tracker struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{proposals: make(map[string]*Proposal)}
}

// Digest computes the structural digest used to compare a proposal's
// payload against a fulfilling request's payload without repeatedly
// unmarshaling/deep-comparing full JSON bodies. Grounded on xxhash being a
// transitive dependency of the teacher's own badger/omni dependency graph.
// Valid JSON is re-encoded first (encoding/json sorts object keys and drops
// insignificant whitespace) so structurally equal payloads hash equally;
// bytes that are not valid JSON are hashed as-is.
func Digest(payload []byte) uint64 {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			payload = canonical
		}
	}
	return xxhash.Sum64(payload)
}

// Open records a new proposal with the given lifetime (spec.md §4.6
// default: 5 minutes, configurable).
func (t *Tracker) Open(id, proposer string, payload []byte, lifetime time.Duration) *Proposal {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Proposal{
		ID:            id,
		Proposer:      proposer,
		PayloadDigest: Digest(payload),
		Deadline:      time.Now().Add(lifetime),
		Status:        Open,
	}
	t.proposals[id] = p
	return p
}

// MatchRequest reports whether a request (with the given correlation ids
// and payload) fulfills any open proposal, returning it. Per spec.md §3:
// fulfillment requires the proposal id to appear in the request's
// correlation_id sequence AND the payloads to be structurally equal.
func (t *Tracker) MatchRequest(correlationIDs []string, payload []byte) (*Proposal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	digest := Digest(payload)
	for _, cid := range correlationIDs {
		if p, ok := t.proposals[cid]; ok && p.Status == Open && p.PayloadDigest == digest {
			return p, true
		}
	}
	return nil, false
}

// LinkRequest records that reqID is the (tentative) fulfilling request for
// proposal p. Fulfillment itself is only marked once the matching
// mcp/response arrives (spec.md §3).
func (t *Tracker) LinkRequest(proposalID, reqID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.proposals[proposalID]; ok {
		p.FulfillingReqID = reqID
	}
}

// MatchResponse reports whether a response's correlation ids complete a
// tracked proposal that already has a linked fulfilling request, marking
// it Fulfilled exactly once.
func (t *Tracker) MatchResponse(correlationIDs []string) (*Proposal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cid := range correlationIDs {
		for _, p := range t.proposals {
			if p.FulfillingReqID == cid && p.Status == Open {
				p.Status = Fulfilled
				return p, true
			}
		}
	}
	return nil, false
}

// ExpireOlderThan marks every open proposal past its deadline as timed
// out, returning them so the caller can emit system/proposal-timeout
// notes. Called from the timer wheel (C12), never directly mutating
// anything outside the tracker (spec.md §5).
func (t *Tracker) ExpireOlderThan(now time.Time) []*Proposal {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*Proposal
	for _, p := range t.proposals {
		if p.Status == Open && now.After(p.Deadline) {
			p.Status = TimedOut
			expired = append(expired, p)
		}
	}
	return expired
}

// Get returns a proposal by id.
func (t *Tracker) Get(id string) (*Proposal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proposals[id]
	return p, ok
}
