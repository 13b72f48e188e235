package capability

import (
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// GrantStatus tracks whether a dynamic grant has been acknowledged by its
// grantee. Matching only ever considers Accepted grants (spec.md §4.2 edge
// case).
type GrantStatus int

const (
	GrantPending GrantStatus = iota
	GrantAccepted
)

// Grant is one dynamically-issued capability, tracked from issuance through
// acknowledgement to revocation.
type Grant struct {
	ID         string
	Grantee    string
	Capability Capability
	Status     GrantStatus
	Grantor    string
	Reason     string
}

// Table holds the grant/revoke state for every participant in a space
// (C11: grant/revoke engine). Static capabilities never appear here — they
// live in the participant registry and are always effective.
//
// Thread safety: guarded by a single mutex, matching the teacher's
// mutex-guarded-map idiom (cellorg/internal/broker/service.go's
// topicsMux/pipesMux).
type Table struct {
	mu     sync.RWMutex
	grants map[string]*Grant // grant_id -> Grant
}

// NewTable creates an empty grant table.
func NewTable() *Table {
	return &Table{grants: make(map[string]*Grant)}
}

// Grant records a new pending (or, if immediate is true, pre-accepted)
// grant for grantee and returns its id. Policy for whether a grant needs
// acknowledgement is the caller's decision (see internal/broker's "required
// for elevated grants, optional otherwise" default, DESIGN.md Open
// Questions).
func (t *Table) Grant(grantor, grantee string, cap Capability, grantID, reason string, immediate bool) *Grant {
	t.mu.Lock()
	defer t.mu.Unlock()

	if grantID == "" {
		grantID = uuid.New().String()
	}
	status := GrantPending
	if immediate {
		status = GrantAccepted
	}
	g := &Grant{
		ID:         grantID,
		Grantee:    grantee,
		Capability: cap,
		Status:     status,
		Grantor:    grantor,
		Reason:     reason,
	}
	t.grants[grantID] = g
	return g
}

// Ack promotes a pending grant to accepted. Returns false if no grant with
// that id exists for grantee; acking an already accepted grant returns
// true and leaves it accepted.
func (t *Table) Ack(grantID, grantee string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.grants[grantID]
	if !ok || g.Grantee != grantee {
		return false
	}
	g.Status = GrantAccepted
	return true
}

// Revoke removes a grant by id. Revocation takes effect immediately;
// envelopes already accepted under the grant are not retracted (spec.md
// §4.11).
func (t *Table) Revoke(grantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.grants[grantID]; !ok {
		return false
	}
	delete(t.grants, grantID)
	return true
}

// RevokeMatching removes every grant for grantee whose capability
// structurally equals cap (used when capability/revoke omits grant_id and
// instead supplies a structural match).
func (t *Table) RevokeMatching(grantee string, cap Capability) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, g := range t.grants {
		if g.Grantee == grantee && g.Capability.Kind == cap.Kind &&
			reflect.DeepEqual(g.Capability.To, cap.To) && reflect.DeepEqual(g.Capability.Payload, cap.Payload) {
			delete(t.grants, id)
			n++
		}
	}
	return n
}

// Accepted returns the accepted capabilities currently granted to
// participant (the "granted_capabilities" half of spec.md §3's effective
// set; static capabilities are merged in by the caller).
func (t *Table) Accepted(participant string) []Capability {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Capability
	for _, g := range t.grants {
		if g.Grantee == participant && g.Status == GrantAccepted {
			out = append(out, g.Capability)
		}
	}
	return out
}

// ByID returns a grant by id, for lookups during grant-ack/revoke
// processing.
func (t *Table) ByID(grantID string) (*Grant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.grants[grantID]
	return g, ok
}
