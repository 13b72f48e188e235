// Package participant implements the gateway's participant registry
// (spec.md §4.3, component C3): connected actors, their tokens, static
// capabilities, and presence.
//
// Grounded on cellorg/internal/broker/service.go's Service.connections /
// connMux map-plus-mutex idiom, generalized from "connection ID -> agent
// ID" bookkeeping to the full participant record spec.md §3 requires.
package participant

import (
	"crypto/subtle"
	"sync"

	"github.com/mew-protocol/gateway/internal/capability"
)

// State is a participant's lifecycle state (spec.md §3, §4.7).
type State string

const (
	StateConnecting  State = "connecting"
	StateActive      State = "active"
	StatePaused      State = "paused"
	StateCompacting  State = "compacting"
	StateClearing    State = "clearing"
	StateRestarting  State = "restarting"
	StateShutDown    State = "shut_down"
)

// Participant is a connected actor: human, agent, or tool server bridge.
type Participant struct {
	ID                  string
	Tokens              []string
	StaticCapabilities  []capability.Capability
	State               State
	PauseUntil          int64 // unix seconds, 0 if not paused or no deadline
	PauseReason         string
	WelcomeSent         bool
	ContextWindow       map[string]interface{}
}

// Registry tracks every currently connected participant in a space. It is
// the authoritative source for the welcome snapshot (spec.md §4.8) and for
// presence events (spec.md §4.3).
//
// Thread safety: a single RWMutex, matching the teacher's
// connMux-guarded-map idiom.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{participants: make(map[string]*Participant)}
}

// Connect registers a new participant. Returns an error if the id is
// already connected (a participant id is unique among live connections).
func (r *Registry) Connect(id string, tokens []string, static []capability.Capability) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[id]; exists {
		return nil, &AlreadyConnectedError{ID: id}
	}
	p := &Participant{
		ID:                 id,
		Tokens:             tokens,
		StaticCapabilities: static,
		State:              StateActive,
		ContextWindow:      make(map[string]interface{}),
	}
	r.participants[id] = p
	return p, nil
}

// Disconnect removes a participant from the registry.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, id)
}

// Get returns the participant record for id, if connected.
func (r *Registry) Get(id string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	return p, ok
}

// Connected reports whether id currently has a live connection.
func (r *Registry) Connected(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// All returns every currently connected participant. The returned slice is
// a snapshot copy; mutating it has no effect on the registry.
func (r *Registry) All() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Others returns every connected participant except exclude.
func (r *Registry) Others(exclude string) []*Participant {
	all := r.All()
	out := make([]*Participant, 0, len(all))
	for _, p := range all {
		if p.ID != exclude {
			out = append(out, p)
		}
	}
	return out
}

// VerifyToken compares token against a participant's configured tokens
// using constant-time comparison, per spec.md §4.3 ("compared by
// constant-time equality"). No token-comparison library appears anywhere
// in the retrieved pack; crypto/subtle is the stdlib-grounded choice.
func VerifyToken(tokens []string, candidate string) bool {
	ok := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(candidate)) == 1 {
			ok = true
		}
	}
	return ok
}

// SetState transitions a participant's lifecycle state. Mutation happens
// only on the router's single-writer task (spec.md §5); this method does
// not itself enforce that, it is the caller's job to only call it there.
func (r *Registry) SetState(id string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[id]; ok {
		p.State = state
	}
}

// AlreadyConnectedError is returned by Connect when the participant id is
// already live.
type AlreadyConnectedError struct{ ID string }

func (e *AlreadyConnectedError) Error() string {
	return "participant already connected: " + e.ID
}
