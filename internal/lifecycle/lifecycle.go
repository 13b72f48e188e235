// Package lifecycle implements the participant lifecycle controller
// (spec.md §4.7, component C7): the state machine governing pause/resume,
// context compaction, clearing, restart, and shutdown.
//
// No teacher file defines an equivalent state machine — public/agent/base.go
// references a.Lifecycle.SetState(StateConfigured, ...) but no
// LifecycleManager type exists anywhere in the retrieved pack. This package
// is therefore built fresh, in the teacher's observed idiom (typed state
// consts, map-plus-mutex table, explicit transition-rejection errors)
// rather than adapted from a specific file.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/mew-protocol/gateway/internal/envelope"
	"github.com/mew-protocol/gateway/internal/participant"
)

// TransitionError reports a lifecycle transition that spec.md §4.7 forbids
// from the participant's current state.
type TransitionError struct {
	ID   string
	From participant.State
	To   participant.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("participant %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

// entry tracks the controller's view of one participant, separate from the
// registry record so that pause deadlines and restore targets survive
// independently of presence bookkeeping.
type entry struct {
	state       participant.State
	pauseUntil  time.Time // zero if no deadline
	pauseReason string
	restoreTo   participant.State // state to return to once compacting/clearing completes
}

// Controller drives every participant's lifecycle state in a space.
//
// Thread safety: single mutex, matching the registry's map-plus-mutex idiom.
type Controller struct {
	mu       sync.Mutex
	entries  map[string]*entry
	registry *participant.Registry
	streams  StreamCloser
}

// StreamCloser is the subset of the stream table the lifecycle controller
// needs to close the streams left without another writer when a
// participant restarts. Declared as an
// interface so this package does not import internal/stream directly,
// keeping the dependency direction one-way.
type StreamCloser interface {
	DisconnectParticipant(participantID string) []string
}

// New creates a lifecycle controller bound to a participant registry and a
// stream table (for restart's stream-closure side effect).
func New(registry *participant.Registry, streams StreamCloser) *Controller {
	return &Controller{
		entries:  make(map[string]*entry),
		registry: registry,
		streams:  streams,
	}
}

// Track begins tracking a newly connected participant as active.
func (c *Controller) Track(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &entry{state: participant.StateActive}
}

// Untrack stops tracking a disconnected participant.
func (c *Controller) Untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// State returns the controller's current view of a participant's state.
func (c *Controller) State(id string) (participant.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Pause transitions an active participant to paused, arming an auto-resume
// deadline if timeoutSeconds > 0 (spec.md §4.7). Only active participants
// may be paused.
func (c *Controller) Pause(id string, timeoutSeconds int64, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("participant %s not tracked", id)
	}
	if e.state != participant.StateActive {
		return &TransitionError{ID: id, From: e.state, To: participant.StatePaused}
	}
	e.state = participant.StatePaused
	e.pauseReason = reason
	if timeoutSeconds > 0 {
		e.pauseUntil = time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	} else {
		e.pauseUntil = time.Time{}
	}
	c.registry.SetState(id, participant.StatePaused)
	return nil
}

// Resume transitions a paused participant back to active, whether by
// explicit participant/resume or by the timer wheel's auto-resume firing.
func (c *Controller) Resume(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("participant %s not tracked", id)
	}
	if e.state != participant.StatePaused {
		return &TransitionError{ID: id, From: e.state, To: participant.StateActive}
	}
	e.state = participant.StateActive
	e.pauseUntil = time.Time{}
	e.pauseReason = ""
	c.registry.SetState(id, participant.StateActive)
	return nil
}

// DueResumes returns every paused participant whose auto-resume deadline
// has passed. The router does not call it: auto-resume is driven by the
// "pause-resume" timer event, which internal/broker handles by calling
// Resume for that event's participant.
func (c *Controller) DueResumes(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []string
	for id, e := range c.entries {
		if e.state == participant.StatePaused && !e.pauseUntil.IsZero() && now.After(e.pauseUntil) {
			due = append(due, id)
		}
	}
	return due
}

// BeginCompacting transitions a participant into compacting, ahead of a
// context-window summarization (spec.md §4.7's state table lists
// `participant/compact` as valid from any state, unlike pause/clear which
// require active). Compacting does not restrict which kinds the
// participant may send; the router applies envelope.PauseAllowedKinds only
// to paused participants. CompleteCompacting restores the participant to whatever state it was in
// before compacting began (e.g. a paused participant stays paused).
func (c *Controller) BeginCompacting(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("participant %s not tracked", id)
	}
	if e.state == participant.StateShutDown {
		return &TransitionError{ID: id, From: e.state, To: participant.StateCompacting}
	}
	e.restoreTo = e.state
	e.state = participant.StateCompacting
	c.registry.SetState(id, participant.StateCompacting)
	return nil
}

// CompleteCompacting restores a compacting participant to the state it was
// in before compacting began once participant/compact-done arrives.
func (c *Controller) CompleteCompacting(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("participant %s not tracked", id)
	}
	if e.state != participant.StateCompacting {
		return &TransitionError{ID: id, From: e.state, To: participant.StateActive}
	}
	e.state = e.restoreTo
	c.registry.SetState(id, e.state)
	return nil
}

// Clear transitions an active participant to clearing, discarding its
// conversation context (spec.md §4.7). Clearing is momentary: the caller
// immediately follows with Resume once the context window has been reset.
func (c *Controller) Clear(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("participant %s not tracked", id)
	}
	if e.state != participant.StateActive {
		return &TransitionError{ID: id, From: e.state, To: participant.StateClearing}
	}
	e.state = participant.StateClearing
	c.registry.SetState(id, participant.StateClearing)
	return nil
}

// Restart transitions a participant to restarting and applies the stream
// table's disconnect policy to it: streams it owns are closed when it is
// their only authorized writer (others stay open), and it is removed from
// the writer set of streams it does not own. Returns the closed stream
// ids. Valid from any non-terminal state.
func (c *Controller) Restart(id string) ([]string, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("participant %s not tracked", id)
	}
	if e.state == participant.StateShutDown {
		c.mu.Unlock()
		return nil, &TransitionError{ID: id, From: e.state, To: participant.StateRestarting}
	}
	e.state = participant.StateRestarting
	c.mu.Unlock()

	closed := c.streams.DisconnectParticipant(id)
	c.registry.SetState(id, participant.StateRestarting)
	return closed, nil
}

// Shutdown transitions a participant to the terminal shut_down state. No
// further transitions are valid afterward.
func (c *Controller) Shutdown(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("participant %s not tracked", id)
	}
	e.state = participant.StateShutDown
	c.registry.SetState(id, participant.StateShutDown)
	return nil
}

// AllowedWhilePaused reports whether a paused participant may still send
// an envelope of this kind, per spec.md §4.7's narrow allow-list.
func AllowedWhilePaused(kind string) bool {
	return envelope.PauseAllowedKinds[kind]
}
