// Package stream implements the gateway's stream authorization table
// (spec.md §4.5, component C5): named side channels for binary or bulk
// data, each with an owner and an authorized-writer set.
//
// Grounded on cellorg/internal/broker/service.go's Pipe struct (a named
// channel with a fixed Producer/Consumer pair), generalized here to a
// named channel with an open authorized-writer set and ownership that can
// be granted, revoked, and transferred.
package stream

import (
	"sync"
	"time"
)

// Direction is the declared data-flow direction of a stream (spec.md §3).
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Stream is one named side channel with its authorization state.
type Stream struct {
	ID                string
	Owner             string
	AuthorizedWriters map[string]bool
	Direction         Direction
	Created           time.Time

	// Metadata preserves every custom field from the original
	// stream/request payload verbatim (spec.md §3 invariant), so that late
	// joiners' welcome snapshots can reconstruct content types, formats,
	// and application-specific parse hints.
	Metadata map[string]interface{}
}

// AuthorizedWriterList returns the stream's authorized writers as a
// deterministic-enough slice for snapshotting (order is not significant).
func (s *Stream) AuthorizedWriterList() []string {
	out := make([]string, 0, len(s.AuthorizedWriters))
	for w := range s.AuthorizedWriters {
		out = append(out, w)
	}
	return out
}

// Table tracks every active stream in a space.
//
// Thread safety: single RWMutex, matching the teacher's
// pipesMux-guarded-map idiom (cellorg/internal/broker/service.go).
type Table struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewTable creates an empty stream table.
func NewTable() *Table {
	return &Table{streams: make(map[string]*Stream)}
}

// InvalidOperationError reports an operation forbidden by a stream
// invariant (spec.md §6's "InvalidOperation" error code).
type InvalidOperationError struct{ Message string }

func (e *InvalidOperationError) Error() string { return e.Message }

// ForbiddenError reports an operation attempted by a participant who lacks
// the authority to perform it (e.g. a non-owner granting write access).
type ForbiddenError struct{ Message string }

func (e *ForbiddenError) Error() string { return e.Message }

// NotFoundError reports a reference to a stream id that doesn't exist.
type NotFoundError struct{ StreamID string }

func (e *NotFoundError) Error() string { return "stream not found: " + e.StreamID }

// Request creates a new stream owned by owner. metadata carries every
// custom field from the stream/request payload except "direction", which
// is pulled out into its own field (spec.md §4.5: "seeded with
// authorized_writers = {owner} plus every field from the request payload").
func (t *Table) Request(streamID, owner string, direction Direction, metadata map[string]interface{}) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Stream{
		ID:                streamID,
		Owner:             owner,
		AuthorizedWriters: map[string]bool{owner: true},
		Direction:         direction,
		Created:           time.Now().UTC(),
		Metadata:          metadata,
	}
	t.streams[streamID] = s
	return s
}

// Get returns the stream record for id.
func (t *Table) Get(streamID string) (*Stream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.streams[streamID]
	return s, ok
}

// All returns a snapshot of every active stream, for welcome-snapshot
// assembly (spec.md §4.8).
func (t *Table) All() []*Stream {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		out = append(out, s)
	}
	return out
}

// GrantWrite adds participantID to the authorized-writer set. Only the
// current owner may grant (spec.md §4.5).
func (t *Table) GrantWrite(streamID, requester, participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamID]
	if !ok {
		return &NotFoundError{StreamID: streamID}
	}
	if s.Owner != requester {
		return &ForbiddenError{Message: "only the stream owner may grant write access"}
	}
	s.AuthorizedWriters[participantID] = true
	return nil
}

// RevokeWrite removes participantID from the authorized-writer set.
// Revoking the owner is always refused (spec.md §4.5 invariant).
func (t *Table) RevokeWrite(streamID, requester, participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamID]
	if !ok {
		return &NotFoundError{StreamID: streamID}
	}
	if s.Owner != requester {
		return &ForbiddenError{Message: "only the stream owner may revoke write access"}
	}
	if participantID == s.Owner {
		return &InvalidOperationError{Message: "cannot revoke write access from the stream owner"}
	}
	delete(s.AuthorizedWriters, participantID)
	return nil
}

// TransferOwnership sets a new owner, ensuring the new owner is authorized
// to write. Only the current owner may transfer (spec.md §4.5).
func (t *Table) TransferOwnership(streamID, requester, newOwner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamID]
	if !ok {
		return &NotFoundError{StreamID: streamID}
	}
	if s.Owner != requester {
		return &ForbiddenError{Message: "only the stream owner may transfer ownership"}
	}
	s.Owner = newOwner
	s.AuthorizedWriters[newOwner] = true
	return nil
}

// Close removes a stream from the active set. Any authorized writer or the
// owner may close it (spec.md §4.5).
func (t *Table) Close(streamID, requester string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamID]
	if !ok {
		return &NotFoundError{StreamID: streamID}
	}
	if !s.AuthorizedWriters[requester] && s.Owner != requester {
		return &ForbiddenError{Message: "only an authorized writer or the owner may close a stream"}
	}
	delete(t.streams, streamID)
	return nil
}

// AuthorizeFrame reports whether sender may write a binary frame to
// streamID (spec.md §4.5: "gateway validates sender ∈
// authorized_writers[stream_id]").
func (t *Table) AuthorizeFrame(streamID, sender string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.streams[streamID]
	if !ok {
		return false
	}
	return s.AuthorizedWriters[sender]
}

// DisconnectParticipant applies spec.md §4.5's disconnect policy:
//   - streams the participant owns stay open if other writers remain,
//     otherwise they are closed;
//   - streams the participant merely wrote to lose that participant from
//     authorized_writers.
//
// Returns the ids of streams that were closed as a result.
func (t *Table) DisconnectParticipant(participantID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var closed []string
	for id, s := range t.streams {
		if s.Owner == participantID {
			// Owner is always authorized (spec.md §3 invariant) and
			// ownership is never transferred automatically on disconnect
			// (spec.md §4.5). Only close if no other writer remains.
			if len(s.AuthorizedWriters) <= 1 {
				delete(t.streams, id)
				closed = append(closed, id)
			}
			continue
		}
		delete(s.AuthorizedWriters, participantID)
	}
	return closed
}
