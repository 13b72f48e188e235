// Package timer implements the gateway's timer wheel (spec.md §4.12,
// component C12): a single facility scheduling pause auto-resume,
// proposal expiry, and optional idle-connection reaping.
//
// Per spec.md §5 (single-writer-per-space concurrency model), a fired
// timer never mutates router state directly. Instead it sends an event on
// the wheel's output channel, which the router forwards into its single
// event queue (the same queue transport tasks use to hand off inbound
// envelopes), so all state mutation stays on the one router goroutine.
//
// Grounded on cellorg/internal/broker/service.go's heartbeat ticker
// (time.NewTicker driving a dedicated goroutine that never touches
// connection state directly, instead sending on a channel read by the
// owning goroutine), generalized here from a single fixed-interval ticker
// to a min-heap of arbitrarily-timed one-shot entries.
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Event is what the wheel sends to the router when a timer fires.
type Event struct {
	Kind    string // "pause-resume", "proposal-timeout", "idle-reap"
	Subject string // participant id or proposal id, depending on Kind
}

// entry is one scheduled timer.
type entry struct {
	fireAt time.Time
	event  Event
	index  int // heap index, maintained by container/heap
}

// entryHeap is a min-heap ordered by fireAt.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Wheel schedules timers and delivers their events to a single output
// channel, matching the router's single-writer event loop (spec.md §5).
type Wheel struct {
	mu     sync.Mutex
	heap   entryHeap
	events chan<- Event
	wake   chan struct{}
}

// New creates a timer wheel that delivers fired events onto events. The
// caller owns events and should read from it on the router's goroutine.
func New(events chan<- Event) *Wheel {
	return &Wheel{events: events, wake: make(chan struct{}, 1)}
}

// Schedule arms a one-shot timer that fires event at fireAt.
func (w *Wheel) Schedule(fireAt time.Time, event Event) {
	w.mu.Lock()
	heap.Push(&w.heap, &entry{fireAt: fireAt, event: event})
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the wheel until ctx is canceled. Intended to be started once
// per space, in its own goroutine, per the teacher's dedicated-ticker-
// goroutine idiom.
func (w *Wheel) Run(ctx context.Context) {
	for {
		w.mu.Lock()
		var d time.Duration
		var due []*entry
		now := time.Now()
		for w.heap.Len() > 0 && w.heap[0].fireAt.Before(now) {
			due = append(due, heap.Pop(&w.heap).(*entry))
		}
		if w.heap.Len() > 0 {
			d = w.heap[0].fireAt.Sub(now)
		} else {
			d = time.Hour
		}
		w.mu.Unlock()

		for _, e := range due {
			select {
			case w.events <- e.event:
			case <-ctx.Done():
				return
			}
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-w.wake:
			timer.Stop()
		}
	}
}

// Pending returns the number of armed timers, for tests and diagnostics.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heap.Len()
}
