// Package broker implements the gateway's router (spec.md §4.4, component
// C4) and the single-writer-per-space event loop that hosts every other
// in-process component (capability matcher, registry, stream table,
// proposal tracker, lifecycle controller, grant/revoke engine, history
// log, timer wheel) per spec.md §5.
//
// Grounded on cellorg/internal/broker/service.go's Service (map-plus-mutex
// connection registry, goroutine-per-connection accept loop), generalized
// from a topic/pipe pub-sub broker to a capability-gated envelope router
// with a single owning goroutine per space instead of mutex-guarded maps
// accessed from every connection goroutine — spec.md §5 requires exactly
// one task to own all mutable state.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/config"
	"github.com/mew-protocol/gateway/internal/envelope"
	"github.com/mew-protocol/gateway/internal/history"
	"github.com/mew-protocol/gateway/internal/lifecycle"
	"github.com/mew-protocol/gateway/internal/participant"
	"github.com/mew-protocol/gateway/internal/proposal"
	"github.com/mew-protocol/gateway/internal/stream"
	"github.com/mew-protocol/gateway/internal/timer"
	"github.com/mew-protocol/gateway/internal/transport"
	"github.com/mew-protocol/gateway/pkg/logging"
)

// outboundQueueSize bounds each participant's outbound queue (spec.md §5:
// "if a recipient's outbound queue exceeds a bounded size, the router
// marks that recipient for disconnect rather than blocking the space").
const outboundQueueSize = 256

// eventKind discriminates the router's single serialized event stream
// (spec.md §5: "inbound envelope parsed, timer fired, participant
// connected, participant disconnected, transport error").
type eventKind int

const (
	eventInboundEnvelope eventKind = iota
	eventInboundBinary
	eventConnect
	eventDisconnect
	eventTransportError
	eventTimer
)

type routerEvent struct {
	kind eventKind

	participantID string
	raw           []byte
	streamID      string
	binary        []byte
	transport     transport.Transport
	staticCaps    []capability.Capability
	reason        string
	timerEvent    timer.Event
}

// Space is one MEW space: the full set of in-process components plus the
// single event queue that serializes every mutation (spec.md §5).
type Space struct {
	ID string

	registry   *participant.Registry
	streams    *stream.Table
	proposals  *proposal.Tracker
	grants     *capability.Table
	lifecycle  *lifecycle.Controller
	normalizer *envelope.Normalizer
	journal    *history.Log
	timers     *timer.Wheel

	staticCaps     map[string][]capability.Capability // participant id -> configured static capabilities
	proposalTTL    time.Duration
	idleTimeout    time.Duration // 0 disables idle reaping (spec.md §7)

	lastActivityMu sync.Mutex
	lastActivity   map[string]time.Time

	events    chan routerEvent
	timerCh   chan timer.Event
	transport map[string]transport.Transport

	outboundMu sync.Mutex
	outbound   map[string]chan *envelope.Envelope

	logger *logging.SessionLogger
}

// NewSpace creates a space from its configuration. idleTimeout is the
// gateway's default idle-disconnect timeout, overridden per-space by
// cfg.IdleTimeoutSeconds when set; 0 disables idle reaping. The returned
// space's Run method must be started exactly once, on its own goroutine,
// to begin processing events (spec.md §5's single router task).
func NewSpace(cfg config.SpaceConfig, journal *history.Log, logger *logging.SessionLogger, idleTimeout time.Duration) *Space {
	if cfg.IdleTimeoutSeconds > 0 {
		idleTimeout = time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	}
	timerCh := make(chan timer.Event, 64)
	s := &Space{
		ID:           cfg.ID,
		registry:     participant.New(),
		streams:      stream.NewTable(),
		proposals:    proposal.NewTracker(),
		grants:       capability.NewTable(),
		normalizer:   envelope.NewNormalizer(),
		journal:      journal,
		timerCh:      timerCh,
		staticCaps:   make(map[string][]capability.Capability),
		proposalTTL:  time.Duration(cfg.DefaultProposalTTLSeconds) * time.Second,
		idleTimeout:  idleTimeout,
		lastActivity: make(map[string]time.Time),
		events:       make(chan routerEvent, 256),
		transport:    make(map[string]transport.Transport),
		outbound:     make(map[string]chan *envelope.Envelope),
		logger:       logger,
	}
	s.timers = timer.New(timerCh)
	s.lifecycle = lifecycle.New(s.registry, s.streams)

	for _, p := range cfg.Participants {
		s.staticCaps[p.ID] = ConvertCapabilities(p.StaticCapabilities)
	}
	return s
}

// ConvertCapabilities adapts a space's configured static capabilities into
// the runtime capability.Capability form. Exported so cmd/gateway can build
// the same snapshot for broker.Service without reaching into a Space's
// internal staticCaps map from outside the router's single-writer goroutine
// (spec.md §5).
func ConvertCapabilities(cfgCaps []config.CapabilityConfig) []capability.Capability {
	out := make([]capability.Capability, 0, len(cfgCaps))
	for _, c := range cfgCaps {
		out = append(out, capability.Capability{Kind: c.Kind, To: c.To, Payload: c.Payload})
	}
	return out
}

// Run drives the space's single-writer event loop until ctx is canceled.
// Intended usage: `go space.Run(ctx)` once per space at startup. Run starts
// the space's timer wheel itself and forwards fired timers into the main
// event queue to preserve single-writer semantics (spec.md §5: "timers
// never mutate state directly").
func (s *Space) Run(ctx context.Context) {
	go s.timers.Run(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case te := <-s.timerCh:
				s.events <- routerEvent{kind: eventTimer, timerEvent: te}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

// Submit enqueues an event from a transport task. Safe to call
// concurrently from any number of transport goroutines; all dispatch
// happens serialized on Run's goroutine.
func (s *Space) Submit(ev routerEvent) {
	s.events <- ev
}

func (s *Space) handle(ctx context.Context, ev routerEvent) {
	switch ev.kind {
	case eventConnect:
		s.handleConnect(ctx, ev.participantID, ev.transport, ev.staticCaps)
	case eventDisconnect:
		s.handleDisconnect(ctx, ev.participantID, ev.reason)
	case eventTransportError:
		s.handleDisconnect(ctx, ev.participantID, ev.reason)
	case eventInboundEnvelope:
		s.handleInbound(ctx, ev.participantID, ev.raw)
	case eventInboundBinary:
		s.handleBinary(ev.participantID, ev.streamID, ev.binary)
	case eventTimer:
		s.handleTimer(ctx, ev.timerEvent)
	}
}

// outboundQueueFor returns (creating if necessary) a participant's bounded
// outbound queue and starts its drain goroutine.
func (s *Space) outboundQueueFor(ctx context.Context, participantID string, t transport.Transport) chan *envelope.Envelope {
	s.outboundMu.Lock()
	defer s.outboundMu.Unlock()
	if q, ok := s.outbound[participantID]; ok {
		return q
	}
	q := make(chan *envelope.Envelope, outboundQueueSize)
	s.outbound[participantID] = q
	go s.drainOutbound(ctx, participantID, t, q)
	return q
}

func (s *Space) drainOutbound(ctx context.Context, participantID string, t transport.Transport, q chan *envelope.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-q:
			if !ok {
				return
			}
			if err := t.Send(env); err != nil {
				// Transport errors disconnect the affected participant but
				// never block delivery to others (spec.md §4.4, §7).
				s.Submit(routerEvent{kind: eventTransportError, participantID: participantID, reason: fmt.Sprintf("write failed: %v", err)})
				return
			}
		}
	}
}

// touchActivity records now as participantID's latest activity and, if
// idle reaping is enabled, arms a one-shot idle-reap timer (spec.md §7,
// §5's "timers never mutate state directly": the timer only re-enters the
// event queue, handleTimer decides whether the participant is still idle
// when it fires).
func (s *Space) touchActivity(participantID string) {
	if s.idleTimeout <= 0 {
		return
	}
	s.lastActivityMu.Lock()
	s.lastActivity[participantID] = time.Now()
	s.lastActivityMu.Unlock()
	s.timers.Schedule(time.Now().Add(s.idleTimeout), timer.Event{Kind: "idle-reap", Subject: participantID})
}

func (s *Space) idleSince(participantID string) (time.Time, bool) {
	s.lastActivityMu.Lock()
	defer s.lastActivityMu.Unlock()
	t, ok := s.lastActivity[participantID]
	return t, ok
}

// enqueueOutbound pushes env onto participantID's outbound queue,
// disconnecting the recipient on overflow instead of blocking the space
// (spec.md §5 back-pressure policy).
func (s *Space) enqueueOutbound(participantID string, env *envelope.Envelope) {
	s.outboundMu.Lock()
	q, ok := s.outbound[participantID]
	s.outboundMu.Unlock()
	if !ok {
		return
	}
	select {
	case q <- env:
	default:
		s.Submit(routerEvent{kind: eventTransportError, participantID: participantID, reason: "BackpressureDisconnect"})
	}
}
