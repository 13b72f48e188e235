package broker

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/envelope"
	"github.com/mew-protocol/gateway/internal/lifecycle"
	"github.com/mew-protocol/gateway/internal/participant"
	"github.com/mew-protocol/gateway/internal/proposal"
	"github.com/mew-protocol/gateway/internal/stream"
	"github.com/mew-protocol/gateway/internal/timer"
	"github.com/mew-protocol/gateway/internal/transport"
)

// handleConnect admits a participant: registers it, sends its welcome
// (which must precede every other envelope, spec.md §3 and §5), then
// broadcasts presence join (spec.md §5: "after the connecting participant
// has received its welcome").
func (s *Space) handleConnect(ctx context.Context, id string, t transport.Transport, staticCaps []capability.Capability) {
	if _, err := s.registry.Connect(id, nil, staticCaps); err != nil {
		return
	}
	s.staticCaps[id] = staticCaps
	s.transport[id] = t
	s.lifecycle.Track(id)
	s.outboundQueueFor(ctx, id, t)
	s.touchActivity(id)

	welcome := s.buildWelcome(id)
	s.enqueueOutbound(id, welcome)

	if s.logger != nil {
		s.logger.Connect(id)
	}

	s.broadcastPresence(id, "join")
}

// handleDisconnect tears a participant down: closes its streams per the
// disconnect policy (spec.md §4.5), removes it from the registry, closes
// its transport and outbound queue, then broadcasts presence leave (spec.md
// §5: "after the participant is removed from the registry").
func (s *Space) handleDisconnect(ctx context.Context, id, reason string) {
	if !s.registry.Connected(id) {
		return
	}

	closed := s.streams.DisconnectParticipant(id)
	for _, streamID := range closed {
		s.broadcastSystem(envelope.Kind.StreamClose, map[string]interface{}{"stream_id": streamID, "reason": "owner disconnected"})
	}

	s.registry.Disconnect(id)
	s.lifecycle.Untrack(id)

	if t, ok := s.transport[id]; ok {
		_ = t.Close()
		delete(s.transport, id)
	}

	s.outboundMu.Lock()
	if q, ok := s.outbound[id]; ok {
		close(q)
		delete(s.outbound, id)
	}
	s.outboundMu.Unlock()

	if s.logger != nil {
		s.logger.Disconnect(id, reason)
	}

	s.broadcastPresence(id, "leave")
}

// handleInbound runs one inbound message through normalize -> capability
// check -> side effects -> route, per spec.md §2's data/control flow.
func (s *Space) handleInbound(ctx context.Context, senderID string, raw []byte) {
	s.touchActivity(senderID)

	env, err := s.normalizer.Normalize(raw, senderID)
	if err != nil {
		s.rejectNormalize(senderID, err)
		return
	}

	if envelope.IsSystemKind(env.Kind) {
		// Participants may never emit system/* kinds (spec.md §4.2, §9).
		s.rejectCapability(env, "Forbidden: system/* kinds are gateway-originated only")
		return
	}

	if p, ok := s.registry.Get(senderID); ok && p.State == participant.StatePaused {
		if !lifecycle.AllowedWhilePaused(env.Kind) {
			s.rejectCapability(env, "Paused")
			return
		}
	}

	effective := capability.EffectiveSet(s.staticCaps[senderID], s.grants, senderID)
	verdict := capability.Allow(effective, false, env.Kind, env.To, env.Payload)
	if !verdict.Allowed {
		reason := verdict.Reason
		if !envelope.KnownKind(env.Kind) {
			reason = "UnknownKind"
		}
		s.rejectCapability(env, reason)
		return
	}

	s.applySideEffects(ctx, env)
	s.route(ctx, env)
}

func (s *Space) handleBinary(senderID, streamID string, frame []byte) {
	if !s.streams.AuthorizeFrame(streamID, senderID) {
		s.sendError(senderID, "UnauthorizedStreamWrite", fmt.Sprintf("not an authorized writer for stream %s", streamID), "", nil)
		return
	}
	st, ok := s.streams.Get(streamID)
	if !ok {
		return
	}
	for _, writer := range st.AuthorizedWriterList() {
		if writer == senderID {
			continue
		}
		if t, ok := s.transport[writer]; ok {
			_ = t.SendBinary(streamID, frame)
		}
	}
}

// handleTimer applies a fired timer's effect through the single-writer
// event loop (spec.md §4.12: "timers never mutate state directly" — the
// mutation happens here, not inside internal/timer).
func (s *Space) handleTimer(ctx context.Context, ev timer.Event) {
	switch ev.Kind {
	case "pause-resume":
		if err := s.lifecycle.Resume(ev.Subject); err == nil {
			resumeEnv, _ := envelope.NewEnvelope(envelope.GatewayID, []string{ev.Subject}, envelope.Kind.ParticipantResume, nil, map[string]string{"reason": "pause timeout elapsed"})
			s.route(ctx, resumeEnv)
			s.broadcastStatus(ev.Subject, "active")
		}
	case "proposal-timeout":
		// A proposal already Fulfilled (or previously timed out) before its
		// deadline elapsed must not get a spurious timeout notice (spec.md
		// S2: "if 5 minutes pass with no response").
		if p, ok := s.proposals.Get(ev.Subject); ok && p.Status == proposal.Open {
			for _, expired := range s.proposals.ExpireOlderThan(time.Now()) {
				if expired.ID != p.ID {
					continue
				}
				timeoutEnv, _ := envelope.NewEnvelope(envelope.GatewayID, []string{expired.Proposer}, envelope.Kind.ProposalTimeout, []string{expired.ID}, map[string]string{"proposal_id": expired.ID})
				s.route(ctx, timeoutEnv)
			}
		}
	case "idle-reap":
		last, ok := s.idleSince(ev.Subject)
		if !ok || !s.registry.Connected(ev.Subject) {
			return
		}
		if time.Since(last) >= s.idleTimeout {
			s.handleDisconnect(ctx, ev.Subject, "IdleTimeout")
		}
	}
}

// applySideEffects performs the table mutations and gateway-originated
// acknowledgements each kind requires, per spec.md §4.5, §4.6, §4.7, §4.11.
func (s *Space) applySideEffects(ctx context.Context, env *envelope.Envelope) {
	switch env.Kind {
	case envelope.Kind.StreamRequest:
		s.handleStreamRequest(env)
	case envelope.Kind.StreamGrantWrite:
		s.handleStreamGrantWrite(env)
	case envelope.Kind.StreamRevokeWrite:
		s.handleStreamRevokeWrite(env)
	case envelope.Kind.StreamTransferOwnership:
		s.handleStreamTransfer(env)
	case envelope.Kind.StreamClose:
		if err := s.streams.Close(streamIDFromPayload(env), env.From); err != nil {
			s.rejectStreamError(env, err)
		}

	case envelope.Kind.CapabilityGrant:
		s.handleCapabilityGrant(env)
	case envelope.Kind.CapabilityGrantAck:
		s.handleCapabilityGrantAck(env)
	case envelope.Kind.CapabilityRevoke:
		s.handleCapabilityRevoke(env)

	case envelope.Kind.ParticipantPause:
		s.handlePause(env)
	case envelope.Kind.ParticipantResume:
		if err := s.lifecycle.Resume(env.From); err == nil {
			s.broadcastStatus(env.From, "active")
		}
	case envelope.Kind.ParticipantCompact:
		if err := s.lifecycle.BeginCompacting(targetOrSelf(env)); err == nil {
			s.broadcastStatus(targetOrSelf(env), "compacting")
		}
	case envelope.Kind.ParticipantCompactDone:
		target := env.From
		if err := s.lifecycle.CompleteCompacting(target); err == nil {
			restored, _ := s.lifecycle.State(target)
			s.broadcastStatus(target, string(restored))
		}
	case envelope.Kind.ParticipantClear:
		target := targetOrSelf(env)
		if err := s.lifecycle.Clear(target); err == nil {
			s.broadcastStatus(target, "clearing")
			if err := s.lifecycle.Resume(target); err == nil {
				s.broadcastStatus(target, "active")
			}
		}
	case envelope.Kind.ParticipantRestart:
		target := targetOrSelf(env)
		if closed, err := s.lifecycle.Restart(target); err == nil {
			for _, streamID := range closed {
				s.broadcastSystem(envelope.Kind.StreamClose, map[string]interface{}{"stream_id": streamID, "reason": "owner restarted"})
			}
			if err := s.lifecycle.Resume(target); err == nil {
				s.broadcastStatus(target, "active")
			}
		}
	case envelope.Kind.ParticipantShutdown:
		target := targetOrSelf(env)
		_ = s.lifecycle.Shutdown(target)
		s.handleDisconnect(ctx, target, "shutdown")

	case envelope.Kind.MCPProposal:
		s.proposals.Open(env.ID, env.From, env.Payload, s.proposalTTL)
		s.timers.Schedule(time.Now().Add(s.proposalTTL), timer.Event{Kind: "proposal-timeout", Subject: env.ID})
	case envelope.Kind.MCPRequest:
		if p, ok := s.proposals.MatchRequest(env.CorrelationID, env.Payload); ok {
			s.proposals.LinkRequest(p.ID, env.ID)
		}
	case envelope.Kind.MCPResponse:
		s.proposals.MatchResponse(env.CorrelationID)
	}
}

func (s *Space) handleStreamRequest(env *envelope.Envelope) {
	var payload map[string]interface{}
	_ = env.UnmarshalPayload(&payload)
	direction := stream.Upload
	if d, _ := payload["direction"].(string); d == string(stream.Download) {
		direction = stream.Download
	}
	delete(payload, "direction")
	streamID := env.ID
	if sid, ok := payload["stream_id"].(string); ok && sid != "" {
		streamID = sid
	}
	s.streams.Request(streamID, env.From, direction, payload)
}

func (s *Space) handleStreamGrantWrite(env *envelope.Envelope) {
	var payload struct {
		StreamID      string `json:"stream_id"`
		ParticipantID string `json:"participant_id"`
	}
	_ = env.UnmarshalPayload(&payload)
	if err := s.streams.GrantWrite(payload.StreamID, env.From, payload.ParticipantID); err != nil {
		s.rejectStreamError(env, err)
		return
	}
	s.broadcastSystem(envelope.Kind.StreamWriteGranted, payload)
}

func (s *Space) handleStreamRevokeWrite(env *envelope.Envelope) {
	var payload struct {
		StreamID      string `json:"stream_id"`
		ParticipantID string `json:"participant_id"`
	}
	_ = env.UnmarshalPayload(&payload)
	if err := s.streams.RevokeWrite(payload.StreamID, env.From, payload.ParticipantID); err != nil {
		s.rejectStreamError(env, err)
		return
	}
	s.broadcastSystem(envelope.Kind.StreamWriteRevoked, payload)
}

func (s *Space) handleStreamTransfer(env *envelope.Envelope) {
	var payload struct {
		StreamID string `json:"stream_id"`
		NewOwner string `json:"new_owner"`
	}
	_ = env.UnmarshalPayload(&payload)
	if err := s.streams.TransferOwnership(payload.StreamID, env.From, payload.NewOwner); err != nil {
		s.rejectStreamError(env, err)
		return
	}
	s.broadcastSystem(envelope.Kind.StreamOwnershipTransferred, payload)
}

func (s *Space) handleCapabilityGrant(env *envelope.Envelope) {
	var payload struct {
		Recipient    string                  `json:"recipient"`
		Capabilities []capability.Capability `json:"capabilities"`
		GrantID      string                  `json:"grant_id"`
		Reason       string                  `json:"reason"`
	}
	if err := env.UnmarshalPayload(&payload); err != nil {
		return
	}
	grantorEffective := capability.EffectiveSet(s.staticCaps[env.From], s.grants, env.From)
	for _, cap := range payload.Capabilities {
		immediate := grantorAlreadyHolds(grantorEffective, cap)
		s.grants.Grant(env.From, payload.Recipient, cap, payload.GrantID, payload.Reason, immediate)
	}
}

func (s *Space) handleCapabilityGrantAck(env *envelope.Envelope) {
	var payload struct {
		GrantID string `json:"grant_id"`
	}
	_ = env.UnmarshalPayload(&payload)
	s.grants.Ack(payload.GrantID, env.From)
}

func (s *Space) handleCapabilityRevoke(env *envelope.Envelope) {
	var payload struct {
		GrantID    string               `json:"grant_id"`
		Recipient  string               `json:"recipient"`
		Capability *capability.Capability `json:"capability"`
	}
	_ = env.UnmarshalPayload(&payload)
	if payload.GrantID != "" {
		s.grants.Revoke(payload.GrantID)
		return
	}
	if payload.Capability != nil {
		s.grants.RevokeMatching(payload.Recipient, *payload.Capability)
	}
}

func (s *Space) handlePause(env *envelope.Envelope) {
	var payload struct {
		Reason         string `json:"reason"`
		TimeoutSeconds int64  `json:"timeout_seconds"`
	}
	_ = env.UnmarshalPayload(&payload)
	target := targetOrSelf(env)
	if err := s.lifecycle.Pause(target, payload.TimeoutSeconds, payload.Reason); err != nil {
		return
	}
	if payload.TimeoutSeconds > 0 {
		s.timers.Schedule(time.Now().Add(time.Duration(payload.TimeoutSeconds)*time.Second), timer.Event{Kind: "pause-resume", Subject: target})
	}
	s.broadcastStatus(target, "paused")
}

// grantorAlreadyHolds reports whether cap is already in the grantor's own
// effective set (same kind, recipient restriction and payload pattern),
// the trigger for immediate (un-acked) acceptance per spec.md §4.11's
// "required for elevated grants, optional otherwise" recommended default.
func grantorAlreadyHolds(effective []capability.Capability, cap capability.Capability) bool {
	for _, c := range effective {
		if c.Kind == cap.Kind && reflect.DeepEqual(c.To, cap.To) && reflect.DeepEqual(c.Payload, cap.Payload) {
			return true
		}
	}
	return false
}

func targetOrSelf(env *envelope.Envelope) string {
	if len(env.To) > 0 {
		return env.To[0]
	}
	return env.From
}

func streamIDFromPayload(env *envelope.Envelope) string {
	var payload struct {
		StreamID string `json:"stream_id"`
	}
	_ = env.UnmarshalPayload(&payload)
	return payload.StreamID
}

// route persists env to history, then delivers it to every recipient
// except the sender, silently skipping disconnected ids (spec.md §4.4).
func (s *Space) route(ctx context.Context, env *envelope.Envelope) {
	if _, err := s.journal.Append(ctx, env); err != nil {
		return
	}

	if env.IsBroadcast() {
		for _, p := range s.registry.Others(env.From) {
			s.enqueueOutbound(p.ID, env)
		}
		return
	}
	for _, id := range env.To {
		if id == env.From {
			continue
		}
		if s.registry.Connected(id) {
			s.enqueueOutbound(id, env)
		}
	}
}

// broadcastSystem routes a gateway-originated envelope of the given kind
// to every connected participant, recording it in history like any other
// envelope.
func (s *Space) broadcastSystem(kind string, payload interface{}) {
	env, err := envelope.NewEnvelope(envelope.GatewayID, nil, kind, nil, payload)
	if err != nil {
		return
	}
	s.route(context.Background(), env)
}

func (s *Space) broadcastStatus(participantID, state string) {
	s.broadcastSystem(envelope.Kind.ParticipantStatus, map[string]interface{}{"participant_id": participantID, "state": state})
}

func (s *Space) broadcastPresence(participantID, event string) {
	s.broadcastSystem(envelope.Kind.SystemPresence, map[string]interface{}{"participant_id": participantID, "event": event})
}

// rejectNormalize reflects a normalizer-level rejection back to the sender
// as a system/error (spec.md §7: "reject the envelope, send system/error
// to the sender, do not disconnect unless the transport is corrupted").
func (s *Space) rejectNormalize(senderID string, err error) {
	code := "MalformedEnvelope"
	if ne, ok := err.(*envelope.NormError); ok {
		code = ne.Code
	}
	s.sendError(senderID, code, err.Error(), "", nil)
}

// rejectStreamError reflects a stream-table operation failure back to the
// sender as a system/error (spec.md §4.5/§7, the S4 scenario: "fails...
// with Forbidden" must actually reach the caller, not vanish silently).
func (s *Space) rejectStreamError(env *envelope.Envelope, err error) {
	code := "InvalidOperation"
	switch err.(type) {
	case *stream.ForbiddenError:
		code = "Forbidden"
	case *stream.NotFoundError:
		code = "StreamNotFound"
	case *stream.InvalidOperationError:
		code = "InvalidOperation"
	}
	s.sendError(env.From, code, err.Error(), env.Kind, nil)
}

func (s *Space) rejectCapability(env *envelope.Envelope, reason string) {
	if s.logger != nil {
		s.logger.CapabilityDenied(env.From, env.Kind, reason)
	}
	effective := capability.EffectiveSet(s.staticCaps[env.From], s.grants, env.From)
	s.sendError(env.From, reason, fmt.Sprintf("denied: %s", env.Kind), env.Kind, effective)
}

func (s *Space) sendError(recipient, code, message, attemptedKind string, yourCaps []capability.Capability) {
	payload := map[string]interface{}{"error": code, "message": message}
	if attemptedKind != "" {
		payload["attempted_kind"] = attemptedKind
	}
	if yourCaps != nil {
		payload["your_capabilities"] = yourCaps
	}
	env, err := envelope.NewEnvelope(envelope.GatewayID, []string{recipient}, envelope.Kind.SystemError, nil, payload)
	if err != nil {
		return
	}
	if s.registry.Connected(recipient) {
		s.enqueueOutbound(recipient, env)
	}
}
