package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/config"
	"github.com/mew-protocol/gateway/internal/envelope"
	"github.com/mew-protocol/gateway/internal/history"
)

// fakeTransport captures every envelope sent to it, for assertions. Its
// Recv blocks forever; tests submit inbound traffic to the space directly.
type fakeTransport struct {
	sent chan *envelope.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan *envelope.Envelope, 32)}
}

func (f *fakeTransport) Send(env *envelope.Envelope) error {
	f.sent <- env
	return nil
}
func (f *fakeTransport) SendBinary(streamID string, frame []byte) error { return nil }
func (f *fakeTransport) Recv() ([]byte, string, []byte, error) {
	select {}
}
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) awaitKind(t *testing.T, kind string, timeout time.Duration) *envelope.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-f.sent:
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for envelope kind %q", kind)
			return nil
		}
	}
}

func newTestSpace(t *testing.T, participants ...config.ParticipantConfig) (*Space, context.Context, context.CancelFunc) {
	return newTestSpaceWithIdleTimeout(t, 0, participants...)
}

func newTestSpaceWithIdleTimeout(t *testing.T, idleTimeout time.Duration, participants ...config.ParticipantConfig) (*Space, context.Context, context.CancelFunc) {
	t.Helper()
	journal, err := history.Open(history.Config{})
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	cfg := config.SpaceConfig{
		ID:                        "test-space",
		DefaultProposalTTLSeconds: 60,
		Participants:              participants,
	}
	space := NewSpace(cfg, journal, nil, idleTimeout)
	ctx, cancel := context.WithCancel(context.Background())
	go space.Run(ctx)
	return space, ctx, cancel
}

func connect(space *Space, id string, caps []capability.Capability) *fakeTransport {
	t := newFakeTransport()
	space.Submit(routerEvent{kind: eventConnect, participantID: id, transport: t, staticCaps: caps})
	return t
}

func TestConnectSendsWelcomeBeforePresence(t *testing.T) {
	space, _, cancel := newTestSpace(t)
	defer cancel()

	alice := connect(space, "alice", nil)
	var welcome *envelope.Envelope
	select {
	case welcome = <-alice.sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first envelope")
	}
	if welcome.Kind != envelope.Kind.SystemWelcome {
		t.Fatalf("first envelope kind = %q, want %q", welcome.Kind, envelope.Kind.SystemWelcome)
	}
	if welcome.To[0] != "alice" {
		t.Errorf("welcome addressed to %v, want alice", welcome.To)
	}
}

func TestSecondConnectBroadcastsPresenceToFirst(t *testing.T) {
	space, _, cancel := newTestSpace(t)
	defer cancel()

	alice := connect(space, "alice", nil)
	alice.awaitKind(t, envelope.Kind.SystemWelcome, time.Second)

	connect(space, "bob", nil)
	presence := alice.awaitKind(t, envelope.Kind.SystemPresence, time.Second)

	var payload struct {
		ParticipantID string `json:"participant_id"`
		Event         string `json:"event"`
	}
	if err := presence.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("unmarshal presence payload: %v", err)
	}
	if payload.ParticipantID != "bob" || payload.Event != "join" {
		t.Errorf("presence payload = %+v, want bob/join", payload)
	}
}

func TestCapabilityAllowsRoutedMessage(t *testing.T) {
	space, _, cancel := newTestSpace(t)
	defer cancel()

	chatCap := []capability.Capability{{Kind: "chat/*"}}
	alice := connect(space, "alice", chatCap)
	alice.awaitKind(t, envelope.Kind.SystemWelcome, time.Second)
	bob := connect(space, "bob", chatCap)
	bob.awaitKind(t, envelope.Kind.SystemWelcome, time.Second)
	alice.awaitKind(t, envelope.Kind.SystemPresence, time.Second) // bob's join, drained so it doesn't race the assertion below

	raw, _ := json.Marshal(map[string]interface{}{
		"kind":    "chat/message",
		"to":      []string{"bob"},
		"payload": map[string]string{"text": "hi"},
	})
	space.Submit(routerEvent{kind: eventInboundEnvelope, participantID: "alice", raw: raw})

	msg := bob.awaitKind(t, "chat/message", time.Second)
	if msg.From != "alice" {
		t.Errorf("from = %q, want alice", msg.From)
	}
}

func TestCapabilityDeniesUnauthorizedKind(t *testing.T) {
	space, _, cancel := newTestSpace(t)
	defer cancel()

	alice := connect(space, "alice", nil) // no capabilities at all
	alice.awaitKind(t, envelope.Kind.SystemWelcome, time.Second)

	raw, _ := json.Marshal(map[string]interface{}{
		"kind": "chat/message",
		"to":   []string{"bob"},
	})
	space.Submit(routerEvent{kind: eventInboundEnvelope, participantID: "alice", raw: raw})

	errEnv := alice.awaitKind(t, envelope.Kind.SystemError, time.Second)
	var payload struct {
		Error string `json:"error"`
	}
	errEnv.UnmarshalPayload(&payload)
	if payload.Error == "" {
		t.Error("expected a non-empty denial reason")
	}
}

func TestPauseBlocksNonExemptEnvelopes(t *testing.T) {
	space, _, cancel := newTestSpace(t)
	defer cancel()

	chatCap := []capability.Capability{{Kind: "chat/*"}, {Kind: "participant/*"}}
	alice := connect(space, "alice", chatCap)
	alice.awaitKind(t, envelope.Kind.SystemWelcome, time.Second)

	pauseRaw, _ := json.Marshal(map[string]interface{}{"kind": envelope.Kind.ParticipantPause, "payload": map[string]interface{}{"reason": "test"}})
	space.Submit(routerEvent{kind: eventInboundEnvelope, participantID: "alice", raw: pauseRaw})
	alice.awaitKind(t, envelope.Kind.ParticipantStatus, time.Second)

	chatRaw, _ := json.Marshal(map[string]interface{}{"kind": "chat/message", "to": []string{"bob"}})
	space.Submit(routerEvent{kind: eventInboundEnvelope, participantID: "alice", raw: chatRaw})

	errEnv := alice.awaitKind(t, envelope.Kind.SystemError, time.Second)
	var payload struct {
		Error string `json:"error"`
	}
	errEnv.UnmarshalPayload(&payload)
	if payload.Error != "Paused" {
		t.Errorf("error = %q, want Paused", payload.Error)
	}
}

func TestIdleParticipantIsReaped(t *testing.T) {
	space, _, cancel := newTestSpaceWithIdleTimeout(t, 20*time.Millisecond)
	defer cancel()

	alice := connect(space, "alice", nil)
	alice.awaitKind(t, envelope.Kind.SystemWelcome, time.Second)

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for idle participant to be disconnected")
		default:
		}
		if !space.registry.Connected("alice") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
