package envelope

import "testing"

func TestNormalizeFillsDefaults(t *testing.T) {
	n := NewNormalizer()
	raw := []byte(`{"kind":"chat/message","payload":{"text":"hi"}}`)

	env, err := n.Normalize(raw, "alice")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if env.Protocol != Protocol {
		t.Errorf("protocol = %q, want %q", env.Protocol, Protocol)
	}
	if env.From != "alice" {
		t.Errorf("from = %q, want alice", env.From)
	}
	if env.ID == "" {
		t.Error("expected a generated id")
	}
	if env.TS.IsZero() {
		t.Error("expected a stamped timestamp")
	}
}

func TestNormalizeRejectsSpoofedSender(t *testing.T) {
	n := NewNormalizer()
	raw := []byte(`{"from":"mallory","kind":"chat/message"}`)

	_, err := n.Normalize(raw, "alice")
	var nerr *NormError
	if err == nil {
		t.Fatal("expected an error")
	}
	if !asNormError(err, &nerr) || nerr.Code != ErrSpoofedSender {
		t.Errorf("err = %v, want %s", err, ErrSpoofedSender)
	}
}

func TestNormalizeRejectsDuplicateID(t *testing.T) {
	n := NewNormalizer()
	raw := []byte(`{"id":"env-1","kind":"chat/message"}`)

	if _, err := n.Normalize(raw, "alice"); err != nil {
		t.Fatalf("first Normalize: %v", err)
	}
	_, err := n.Normalize(raw, "alice")
	var nerr *NormError
	if err == nil {
		t.Fatal("expected a duplicate-id error")
	}
	if !asNormError(err, &nerr) || nerr.Code != ErrDuplicateEnvelope {
		t.Errorf("err = %v, want %s", err, ErrDuplicateEnvelope)
	}
}

func TestNormalizeRejectsMissingKind(t *testing.T) {
	n := NewNormalizer()
	raw := []byte(`{"from":"alice"}`)

	_, err := n.Normalize(raw, "alice")
	var nerr *NormError
	if err == nil {
		t.Fatal("expected an error")
	}
	if !asNormError(err, &nerr) || nerr.Code != ErrMalformedEnvelope {
		t.Errorf("err = %v, want %s", err, ErrMalformedEnvelope)
	}
}

func TestNormalizeCoercesScalarCorrelationID(t *testing.T) {
	n := NewNormalizer()
	raw := []byte(`{"kind":"chat/message","correlation_id":"req-1"}`)

	env, err := n.Normalize(raw, "alice")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(env.CorrelationID) != 1 || env.CorrelationID[0] != "req-1" {
		t.Errorf("correlation_id = %v, want [req-1]", env.CorrelationID)
	}
	if !env.Correlates("req-1") {
		t.Error("expected Correlates(req-1) to be true")
	}
}

func TestRecipientsDefaultsToBroadcastToken(t *testing.T) {
	env := &Envelope{}
	recipients := env.Recipients()
	if len(recipients) != 1 || recipients[0] != BroadcastToken {
		t.Errorf("Recipients() = %v, want [%s]", recipients, BroadcastToken)
	}
	if !env.IsBroadcast() {
		t.Error("expected IsBroadcast() true for empty To")
	}
}

func asNormError(err error, target **NormError) bool {
	nerr, ok := err.(*NormError)
	if !ok {
		return false
	}
	*target = nerr
	return true
}
