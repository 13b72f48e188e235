package participant

import "testing"

func TestConnectAndGet(t *testing.T) {
	r := New()
	p, err := r.Connect("alice", []string{"tok"}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p.State != StateActive {
		t.Errorf("state = %s, want %s", p.State, StateActive)
	}

	got, ok := r.Get("alice")
	if !ok || got.ID != "alice" {
		t.Errorf("Get(alice) = %v, %v", got, ok)
	}
}

func TestConnectRejectsDuplicate(t *testing.T) {
	r := New()
	if _, err := r.Connect("alice", nil, nil); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	_, err := r.Connect("alice", nil, nil)
	if err == nil {
		t.Fatal("expected AlreadyConnectedError")
	}
	if _, ok := err.(*AlreadyConnectedError); !ok {
		t.Errorf("err = %T, want *AlreadyConnectedError", err)
	}
}

func TestDisconnectRemoves(t *testing.T) {
	r := New()
	r.Connect("alice", nil, nil)
	r.Disconnect("alice")
	if r.Connected("alice") {
		t.Error("expected alice to be disconnected")
	}
}

func TestOthersExcludesSelf(t *testing.T) {
	r := New()
	r.Connect("alice", nil, nil)
	r.Connect("bob", nil, nil)

	others := r.Others("alice")
	if len(others) != 1 || others[0].ID != "bob" {
		t.Errorf("Others(alice) = %v, want [bob]", others)
	}
}

func TestSetState(t *testing.T) {
	r := New()
	r.Connect("alice", nil, nil)
	r.SetState("alice", StatePaused)

	p, _ := r.Get("alice")
	if p.State != StatePaused {
		t.Errorf("state = %s, want %s", p.State, StatePaused)
	}
}

func TestVerifyTokenConstantTime(t *testing.T) {
	if !VerifyToken([]string{"a", "b", "secret"}, "secret") {
		t.Error("expected matching token to verify")
	}
	if VerifyToken([]string{"a", "b"}, "secret") {
		t.Error("expected non-matching token to fail")
	}
	if VerifyToken(nil, "secret") {
		t.Error("expected empty token list to fail")
	}
}
