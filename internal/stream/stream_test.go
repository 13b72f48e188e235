package stream

import "testing"

func TestOwnerIrrevocable(t *testing.T) {
	tbl := NewTable()
	tbl.Request("S1", "alice", Upload, nil)

	if err := tbl.RevokeWrite("S1", "alice", "alice"); err == nil {
		t.Fatal("expected error revoking owner's own write access")
	}
}

func TestGrantRevokeTransfer(t *testing.T) {
	tbl := NewTable()
	tbl.Request("S1", "alice", Upload, map[string]interface{}{"content_type": "application/x-foo"})

	if err := tbl.GrantWrite("S1", "alice", "bob"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if !tbl.AuthorizeFrame("S1", "bob") {
		t.Fatal("expected bob authorized after grant")
	}

	if err := tbl.TransferOwnership("S1", "alice", "bob"); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	s, _ := tbl.Get("S1")
	if s.Owner != "bob" {
		t.Fatalf("expected owner bob, got %s", s.Owner)
	}

	// Alice is no longer owner; her revoke attempt on bob must fail.
	if err := tbl.RevokeWrite("S1", "alice", "bob"); err == nil {
		t.Fatal("expected forbidden: alice is no longer owner")
	}
}

func TestDisconnectClosesSoleOwnerStream(t *testing.T) {
	tbl := NewTable()
	tbl.Request("S1", "alice", Upload, nil)
	tbl.Request("S2", "alice", Upload, nil)
	tbl.GrantWrite("S2", "alice", "bob")

	closed := tbl.DisconnectParticipant("alice")
	if len(closed) != 1 || closed[0] != "S1" {
		t.Fatalf("expected only S1 closed, got %v", closed)
	}
	if _, ok := tbl.Get("S2"); !ok {
		t.Fatal("S2 should remain open: bob is still an authorized writer")
	}
}

func TestMetadataPreservedVerbatim(t *testing.T) {
	tbl := NewTable()
	meta := map[string]interface{}{
		"content_type": "application/x-game-positions",
		"format":       "binary-vector3",
		"metadata":     map[string]interface{}{"update_rate_hz": 60},
	}
	tbl.Request("S1", "A", Upload, meta)

	s, _ := tbl.Get("S1")
	if s.Metadata["content_type"] != "application/x-game-positions" {
		t.Fatal("expected content_type preserved verbatim")
	}
	nested, ok := s.Metadata["metadata"].(map[string]interface{})
	if !ok || nested["update_rate_hz"] != 60 {
		t.Fatal("expected nested metadata preserved verbatim")
	}
}
