package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadAppliesGatewayDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "gateway.yaml", "debug: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Gateway.PipeAddr != ":9001" || cfg.Gateway.SocketAddr != ":9002" {
		t.Fatalf("expected default addrs, got %+v", cfg.Gateway)
	}
}

func TestLoadSpacesMultiDocument(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "spaces.yaml", `
space:
  id: demo
  participants:
    - id: human
      tokens: ["secret1"]
---
space:
  id: demo2
  participants:
    - id: agent
      tokens: ["secret2"]
`)
	cfg := &Config{BaseDir: dir, Spaces: []string{"spaces.yaml"}}
	spaces, err := cfg.LoadSpaces()
	if err != nil {
		t.Fatalf("load spaces failed: %v", err)
	}
	if len(spaces) != 2 {
		t.Fatalf("expected 2 space documents, got %d", len(spaces))
	}
	if spaces[0].DefaultProposalTTLSeconds != 300 {
		t.Fatalf("expected default proposal ttl 300, got %d", spaces[0].DefaultProposalTTLSeconds)
	}
}

func TestValidateRejectsDuplicateParticipants(t *testing.T) {
	spaces := []SpaceConfig{{
		ID: "demo",
		Participants: []ParticipantConfig{
			{ID: "a", Tokens: []string{"x"}},
			{ID: "a", Tokens: []string{"y"}},
		},
	}}
	if err := Validate(spaces); err == nil {
		t.Fatal("expected validation error for duplicate participant id")
	}
}

func TestValidateRejectsMissingTokens(t *testing.T) {
	spaces := []SpaceConfig{{
		ID:           "demo",
		Participants: []ParticipantConfig{{ID: "a"}},
	}}
	if err := Validate(spaces); err == nil {
		t.Fatal("expected validation error for missing tokens")
	}
}
