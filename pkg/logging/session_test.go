package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesSessionHeader(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, true)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer logger.Close()

	logger.Connect("alice")
	logger.Disconnect("alice", "transport closed")
	logger.CapabilityDenied("bob", "mcp/request", "no matching capability")

	path := logger.SessionPath()
	if filepath.Dir(path) != dir {
		t.Fatalf("expected session file under %s, got %s", dir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	content := string(data)
	for _, want := range []string{"=== Gateway Session Started ===", "CONNECT", "alice", "DISCONNECT", "DENY", "bob"} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected session log to contain %q, got:\n%s", want, content)
		}
	}
}

func TestGlobalLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, true)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer logger.Close()

	SetGlobal(logger)
	if Global() != logger {
		t.Fatal("expected global logger to round-trip")
	}
}
