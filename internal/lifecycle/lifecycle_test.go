package lifecycle

import (
	"testing"
	"time"

	"github.com/mew-protocol/gateway/internal/participant"
)

type fakeStreamCloser struct{ closed []string }

func (f *fakeStreamCloser) DisconnectParticipant(id string) []string {
	return f.closed
}

func newController() (*Controller, *participant.Registry, *fakeStreamCloser) {
	reg := participant.New()
	reg.Connect("alice", nil, nil)
	fsc := &fakeStreamCloser{closed: []string{"S1"}}
	c := New(reg, fsc)
	c.Track("alice")
	return c, reg, fsc
}

func TestPauseResume(t *testing.T) {
	c, _, _ := newController()
	if err := c.Pause("alice", 0, "thinking"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	st, _ := c.State("alice")
	if st != participant.StatePaused {
		t.Fatalf("expected paused, got %s", st)
	}
	if err := c.Pause("alice", 0, "again"); err == nil {
		t.Fatal("expected error pausing an already-paused participant")
	}
	if err := c.Resume("alice"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	st, _ = c.State("alice")
	if st != participant.StateActive {
		t.Fatalf("expected active, got %s", st)
	}
}

func TestAutoResumeDeadline(t *testing.T) {
	c, _, _ := newController()
	c.Pause("alice", 1, "brb")
	if due := c.DueResumes(time.Now()); len(due) != 0 {
		t.Fatal("expected no due resumes yet")
	}
	future := time.Now().Add(2 * time.Second)
	due := c.DueResumes(future)
	if len(due) != 1 || due[0] != "alice" {
		t.Fatalf("expected alice due for resume, got %v", due)
	}
}

func TestCompactingRoundTrip(t *testing.T) {
	c, _, _ := newController()
	if err := c.BeginCompacting("alice"); err != nil {
		t.Fatalf("begin compacting failed: %v", err)
	}
	if err := c.CompleteCompacting("alice"); err != nil {
		t.Fatalf("complete compacting failed: %v", err)
	}
	st, _ := c.State("alice")
	if st != participant.StateActive {
		t.Fatalf("expected restored to active, got %s", st)
	}
}

func TestCompactingFromPausedRestoresToPaused(t *testing.T) {
	c, _, _ := newController()
	if err := c.Pause("alice", 0, "thinking"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := c.BeginCompacting("alice"); err != nil {
		t.Fatalf("begin compacting failed: %v", err)
	}
	st, _ := c.State("alice")
	if st != participant.StateCompacting {
		t.Fatalf("expected compacting, got %s", st)
	}
	if err := c.CompleteCompacting("alice"); err != nil {
		t.Fatalf("complete compacting failed: %v", err)
	}
	st, _ = c.State("alice")
	if st != participant.StatePaused {
		t.Fatalf("expected restored to paused, got %s", st)
	}
}

func TestBeginCompactingRejectsShutDown(t *testing.T) {
	c, _, _ := newController()
	if err := c.Shutdown("alice"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := c.BeginCompacting("alice"); err == nil {
		t.Fatal("expected error compacting a shut-down participant")
	}
}

func TestRestartClosesOwnedStreams(t *testing.T) {
	c, _, fsc := newController()
	closed, err := c.Restart("alice")
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if len(closed) != 1 || closed[0] != "S1" {
		t.Fatalf("expected S1 closed via restart, got %v", closed)
	}
	_ = fsc
}

func TestShutdownIsTerminal(t *testing.T) {
	c, _, _ := newController()
	if err := c.Shutdown("alice"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := c.Restart("alice"); err == nil {
		t.Fatal("expected error restarting a shut-down participant")
	}
}

func TestAllowedWhilePaused(t *testing.T) {
	if !AllowedWhilePaused("chat/cancel") {
		t.Fatal("expected chat/cancel allowed while paused")
	}
	if AllowedWhilePaused("chat") {
		t.Fatal("expected ordinary chat disallowed while paused")
	}
}
