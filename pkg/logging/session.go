// Package logging provides session-based logging for the gateway: clean
// console output for operators, full detail preserved in a session log
// file.
//
// Grounded on atomic/logging/session.go's SessionLogger (file-plus-console
// logger with selective console output), adapted from Alfa/PEV's
// user-facing session concepts to the gateway's connect/disconnect/
// capability-deny event vocabulary.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionLogger logs to both a session file and, selectively, the console.
// Debug-level detail goes to the file only; connect/disconnect/deny events
// also reach the console unless quiet mode is set; errors always also go
// to stderr.
type SessionLogger struct {
	sessionFile *os.File
	mu          sync.Mutex
	sessionPath string
	quietMode   bool
}

// New creates a session logger writing into logDir.
func New(logDir string, quietMode bool) (*SessionLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	sessionID := time.Now().Format("20060102-150405")
	sessionPath := filepath.Join(logDir, fmt.Sprintf("gateway-%s.log", sessionID))

	file, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create session log file: %w", err)
	}

	logger := &SessionLogger{
		sessionFile: file,
		sessionPath: sessionPath,
		quietMode:   quietMode,
	}

	logger.writeToFile("=== Gateway Session Started ===\n")
	logger.writeToFile("Session ID: %s\n", sessionID)
	logger.writeToFile("Time: %s\n", time.Now().Format(time.RFC3339))
	logger.writeToFile("================================\n\n")

	log.SetOutput(file)
	log.SetFlags(log.Ldate | log.Ltime)

	return logger, nil
}

// Close closes the session log file.
func (s *SessionLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionFile != nil {
		s.writeToFile("\n=== Gateway Session Ended ===\n")
		s.writeToFile("Time: %s\n", time.Now().Format(time.RFC3339))
		return s.sessionFile.Close()
	}
	return nil
}

// SessionPath returns the path to the current session log file.
func (s *SessionLogger) SessionPath() string {
	return s.sessionPath
}

// Debug writes a debug message to the session file only.
func (s *SessionLogger) Debug(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeToFile("[%s] DEBUG: %s\n", timestamp(), fmt.Sprintf(format, args...))
}

// Connect logs a successful participant connection (spec.md §4.3 presence
// join) to the file and, unless quiet, the console.
func (s *SessionLogger) Connect(participantID string) {
	s.event("CONNECT", "participant %s joined", participantID)
}

// Disconnect logs a participant disconnection (spec.md §4.3 presence leave).
func (s *SessionLogger) Disconnect(participantID, reason string) {
	s.event("DISCONNECT", "participant %s left (%s)", participantID, reason)
}

// CapabilityDenied logs a capability check that denied an envelope
// (spec.md §4.2 system/error capability-violation).
func (s *SessionLogger) CapabilityDenied(participantID, kind, reason string) {
	s.event("DENY", "participant %s denied %s: %s", participantID, kind, reason)
}

func (s *SessionLogger) event(tag, format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] %s: %s\n", timestamp(), tag, message)
	if !s.quietMode {
		fmt.Println(message)
	}
}

// Error writes an error message to both file and console.
func (s *SessionLogger) Error(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] ERROR: %s\n", timestamp(), message)
	fmt.Fprintf(os.Stderr, "error: %s\n", message)
}

func (s *SessionLogger) writeToFile(format string, args ...interface{}) {
	if s.sessionFile != nil {
		fmt.Fprintf(s.sessionFile, format, args...)
		s.sessionFile.Sync()
	}
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}

var (
	globalLogger *SessionLogger
	globalMu     sync.Mutex
)

// SetGlobal sets the process-wide session logger.
func SetGlobal(logger *SessionLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// Global returns the process-wide session logger, if set.
func Global() *SessionLogger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLogger
}
