package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

// JoinCredentials is what a connecting client sends as its very first
// message, before any envelope traffic: the participant id it claims and
// an authentication token (spec.md §4.9: "the client sends an
// authentication token").
type JoinCredentials struct {
	ParticipantID string `json:"participant_id"`
	Token         string `json:"token"`
}

// TokenVerifier checks a candidate token against a participant's
// configured tokens using constant-time comparison. Satisfied by
// participant.VerifyToken bound to a specific participant's token list.
type TokenVerifier func(participantID, candidate string) bool

// HandshakeError is returned when a connecting client fails the handshake;
// the gateway sends a terminal system/error carrying Reason and closes the
// connection (spec.md §4.9).
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string { return e.Reason }

// terminalErrorPayload is the shape of the terminal system/error sent to a
// client that fails the handshake.
type terminalErrorPayload struct {
	Protocol string `json:"protocol"`
	Kind     string `json:"kind"`
	Payload  struct {
		Error string `json:"error"`
	} `json:"payload"`
}

func newTerminalError(reason string) terminalErrorPayload {
	te := terminalErrorPayload{Protocol: "mew/v1", Kind: "system/error"}
	te.Payload.Error = reason
	return te
}

// HandshakePipe performs the admission sequence over a raw length-prefixed
// pipe connection, reading one JoinCredentials frame before the connection
// is wrapped in a PipeTransport. On failure it writes the terminal
// system/error itself and returns a HandshakeError; the caller should then
// close rw.
func HandshakePipe(rw io.ReadWriter, verify TokenVerifier) (string, error) {
	reader := bufio.NewReader(rw)
	marker, _, body, err := readFrame(reader)
	if err != nil {
		return "", fmt.Errorf("handshake: read join frame: %w", err)
	}
	if marker != jsonMarker {
		return "", failPipe(rw, "expected a join frame, got a binary frame")
	}
	var creds JoinCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return "", failPipe(rw, "malformed join payload")
	}
	return admit(creds, verify, func(reason string) error { return failPipe(rw, reason) })
}

func failPipe(rw io.Writer, reason string) error {
	te := newTerminalError(reason)
	if b, err := json.Marshal(te); err == nil {
		_ = writeFrame(rw, jsonMarker, "", b)
	}
	return &HandshakeError{Reason: reason}
}

// HandshakeSocket performs the admission sequence over a raw websocket
// connection, reading one JoinCredentials JSON text message before the
// connection is wrapped in a SocketTransport.
func HandshakeSocket(conn *websocket.Conn, verify TokenVerifier) (string, error) {
	var creds JoinCredentials
	if err := conn.ReadJSON(&creds); err != nil {
		return "", fmt.Errorf("handshake: read join message: %w", err)
	}
	return admit(creds, verify, func(reason string) error {
		te := newTerminalError(reason)
		_ = conn.WriteJSON(te)
		return &HandshakeError{Reason: reason}
	})
}

func admit(creds JoinCredentials, verify TokenVerifier, fail func(string) error) (string, error) {
	if creds.ParticipantID == "" {
		return "", fail("missing participant_id")
	}
	if !verify(creds.ParticipantID, creds.Token) {
		return "", fail("invalid token")
	}
	return creds.ParticipantID, nil
}
