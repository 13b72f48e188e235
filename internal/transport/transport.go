// Package transport implements the gateway's transport façade (spec.md
// §4.9, component C9): the abstraction that lets the router hand an
// outbound envelope to a participant without knowing whether that
// participant is a locally spawned process or a remote network peer.
//
// Grounded on cellorg/internal/client/broker.go and
// cellorg/internal/broker/service.go's net.Conn + json.Encoder/Decoder
// idiom for the half-duplex pipe case, and on the gorilla/websocket client
// idiom observed in Chartly2.0's crypto-stream service for the full-duplex
// network socket case.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mew-protocol/gateway/internal/envelope"
)

// Transport is how the router sends envelopes to, and receives envelopes
// from, one connected participant. A Transport owns exactly one
// participant's connection (spec.md §4.9: "one transport per connected
// participant").
type Transport interface {
	// Send delivers an outbound envelope. Must be safe to call
	// concurrently with itself (the router's per-recipient outbound queue
	// drains on its own goroutine, spec.md §4.4).
	Send(env *envelope.Envelope) error

	// SendBinary delivers a raw stream frame tagged with its stream id,
	// for transports that support binary side channels (spec.md §4.5).
	SendBinary(streamID string, frame []byte) error

	// Recv blocks until the next inbound message: either a raw envelope
	// frame (undecoded — envelope.Normalize is the sole decode boundary,
	// spec.md §4.1, so a malformed or legacy-shaped frame becomes a
	// rejected envelope, not a disconnect) or a raw binary stream frame.
	// Exactly one of (envRaw, binFrame) is non-nil.
	Recv() (envRaw []byte, binStreamID string, binFrame []byte, err error)

	// Close tears down the underlying connection.
	Close() error
}

// binaryFrame is how PipeTransport multiplexes binary stream data over a
// single JSON-framed connection: a sentinel envelope kind carrying the
// stream id and a base64-free raw-bytes-as-array payload would be
// wasteful, so binary frames are instead written as a length-prefixed
// side record recognized by its own marker byte. See readFrame/
// writeFrame below.
const binaryMarker = 0x01
const jsonMarker = 0x00

// PipeTransport is a half-duplex framed stream transport, for participants
// spawned as local child processes communicating over stdio or a unix
// pipe, matching cellorg's net.Conn + json.Encoder/Decoder idiom adapted
// to a generic io.ReadWriteCloser so it also covers os.Pipe-backed child
// processes.
type PipeTransport struct {
	mu     sync.Mutex
	rw     io.ReadWriteCloser
	reader *bufio.Reader
}

// NewPipeTransport wraps an already-established stream connection (a
// net.Conn, or the stdio pipes of a spawned child process).
func NewPipeTransport(rw io.ReadWriteCloser) *PipeTransport {
	return &PipeTransport{rw: rw, reader: bufio.NewReader(rw)}
}

func (p *PipeTransport) Send(env *envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return writeFrame(p.rw, jsonMarker, "", mustMarshal(env))
}

func (p *PipeTransport) SendBinary(streamID string, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return writeFrame(p.rw, binaryMarker, streamID, frame)
}

func (p *PipeTransport) Recv() ([]byte, string, []byte, error) {
	marker, streamID, body, err := readFrame(p.reader)
	if err != nil {
		return nil, "", nil, err
	}
	if marker == binaryMarker {
		return nil, streamID, body, nil
	}
	return body, "", nil, nil
}

func (p *PipeTransport) Close() error {
	return p.rw.Close()
}

// writeFrame writes a single length-prefixed frame: 1 marker byte, a
// 2-byte stream-id length + stream id (empty for ordinary envelopes), a
// 4-byte body length, then the body.
func writeFrame(w io.Writer, marker byte, streamID string, body []byte) error {
	sid := []byte(streamID)
	header := make([]byte, 1+2+4)
	header[0] = marker
	header[1] = byte(len(sid) >> 8)
	header[2] = byte(len(sid))
	header[3] = byte(len(body) >> 24)
	header[4] = byte(len(body) >> 16)
	header[5] = byte(len(body) >> 8)
	header[6] = byte(len(body))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(sid) > 0 {
		if _, err := w.Write(sid); err != nil {
			return fmt.Errorf("write frame stream id: %w", err)
		}
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) (marker byte, streamID string, body []byte, err error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, "", nil, err
	}
	marker = header[0]
	sidLen := int(header[1])<<8 | int(header[2])
	bodyLen := int(header[3])<<24 | int(header[4])<<16 | int(header[5])<<8 | int(header[6])
	if sidLen > 0 {
		sid := make([]byte, sidLen)
		if _, err := io.ReadFull(r, sid); err != nil {
			return 0, "", nil, err
		}
		streamID = string(sid)
	}
	body = make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, "", nil, err
		}
	}
	return marker, streamID, body, nil
}

func mustMarshal(env *envelope.Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		// Envelope is always built by NewEnvelope/Normalize and therefore
		// always marshals; a failure here indicates a construction bug.
		panic(fmt.Sprintf("transport: envelope failed to marshal: %v", err))
	}
	return b
}

// SocketTransport is a full-duplex network transport over a websocket
// connection, grounded on the gorilla/websocket client idiom in
// Chartly2.0's crypto-stream service. Envelopes are sent as text frames
// (JSON); binary stream frames use websocket's native binary message type
// with the stream id carried in the first text-frame-style header line.
type SocketTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSocketTransport wraps an already-upgraded websocket connection.
func NewSocketTransport(conn *websocket.Conn) *SocketTransport {
	return &SocketTransport{conn: conn}
}

func (s *SocketTransport) Send(env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

func (s *SocketTransport) SendBinary(streamID string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	header := []byte(streamID + "\n")
	return s.conn.WriteMessage(websocket.BinaryMessage, append(header, frame...))
}

func (s *SocketTransport) Recv() ([]byte, string, []byte, error) {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, "", nil, err
	}
	if msgType == websocket.BinaryMessage {
		for i, b := range data {
			if b == '\n' {
				return nil, string(data[:i]), data[i+1:], nil
			}
		}
		return nil, "", data, nil
	}
	return data, "", nil, nil
}

func (s *SocketTransport) Close() error {
	return s.conn.Close()
}

// DialSocket connects to a remote gateway's websocket endpoint (spec.md
// §4.9's network socket variant), for remote participants and for test
// harnesses exercising the websocket path directly.
func DialSocket(ctx context.Context, url string, handshakeTimeout time.Duration) (*SocketTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial socket transport %s: %w", url, err)
	}
	return NewSocketTransport(conn), nil
}

// DialPipe connects to a local gateway listener over plain TCP (the
// "pipe" case when the participant is on the same host but out-of-process),
// matching cellorg's net.Dial + json codec idiom verbatim.
func DialPipe(address string, dialTimeout time.Duration) (*PipeTransport, error) {
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial pipe transport %s: %w", address, err)
	}
	return NewPipeTransport(conn), nil
}
