package broker

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mew-protocol/gateway/internal/capability"
	"github.com/mew-protocol/gateway/internal/participant"
	"github.com/mew-protocol/gateway/internal/transport"
)

// Service accepts connections for one Space over both of the gateway's
// transports (spec.md §4.9) and feeds admitted participants into the
// space's single-writer event queue.
//
// Grounded on cellorg/internal/broker/service.go's Service.Start/
// handleConnection accept-loop idiom (net.Listen, Accept loop,
// goroutine-per-connection), adapted from a shared connection registry
// mutated by every connection goroutine to a registry mutated only by the
// space's own router task — each connection goroutine here does nothing
// but read bytes and Submit events.
type Service struct {
	space      *Space
	tokens     map[string][]string                 // participant id -> configured tokens, for handshake verification
	staticCaps map[string][]capability.Capability // participant id -> configured static capabilities

	pipeAddr   string
	socketAddr string

	pipeListener   net.Listener
	socketListener net.Listener
	httpServer     *http.Server

	upgrader websocket.Upgrader
}

// NewService creates a connection-accepting service bound to space.
//
// staticCaps is accepted as its own read-only snapshot rather than read
// from space's own staticCaps map: that map is mutated only on the
// router's single-writer goroutine (spec.md §5), and the accept
// goroutines here run concurrently with it.
func NewService(space *Space, tokens map[string][]string, staticCaps map[string][]capability.Capability, pipeAddr, socketAddr string) *Service {
	return &Service{
		space:      space,
		tokens:     tokens,
		staticCaps: staticCaps,
		pipeAddr:   pipeAddr,
		socketAddr: socketAddr,
		upgrader:   websocket.Upgrader{HandshakeTimeout: 10 * time.Second},
	}
}

func (svc *Service) verifyToken(participantID, candidate string) bool {
	return participant.VerifyToken(svc.tokens[participantID], candidate)
}

// Start begins accepting connections on both transports, blocking until
// ctx is canceled (spec.md §4.9). Run the returned error off the caller's
// main goroutine if non-blocking behavior is needed.
func (svc *Service) Start(ctx context.Context) error {
	pipeListener, err := net.Listen("tcp", svc.pipeAddr)
	if err != nil {
		return fmt.Errorf("broker: listen pipe transport on %s: %w", svc.pipeAddr, err)
	}
	svc.pipeListener = pipeListener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", svc.handleWebsocketUpgrade)
	svc.httpServer = &http.Server{Addr: svc.socketAddr, Handler: mux}

	socketListener, err := net.Listen("tcp", svc.socketAddr)
	if err != nil {
		pipeListener.Close()
		return fmt.Errorf("broker: listen socket transport on %s: %w", svc.socketAddr, err)
	}
	svc.socketListener = socketListener

	go func() {
		<-ctx.Done()
		svc.pipeListener.Close()
		svc.httpServer.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- svc.acceptPipeLoop(ctx) }()
	go func() { errCh <- svc.httpServer.Serve(socketListener) }()

	err = <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (svc *Service) acceptPipeLoop(ctx context.Context) error {
	for {
		conn, err := svc.pipeListener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("broker: pipe accept error: %v", err)
			continue
		}
		go svc.handlePipeConnection(ctx, conn)
	}
}

func (svc *Service) handlePipeConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id, err := transport.HandshakePipe(conn, svc.verifyToken)
	if err != nil {
		log.Printf("broker: pipe handshake rejected: %v", err)
		return
	}

	t := transport.NewPipeTransport(conn)
	svc.space.Submit(routerEvent{kind: eventConnect, participantID: id, transport: t, staticCaps: svc.staticCaps[id]})
	svc.runReadLoop(ctx, id, t)
}

func (svc *Service) handleWebsocketUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := svc.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("broker: websocket upgrade failed: %v", err)
		return
	}

	id, err := transport.HandshakeSocket(conn, svc.verifyToken)
	if err != nil {
		log.Printf("broker: socket handshake rejected: %v", err)
		conn.Close()
		return
	}

	t := transport.NewSocketTransport(conn)
	svc.space.Submit(routerEvent{kind: eventConnect, participantID: id, transport: t, staticCaps: svc.staticCaps[id]})
	svc.runReadLoop(r.Context(), id, t)
}

// runReadLoop is the per-connection transport task (spec.md §5): it reads
// bytes/frames and submits them onto the router's single-writer queue. It
// never mutates shared state directly.
func (svc *Service) runReadLoop(ctx context.Context, id string, t transport.Transport) {
	defer func() {
		svc.space.Submit(routerEvent{kind: eventDisconnect, participantID: id, reason: "transport closed"})
	}()

	for {
		envRaw, streamID, frame, err := t.Recv()
		if err != nil {
			return
		}
		if envRaw != nil {
			svc.space.Submit(routerEvent{kind: eventInboundEnvelope, participantID: id, raw: envRaw})
			continue
		}
		svc.space.Submit(routerEvent{kind: eventInboundBinary, participantID: id, streamID: streamID, binary: frame})
	}
}
