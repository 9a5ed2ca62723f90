package uds

import (
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc answers one decoded request.
type HandlerFunc func(req *Request) *Response

// Server answers CLI and agent requests over a unix socket, one framed
// request per connection. Handlers are registered by command name before
// Start. An unregistered command gets UNKNOWN_COMMAND; a panicking handler
// gets INTERNAL_ERROR instead of a dropped connection.
type Server struct {
	socketPath  string
	logger      *log.Logger
	idleTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	closing  chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server for the given socket path. The logger may be
// nil to silence connection-level errors.
func NewServer(socketPath string, logger *log.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		logger:      logger,
		idleTimeout: 30 * time.Second,
		handlers:    make(map[string]HandlerFunc),
		closing:     make(chan struct{}),
	}
}

// SetIdleTimeout bounds how long a connection may sit without completing
// its request/response exchange.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

// Handle registers the handler for a command name, replacing any previous
// registration.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a dead daemon is removed first; the live daemon lock is what
// guards against two instances.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for in-flight requests, and removes the
// socket file.
func (s *Server) Stop() error {
	close(s.closing)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				s.logf("uds accept_error err=%v", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.idleTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logf("uds read_error err=%v", err)
		return
	}

	resp := s.dispatch(&req)
	if err := WriteFrame(conn, resp); err != nil {
		s.logf("uds write_error command=%s err=%v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("uds handler_panic command=%s panic=%v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("internal error handling %q", req.Command))
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return handler(req)
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
