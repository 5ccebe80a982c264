package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bcdev/calvalus-portal/internal/metrics"
)

// HandlerFunc answers one command. ctx ends when the request times out or
// the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Server serves the control socket of the collector daemon. Each
// connection carries exactly one request and one response.
type Server struct {
	path    string
	logger  zerolog.Logger
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	ln       net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	conns    sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(socketPath string, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:     socketPath,
		logger:   logger.With().Str("component", "control").Logger(),
		timeout:  30 * time.Second,
		handlers: make(map[string]HandlerFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetConnTimeout bounds reading, handling and answering one request.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.timeout = d
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = handler
	s.mu.Unlock()
}

// Start listens on the socket path. A socket file left behind by a dead
// daemon is replaced; one that still accepts connections is not.
func (s *Server) Start() error {
	if conn, err := net.DialTimeout("unix", s.path, 200*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("control socket %s is in use", s.path)
	}
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict control socket: %w", err)
	}
	s.ln = ln

	s.conns.Add(1)
	go s.serve()
	return nil
}

// Stop closes the listener, cancels running handlers, waits for open
// connections and removes the socket file. It is safe to call twice.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.conns.Wait()
		_ = os.Remove(s.path)
	})
	return nil
}

func (s *Server) serve() {
	defer s.conns.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept on control socket failed")
			continue
		}
		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug().Err(err).Msg("unreadable control request")
		return
	}

	start := time.Now()
	resp := s.dispatch(&req)

	result := "ok"
	if !resp.Success {
		result = "error"
	}
	metrics.ControlRequests.WithLabelValues(commandLabel(req.Command, s.known(req.Command)), result).Inc()
	s.logger.Debug().Str("command", req.Command).Str("result", result).Dur("took", time.Since(start)).Msg("control request")

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug().Err(err).Str("command", req.Command).Msg("control response not delivered")
	}
}

func (s *Server) known(command string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[command]
	return ok
}

// commandLabel keeps arbitrary client input out of the metric labels.
func commandLabel(command string, known bool) string {
	if !known {
		return "unknown"
	}
	return command
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("command", req.Command).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("control handler panicked")
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s failed: %v", req.Command, r))
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if resp = handler(ctx, req); resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}
