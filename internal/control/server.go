// Package control exposes a unix socket for out-of-band mount management.
// Clients send one JSON request per line and receive one JSON response.
package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prismfs/prismfs/internal/health"
	"github.com/prismfs/prismfs/pkg/types"
)

// DefaultSocketPath is where the control socket lives unless configured.
const DefaultSocketPath = "/tmp/prismfs.sock"

// Request is one command from a control client.
type Request struct {
	Command string `json:"command"`
}

// Response is the reply to a control request.
type Response struct {
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// Status is the payload for the status command.
type Status struct {
	MountPoint string               `json:"mount_point"`
	Mounted    bool                 `json:"mounted"`
	Uptime     string               `json:"uptime"`
	Operations types.OperationStats `json:"operations"`
	Cache      types.CacheStats     `json:"cache"`
	Staging    types.StagingStats   `json:"staging"`
	Backend    health.Snapshot      `json:"backend"`
}

// Statuser reports the current state of the mounted filesystem.
type Statuser interface {
	Status() Status
}

// Server answers status and unmount commands over a unix socket.
type Server struct {
	socketPath string
	statuser   Statuser
	unmount    func() error
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	started  time.Time
}

// NewServer creates a control server. unmountFn is invoked for the unmount
// command and may be called at most once per mount.
func NewServer(socketPath string, statuser Statuser, unmountFn func() error, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		socketPath: socketPath,
		statuser:   statuser,
		unmount:    unmountFn,
		logger:     logger.With("component", "control"),
	}
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start binds the socket and begins serving in the background. A stale
// socket file from a previous run is removed first.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("control server already started")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}

	s.listener = listener
	s.started = time.Now()

	s.logger.Info("control server listening", "socket", s.socketPath)

	go s.acceptLoop(listener)
	return nil
}

// Close stops the server and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.listener == nil {
		return nil
	}
	s.closed = true

	err := s.listener.Close()
	if removeErr := os.Remove(s.socketPath); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = removeErr
	}
	return err
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("control accept failed", "error", err)
			}
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}

		resp := s.dispatch(req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Command {
	case "status":
		status := s.statuser.Status()
		s.mu.Lock()
		status.Uptime = time.Since(s.started).Round(time.Second).String()
		s.mu.Unlock()
		return Response{OK: true, Status: &status}

	case "unmount":
		s.logger.Info("unmount requested over control socket")
		if err := s.unmount(); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
}
