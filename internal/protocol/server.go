// Package protocol serves the storage node's RESP endpoint: object IO,
// migration messages from peers and placement table administration.
package protocol

import (
	"context"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/tidwall/redcon"

	"github.com/vinaypunrao68/fds-src-sub013/internal/metrics"
)

type Server struct {
	addr     string
	handler  *Handler
	server   *redcon.Server
	listener net.Listener
	log      logr.Logger

	mu      sync.RWMutex
	clients map[redcon.Conn]struct{}
}

func NewServer(addr string, handler *Handler, log logr.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		log:     log.WithName("server"),
		clients: make(map[redcon.Conn]struct{}),
	}
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info("storage node listening", "addr", ln.Addr().String())

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound address once listening, the configured one before.
func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	metrics.RecordConnection(1)
	s.log.V(1).Info("client connected", "remote", conn.RemoteAddr())
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()

	metrics.RecordConnection(-1)
	s.log.V(1).Info("client disconnected", "remote", conn.RemoteAddr())
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	ctx := context.Background()
	s.handler.ExecuteBytes(ctx, conn, cmd.Args[0], cmd.Args[1:])

	pipeline := conn.ReadPipeline()
	if len(pipeline) == 0 {
		return
	}

	for _, p := range pipeline {
		if len(p.Args) == 0 {
			continue
		}
		s.handler.ExecuteBytes(ctx, conn, p.Args[0], p.Args[1:])
	}
}
