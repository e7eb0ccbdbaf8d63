package rpcbridge

import (
	"log"

	"github.com/valyala/gorpc"

	"github.com/granite-tiles/server/internal/granite"
)

// Server exposes a granite.Bridge over TCP.
type Server struct {
	addr string
	s    *gorpc.Server
}

// NewServer prepares a server for bridge listening on addr.
func NewServer(addr string, bridge granite.Bridge) *Server {
	d := newDispatcher(bridge)
	return &Server{addr: addr, s: gorpc.NewTCPServer(addr, d.NewHandlerFunc())}
}

// Start begins accepting connections in the background.
func (s *Server) Start() error {
	if err := s.s.Start(); err != nil {
		return err
	}
	log.Printf("[RPC] Granite host listening on %s", s.addr)
	return nil
}

// Serve accepts connections until the server is stopped.
func (s *Server) Serve() error {
	log.Printf("[RPC] Granite host listening on %s", s.addr)
	return s.s.Serve()
}

// Stop closes the listener and every connection.
func (s *Server) Stop() {
	s.s.Stop()
	log.Printf("[RPC] Granite host on %s stopped", s.addr)
}
