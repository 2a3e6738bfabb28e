// Package httpx is a small wrapper of the standard HTTP server.
package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openrag/openrag-go/pkg/logger"
)

type Server struct {
	http.Server

	listener *Listener
	log      *logger.Logger
}

type (
	Mux struct {
		*http.ServeMux
		prefix string
	}
	Handler     = http.Handler
	HandlerFunc = http.HandlerFunc
)

// NewServeMux allocates and returns a new ServeMux.
func NewServeMux(prefix string) *Mux {
	return &Mux{ServeMux: http.NewServeMux(), prefix: prefix}
}

func (m *Mux) Handle(pattern string, handler Handler) *Mux {
	m.ServeMux.Handle(m.prefix+pattern, handler)
	return m
}

func (m *Mux) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) *Mux {
	m.ServeMux.HandleFunc(m.prefix+pattern, handler)
	return m
}

// NewServer binds address right away, so the port is known (and busy)
// before Run. The handler builder gets the server with its final address.
func NewServer(address string, handler func(*Server) Handler, portRoll bool, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Default()
	}
	if address == "" {
		address = ":http"
		log.Warn().Msgf("Empty server address has been changed to %v", address)
	}
	listener, err := NewListener(address, portRoll)
	if err != nil {
		return nil, err
	}
	server := &Server{
		Server: http.Server{
			Addr:              listener.Addr().String(),
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		log:      log,
	}
	server.Handler = handler(server)
	return server, nil
}

func (s *Server) Run() { go s.run() }

func (s *Server) run() {
	s.log.Debug().Msgf("Starting http server on %s", s.Addr)
	err := s.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		s.log.Debug().Msg("http server was closed")
		return
	}
	s.log.Error().Err(err).Msg("http server")
}

func (s *Server) Shutdown(ctx context.Context) error { return s.Server.Shutdown(ctx) }

// Port returns the port the server listens on.
func (s *Server) Port() int { return s.listener.Port() }
