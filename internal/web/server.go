package web

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a read-only status server for the given address.
func NewServer(addr string, broadcaster *StatusBroadcaster, status StatusSource, cat CatalogSource, push time.Duration) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, status, cat, push),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /status/ws", s.handlers.HandleStatusWS)
	mux.HandleFunc("GET /specimens/{id}", s.handlers.HandleSpecimen)

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("status server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
