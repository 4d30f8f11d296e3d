package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server runs the router on addr.
type Server struct {
	httpServer *http.Server
}

func NewServer(addr string, cfg Config) *Server {
	// request contexts end on Shutdown, otherwise open event streams
	// would hold it until its deadline
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
		// no WriteTimeout, the event stream is long lived
	}
	srv.RegisterOnShutdown(cancel)
	return &Server{httpServer: srv}
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
