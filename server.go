package transitdisplay

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Server exposes the display service over HTTP.
type Server struct {
	svc  *Service
	http *http.Server
}

// NewServer wires the routes onto a Service.
func NewServer(svc *Service) *Server {
	s := &Server{svc: svc}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/display", s.handleDisplay)
	mux.HandleFunc("/api/vehicles", s.handleVehicles)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/invalidate", s.handleInvalidate)
	mux.HandleFunc("/api/breakers/reset", s.handleBreakerReset)

	addr := fmt.Sprintf(":%d", svc.cfg.Server.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.svc.log.Error(logCategory, "server error", "error", err)
			os.Exit(1)
		}
	}()
	s.svc.log.Info(logCategory, "server listening", "addr", s.http.Addr)
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then drains connections and
// closes the service, flushing the cache snapshot.
func (s *Server) WaitForShutdown() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	s.svc.log.Info(logCategory, "shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.svc.log.Error(logCategory, "server shutdown error", "error", err)
	}
	if err := s.svc.Close(); err != nil {
		s.svc.log.Error(logCategory, "service close error", "error", err)
	}
}
