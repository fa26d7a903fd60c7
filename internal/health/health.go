// Package health exposes the liveness HTTP endpoint.
package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logx "svitlobot/pkg/logx"
)

// Config configures the endpoint.
type Config struct {
	Enabled bool
	Addr    string // empty means ":8080"
}

const body = "✅ Bot is running!"

// Service is a minimal HTTP listener answering liveness probes.
type Service struct {
	addr string
	log  logx.Logger
	srv  *http.Server
}

func New(cfg Config, log logx.Logger) *Service {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{addr: addr, log: log}
}

// Start binds the listener and serves in the background. The returned
// error covers bind failures only; serve errors are logged.
func (s *Service) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/healthz", s.handle)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health server failed", logx.Err(err))
		}
	}()
	s.log.Info("health endpoint listening", logx.String("addr", s.addr))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/healthz" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(body))
}
