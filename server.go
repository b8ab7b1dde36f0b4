package loom

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// RPCHandler is the tool-discovery surface mounted on the server. The rpc
// package provides the implementation; the indirection keeps the core free
// of a dependency on its own facade.
type RPCHandler interface {
	http.Handler
	ToolCount() int
}

// Server ties the execution core's HTTP surfaces together: webhook intake,
// the tool-discovery RPC endpoint, and the health probe. It owns process
// lifecycle — start order, graceful shutdown, and port reclamation.
type Server struct {
	addr        string
	webhookPath string
	rpcPath     string

	store     Store
	registry  *Registry
	executor  *Executor
	scheduler *Scheduler
	webhook   *WebhookIntake
	rpc       RPCHandler

	drainTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address (default ":8080").
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithWebhookPath sets the webhook mount point (default "/hooks/").
func WithWebhookPath(p string) ServerOption {
	return func(s *Server) { s.webhookPath = p }
}

// WithRPCPath sets the RPC endpoint path (default "/rpc").
func WithRPCPath(p string) ServerOption {
	return func(s *Server) { s.rpcPath = p }
}

// WithRPC mounts a tool-discovery handler.
func WithRPC(h RPCHandler) ServerOption {
	return func(s *Server) { s.rpc = h }
}

// WithDrainTimeout bounds how long shutdown waits for in-flight executions
// to reach a commit boundary (default 30 s).
func WithDrainTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.drainTimeout = d }
}

// NewServer assembles a server over prebuilt components.
func NewServer(store Store, registry *Registry, executor *Executor, scheduler *Scheduler, webhook *WebhookIntake, opts ...ServerOption) *Server {
	s := &Server{
		addr:         ":8080",
		webhookPath:  "/hooks/",
		rpcPath:      "/rpc",
		store:        store,
		registry:     registry,
		executor:     executor,
		scheduler:    scheduler,
		webhook:      webhook,
		drainTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the scheduler and HTTP listener, then blocks until ctx is
// cancelled. Shutdown order: stop accepting requests, cancel scheduled
// jobs, wait for in-flight executions to reach a commit boundary, exit.
func (s *Server) Run(ctx context.Context) error {
	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(s.webhookPath, s.webhook)
	if s.rpc != nil {
		mux.Handle(s.rpcPath, s.rpc)
	}
	mux.HandleFunc("/health", s.handleHealth)

	listener, err := s.listen()
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.Serve(listener); !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()
	log.Printf("loom: listening on %s", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("loom: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("loom: http shutdown: %v", err)
	}
	s.scheduler.Stop(shutdownCtx)
	if !s.executor.Wait(s.drainTimeout) {
		log.Println("loom: drain timeout — some executions did not reach a commit boundary")
	}
	return nil
}

// handleHealth reports liveness plus the counters operators page on.
func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"scheduler": map[string]any{"activeJobs": s.scheduler.ActiveJobs()},
		"registry": map[string]any{
			"totalTools":     len(s.registry.List()),
			"exposableCount": len(s.registry.ListExposable()),
		},
	}
	if s.rpc != nil {
		doc["rpc"] = map[string]any{"toolCount": s.rpc.ToolCount()}
	}
	writeJSON(rw, http.StatusOK, doc)
}

// listen binds the configured address. If the port is held by a stale
// process, it attempts to terminate that process and rebinds once before
// failing.
func (s *Server) listen() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err == nil {
		return listener, nil
	}
	if !strings.Contains(err.Error(), "address already in use") {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}

	log.Printf("loom: port busy on %s, attempting to reclaim", s.addr)
	if killErr := killPortHolder(s.addr); killErr != nil {
		log.Printf("loom: reclaim: %v", killErr)
	}
	time.Sleep(500 * time.Millisecond)

	listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s after reclaim: %w", s.addr, err)
	}
	return listener, nil
}

// killPortHolder asks the OS to terminate whatever holds the port.
func killPortHolder(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	out, err := exec.Command("fuser", "-k", port+"/tcp").CombinedOutput()
	if err != nil {
		return fmt.Errorf("fuser -k %s/tcp: %v (%s)", port, err, strings.TrimSpace(string(out)))
	}
	return nil
}
