package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/ilvm/manifest"
	"github.com/chazu/ilvm/vm"
)

var log = commonlog.GetLogger("ilvm.server")

// Config sizes the server.
type Config struct {
	Machine    vm.Config     // default machine for runs that don't size their own
	Workers    int           // concurrent runs
	RunTimeout time.Duration // wall-clock bound per run; 0 means none
	RetainRuns time.Duration // how long an unread run stays queryable
}

// ConfigFromManifest builds a server configuration from a manifest.
func ConfigFromManifest(m *manifest.Manifest) Config {
	return Config{
		Machine:    m.VMConfig(),
		Workers:    m.Server.Workers,
		RunTimeout: m.Server.RunTimeout,
		RetainRuns: m.Server.RetainRuns,
	}
}

// ILVMServer serves the execution service over both gRPC (binary protobuf)
// and Connect (HTTP/JSON) on the same port.
type ILVMServer struct {
	worker *VMWorker
	runs   *RunStore
	exec   *ExecutionService
	mux    *http.ServeMux
	http   *http.Server

	stopSweeper func()
}

// ServerOption configures an ILVMServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	outputLimit   int
	sweepInterval time.Duration
}

// WithOutputLimit caps the print output kept per run (bytes).
func WithOutputLimit(n int) ServerOption {
	return func(c *serverConfig) { c.outputLimit = n }
}

// WithSweepInterval sets how often expired runs are swept.
func WithSweepInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.sweepInterval = d }
}

// New creates an ILVMServer.
func New(cfg Config, opts ...ServerOption) *ILVMServer {
	sc := &serverConfig{
		outputLimit:   DefaultOutputLimit,
		sweepInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if cfg.RetainRuns <= 0 {
		cfg.RetainRuns = manifest.DefaultRetainRuns
	}

	worker := NewVMWorker(cfg.Workers)
	runs := NewRunStore()
	exec := NewExecutionService(worker, runs, cfg.Machine, cfg.RunTimeout)
	exec.outputLimit = sc.outputLimit

	s := &ILVMServer{
		worker: worker,
		runs:   runs,
		exec:   exec,
		mux:    http.NewServeMux(),
	}

	// HTTP/2 is served without TLS so plain gRPC clients can connect.
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	s.http = &http.Server{
		Handler:           s.mux,
		Protocols:         &protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Register Connect/gRPC unary handlers
	s.mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, exec.Run))
	s.mux.Handle(CheckProcedure, connect.NewUnaryHandler(CheckProcedure, exec.Check))
	s.mux.Handle(FormatProcedure, connect.NewUnaryHandler(FormatProcedure, exec.Format))
	s.mux.Handle(GetRunProcedure, connect.NewUnaryHandler(GetRunProcedure, exec.GetRun))

	s.stopSweeper = runs.StartSweeper(sc.sweepInterval, cfg.RetainRuns)
	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *ILVMServer) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *ILVMServer) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	fmt.Printf("ilvm execution server listening on %s\n", l.Addr())
	fmt.Printf("  Connect (HTTP/JSON): http://%s%s\n", l.Addr(), RunProcedure)
	fmt.Printf("  gRPC (binary):       grpc://%s\n", l.Addr())
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown.
func (s *ILVMServer) Serve(l net.Listener) error {
	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones and stops
// the worker pool.
func (s *ILVMServer) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.Stop()
	return err
}

// Stop shuts down the server's background goroutines.
func (s *ILVMServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.worker.Stop()
}
