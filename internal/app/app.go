// Package app wires configuration, the engine and the HTTP and gRPC servers
// into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	grpcapi "github.com/polykit/eslite/internal/api/grpc"
	httpapi "github.com/polykit/eslite/internal/api/http"
	"github.com/polykit/eslite/internal/archive"
	"github.com/polykit/eslite/internal/config"
	"github.com/polykit/eslite/internal/engine"
	"github.com/polykit/eslite/internal/server"
)

// App manages the ESLite service lifecycle.
type App struct {
	cfg *config.Config

	engine   *engine.Engine
	shutdown *server.ShutdownManager

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and prepares its directories.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{
		cfg:      cfg,
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Engine returns the running engine, nil before Start.
func (a *App) Engine() *engine.Engine { return a.engine }

// HTTPAddr returns the bound HTTP address, empty when HTTP is off.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, empty when gRPC is off.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Start opens the engine and starts the configured servers and the TTL
// sweeper.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.openEngine(ctx); err != nil {
		a.Stop(context.Background())
		return err
	}
	if a.cfg.TTL.Enabled {
		if err := a.engine.StartSweeper(ctx); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("failed to start TTL sweeper: %w", err)
		}
		log.Printf("TTL sweeper started: tick=%v", a.cfg.TTL.DefaultInterval)
	}
	if a.cfg.HTTP.Addr != "" {
		if err := a.startHTTP(); err != nil {
			a.Stop(context.Background())
			return err
		}
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.Stop(context.Background())
			return err
		}
	}

	log.Printf("ESLite started: database=%s archive=%s", a.cfg.Database.Path, a.cfg.Archive.Type)
	return nil
}

func (a *App) openEngine(ctx context.Context) error {
	opts := []engine.Option{
		engine.WithRequireTrusted(a.cfg.Sync.RequireTrustedReads),
		engine.WithSweepTick(a.cfg.TTL.DefaultInterval),
	}

	snapshots, err := newArchive(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot archive: %w", err)
	}
	if snapshots != nil {
		opts = append(opts, engine.WithArchive(snapshots, a.cfg.Archive.KeepSnapshots))
		log.Printf("Snapshot archive initialized: type=%s keep=%d", a.cfg.Archive.Type, a.cfg.Archive.KeepSnapshots)
	}

	a.engine, err = engine.Open(ctx, a.cfg.Database.Path, opts...)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	a.shutdown.RegisterCloser("engine", a.engine)
	log.Printf("Engine opened: %s (%d namespaces, %d tables)",
		a.cfg.Database.Path, len(a.engine.Namespaces()), len(a.engine.Tables()))
	return nil
}

// newArchive builds the snapshot archive for cfg; nil when archiving is off.
func newArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.SnapshotArchive, error) {
	var storage archive.ObjectStorage
	switch cfg.Type {
	case config.ArchiveNone, "":
		return nil, nil
	case config.ArchiveLocal:
		local, err := archive.NewLocalStorage(cfg.Path)
		if err != nil {
			return nil, err
		}
		storage = local
	case config.ArchiveS3:
		s3, err := archive.NewS3Storage(ctx, cfg.S3.Bucket, archive.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("S3 Config: Bucket=%s, Region=%s, Endpoint=%s", cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Endpoint)
		storage = s3
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", cfg.Type)
	}
	return archive.NewSnapshotArchive(storage), nil
}

func (a *App) startHTTP() error {
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.CorrelationIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	handler := httpapi.NewHandler(a.engine, a.cfg.HTTP.MaxBodyBytes)

	a.httpServer = &http.Server{
		Handler:      handler.Routes(middleware),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	var err error
	a.httpListener, err = net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("HTTP server listening on %s", a.httpListener.Addr())
		if err := a.httpServer.Serve(a.httpListener); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(grpcapi.LoggingInterceptor))
	grpcapi.RegisterSyncServer(a.grpcServer, grpcapi.NewServer(a.engine))

	var err error
	a.grpcListener, err = net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("gRPC server listening on %s", a.grpcListener.Addr())
		if err := a.grpcServer.Serve(a.grpcListener); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop drains requests, stops the servers and the sweeper and closes the
// engine.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")
	if a.cancel != nil {
		a.cancel()
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("ESLite stopped")
	return err
}

// WaitForShutdown blocks until a signal arrives or ctx is cancelled, then
// stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.ListenForSignals(ctx); err != nil {
		log.Printf("[WARN] shutdown: %v", err)
	}
	return a.Stop(context.Background())
}
