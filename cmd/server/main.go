// SHSH Gateway - multiplexed shell sessions over WebSocket
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/shsh-gateway/internal/api"
	"github.com/ashureev/shsh-gateway/internal/config"
	"github.com/ashureev/shsh-gateway/internal/container"
	"github.com/ashureev/shsh-gateway/internal/health"
	"github.com/ashureev/shsh-gateway/internal/identity"
	"github.com/ashureev/shsh-gateway/internal/middleware"
	"github.com/ashureev/shsh-gateway/internal/shell"
	"github.com/ashureev/shsh-gateway/internal/store"
	"github.com/ashureev/shsh-gateway/internal/terminal"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "query the local gRPC health service and exit")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.SlogLevel())

	if *healthcheck {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := health.Check(ctx, "127.0.0.1:"+cfg.GRPCPort)
		cancel()
		if err != nil {
			slog.Error("Health check failed", "error", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"grpc_port", cfg.GRPCPort,
		"dev", cfg.IsDevelopment(),
		"backend", cfg.ShellBackend,
		"in_container", config.IsContainer(),
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	spawner, kind, err := newSpawner(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize shell backend", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	audit := terminal.NewAuditObserver(repo, logger)
	registry := terminal.NewRegistry(spawner, terminal.RegistryConfig{
		Kind:       kind,
		Dir:        cfg.ShellDir,
		MaxPending: cfg.ParserMaxPendingBytes,
		MaxBacklog: cfg.DetachedBacklog,
	}, audit, logger)
	coord := terminal.NewCoordinator(registry, cfg.GraceWindow, logger)

	reaper := terminal.NewReaper(registry, cfg.IdleTimeout, logger)
	if err := reaper.Schedule(cfg.ReaperInterval); err != nil {
		slog.Error("Failed to schedule idle reaper", "error", err)
		os.Exit(1)
	}
	if err := reaper.AddJob("prune command history", time.Hour, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		audit.Prune(ctx, cfg.HistoryRetention)
	}); err != nil {
		slog.Error("Failed to schedule history pruning", "error", err)
		os.Exit(1)
	}
	reaper.Start()
	slog.Info("Idle reaper started", "idle_timeout", cfg.IdleTimeout, "interval", cfg.ReaperInterval)

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, registry, logger)
	wsHandler := terminal.NewWebSocketHandler(registry, coord, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware)

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/terminal", wsHandler.ServeHTTP)

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	healthSrv := health.NewServer(logger)
	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC health", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := healthSrv.Serve(grpcLis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	healthSrv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reaper.Stop(shutdownCtx)
	coord.Stop()
	n := registry.CloseAll(string(terminal.ReasonServerShutdown))
	slog.Info("Sessions closed", "count", n)
	audit.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	healthSrv.Stop()

	slog.Info("Server stopped successfully")
}

// newSpawner builds the configured shell backend and the shell kind sessions
// run.
func newSpawner(cfg *config.Config, logger *slog.Logger) (shell.Spawner, shell.Kind, error) {
	if cfg.ShellBackend == config.BackendDocker {
		spawner, err := container.NewExecSpawner(cfg.DockerContainer, cfg.DockerUser, logger)
		if err != nil {
			return nil, 0, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := spawner.Ping(ctx); err != nil {
			return nil, 0, err
		}
		return spawner, shell.KindPOSIX, nil
	}
	return shell.NewLocalSpawner(logger), shell.KindForOS(runtime.GOOS), nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
