// Command server runs one instance of the rendezvous/relay fabric: it
// binds to (host, port), joins the fleet via the hello gossip protocol,
// acquires (or carves, if master) a CustomerID range, and serves the HTTP
// endpoints that pair Desktop agents with Mobile App clients.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/iwp-relay/internal/config"
	"github.com/ashureev/iwp-relay/internal/directory"
	"github.com/ashureev/iwp-relay/internal/handlers"
	"github.com/ashureev/iwp-relay/internal/registry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

// cacheSweepInterval is how often the Registry prunes expired
// AgentCacheEntry clusters; short relative to timeout_cache so a bounded
// number of stale entries can ever be observed past their TTL.
const cacheSweepInterval = 1 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
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

	slog.Info("Starting instance", "server", cfg.Server, "port", cfg.Port, "is_master", cfg.IsMaster())

	reg := registry.New(cfg.Timeout.Cache)

	dir, err := directory.New(cfg, reg, logger)
	if err != nil {
		slog.Error("Failed to initialize instance directory", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir.Start(ctx)
	dir.StartWorkers(ctx, cacheSweepInterval)
	slog.Info("Directory started", "master", cfg.Membership.MasterServer+":"+cfg.Membership.MasterPort)

	h := handlers.New(reg, dir, cfg, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))

	// Rendezvous and streaming endpoints.
	r.Post("/ping", h.HandlePing)
	r.Post("/agent/*", h.HandleAgentReady)
	r.Post("/agentreply/*", h.HandleAgentReply)
	r.Post("/client", dir.HandleClientEntry)
	r.Post("/client/*", h.HandleClient)

	// Membership (hello gossip).
	r.Post("/hello", dir.HandleHello)
	r.Post("/hello/{port}", func(w http.ResponseWriter, req *http.Request) {
		dir.HandleHelloPort(w, req, chi.URLParam(req, "port"))
	})

	// Connection announce / location lookup.
	r.Post("/connect", dir.HandleConnect)
	r.Post("/connected", dir.HandleConnected)
	r.Post("/connected/{port}", dir.HandleConnected)
	r.Post("/find", dir.HandleFind)
	r.Post("/find/*", dir.HandleFind)

	// CustomerID range allocation.
	r.Post("/range", dir.HandleRange)
	r.Post("/range/{port}", dir.HandleRange)
	r.Post("/getuniversalid", dir.HandleGetUniversalID)

	srv := &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streamed bodies may run far longer than a normal request
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Instance listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Instance stopped successfully")
}
