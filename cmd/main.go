package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/signal-service/config"
	"github.com/cwrk-planet/signal-service/internal/admin"
	"github.com/cwrk-planet/signal-service/internal/admission"
	"github.com/cwrk-planet/signal-service/internal/postgres"
	"github.com/cwrk-planet/signal-service/internal/presence"
	"github.com/cwrk-planet/signal-service/internal/relay"
	"github.com/cwrk-planet/signal-service/internal/rooms"
	"github.com/cwrk-planet/signal-service/internal/totp"
	httpx "github.com/cwrk-planet/signal-service/internal/transport/http"
	"github.com/cwrk-planet/signal-service/internal/transport/ws"
	"github.com/cwrk-planet/signal-service/internal/turncred"
	"github.com/cwrk-planet/signal-service/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting signal-service",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	// --- postgres ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer db.Close()

	// --- repos ---
	roomRepo := postgres.NewRoomRepository(db.Pool)
	attemptRepo := postgres.NewAttemptRepository(db.Pool)
	presenceRepo := postgres.NewPresenceRepository(db.Pool)
	adminRepo := postgres.NewAdminRepository(db.Pool)

	// --- core components ---
	guard := admission.NewLimiter(
		cfg.Admission.Threshold, cfg.Admission.BaseBackoff, cfg.Admission.MaxBackoff,
		admission.WithAuditor(attemptRepo),
	)
	manager := rooms.NewManager(cfg.Rooms.TTL, roomRepo, guard)
	router := relay.NewRouter(manager, cfg.Relay.PendingTTL)
	manager.SetNotifier(router)

	tracker := presence.NewTracker(presenceRepo, 30*time.Minute)
	issuer := turncred.NewIssuer(manager, cfg.TURN.URLs, cfg.TURN.CredentialTTL, cfg.TURN.Bucket)

	verifier := totp.NewVerifier()
	tokens := admin.NewTokenIssuer(cfg.Admin.JWTSecret, cfg.Logging.Service, cfg.Admin.TokenTTL, nil)
	adminSvc := admin.NewService(adminRepo, tokens, verifier, cfg.Admin.TOTPIssuer, nil)
	if err := adminSvc.Bootstrap(ctx, cfg.Admin.BootstrapUsername, cfg.Admin.BootstrapPassword); err != nil {
		log.Fatalf("admin bootstrap: %v", err)
	}

	// --- reaper ---
	go manager.StartReaper(ctx, cfg.Rooms.ReaperInterval)

	// --- HTTP ---
	wsServer := ws.NewServer(router, manager, tracker)
	handler := httpx.NewHandler(manager, issuer)
	adminHandler := httpx.NewAdminHandler(adminSvc, tracker, presenceRepo)
	mux := httpx.NewRouter(handler, adminHandler, adminSvc, wsServer, cfg.HTTP.AllowedOrigins)

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal", "sig", sig)
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	_ = httpSrv.Shutdown(ctxShutdown)
	slog.Info("stopped")
}
