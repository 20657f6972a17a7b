// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

// Command cal-ai-sub000 runs the reference sync backend: HTTP API, WebSocket
// change-event hub, and the asynchronous message-analysis pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PiyushPoshiya/cal-ai-sub000/calserver"
	"github.com/PiyushPoshiya/cal-ai-sub000/internal/auth"
)

type serverConfig struct {
	Addr            string `toml:"addr"`
	DatabaseURL     string `toml:"database_url"`
	JWTSecret       string `toml:"jwt_secret"`
	ProcessInterval string `toml:"process_interval"`

	Limits struct {
		TrialDailyMessages      int `toml:"trial_daily_messages"`
		TrialDailyImages        int `toml:"trial_daily_images"`
		SubscribedDailyMessages int `toml:"subscribed_daily_messages"`
	} `toml:"limits"`
}

func defaultConfig() serverConfig {
	var cfg serverConfig
	cfg.Addr = ":8080"
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.ProcessInterval = "2s"
	return cfg
}

func loadConfig(path string) (serverConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var (
		configPath  = flag.String("config", "", "Path to TOML config file")
		addr        = flag.String("addr", "", "Listen address (overrides config)")
		databaseURL = flag.String("database-url", "", "Postgres connection URL (overrides config)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if cfg.DatabaseURL == "" {
		return errors.New("database URL is required (flag -database-url, config, or DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT secret is required (config or JWT_SECRET)")
	}
	interval, err := time.ParseDuration(cfg.ProcessInterval)
	if err != nil {
		return fmt.Errorf("invalid process_interval %q: %w", cfg.ProcessInterval, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	limits := calserver.DefaultLimits()
	if cfg.Limits.TrialDailyMessages > 0 {
		limits.TrialDailyMessages = cfg.Limits.TrialDailyMessages
	}
	if cfg.Limits.TrialDailyImages > 0 {
		limits.TrialDailyImages = cfg.Limits.TrialDailyImages
	}
	if cfg.Limits.SubscribedDailyMessages > 0 {
		limits.SubscribedDailyMessages = cfg.Limits.SubscribedDailyMessages
	}

	service, err := calserver.NewService(ctx, pool, &calserver.ServiceConfig{Limits: limits}, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	hub := calserver.NewHub(logger)
	service.SetBroadcaster(hub)

	processor := calserver.NewProcessor(service, interval, logger)
	go processor.Run(ctx)

	jwtAuth := calserver.NewJWTAuth(cfg.JWTSecret)
	handlers := calserver.NewHTTPHandlers(service, contextAuthenticator{}, hub, logger)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      authMiddleware(jwtAuth, logger, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sync server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// authMiddleware validates the bearer token once per request and stores the
// identity in the request context. /health stays open.
func authMiddleware(jwtAuth *calserver.JWTAuth, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		userID, err := jwtAuth.GetUserID(r)
		if err != nil {
			http.Error(w, `{"error":"authentication_failed"}`, http.StatusUnauthorized)
			return
		}
		ctx := auth.WithUserID(r.Context(), userID)
		if deviceID, err := jwtAuth.GetDeviceID(r); err == nil {
			ctx = auth.WithDeviceID(ctx, deviceID)
		}
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "uid", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// contextAuthenticator reads the identity stored by authMiddleware.
type contextAuthenticator struct{}

func (contextAuthenticator) GetUserID(r *http.Request) (string, error) {
	if id, ok := auth.UserID(r.Context()); ok {
		return id, nil
	}
	return "", errors.New("no authenticated user in request context")
}

func (contextAuthenticator) GetDeviceID(r *http.Request) (string, error) {
	if id, ok := auth.DeviceID(r.Context()); ok {
		return id, nil
	}
	return "", errors.New("no device id in request context")
}
