// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CNSChanasorn/cnsaquascan/aquasync"
	"github.com/CNSChanasorn/cnsaquascan/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))

	pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}

	service, err := aquasync.NewService(pool, &aquasync.ServiceConfig{AppName: "aquascan-server"}, logger)
	if err != nil {
		log.Fatalf("Failed to setup document service: %v", err)
	}
	defer service.Close()

	jwtAuth := aquasync.NewJWTAuth(cfg.Auth.JWTSecret)
	handlers := aquasync.NewHTTPHandlers(service, jwtAuth, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/dev-signin", devSigninHandler(jwtAuth, logger))
	r.Mount("/", handlers.Router())

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting document sync server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}

// devSigninHandler issues a JWT for a user/device pair. Convenience for
// development; production deployments front this with a real identity
// provider.
func devSigninHandler(jwtAuth *aquasync.JWTAuth, logger *slog.Logger) http.HandlerFunc {
	type signinRequest struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
	}
	type signinResponse struct {
		Token string `json:"token"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req signinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.DeviceID == "" {
			http.Error(w, "user_id and device_id are required", http.StatusBadRequest)
			return
		}

		token, err := jwtAuth.GenerateToken(req.UserID, req.DeviceID, 24*time.Hour)
		if err != nil {
			logger.Error("Failed to generate token", "error", err)
			http.Error(w, "failed to generate token", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(signinResponse{Token: token})
	}
}
