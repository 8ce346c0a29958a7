package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/simple-post/pkg/simplepost/api"
	"github.com/tendant/simple-post/pkg/simplepost/config"
)

func newLogger(environment string) *slog.Logger {
	if environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))
}

func main() {
	configPath := flag.String("config", "simplepost.toml", "path to an optional TOML config file")
	flag.Parse()

	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	cfg, err := config.Load(
		config.WithFile(*configPath, true),
		config.WithEnv(),
	)
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Environment)
	slog.SetDefault(logger)

	ctx := context.Background()
	rt, err := cfg.BuildService(ctx, logger)
	if err != nil {
		logger.Error("Failed to build service", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	auth := newAuth(cfg.JWTSecret, cfg.Environment, logger)

	handler := api.NewPostHandler(rt.Service, auth,
		api.WithHandlerLogger(logger),
		api.WithMaxUploadBytes(cfg.MaxUploadBytes),
	)

	server := app.DefaultApp()

	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	server.R.Mount("/posts", handler.Routes())
	server.R.Mount("/users", handler.UserRoutes())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.R,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("simple-post server starting",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"database", cfg.DatabaseType,
			"storage", rt.BackendName,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "err", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "err", err)
	}
	logger.Info("Server exiting")
}

// newAuth builds the token verifier. Without a configured secret it signs
// with an ephemeral one, and in development logs a token for a fresh user so
// the API can be exercised. A configured secret never yields such a token.
func newAuth(secret, environment string, logger *slog.Logger) *jwtauth.JWTAuth {
	if secret != "" {
		return api.NewJWTAuth(secret)
	}

	logger.Warn("JWT_SECRET not set, using an ephemeral secret", "environment", environment)
	auth := api.NewJWTAuth(randomSecret())
	if environment == "development" {
		devUser := uuid.New()
		if token, err := api.IssueToken(auth, devUser, 24*time.Hour); err == nil {
			logger.Info("development token issued", "user_id", devUser, "token", token)
		}
	}
	return auth
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
