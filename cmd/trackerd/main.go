package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/trackersync/internal/httpapi"
	"github.com/agentworkforce/trackersync/internal/trackerstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "trackerd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("trackerd", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("TRACKERD_ADDR", ":8080"), "listen address")
	mintUser := fs.String("mint-token", "", "print a signed token for this user id and exit")
	mintScopes := fs.StringSlice("scopes", httpapi.DefaultScopes, "scopes granted by --mint-token")
	mintTTL := fs.Duration("ttl", 24*time.Hour, "lifetime of a minted token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := envOrDefault("TRACKERD_JWT_SECRET", "dev-secret")
	if *mintUser != "" {
		token, err := httpapi.IssueToken(secret, *mintUser, *mintScopes, *mintTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, token)
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: levelEnv("TRACKERD_LOG_LEVEL", slog.LevelInfo)}))
	if secret == "dev-secret" {
		logger.Warn("TRACKERD_JWT_SECRET is not set; using the development secret")
	}

	backend, err := trackerstore.BuildStateBackendFromDSN(strings.TrimSpace(os.Getenv("TRACKERD_STATE_DSN")))
	if err != nil {
		return fmt.Errorf("failed to initialize state backend: %w", err)
	}
	store, err := trackerstore.NewStoreWithOptions(trackerstore.StoreOptions{
		StateBackend: backend,
		Logger:       logger.With("component", "store"),
	})
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	defer store.Close()

	api := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:         secret,
		RateLimitMax:      intEnv("TRACKERD_RATE_LIMIT_MAX", 0),
		RateLimitWindow:   durationEnv("TRACKERD_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:      int64Env("TRACKERD_MAX_BODY_BYTES", 0),
		DefaultPageSize:   intEnv("TRACKERD_DEFAULT_PAGE_SIZE", 0),
		MaxPageSize:       intEnv("TRACKERD_MAX_PAGE_SIZE", 0),
		StreamAuthTimeout: durationEnv("TRACKERD_STREAM_AUTH_TIMEOUT", 5*time.Second),
		StreamBuffer:      intEnv("TRACKERD_STREAM_BUFFER", 0),
		OriginPatterns:    listEnv("TRACKERD_STREAM_ORIGINS"),
		Logger:            logger.With("component", "httpapi"),
	})
	defer api.Close()

	server := &http.Server{
		Addr:              *addr,
		Handler:           newMux(api),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("trackerd listening", "addr", *addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newMux(api http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api)
	return mux
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in environment, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func levelEnv(name string, fallback slog.Level) slog.Level {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		slog.Warn("invalid log level in environment, using fallback", "name", name, "value", raw)
		return fallback
	}
	return level
}

func listEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
