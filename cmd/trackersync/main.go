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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/trackersync/internal/config"
	"github.com/agentworkforce/trackersync/internal/metrics"
	"github.com/agentworkforce/trackersync/internal/optimistic"
	"github.com/agentworkforce/trackersync/internal/realtime"
	"github.com/agentworkforce/trackersync/internal/syncengine"
	"github.com/agentworkforce/trackersync/internal/views"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "trackersync: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("trackersync", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := config.BindFlags(fs)
	once := fs.Bool("once", false, "load the snapshot, print the board and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(flags.Config)
	if err != nil {
		return err
	}
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	token := cfg.Token
	if cfg.TokenFile != "" {
		token, err = config.ReadTokenFile(cfg.TokenFile)
		if err != nil {
			return fmt.Errorf("read token file: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := syncengine.OptionsFromConfig(cfg, token)
	opts.Logger = logger
	opts.Metrics = metrics.New(reg)
	engine, err := syncengine.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		engine.Close()
		engine.Wait()
	}()

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	engine.OnStateChange(func(change realtime.StateChange) {
		attrs := []any{"from", change.Previous, "to", change.State, "attempt", change.Attempt}
		switch {
		case change.Fatal:
			logger.Error("push connection gave up; send SIGHUP to retry", append(attrs, "err", change.Err)...)
		case change.Err != nil:
			logger.Warn("push connection state changed", append(attrs, "err", change.Err)...)
		default:
			logger.Info("push connection state changed", attrs...)
		}
	})
	engine.OnMutationFailure(func(f optimistic.Failure) {
		logger.Warn("edit rolled back", "kind", f.Kind, "id", f.EntityID, "op", f.Operation, "fields", f.Fields, "err", f.Err)
	})

	if err := engine.Start(ctx); err != nil {
		return err
	}
	board := views.Spec{GroupBy: views.GroupStatus}
	if *once {
		fmt.Fprint(stdout, boardSummary(engine.TaskView(board), engine.UnreadCount()))
		return nil
	}

	if cfg.TokenFile != "" {
		go func() {
			if err := engine.WatchTokenFile(ctx, cfg.TokenFile); err != nil {
				logger.Error("token file watch stopped", "path", cfg.TokenFile, "err", err)
			}
		}()
	}
	engine.WatchTaskView(ctx, board, func(result views.Result) {
		logger.Debug("board updated", "summary", strings.TrimSpace(boardSummary(result, engine.UnreadCount())))
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-hup:
			logger.Info("network online signal received")
			if err := engine.NetworkOnline(); err != nil {
				logger.Warn("reconnect failed", "err", err)
			}
		}
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", config.ErrInvalidConfig, format)
	}
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// boardSummary renders one line per status column plus the unread count.
func boardSummary(result views.Result, unread int) string {
	var b strings.Builder
	for _, group := range result.Groups {
		fmt.Fprintf(&b, "%-12s %d\n", group.Key, len(group.Items))
	}
	fmt.Fprintf(&b, "%-12s %d\n", "OVERDUE", result.Stats.Overdue)
	fmt.Fprintf(&b, "%-12s %d\n", "UNREAD", unread)
	return b.String()
}
