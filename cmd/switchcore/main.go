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

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/event"
	"github.com/arzzra/switch_core/pkg/sched"
	"github.com/arzzra/switch_core/pkg/session"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config")
		busSize    = flag.Int("event-queue", 1024, "Event bus queue length")
	)
	flag.Parse()

	if err := run(*configPath, *busSize); err != nil {
		fmt.Fprintf(os.Stderr, "switchcore: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*core.Config, error) {
	if path == "" {
		return core.DefaultConfig(), nil
	}
	return core.Load(path)
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func run(configPath string, busSize int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Core.LogLevel)
	logger := slog.Default().With(slog.String("component", "main"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := core.NewRuntime(cfg)
	if err := rt.Init(ctx); err != nil {
		return err
	}
	// runtime уничтожается последним, после остановки подсистем
	defer rt.Destroy()

	bus := event.NewLocalBus(busSize, rt.Metrics())
	scheduler := sched.New(rt.Metrics())
	registry := session.NewRegistry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Metrics().Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		logger.Info("metrics listener started", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Int("sessions", registry.Count()))
		registry.HangupAll(session.CauseSystemShutdown)
		bus.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("switch core started",
		slog.String("hostname", rt.Hostname()),
		slog.String("serial", rt.Serial()))
	return g.Wait()
}
