package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"shuttle/internal/config"
	"shuttle/internal/metrics"
	"shuttle/internal/storage"
	"shuttle/internal/uploader"
	"shuttle/internal/web"
)

const shutdownTimeout = 15 * time.Second

func setupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))
}

func Run(ctx context.Context) error {

	listen := flag.String("listen", "", "HTTP listen address (host:port), overrides "+config.EnvListen)
	envFile := flag.String("env-file", ".env", "optional dotenv file read before the environment")

	flag.Parse()

	setupLogging(config.DefaultLogLevel)

	config.LoadDotEnv(*envFile)
	config.ScrubAmbientAWS()

	cfg := config.Load(os.LookupEnv)
	if *listen != "" {
		cfg.Listen = *listen
	}

	setupLogging(cfg.LogLevel)
	slog.Info("Loaded configuration", "config", cfg)

	m := metrics.New()

	var (
		store storage.Store
		auth  uploader.AuthStatus
	)
	if cfg.Complete() {
		var err error
		store, err = storage.Open(ctx, cfg)
		if err != nil {
			slog.Error("Failed to create storage client", "err", err)
			auth = uploader.AuthStatus{Detail: err.Error(), CheckedAt: time.Now().UTC()}
		} else {
			auth = uploader.Diagnose(ctx, cfg, store)
		}
	} else {
		slog.Error("Missing configuration, uploads are disabled", "missing", cfg.Missing())
		auth = uploader.Diagnose(ctx, cfg, nil)
	}
	m.SetAuthOK(auth.OK)

	var uploads *uploader.Service
	if store != nil {
		uploads = uploader.NewService(store, cfg, uploader.WithMetrics(m))
	}

	server, err := web.NewServer(cfg, auth, uploads, m)
	if err != nil {
		return err
	}
	httpServer := server.HTTPServer(cfg.Listen)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Shuttle HTTP server", "addr", cfg.Listen, "auth_ok", auth.OK)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	return eg.Wait()
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("Shuttle exited with error", "error", err)
		os.Exit(1)
	}
}
