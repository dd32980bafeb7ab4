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

	"golang.org/x/sync/errgroup"

	"github.com/tunaaoguzhann/oncelink/config"
	"github.com/tunaaoguzhann/oncelink/core"
	"github.com/tunaaoguzhann/oncelink/logutil"
	"github.com/tunaaoguzhann/oncelink/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	envFile := flag.String("env-file", ".env", "path to dotenv file (skipped when missing)")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigPath: configPath, EnvFile: envFile})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logutil.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := core.NewManagerWithOptions(ctx, core.ManagerOptions{
		Backend:          cfg.Store.Backend,
		RedisAddr:        cfg.Store.RedisAddr,
		RedisPassword:    cfg.Store.RedisPassword,
		RedisDB:          cfg.Store.RedisDB,
		RedisKeyPrefix:   cfg.Store.RedisKeyPrefix,
		SQLDriver:        cfg.Store.SQLDriver,
		SQLDSN:           cfg.Store.SQLDSN,
		SweepInterval:    cfg.Store.SweepInterval,
		ValidityWindow:   cfg.Links.ValidityWindow,
		PostUseRetention: cfg.Links.PostUseRetention,
		RateLimit:        cfg.RateLimit.RedeemLimit,
		RateWindow:       cfg.RateLimit.RedeemWindow,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("init manager: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	srv := server.New(manager, core.NewAuthenticator(cfg.Auth.APISecret, cfg.Auth.AllowJWT), server.Options{
		PublicOrigin:      cfg.Server.PublicOrigin,
		ClientIPHeader:    cfg.Server.ClientIPHeader,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening",
			"addr", cfg.Server.ListenAddr,
			"backend", cfg.Store.Backend,
			"validity", cfg.Links.ValidityWindow,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
