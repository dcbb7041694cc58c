package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/handlers"

	"missiontrack/internal/api"
	"missiontrack/internal/config"
	"missiontrack/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "missiontrack:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log.Service, cfg.Log.Level, os.Stdout)

	srvDeps, err := api.NewServer(cfg, log)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	defer func() {
		if err := srvDeps.Close(); err != nil {
			log.Error("shutdown", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srvDeps.Run(ctx)
	}()

	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(srvDeps.Router())
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handlers.CombinedLoggingHandler(os.Stdout, handler),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("api listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(sctx); err != nil {
		log.Warn("graceful shutdown timed out, closing connections", slog.Any("error", err))
		_ = srv.Close()
	}
	wg.Wait()
	return err
}
