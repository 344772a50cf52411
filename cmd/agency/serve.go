package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/agent"
	"github.com/sunil10patil/arangodb-agency/internal/httpapi"
	"github.com/sunil10patil/arangodb-agency/internal/supervision"
	"go.uber.org/zap"
)

func buildLogger(level string, jsonOutput bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if !jsonOutput {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// runServe wires an already-configured Agent to the HTTP surface and the
// Supervision loop, then blocks until SIGINT/SIGTERM arrives or the HTTP
// server fails (grounded on cuemby-warren/cmd/warren's "start background
// loops, wait on signal channel, shut down in reverse order" shape,
// reapplied from a scheduler/reconciler pair to an Agent's Run/Supervisor
// pair).
func runServe(a *agent.Agent, addr string, enableSupervision bool, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.Run(ctx)

	var sup *supervision.Supervisor
	if enableSupervision {
		sup = supervision.New(a, supervision.Options{
			Interval:  time.Second,
			GraceTime: 15 * time.Second,
			Logger:    logger,
		})
		go sup.Run(ctx)
	}

	srv := httpapi.New(a, sup, logger)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Errorf("serve error: %v", err)
	}

	cancel()
	a.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}
