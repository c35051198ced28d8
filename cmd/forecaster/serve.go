package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cityflow/forecaster/handlers"
	"cityflow/forecaster/metrics"
	"cityflow/forecaster/middleware"
	"cityflow/forecaster/services"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the periodic predict loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		gin.SetMode(cfg.Server.Mode)
		router := handlers.NewRouter(handlers.Deps{
			Forecaster: a.service,
			Catalog:    a.registry,
			DB:         a.pg,
			Cache:      a.cache,
			Auth:       services.NewAuthService(cfg.Auth),
			ListTTL:    cfg.Redis.ListTTL,
			Logger:     logger,
		}, middleware.SetupCORS(cfg.CORS))

		if cfg.Prediction.Interval > 0 {
			go predictLoop(ctx, a, cfg.Prediction.Interval)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("starting server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// predictLoop predicts every active model once at startup and then on each
// tick until ctx is done.
func predictLoop(ctx context.Context, a *app, interval time.Duration) {
	a.logger.Info("predict loop started", zap.Duration("interval", interval))
	runCycle(ctx, a)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCycle(ctx, a)
		}
	}
}

func runCycle(ctx context.Context, a *app) {
	start := time.Now()
	defer func() {
		metrics.ObserveCycle(time.Since(start).Seconds())
	}()

	outcomes, err := a.service.PredictAll(ctx)
	if err != nil {
		a.logger.Error("predict cycle failed", zap.Error(err))
		return
	}
	written := 0
	for _, o := range outcomes {
		written += o.Written
	}
	a.logger.Info("predict cycle done", zap.Int("models", len(outcomes)), zap.Int("written", written),
		zap.Duration("took", time.Since(start)))
}
