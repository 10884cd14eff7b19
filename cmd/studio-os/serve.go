package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/monsoonfire/studio-os/internal/api"
	"github.com/monsoonfire/studio-os/internal/auth"
	"github.com/monsoonfire/studio-os/internal/scheduler"
	"github.com/monsoonfire/studio-os/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the staff console API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			logger.Info("starting studio-os",
				zap.String("http_addr", cfg.HTTPAddr),
				zap.Duration("interval", cfg.Schedule.Interval.Duration),
				zap.Int("connectors", len(cfg.Connectors)),
				zap.Int("capabilities", len(a.capabilities.List())),
			)

			authn := auth.Chain{
				auth.NewStaticAuthenticator(cfg.StaticTokens()),
				auth.NewTokenAuthenticator(auth.TokenAuthConfig{
					Store:    a.store,
					CacheTTL: cfg.Auth.CacheTTL.Duration,
					Logger:   logger,
				}),
			}

			httpServer := &http.Server{
				Addr: cfg.HTTPAddr,
				Handler: api.NewRouter(&api.Dependencies{
					Proposals:    a.proposals,
					Events:       a.ledger,
					Snapshots:    a.store.Snapshots(),
					Connectors:   a.connectors,
					Capabilities: a.capabilities,
					Pass:         a.pass,
					Reader:       analyticsReader(a),
					Auth:         authn,
					Logger:       logger,
				}),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: passTimeout(cfg) + 10*time.Second,
				IdleTimeout:  60 * time.Second,
			}

			var grpcDone chan struct{}
			if cfg.GRPCAddr != "" {
				lis, err := net.Listen("tcp", cfg.GRPCAddr)
				if err != nil {
					return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
				}
				hs := server.NewHealthServer(server.HealthConfig{Connectors: a.connectors, Logger: logger})
				grpcDone = make(chan struct{})
				go func() {
					defer close(grpcDone)
					if err := hs.Serve(ctx, lis); err != nil {
						logger.Error("grpc health server failed", zap.Error(err))
					}
				}()
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("http server listening", zap.String("addr", httpServer.Addr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			sched := scheduler.New(a.pass, cfg.Schedule.Interval.Duration, passTimeout(cfg), logger)
			schedDone := make(chan struct{})
			go func() {
				defer close(schedDone)
				sched.Run(ctx)
			}()

			select {
			case <-ctx.Done():
				logger.Info("received signal, shutting down")
			case err := <-serveErr:
				logger.Error("http server failed", zap.Error(err))
				stop()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown error", zap.Error(err))
			}
			<-schedDone
			if grpcDone != nil {
				<-grpcDone
			}
			logger.Info("studio-os stopped")
			return nil
		},
	}
}

// analyticsReader avoids handing the router a typed nil.
func analyticsReader(a *app) api.Analytics {
	if a.reader == nil {
		return nil
	}
	return a.reader
}

func newRunOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Run a single compute pass and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			ctx, cancel := context.WithTimeout(cmd.Context(), passTimeout(cfg))
			defer cancel()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.pass.Run(ctx)
			if err != nil {
				return fmt.Errorf("run-once: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"snapshot":  res.Snapshot,
				"diff":      res.Diff,
				"drift":     res.Drift,
				"drafts":    res.Drafts(),
				"persisted": res.Persisted,
				"elapsedMs": res.Duration.Milliseconds(),
			})
		},
	}
}
