package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smarthealth/auditchain/internal/alert"
	"github.com/smarthealth/auditchain/internal/api"
	"github.com/smarthealth/auditchain/internal/verify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger API and integrity monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		logger := a.logger

		if err := a.ledger.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize ledger: %w", err)
		}

		alerts := alert.NewManager(a.cfg.Alerts.Enabled, a.cfg.Alerts.SlackWebhook)
		monitor := verify.NewMonitor(a.ledger, alerts, a.cfg.Verify.Interval, logger)

		handler := api.NewHandler(a.ledger, a.auditor, logger)
		e := api.NewServer(handler, api.Authenticator(a.cfg.Auth.Mode, jwtConfig(a.cfg.Auth)), logger)

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			logger.Info().
				Str("addr", a.cfg.Server.Addr).
				Str("storage", a.cfg.Storage.Driver).
				Str("auth_mode", a.cfg.Auth.Mode).
				Int("difficulty", a.ledger.Difficulty()).
				Msg("auditchain listening")
			if err := e.Start(a.cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			if err := monitor.Start(gctx); err != nil {
				return fmt.Errorf("failed to start integrity monitor: %w", err)
			}
			<-gctx.Done()
			monitor.Stop()
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			logger.Info().Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shut down server: %w", err)
			}
			return nil
		})

		if err := g.Wait(); err != nil {
			return err
		}

		logger.Info().Msg("auditchain stopped")
		return nil
	},
}
