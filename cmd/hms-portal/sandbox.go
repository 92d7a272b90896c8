package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hms/portal/internal/config"
	"github.com/hms/portal/internal/platform/auth"
	"github.com/hms/portal/internal/platform/blobstore"
	"github.com/hms/portal/internal/platform/sandbox"
)

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Local stand-in for the hospital backend",
	}

	var port string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the seeded sandbox API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.SandboxPort = port
			}
			if err := cfg.ValidateSandbox(); err != nil {
				return err
			}
			return runSandbox(cmd, cfg)
		},
	}
	serveCmd.Flags().StringVar(&port, "port", "", "listen port (default SANDBOX_PORT)")
	cmd.AddCommand(serveCmd)

	return cmd
}

func runSandbox(cmd *cobra.Command, cfg *config.Config) error {
	logger := newLogger(cfg, cmd.ErrOrStderr())

	backend := sandbox.NewBackend(blobstore.NewInMemoryBlobStore())
	seedCfg := sandbox.DefaultSeedConfig()
	seedCfg.Seed = cfg.SandboxSeed

	ctx := context.Background()
	res, err := sandbox.Seed(ctx, backend, seedCfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to seed sandbox")
		return err
	}
	logger.Info().
		Int("doctors", res.Doctors).
		Int("patients", res.Patients).
		Int("appointments", res.Appointments).
		Str("patient_login", sandbox.DemoPatientEmail).
		Msg("sandbox seeded")

	revoked := auth.NewTokenRevocationStore(time.Minute)
	defer revoked.Close()
	issuer := auth.NewTokenIssuer([]byte(cfg.SandboxSigningKey), "hms-sandbox", 8*time.Hour, revoked)
	srv := sandbox.NewServer(backend, issuer, logger)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(":" + cfg.SandboxPort)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("sandbox server error")
		}
		return err
	case <-quit:
	}

	logger.Info().Msg("shutting down sandbox")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("sandbox shutdown failed")
		return err
	}
	logger.Info().Msg("sandbox stopped")
	return nil
}
