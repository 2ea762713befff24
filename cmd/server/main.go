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

	"github.com/damacus/drive-index/internal/config"
	"github.com/damacus/drive-index/internal/logging"
	"github.com/damacus/drive-index/internal/services"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time via ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "drive-index:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile, listen string

	cmd := &cobra.Command{
		Use:           "drive-index",
		Short:         "Browse and stream a remote drive over HTTP",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.L()

	store, rootID, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	e, err := newServer(cfg, store, rootID, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("backend", cfg.Backend))
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newStore builds the configured backend. The returned root id is what the
// path resolver starts from.
func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (services.ObjectStore, string, error) {
	switch cfg.Backend {
	case config.BackendS3:
		client, err := services.NewMinioClient(services.MinioCredentials{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, cfg.S3UseSSL)
		if err != nil {
			return nil, "", fmt.Errorf("connecting to s3: %w", err)
		}
		prefix := cfg.RootID
		if prefix == services.RootSentinel {
			prefix = ""
		}
		// the store resolves its own root from the prefix
		store := services.NewMinioStore(client, cfg.S3Bucket, prefix).WithScanCache(services.NewCache(cfg.CacheTTL))
		return store, services.RootSentinel, nil

	default:
		creds, err := cfg.DriveCredentials()
		if err != nil {
			return nil, "", err
		}
		store, err := services.NewDriveStore(ctx, services.DriveConfig{
			CredentialsJSON: creds,
			RootID:          cfg.RootID,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		return store, cfg.RootID, nil
	}
}
