package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imagecredits/backend/internal/artifacts"
	"github.com/imagecredits/backend/internal/auth"
	"github.com/imagecredits/backend/internal/catalog"
	"github.com/imagecredits/backend/internal/config"
	"github.com/imagecredits/backend/internal/generation"
	"github.com/imagecredits/backend/internal/imagegen"
	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/validation"
	"github.com/imagecredits/backend/schemas"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	prices, err := catalog.Load(cfg.FeaturesFile)
	if err != nil {
		return fmt.Errorf("load feature catalog: %w", err)
	}
	validator, err := validation.NewValidator(schemas.FS)
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}
	generator, err := newGenerator(ctx, cfg.ImageGen, logger)
	if err != nil {
		return fmt.Errorf("image backend: %w", err)
	}
	artifactStore, err := newArtifactStore(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("artifact storage: %w", err)
	}

	var be *backend
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		be, err = openSQLite(ctx, cfg, logger)
	default:
		be, err = openPostgres(ctx, cfg, logger)
	}
	if err != nil {
		return err
	}
	defer be.close()

	ledgerSvc := ledger.NewService(be.ledger, ledger.Options{
		StartingCredits: cfg.Ledger.StartingCredits,
		ActionTimeout:   cfg.Ledger.ActionTimeout,
		FinalizeTimeout: cfg.Ledger.FinalizeTimeout,
		Deliveries:      generation.Deliveries{Store: be.generations},
		Logger:          logger,
	})
	stopBackground, err := be.startBackground(ctx, ledgerSvc)
	if err != nil {
		return err
	}
	defer stopBackground()

	authSvc := auth.NewService(be.users, ledgerSvc, auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		TokenTTL: cfg.Auth.TokenTTL,
	})
	genSvc := generation.NewService(generation.Deps{
		Ledger:    ledgerSvc,
		Store:     be.generations,
		Prices:    prices,
		Generator: generator,
		Artifacts: artifactStore,
		Validator: validator,
		Logger:    logger,
	})

	handler := newHTTPHandler(cfg, httpDeps{
		auth:       authSvc,
		ledger:     ledgerSvc,
		users:      be.users,
		generation: genSvc,
		prices:     prices,
		validator:  validator,
		ping:       be.ping,
		logger:     logger,
	})

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Generation can take most of the action timeout; writes must outlive it.
		WriteTimeout: cfg.Ledger.ActionTimeout + 2*cfg.Ledger.FinalizeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr, "database", cfg.Database.Driver, "image_provider", cfg.ImageGen.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func newGenerator(ctx context.Context, cfg config.ImageGenConfig, logger *slog.Logger) (imagegen.Generator, error) {
	switch cfg.Provider {
	case config.ProviderHuggingFace:
		return imagegen.NewHuggingFace(imagegen.HuggingFaceConfig{
			Token:   cfg.HuggingFaceToken,
			Model:   cfg.HuggingFaceModel,
			BaseURL: cfg.HuggingFaceBaseURL,
			Timeout: cfg.RequestTimeout,
		}, logger), nil
	case config.ProviderImagen:
		return imagegen.NewImagen(ctx, cfg.GeminiAPIKey, cfg.ImagenModel)
	default:
		slog.Warn("Using the static image provider; images are placeholders")
		return imagegen.Static{Size: 256}, nil
	}
}

func newArtifactStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (artifacts.Store, error) {
	if !cfg.Enabled() {
		slog.Info("Object storage not configured, images are returned inline as data URLs")
		return artifacts.DataURLStore{}, nil
	}
	return artifacts.NewS3Store(ctx, artifacts.S3Config{
		Endpoint:   cfg.Endpoint,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		Region:     cfg.Region,
		Bucket:     cfg.Bucket,
		PresignTTL: cfg.PresignTTL,
	}, logger)
}
