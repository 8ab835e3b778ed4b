package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/imagecredits/backend/internal/auth"
	"github.com/imagecredits/backend/internal/catalog"
	"github.com/imagecredits/backend/internal/config"
	"github.com/imagecredits/backend/internal/dashboard"
	"github.com/imagecredits/backend/internal/generation"
	"github.com/imagecredits/backend/internal/handlers"
	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/middleware"
	"github.com/imagecredits/backend/internal/models"
	"github.com/imagecredits/backend/internal/router"
	"github.com/imagecredits/backend/internal/validation"
)

type httpDeps struct {
	auth       auth.Service
	ledger     *ledger.Service
	users      auth.Store
	generation *generation.Service
	prices     *catalog.Catalog
	validator  *validation.Validator
	ping       func(ctx context.Context) error
	logger     *slog.Logger
}

// newHTTPHandler builds the API mux and wraps it in CORS.
// Middleware chain for generate-image: SessionAuth -> SpendLimit -> handler.
func newHTTPHandler(cfg *config.Config, d httpDeps) http.Handler {
	cost, err := d.prices.Cost(models.FeatureImageGeneration)
	if err != nil {
		// Disabled feature: the handler answers 503, the cap is irrelevant.
		cost = 0
	}

	mux := router.New(router.Routes{
		Auth:       auth.NewHandler(d.auth, d.logger),
		Generate:   &handlers.GenerateHandler{Images: d.generation, Validator: d.validator, Logger: d.logger},
		Dashboard:  dashboard.NewHandler(d.users, d.ledger, d.generation, d.prices, d.logger),
		Session:    middleware.SessionAuth(d.auth),
		SpendLimit: middleware.SpendLimit(d.ledger, cfg.Ledger.DailyCreditLimit, cost),
		Health:     healthHandler(d.ping),
		Metrics:    promhttp.Handler(),
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.IdempotencyKeyHeader},
		ExposedHeaders:   []string{"Idempotent-Replayed"},
		AllowCredentials: true,
	}).Handler(mux)
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status, code := "ok", http.StatusOK
		if err := ping(ctx); err != nil {
			slog.Warn("Health check failed", "error", err)
			status, code = "unavailable", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
