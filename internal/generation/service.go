// Package generation runs paid image generations: it prices the request,
// reserves the credits and settles them once the image is stored.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/imagecredits/backend/internal/artifacts"
	"github.com/imagecredits/backend/internal/imagegen"
	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/models"
)

var (
	// ErrNoPrompt is returned for an empty or whitespace prompt. It wraps ledger.ErrInvalidInput.
	ErrNoPrompt = fmt.Errorf("%w: no prompt provided", ledger.ErrInvalidInput)
	// ErrRequestInProgress is returned when an earlier request with the same
	// idempotency key has not finished yet.
	ErrRequestInProgress = errors.New("a request with this idempotency key is still in progress")
	// ErrRequestFailed is returned when the earlier request with the same key failed
	// and was refunded. The client should retry with a new key.
	ErrRequestFailed = errors.New("a request with this idempotency key failed; retry with a new key")
	// ErrReplayUnavailable is returned when the earlier request succeeded but its
	// result can no longer be served.
	ErrReplayUnavailable = errors.New("the original result for this idempotency key is unavailable")
	ErrGenerationNotFound = errors.New("generation not found")
)

// Ledger is the subset of the credit ledger used here.
type Ledger interface {
	Spend(ctx context.Context, p ledger.AuthorizeParams, action ledger.ActionFunc) (*ledger.SpendResult, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	LookupIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Transaction, error)
}

// Store persists generation records.
type Store interface {
	CreateGeneration(ctx context.Context, g *models.Generation) error
	GetGenerationByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Generation, error)
	ListGenerations(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error)
}

// PriceList resolves a feature to its credit cost.
type PriceList interface {
	Cost(feature string) (int64, error)
}

// InputValidator checks the request payload before any credits move.
type InputValidator interface {
	ValidateInput(ctx context.Context, feature string, input json.RawMessage) error
}

// Request is one generate-image call.
type Request struct {
	UserID         uuid.UUID
	Prompt         string
	IdempotencyKey string
}

// Result is what the caller gets back for a delivered image.
type Result struct {
	Image            string
	RemainingCredits int64
	TransactionID    uuid.UUID
	Model            string
	// Replayed is true when the result belongs to an earlier request with the same key.
	Replayed bool
}

type Service struct {
	ledger    Ledger
	store     Store
	prices    PriceList
	generator imagegen.Generator
	artifacts artifacts.Store
	validator InputValidator
	log       *slog.Logger
	now       func() time.Time
}

type Deps struct {
	Ledger    Ledger
	Store     Store
	Prices    PriceList
	Generator imagegen.Generator
	Artifacts artifacts.Store
	// Validator is optional.
	Validator InputValidator
	Logger    *slog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		ledger:    d.Ledger,
		store:     d.Store,
		prices:    d.Prices,
		generator: d.Generator,
		artifacts: d.Artifacts,
		validator: d.Validator,
		log:       d.Logger,
		now:       time.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.artifacts == nil {
		s.artifacts = artifacts.DataURLStore{}
	}
	return s
}

// Generate charges the image generation price and produces one image for req.Prompt.
// The credits are refunded when the backend or the artifact upload fails.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == uuid.Nil {
		return nil, ledger.ErrUnauthenticated
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrNoPrompt
	}
	const feature = models.FeatureImageGeneration
	if s.validator != nil {
		payload, _ := json.Marshal(map[string]string{"prompt": prompt})
		if err := s.validator.ValidateInput(ctx, feature, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
		}
	}
	cost, err := s.prices.Cost(feature)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		prev, err := s.ledger.LookupIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		switch {
		case err == nil:
			return s.replay(ctx, prev)
		case !errors.Is(err, ledger.ErrReservationNotFound):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	var (
		art *artifacts.Artifact
		img *imagegen.Image
	)
	spent, err := s.ledger.Spend(ctx, ledger.AuthorizeParams{
		UserID:         req.UserID,
		Feature:        feature,
		Cost:           cost,
		IdempotencyKey: req.IdempotencyKey,
	}, func(ctx context.Context, res *ledger.Reservation) error {
		var err error
		img, err = s.generator.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%s.%s", res.UserID, res.ID, img.Extension())
		art, err = s.artifacts.Put(ctx, key, img.Data, img.ContentType)
		if err != nil {
			return fmt.Errorf("store image: %w", err)
		}
		return nil
	})
	if err != nil {
		var dup *ledger.DuplicateRequestError
		if errors.As(err, &dup) {
			return s.replay(ctx, dup.Existing)
		}
		return nil, err
	}

	gen := &models.Generation{
		ID:            uuid.New(),
		UserID:        req.UserID,
		TransactionID: spent.Reservation.ID,
		Prompt:        prompt,
		Type:          feature,
		ResultURL:     art.Ref,
		Model:         img.Model,
		CreatedAt:     s.now().UTC(),
	}
	// The image is already paid for and delivered; a missing history row is not worth failing over.
	if err := s.store.CreateGeneration(context.WithoutCancel(ctx), gen); err != nil {
		s.log.Error("failed to record generation",
			"user_id", req.UserID,
			"transaction_id", spent.Reservation.ID,
			"error", err,
		)
	}

	s.log.Info("image generated",
		"user_id", req.UserID,
		"transaction_id", spent.Reservation.ID,
		"model", img.Model,
		"bytes", art.Size,
		"credits_spent", cost,
		"remaining_credits", spent.Balance,
		"settled", spent.Settled,
	)
	return &Result{
		Image:            art.URL,
		RemainingCredits: spent.Balance,
		TransactionID:    spent.Reservation.ID,
		Model:            img.Model,
	}, nil
}

// replay answers a request whose idempotency key was already used. A committed
// request gets its original result back; the image URL is resolved again
// because presigned URLs expire.
func (s *Service) replay(ctx context.Context, prev *models.Transaction) (*Result, error) {
	switch prev.Status {
	case models.TxStatusPending:
		return nil, ErrRequestInProgress
	case models.TxStatusFailed:
		return nil, ErrRequestFailed
	}
	gen, err := s.store.GetGenerationByTransaction(ctx, prev.ID)
	if errors.Is(err, ErrGenerationNotFound) {
		return nil, ErrReplayUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("load generation: %w", err)
	}
	url, err := s.artifacts.URL(ctx, gen.ResultURL)
	if err != nil {
		s.log.Warn("cannot resolve stored artifact", "transaction_id", prev.ID, "error", err)
		return nil, ErrReplayUnavailable
	}
	// The original response reported the balance left by its own debit; later
	// spends must not leak into a replay.
	return &Result{
		Image:            url,
		RemainingCredits: prev.BalanceAfter,
		TransactionID:    prev.ID,
		Model:            gen.Model,
		Replayed:         true,
	}, nil
}

// Balance returns the user's current credits.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// List returns the user's generations, newest first, with ResultURL resolved
// into a client URL.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	gens, err := s.store.ListGenerations(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	for _, g := range gens {
		url, err := s.artifacts.URL(ctx, g.ResultURL)
		if err != nil {
			s.log.Warn("cannot resolve stored artifact", "generation_id", g.ID, "error", err)
			g.ResultURL = ""
			continue
		}
		g.ResultURL = url
	}
	return gens, nil
}

// Deliveries tells the ledger whether a reservation produced a recorded
// generation. It is the ledger's DeliveryLog.
type Deliveries struct {
	Store Store
}

var _ ledger.DeliveryLog = Deliveries{}

func (d Deliveries) Delivered(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	_, err := d.Store.GetGenerationByTransaction(ctx, reservationID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrGenerationNotFound):
		return false, nil
	default:
		return false, err
	}
}
