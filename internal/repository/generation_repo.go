package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imagecredits/backend/internal/generation"
	"github.com/imagecredits/backend/internal/models"
)

const generationColumns = `id, user_id, transaction_id, prompt, type, result_url, model, created_at`

type GenerationRepo struct {
	pool *pgxpool.Pool
}

func NewGenerationRepo(pool *pgxpool.Pool) *GenerationRepo {
	return &GenerationRepo{pool: pool}
}

var _ generation.Store = (*GenerationRepo)(nil)

func (r *GenerationRepo) CreateGeneration(ctx context.Context, g *models.Generation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ai_generations (`+generationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, g.ID, g.UserID, g.TransactionID, g.Prompt, g.Type, g.ResultURL, g.Model, g.CreatedAt)
	return err
}

func (r *GenerationRepo) GetGenerationByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Generation, error) {
	return scanGeneration(r.pool.QueryRow(ctx, `
		SELECT `+generationColumns+` FROM ai_generations WHERE transaction_id = $1
	`, transactionID))
}

func (r *GenerationRepo) ListGenerations(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+generationColumns+` FROM ai_generations
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.UserID, &g.TransactionID, &g.Prompt, &g.Type, &g.ResultURL, &g.Model, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, generation.ErrGenerationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
