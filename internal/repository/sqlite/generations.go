package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/imagecredits/backend/internal/generation"
	"github.com/imagecredits/backend/internal/models"
)

const generationColumns = `id, user_id, transaction_id, prompt, type, result_url, model, created_at`

var _ generation.Store = (*DB)(nil)

func (db *DB) CreateGeneration(ctx context.Context, g *models.Generation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ai_generations (`+generationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID.String(), g.UserID.String(), g.TransactionID.String(), g.Prompt, g.Type, g.ResultURL, g.Model, formatTime(g.CreatedAt))
	return err
}

func (db *DB) GetGenerationByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Generation, error) {
	return scanGeneration(db.QueryRowContext(ctx, `
		SELECT `+generationColumns+` FROM ai_generations WHERE transaction_id = ?
	`, transactionID.String()))
}

func (db *DB) ListGenerations(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+generationColumns+` FROM ai_generations
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID.String(), limit)
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

func scanGeneration(row rowScanner) (*models.Generation, error) {
	var (
		g       models.Generation
		created string
	)
	err := row.Scan(&g.ID, &g.UserID, &g.TransactionID, &g.Prompt, &g.Type, &g.ResultURL, &g.Model, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generation.ErrGenerationNotFound
	}
	if err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &g, nil
}
