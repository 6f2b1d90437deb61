package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/db"
)

// ErrNotSet distinguishes an absent setting from a query failure so the
// cache can fall back to the hardcoded default.
var ErrNotSet = errors.New("setting not set")

type Repository struct {
	db db.Querier
}

func NewRepository(database db.Querier) *Repository {
	return &Repository{db: database}
}

func (r *Repository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx, `
		SELECT value FROM system_settings WHERE key = $1
	`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotSet
		}
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (r *Repository) Set(ctx context.Context, key, value, valueType, category string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO system_settings (key, value, value_type, category, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, value_type = EXCLUDED.value_type,
		    category = EXCLUDED.category, updated_at = NOW()
	`, key, value, valueType, category)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
