package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// CollectibleRepository persists current collectible ownership
type CollectibleRepository struct {
	db *PostgresDB
}

// NewCollectibleRepository creates a new collectible repository
func NewCollectibleRepository(db *PostgresDB) *CollectibleRepository {
	return &CollectibleRepository{db: db}
}

// Get retrieves a collectible by token id; ErrNotFound when absent
func (r *CollectibleRepository) Get(ctx context.Context, tokenID string) (*models.Collectible, error) {
	query := `
		SELECT token_id::text, owner, cast_payload, minted_block, updated_block, created_at, updated_at
		FROM collectibles
		WHERE token_id = $1::numeric
	`

	c, err := scanCollectible(r.db.Pool().QueryRow(ctx, query, tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get collectible: %w", err)
	}
	return c, nil
}

// Create inserts a collectible, replacing any record of the same token
func (r *CollectibleRepository) Create(ctx context.Context, c *models.Collectible) error {
	cast, err := marshalJSONB(c.Cast)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO collectibles (token_id, owner, cast_payload, minted_block, updated_block, created_at, updated_at)
		VALUES ($1::numeric, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (token_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			cast_payload = EXCLUDED.cast_payload,
			minted_block = EXCLUDED.minted_block,
			updated_block = EXCLUDED.updated_block,
			created_at = NOW(),
			updated_at = NOW()
	`

	if _, err := r.db.Pool().Exec(ctx, query,
		c.TokenID,
		types.NormalizeAddress(c.Owner),
		cast,
		int64(c.MintedBlock),  // #nosec G115 - block numbers fit in int64
		int64(c.UpdatedBlock), // #nosec G115 - block numbers fit in int64
	); err != nil {
		return fmt.Errorf("failed to create collectible: %w", err)
	}
	return nil
}

// UpdateOwner sets the owner of an existing token and reports whether it existed
func (r *CollectibleRepository) UpdateOwner(ctx context.Context, tokenID, owner string, block uint64) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE collectibles
		SET owner = $2, updated_block = $3, updated_at = NOW()
		WHERE token_id = $1::numeric
	`, tokenID, types.NormalizeAddress(owner), int64(block)) // #nosec G115 - block numbers fit in int64
	if err != nil {
		return false, fmt.Errorf("failed to update collectible owner: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes the record of a token; deleting an absent token is not an error
func (r *CollectibleRepository) Delete(ctx context.Context, tokenID string) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM collectibles WHERE token_id = $1::numeric`, tokenID); err != nil {
		return fmt.Errorf("failed to delete collectible: %w", err)
	}
	return nil
}

// Count returns the number of collectibles
func (r *CollectibleRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM collectibles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count collectibles: %w", err)
	}
	return n, nil
}

// DeleteMany removes collectibles by token id
func (r *CollectibleRepository) DeleteMany(ctx context.Context, tokenIDs []string) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM collectibles WHERE token_id = ANY($1::numeric[])`, tokenIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete collectibles: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanCollectible(row pgx.Row) (*models.Collectible, error) {
	var (
		c              models.Collectible
		cast           []byte
		minted, update int64
	)
	if err := row.Scan(&c.TokenID, &c.Owner, &cast, &minted, &update, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.MintedBlock = uint64(minted)  // #nosec G115 - stored from uint64
	c.UpdatedBlock = uint64(update) // #nosec G115 - stored from uint64
	if len(cast) > 0 {
		c.Cast = &types.Content{}
		if err := unmarshalJSONB(cast, c.Cast); err != nil {
			return nil, err
		}
	}
	return &c, nil
}
