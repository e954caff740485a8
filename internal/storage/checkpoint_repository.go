package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// CheckpointRepository persists block-sync checkpoints
type CheckpointRepository struct {
	db *PostgresDB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *PostgresDB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get retrieves the checkpoint of a contract; ErrNotFound when absent
func (r *CheckpointRepository) Get(ctx context.Context, contract string, chainID types.ChainID) (*models.SyncCheckpoint, error) {
	if err := ValidateAddress(contract); err != nil {
		return nil, err
	}

	query := `
		SELECT contract_address, chain_id, last_synced_block::text, start_block::text,
			   initialized, updated_at
		FROM sync_checkpoints
		WHERE contract_address = $1 AND chain_id = $2
	`

	var cp models.SyncCheckpoint
	err := r.db.Pool().QueryRow(ctx, query, types.NormalizeAddress(contract), chainID).Scan(
		&cp.ContractAddress,
		&cp.ChainID,
		&cp.LastSyncedBlock,
		&cp.StartBlock,
		&cp.Initialized,
		&cp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return &cp, nil
}

// GetOrCreate loads the checkpoint, creating it at startBlock-1 when absent
func (r *CheckpointRepository) GetOrCreate(ctx context.Context, contract string, chainID types.ChainID, startBlock uint64) (*models.SyncCheckpoint, error) {
	cp := models.NewSyncCheckpoint(contract, chainID, startBlock)

	query := `
		INSERT INTO sync_checkpoints (contract_address, chain_id, last_synced_block, start_block, initialized, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6)
		ON CONFLICT (contract_address, chain_id) DO NOTHING
	`

	if _, err := r.db.Pool().Exec(ctx, query,
		cp.ContractAddress,
		cp.ChainID,
		cp.LastSyncedBlock,
		cp.StartBlock,
		cp.Initialized,
		cp.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	return r.Get(ctx, contract, chainID)
}

// Advance records block as synced. Once initialized the stored value never decreases.
func (r *CheckpointRepository) Advance(ctx context.Context, contract string, chainID types.ChainID, block uint64) error {
	query := `
		UPDATE sync_checkpoints
		SET last_synced_block = CASE WHEN initialized
				THEN GREATEST(last_synced_block, $3::numeric) ELSE $3::numeric END,
			initialized = TRUE,
			updated_at = NOW()
		WHERE contract_address = $1 AND chain_id = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		types.NormalizeAddress(contract), chainID, strconv.FormatUint(block, 10))
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Count returns the number of checkpoints
func (r *CheckpointRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM sync_checkpoints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return n, nil
}

// DeleteMany removes the checkpoints of the given contracts on a chain
func (r *CheckpointRepository) DeleteMany(ctx context.Context, chainID types.ChainID, contracts []string) (int64, error) {
	normalized := make([]string, len(contracts))
	for i, c := range contracts {
		normalized[i] = types.NormalizeAddress(c)
	}

	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM sync_checkpoints WHERE chain_id = $1 AND contract_address = ANY($2)`,
		chainID, normalized)
	if err != nil {
		return 0, fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}
