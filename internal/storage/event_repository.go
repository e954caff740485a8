package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// EventRepository persists decoded contract events.
// (chain_id, block_number, log_index) is the natural key, so replays insert nothing.
type EventRepository struct {
	db *PostgresDB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *PostgresDB) *EventRepository {
	return &EventRepository{db: db}
}

// UpsertEvents inserts events that are not stored yet and returns the ones inserted
func (r *EventRepository) UpsertEvents(ctx context.Context, events []models.ChainEvent) ([]models.ChainEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO chain_events (
			chain_id, block_number, log_index, contract_address, tx_hash,
			event_name, args, block_timestamp
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (chain_id, block_number, log_index) DO NOTHING
	`

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	batch := &pgx.Batch{}
	for _, ev := range events {
		args, err := marshalJSONB(ev.Args)
		if err != nil {
			return nil, err
		}
		if args == nil {
			args = []byte("{}")
		}
		batch.Queue(query,
			ev.ChainID,
			int64(ev.BlockNumber), // #nosec G115 - block numbers fit in int64
			int32(ev.LogIndex),    // #nosec G115 - log index within a block
			types.NormalizeAddress(ev.ContractAddress),
			ev.TxHash,
			ev.EventName,
			args,
			ev.BlockTimestamp,
		)
	}

	results := tx.SendBatch(ctx, batch)
	var inserted []models.ChainEvent
	for _, ev := range events {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return nil, fmt.Errorf("failed to insert event %s at %d/%d: %w", ev.EventName, ev.BlockNumber, ev.LogIndex, err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, ev)
		}
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit events: %w", err)
	}

	return inserted, nil
}

// ListAfterBlock returns up to limit events of contract with block_number > afterBlock,
// restricted to names when given, ordered by (block_number, log_index)
func (r *EventRepository) ListAfterBlock(ctx context.Context, chainID types.ChainID, contract string, afterBlock uint64, names []string, limit int) ([]models.ChainEvent, error) {
	query := `
		SELECT chain_id, block_number, log_index, contract_address, tx_hash,
			   event_name, args, block_timestamp, created_at
		FROM chain_events
		WHERE chain_id = $1
		  AND contract_address = $2
		  AND block_number > $3
		  AND (cardinality($4::text[]) = 0 OR event_name = ANY($4))
		ORDER BY block_number ASC, log_index ASC
		LIMIT $5
	`

	if names == nil {
		names = []string{}
	}

	rows, err := r.db.Pool().Query(ctx, query,
		chainID,
		types.NormalizeAddress(contract),
		int64(afterBlock), // #nosec G115 - block numbers fit in int64
		names,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.ChainEvent
	for rows.Next() {
		var (
			ev       models.ChainEvent
			block    int64
			logIndex int32
			args     []byte
		)
		if err := rows.Scan(
			&ev.ChainID,
			&block,
			&logIndex,
			&ev.ContractAddress,
			&ev.TxHash,
			&ev.EventName,
			&args,
			&ev.BlockTimestamp,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.BlockNumber = uint64(block) // #nosec G115 - stored from uint64
		ev.LogIndex = uint(logIndex)   // #nosec G115 - stored from uint
		if err := unmarshalJSONB(args, &ev.Args); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// Count returns the number of stored events of a contract
func (r *EventRepository) Count(ctx context.Context, chainID types.ChainID, contract string) (int64, error) {
	var n int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM chain_events WHERE chain_id = $1 AND contract_address = $2`,
		chainID, types.NormalizeAddress(contract)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// DeleteMany removes the events of a contract in [fromBlock, toBlock]
func (r *EventRepository) DeleteMany(ctx context.Context, chainID types.ChainID, contract string, fromBlock, toBlock uint64) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		DELETE FROM chain_events
		WHERE chain_id = $1 AND contract_address = $2
		  AND block_number BETWEEN $3 AND $4
	`, chainID, types.NormalizeAddress(contract),
		int64(fromBlock), int64(toBlock)) // #nosec G115 - block numbers fit in int64
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}
