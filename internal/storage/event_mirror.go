package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/market-sync/internal/models"
	"github.com/market-sync/internal/types"
)

// EventMirror copies persisted events into the ClickHouse events table that
// the self-hosted analytics backend queries
type EventMirror struct {
	db    *ClickHouseDB
	table string
}

// NewEventMirror creates a mirror writing into table (default "events")
func NewEventMirror(db *ClickHouseDB, table string) *EventMirror {
	if table == "" {
		table = "events"
	}
	return &EventMirror{db: db, table: table}
}

// InsertEvents appends events in one batch. The table deduplicates on
// (address, event_name, block_number, log_index) at merge time.
func (m *EventMirror) InsertEvents(ctx context.Context, events []models.ChainEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := m.db.Conn().PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			chain_id, address, event_name, parameters, block_timestamp,
			block_number, log_index, transaction_hash
		)
	`, m.table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, ev := range events {
		params, err := json.Marshal(ev.Args)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to marshal parameters of %s at %d/%d: %w", ev.EventName, ev.BlockNumber, ev.LogIndex, err)
		}

		if err := batch.Append(
			int64(ev.ChainID),
			types.NormalizeAddress(ev.ContractAddress),
			ev.EventName,
			string(params),
			ev.BlockTimestamp,
			ev.BlockNumber,
			uint32(ev.LogIndex), // #nosec G115 - log index within a block
			ev.TxHash,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append event to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	return nil
}
