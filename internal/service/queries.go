package service

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
)

// TransferDirection selects which side of a Transfer a replay query matches
type TransferDirection string

const (
	TransfersTo   TransferDirection = "to"
	TransfersFrom TransferDirection = "from"
)

const eventColumns = "event_name, parameters, block_timestamp, block_number, log_index, transaction_hash"

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// QueryBuilder renders analytics queries over the decoded events table.
// Addresses are validated and lower-cased before they are inlined.
type QueryBuilder struct {
	table string
}

// NewQueryBuilder creates a builder for table
func NewQueryBuilder(table string) (*QueryBuilder, error) {
	if table == "" {
		table = "events"
	}
	if !tablePattern.MatchString(table) {
		return nil, apperrors.NewConfigurationError("analytics table", fmt.Errorf("invalid table name %q", table))
	}
	return &QueryBuilder{table: table}, nil
}

// MarketEvents selects marketplace events of contract newer than afterTimestamp
// (unix seconds), oldest first
func (b *QueryBuilder) MarketEvents(contract string, afterTimestamp int64) (string, error) {
	if !types.IsAddress(contract) {
		return "", apperrors.NewInvalidAddressError(contract)
	}

	names := make([]string, len(types.MarketEventNames))
	for i, n := range types.MarketEventNames {
		names[i] = "'" + n + "'"
	}

	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE address = '%s' AND event_name IN (%s) AND toUnixTimestamp(block_timestamp) > %d "+
			"ORDER BY block_timestamp ASC, block_number ASC, log_index ASC",
		eventColumns, b.table, types.NormalizeAddress(contract), strings.Join(names, ", "), afterTimestamp,
	), nil
}

// Transfers selects Transfer events of contract where the given side equals address
func (b *QueryBuilder) Transfers(contract string, direction TransferDirection, address string) (string, error) {
	if !types.IsAddress(contract) {
		return "", apperrors.NewInvalidAddressError(contract)
	}
	if !types.IsAddress(address) {
		return "", apperrors.NewInvalidAddressError(address)
	}
	if direction != TransfersTo && direction != TransfersFrom {
		return "", apperrors.NewInvalidParameterError("direction", string(direction))
	}

	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE address = '%s' AND event_name = 'Transfer' AND lower(JSONExtractString(parameters, '%s')) = '%s' "+
			"ORDER BY block_number ASC, log_index ASC",
		eventColumns, b.table, types.NormalizeAddress(contract), direction, types.NormalizeAddress(address),
	), nil
}
