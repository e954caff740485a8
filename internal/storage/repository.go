package storage

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
)

// ValidateAddress validates the 0x-prefixed 20-byte hex address format
func ValidateAddress(address string) error {
	if !types.IsAddress(address) {
		return apperrors.NewInvalidAddressError(address)
	}
	return nil
}

// nullableNumeric maps "" to NULL for NUMERIC columns
func nullableNumeric(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// marshalJSONB encodes v for a JSONB column; nil stays NULL
func marshalJSONB(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONB value: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func unmarshalJSONB(data []byte, dest interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal JSONB value: %w", err)
	}
	return nil
}
