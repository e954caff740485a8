package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/types"
)

// AnalyticsService runs a SQL-like query over decoded contract events
type AnalyticsService interface {
	Execute(ctx context.Context, sql string) (*AnalyticsResult, error)
}

// AnalyticsResult is the row set of one query
type AnalyticsResult struct {
	Rows []AnalyticsRow `json:"result"`
}

// AnalyticsRow is one decoded event. Which columns are populated depends on
// the query; BlockTimestamp is unix seconds.
//
// A row whose columns could not be decoded is still returned, with Err set
// and every column that did decode filled in, so one bad row never costs the
// rest of the result.
type AnalyticsRow struct {
	EventName       string       `json:"event_name"`
	Parameters      types.Params `json:"parameters"`
	BlockTimestamp  int64        `json:"block_timestamp"`
	BlockNumber     uint64       `json:"block_number"`
	LogIndex        uint         `json:"log_index"`
	TransactionHash string       `json:"transaction_hash"`
	Err             error        `json:"-"`
}

// Position returns the chain position of the row
func (r AnalyticsRow) Position() types.EventPosition {
	return types.EventPosition{
		Timestamp:   r.BlockTimestamp,
		BlockNumber: r.BlockNumber,
		LogIndex:    r.LogIndex,
		TxHash:      r.TransactionHash,
	}
}

// UnmarshalJSON accepts numbers or strings for the numeric columns and a JSON
// object or a JSON-encoded string for parameters
func (r *AnalyticsRow) UnmarshalJSON(data []byte) error {
	*r = decodeRow(data)
	return r.Err
}

// decodeRow decodes each column on its own and records the first failure in Err
func decodeRow(data []byte) AnalyticsRow {
	var raw struct {
		EventName       json.RawMessage `json:"event_name"`
		Parameters      json.RawMessage `json:"parameters"`
		BlockTimestamp  json.RawMessage `json:"block_timestamp"`
		BlockNumber     json.RawMessage `json:"block_number"`
		LogIndex        json.RawMessage `json:"log_index"`
		TransactionHash json.RawMessage `json:"transaction_hash"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return AnalyticsRow{Err: malformedRow("", err)}
	}

	var (
		row  AnalyticsRow
		errs []error
	)
	if err := unmarshalOptional(raw.EventName, &row.EventName); err != nil {
		errs = append(errs, fmt.Errorf("event_name: %w", err))
	}
	if err := unmarshalOptional(raw.TransactionHash, &row.TransactionHash); err != nil {
		errs = append(errs, fmt.Errorf("transaction_hash: %w", err))
	}

	var err error
	if row.Parameters, err = ParseParameters(raw.Parameters); err != nil {
		errs = append(errs, err)
	}
	if row.BlockTimestamp, err = parseTimestampJSON(raw.BlockTimestamp); err != nil {
		errs = append(errs, fmt.Errorf("block_timestamp: %w", err))
	}
	if row.BlockNumber, err = parseUintJSON(raw.BlockNumber); err != nil {
		errs = append(errs, fmt.Errorf("block_number: %w", err))
	}
	logIndex, err := parseUintJSON(raw.LogIndex)
	if err != nil {
		errs = append(errs, fmt.Errorf("log_index: %w", err))
	}
	row.LogIndex = uint(logIndex)

	if len(errs) > 0 {
		row.Err = malformedRow(row.EventName, errs[0])
	}
	return row
}

func unmarshalOptional(data json.RawMessage, dest *string) error {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func malformedRow(event string, err error) error {
	if event == "" {
		event = "analytics row"
	}
	return apperrors.NewMalformedEventError(event, err.Error())
}

// ParseParameters decodes an event parameter payload, numbers kept as json.Number
func ParseParameters(data []byte) (types.Params, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return types.Params{}, nil
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("parameters: %w", err)
		}
		data = []byte(inner)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	params := types.Params{}
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("parameters: %w", err)
	}
	return params, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000 UTC",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

func parseTimestampJSON(data []byte) (int64, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return 0, nil
	}
	if data[0] != '"' {
		return strconv.ParseInt(string(data), 10, 64)
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, err
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseUintJSON(data []byte) (uint64, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return 0, nil
	}
	return strconv.ParseUint(strings.Trim(string(data), `"`), 10, 64)
}

// decodeResult checks that the payload carries a result array before decoding it
func decodeResult(body []byte) (*AnalyticsResult, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	trimmed := bytes.TrimSpace(envelope.Result)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: result is not an array", ErrMalformedResponse)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	rows := make([]AnalyticsRow, 0, len(raws))
	for _, raw := range raws {
		rows = append(rows, decodeRow(raw))
	}
	return &AnalyticsResult{Rows: rows}, nil
}
