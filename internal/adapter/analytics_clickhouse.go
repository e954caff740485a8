package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	apperrors "github.com/market-sync/internal/errors"
)

// ClickHouseAnalytics runs analytics queries against a self-hosted ClickHouse
// events table filled by the event mirror
type ClickHouseAnalytics struct {
	conn driver.Conn
}

// NewClickHouseAnalytics creates an analytics executor over conn
func NewClickHouseAnalytics(conn driver.Conn) *ClickHouseAnalytics {
	return &ClickHouseAnalytics{conn: conn}
}

// Execute runs sql and maps the known columns onto AnalyticsRow
func (a *ClickHouseAnalytics) Execute(ctx context.Context, sql string) (*AnalyticsResult, error) {
	rows, err := a.conn.Query(ctx, sql)
	if err != nil {
		return nil, apperrors.NewTransientError("analytics", NewAdapterError("analytics", "Execute", err, nil))
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	names := rows.Columns()

	result := &AnalyticsResult{Rows: []AnalyticsRow{}}
	for rows.Next() {
		dest := make([]interface{}, len(columnTypes))
		for i, ct := range columnTypes {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan analytics row: %w", err)
		}

		values := make([]interface{}, len(dest))
		for i := range dest {
			values[i] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		result.Rows = append(result.Rows, rowFromColumns(names, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analytics rows: %w", err)
	}

	return result, nil
}

// rowFromColumns maps one scanned row. A column that does not convert marks
// the row malformed instead of failing the query.
func rowFromColumns(names []string, values []interface{}) AnalyticsRow {
	var (
		row      AnalyticsRow
		firstErr error
	)
	for i, name := range names {
		if err := assignColumn(&row, name, values[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		row.Err = malformedRow(row.EventName, firstErr)
	}
	return row
}

func assignColumn(row *AnalyticsRow, name string, value interface{}) error {
	switch name {
	case "event_name":
		row.EventName = fmt.Sprint(value)
	case "transaction_hash":
		row.TransactionHash = fmt.Sprint(value)
	case "parameters":
		var raw []byte
		switch v := value.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("parameters: %w", err)
			}
			raw = b
		}
		params, err := ParseParameters(raw)
		if err != nil {
			return err
		}
		row.Parameters = params
	case "block_timestamp":
		switch v := value.(type) {
		case time.Time:
			row.BlockTimestamp = v.Unix()
		default:
			n, err := strconv.ParseInt(fmt.Sprint(v), 10, 64)
			if err != nil {
				return fmt.Errorf("block_timestamp: %w", err)
			}
			row.BlockTimestamp = n
		}
	case "block_number":
		n, err := strconv.ParseUint(fmt.Sprint(value), 10, 64)
		if err != nil {
			return fmt.Errorf("block_number: %w", err)
		}
		row.BlockNumber = n
	case "log_index":
		n, err := strconv.ParseUint(fmt.Sprint(value), 10, 32)
		if err != nil {
			return fmt.Errorf("log_index: %w", err)
		}
		row.LogIndex = uint(n)
	}
	return nil
}
