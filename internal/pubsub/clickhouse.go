package pubsub

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/resident-x/go-buslog/internal/aggregate"
	"github.com/resident-x/go-buslog/internal/config"
	"github.com/resident-x/go-buslog/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    Minute    DateTime,
    Run       String,
    Field     String,
    Min       Nullable(Float64),
    Max       Nullable(Float64),
    Avg       Nullable(Float64),
    Text      Nullable(String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Minute)
ORDER BY (Field, Minute);
`

type minuteRow struct {
	Minute time.Time
	Field  string
	Min    *float64
	Max    *float64
	Avg    *float64
	Text   *string
}

// ClickHouseSink stores finalised minute buckets, one row per output key.
type ClickHouseSink struct {
	conn   driver.Conn
	table  string
	run    string
	loc    *time.Location
	logger zerolog.Logger
}

// NewClickHouseSink connects and makes sure the minute table exists. Minute
// keys are read in loc, the zone the decoder formats them in.
func NewClickHouseSink(ctx context.Context, cfg config.ClickHouseConfig, run string, loc *time.Location) (*ClickHouseSink, error) {
	if loc == nil {
		loc = time.Local
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	if err := conn.Exec(ctx, fmt.Sprintf(createTableStatement, cfg.Table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	logger := log.With().Str("component", "clickhouse").Logger()
	logger.Info().Str("table", cfg.Table).Msg("Connected to ClickHouse")

	return &ClickHouseSink{conn: conn, table: cfg.Table, run: run, loc: loc, logger: logger}, nil
}

// Put inserts one row per key of a minute bucket.
func (s *ClickHouseSink) Put(ctx context.Context, key string, value any) error {
	rows, err := minuteRows(key, value, s.loc)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(r.Minute, s.run, r.Field, r.Min, r.Max, r.Avg, r.Text); err != nil {
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	s.logger.Debug().Str("minute", key).Int("rows", len(rows)).Msg("Wrote minute bucket")
	return nil
}

// Close closes the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// minuteRows flattens a minute bucket into table rows sorted by field.
func minuteRows(key string, value any, loc *time.Location) ([]minuteRow, error) {
	bucket, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid payload type for ClickHouse sink: expected map[string]any, got %T", value)
	}
	minute, err := time.ParseInLocation(aggregate.MinuteLayout, key, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid minute key %q: %w", key, err)
	}

	fields := make([]string, 0, len(bucket))
	for f := range bucket {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	rows := make([]minuteRow, 0, len(fields))
	for _, f := range fields {
		row := minuteRow{Minute: minute, Field: f}
		switch v := bucket[f].(type) {
		case domain.Band:
			row.Min, row.Max, row.Avg = &v.Min, &v.Max, &v.Avg
		case string:
			row.Text = &v
		default:
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
