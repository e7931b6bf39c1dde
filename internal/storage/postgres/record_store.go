package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

// RecordStore upserts the latest extracted record per listing.
type RecordStore struct {
	pool  Pool
	table string
}

// NewRecordStore wraps pool. An empty table defaults to "listings".
func NewRecordStore(pool Pool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "listings")
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name}, nil
}

// EnsureSchema creates the listings table when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	listing_id TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	title      TEXT NOT NULL,
	price      DOUBLE PRECISION NOT NULL,
	currency   TEXT NOT NULL DEFAULT '',
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	fetched_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure %s schema: %w", s.table, err)
	}
	return nil
}

// UpsertRecord writes record and returns the price and currency it replaced.
func (s *RecordStore) UpsertRecord(ctx context.Context, record crawler.Record) (crawler.Record, bool, error) {
	if record.ListingID == "" {
		return crawler.Record{}, false, fmt.Errorf("listing id is required")
	}
	attrs := record.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return crawler.Record{}, false, fmt.Errorf("marshal attributes: %w", err)
	}
	query := fmt.Sprintf(`
WITH prev AS (
	SELECT price, currency FROM %[1]s WHERE listing_id = $1
)
INSERT INTO %[1]s (listing_id, url, title, price, currency, attributes, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (listing_id) DO UPDATE SET
	url = EXCLUDED.url,
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	currency = EXCLUDED.currency,
	attributes = EXCLUDED.attributes,
	fetched_at = EXCLUDED.fetched_at
RETURNING
	EXISTS (SELECT 1 FROM prev),
	COALESCE((SELECT price FROM prev), 0),
	COALESCE((SELECT currency FROM prev), '')`, s.table)

	var (
		existed  bool
		previous = crawler.Record{ListingID: record.ListingID}
	)
	err = s.pool.QueryRow(ctx, query,
		record.ListingID,
		record.URL,
		record.Title,
		record.Price,
		record.Currency,
		attrsJSON,
		record.FetchedAt,
	).Scan(&existed, &previous.Price, &previous.Currency)
	if err != nil {
		return crawler.Record{}, false, fmt.Errorf("upsert listing: %w", err)
	}
	if !existed {
		return crawler.Record{}, false, nil
	}
	return previous, true, nil
}
