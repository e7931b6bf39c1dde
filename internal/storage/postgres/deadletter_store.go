package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

const deadLetterColumns = `id, job_id, target_url, failure_kind, attempts, raw_context, created_at, updated_at, resolution`

// DeadLetterStore persists dead-letter entries. Rows are never deleted and
// job_id is unique, so a job can be dead-lettered at most once.
type DeadLetterStore struct {
	pool  Pool
	table string
}

// NewDeadLetterStore wraps pool. An empty table defaults to "dead_letters".
func NewDeadLetterStore(pool Pool, table string) (*DeadLetterStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, "dead_letters")
	if err != nil {
		return nil, err
	}
	return &DeadLetterStore{pool: pool, table: name}, nil
}

// EnsureSchema creates the table and indexes when missing.
func (s *DeadLetterStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL UNIQUE,
	target_url   TEXT NOT NULL,
	failure_kind TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	raw_context  JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	resolution   TEXT NOT NULL DEFAULT 'open'
);
CREATE INDEX IF NOT EXISTS %[1]s_created_at_idx ON %[1]s (created_at DESC);
CREATE INDEX IF NOT EXISTS %[1]s_kind_idx ON %[1]s (failure_kind)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure %s schema: %w", s.table, err)
	}
	return nil
}

// Record inserts entry, returning crawler.ErrAlreadyDeadLettered when the job
// already has an entry.
func (s *DeadLetterStore) Record(ctx context.Context, entry crawler.DeadLetterEntry) error {
	if entry.ID == "" || entry.JobID == "" {
		return fmt.Errorf("dead-letter entry requires id and job id")
	}
	if entry.Resolution == "" {
		entry.Resolution = crawler.ResolutionOpen
	}
	rawContext, err := marshalContext(entry.RawContext)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (job_id) DO NOTHING`, s.table, deadLetterColumns)
	tag, err := s.pool.Exec(ctx, query,
		entry.ID,
		entry.JobID,
		entry.TargetURL,
		string(entry.Kind),
		entry.Attempts,
		rawContext,
		entry.CreatedAt,
		entry.UpdatedAt,
		string(entry.Resolution),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", entry.JobID, crawler.ErrAlreadyDeadLettered)
	}
	return nil
}

// Get fetches one entry by ID.
func (s *DeadLetterStore) Get(ctx context.Context, id string) (crawler.DeadLetterEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, deadLetterColumns, s.table)
	entry, err := scanEntry(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.DeadLetterEntry{}, fmt.Errorf("dead-letter %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.DeadLetterEntry{}, fmt.Errorf("get dead letter: %w", err)
	}
	return entry, nil
}

// List returns matching entries, newest first.
func (s *DeadLetterStore) List(ctx context.Context, filter crawler.DeadLetterFilter) ([]crawler.DeadLetterEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Kind != "" {
		add("failure_kind = $%d", string(filter.Kind))
	}
	if filter.Resolution != "" {
		add("resolution = $%d", string(filter.Resolution))
	}
	if filter.JobID != "" {
		add("job_id = $%d", filter.JobID)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", deadLetterColumns, s.table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.DeadLetterEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Resolve advances an entry's resolution. The update is conditional on the
// resolution read, so a concurrent change surfaces as ErrInvalidTransition.
func (s *DeadLetterStore) Resolve(
	ctx context.Context,
	id string,
	resolution crawler.Resolution,
	now time.Time,
) (crawler.DeadLetterEntry, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return crawler.DeadLetterEntry{}, err
	}
	if !current.Resolution.CanMoveTo(resolution) {
		return crawler.DeadLetterEntry{}, fmt.Errorf(
			"dead-letter %s %s -> %s: %w", id, current.Resolution, resolution, crawler.ErrInvalidTransition)
	}
	query := fmt.Sprintf(`
UPDATE %s SET resolution = $1, updated_at = $2
WHERE id = $3 AND resolution = $4
RETURNING %s`, s.table, deadLetterColumns)
	updated, err := scanEntry(s.pool.QueryRow(ctx, query, string(resolution), now, id, string(current.Resolution)))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.DeadLetterEntry{}, fmt.Errorf("dead-letter %s changed concurrently: %w", id, crawler.ErrInvalidTransition)
	}
	if err != nil {
		return crawler.DeadLetterEntry{}, fmt.Errorf("resolve dead letter: %w", err)
	}
	return updated, nil
}

// Stats aggregates totals per kind plus the count inside the trailing window.
func (s *DeadLetterStore) Stats(ctx context.Context, window time.Duration, now time.Time) (crawler.DeadLetterStats, error) {
	query := fmt.Sprintf(`
SELECT failure_kind, count(*), count(*) FILTER (WHERE created_at >= $1)
FROM %s GROUP BY failure_kind`, s.table)
	rows, err := s.pool.Query(ctx, query, now.Add(-window))
	if err != nil {
		return crawler.DeadLetterStats{}, fmt.Errorf("dead letter stats: %w", err)
	}
	defer rows.Close()

	stats := crawler.DeadLetterStats{
		ByKind: make(map[crawler.FailureKind]int),
		Window: window,
	}
	for rows.Next() {
		var (
			kind            string
			total, inWindow int64
		)
		if err := rows.Scan(&kind, &total, &inWindow); err != nil {
			return crawler.DeadLetterStats{}, fmt.Errorf("scan dead letter stats: %w", err)
		}
		stats.ByKind[crawler.FailureKind(kind)] = int(total)
		stats.Total += int(total)
		if window > 0 {
			stats.InWindow += int(inWindow)
		}
	}
	if err := rows.Err(); err != nil {
		return crawler.DeadLetterStats{}, fmt.Errorf("iterate dead letter stats: %w", err)
	}
	stats.RatePerMinute = crawler.RatePerMinute(stats.InWindow, window)
	return stats, nil
}

// CountSince counts entries created at or after since.
func (s *DeadLetterStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE created_at >= $1`, s.table)
	var count int64
	if err := s.pool.QueryRow(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return int(count), nil
}

func scanEntry(row pgx.Row) (crawler.DeadLetterEntry, error) {
	var (
		entry      crawler.DeadLetterEntry
		kind       string
		resolution string
		rawContext []byte
	)
	if err := row.Scan(
		&entry.ID,
		&entry.JobID,
		&entry.TargetURL,
		&kind,
		&entry.Attempts,
		&rawContext,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&resolution,
	); err != nil {
		return crawler.DeadLetterEntry{}, err
	}
	entry.Kind = crawler.FailureKind(kind)
	entry.Resolution = crawler.Resolution(resolution)
	if len(rawContext) > 0 {
		if err := json.Unmarshal(rawContext, &entry.RawContext); err != nil {
			return crawler.DeadLetterEntry{}, fmt.Errorf("decode raw context: %w", err)
		}
	}
	return entry, nil
}

func marshalContext(ctx map[string]string) ([]byte, error) {
	if ctx == nil {
		ctx = map[string]string{}
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("marshal raw context: %w", err)
	}
	return data, nil
}
