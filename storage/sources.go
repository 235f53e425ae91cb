package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrSourceNotFound = errors.New("feed source not found")

// A FeedSource is one configured realtime endpoint of an agency.
type FeedSource struct {
	ID        int64
	AgencyID  int64
	Name      string
	URL       string
	Headers   map[string]string
	DemoMode  bool
	Enabled   bool
	CreatedAt time.Time
}

func (q *queries) CreateFeedSource(ctx context.Context, s *FeedSource) (int64, error) {
	headers, err := encodeHeaders(s.Headers)
	if err != nil {
		return 0, err
	}
	s.CreatedAt = time.Now().UTC()

	id, err := q.insertReturningID(ctx, `
INSERT INTO feed_sources (agency_id, name, url, headers, demo_mode, enabled, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.AgencyID, s.Name, s.URL, headers, s.DemoMode, s.Enabled, s.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("inserting feed source: %w", err)
	}
	s.ID = id
	return id, nil
}

func (q *queries) GetFeedSource(ctx context.Context, id int64) (*FeedSource, error) {
	row := q.r.QueryRowContext(ctx, `
SELECT id, agency_id, name, url, headers, demo_mode, enabled, created_at
FROM feed_sources WHERE id = $1`, id)

	s, err := scanFeedSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying feed source: %w", err)
	}
	return s, nil
}

// EnabledFeedSources lists every enabled source, across agencies.
func (q *queries) EnabledFeedSources(ctx context.Context) ([]*FeedSource, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT id, agency_id, name, url, headers, demo_mode, enabled, created_at
FROM feed_sources WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing feed sources: %w", err)
	}
	defer rows.Close()

	var sources []*FeedSource
	for rows.Next() {
		s, err := scanFeedSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning feed source: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (q *queries) SetFeedSourceEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := q.r.ExecContext(ctx, `
UPDATE feed_sources SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("updating feed source: %w", err)
	}
	return nil
}

func (q *queries) DeleteFeedSource(ctx context.Context, id int64) error {
	_, err := q.r.ExecContext(ctx, `DELETE FROM feed_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting feed source: %w", err)
	}
	return nil
}

func scanFeedSource(row interface {
	Scan(dest ...interface{}) error
}) (*FeedSource, error) {
	s := &FeedSource{}
	var headers sql.NullString
	err := row.Scan(&s.ID, &s.AgencyID, &s.Name, &s.URL, &headers,
		&s.DemoMode, &s.Enabled, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &s.Headers); err != nil {
			return nil, fmt.Errorf("decoding source headers: %w", err)
		}
	}
	return s, nil
}

func encodeHeaders(h map[string]string) (interface{}, error) {
	if len(h) == 0 {
		return nil, nil
	}
	buf, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding source headers: %w", err)
	}
	return string(buf), nil
}
