package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"transitdepot.dev/depot/model"
)

var (
	ErrAgencyNotFound = errors.New("agency not found")
	ErrFeedNotFound   = errors.New("feed not found")
)

// ListFeedsFilter narrows ListFeeds.
type ListFeedsFilter struct {
	// If non-zero, only feeds of this agency.
	AgencyID int64

	// If set, only active feeds.
	ActiveOnly bool
}

func (q *queries) CreateAgency(ctx context.Context, a *model.Agency) (int64, error) {
	id, err := q.insertReturningID(ctx, `
INSERT INTO agencies (name, slug, gtfs_agency_id, url, timezone, lang, phone, fare_url, email)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.Name, a.Slug, a.GTFSID, a.URL, a.Timezone, a.Lang, a.Phone, a.FareURL, a.Email)
	if err != nil {
		return 0, fmt.Errorf("inserting agency: %w", err)
	}
	a.ID = id
	return id, nil
}

func (q *queries) GetAgency(ctx context.Context, id int64) (*model.Agency, error) {
	a := &model.Agency{}
	err := q.r.QueryRowContext(ctx, `
SELECT id, name, slug, gtfs_agency_id, url, timezone, lang, phone, fare_url, email
FROM agencies
WHERE id = $1`, id).Scan(
		&a.ID, &a.Name, &a.Slug, &a.GTFSID, &a.URL,
		&a.Timezone, &a.Lang, &a.Phone, &a.FareURL, &a.Email,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAgencyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agency: %w", err)
	}
	return a, nil
}

// UpdateAgencyGTFS overwrites the agency's GTFS-compliance fields
// from an imported agency.txt row.
func (q *queries) UpdateAgencyGTFS(ctx context.Context, a *model.Agency) error {
	_, err := q.r.ExecContext(ctx, `
UPDATE agencies
SET gtfs_agency_id = $1, url = $2, timezone = $3, lang = $4, phone = $5, fare_url = $6, email = $7
WHERE id = $8`,
		a.GTFSID, a.URL, a.Timezone, a.Lang, a.Phone, a.FareURL, a.Email, a.ID)
	if err != nil {
		return fmt.Errorf("updating agency gtfs fields: %w", err)
	}
	return nil
}

func (q *queries) DeleteAgencyRow(ctx context.Context, id int64) error {
	if _, err := q.r.ExecContext(ctx, `DELETE FROM validation_preferences WHERE agency_id = $1`, id); err != nil {
		return fmt.Errorf("deleting validation preferences: %w", err)
	}
	if _, err := q.r.ExecContext(ctx, `DELETE FROM feed_sources WHERE agency_id = $1`, id); err != nil {
		return fmt.Errorf("deleting feed sources: %w", err)
	}
	if _, err := q.r.ExecContext(ctx, `DELETE FROM agencies WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting agency: %w", err)
	}
	return nil
}

func (q *queries) CreateFeed(ctx context.Context, f *model.Feed) (int64, error) {
	id, err := q.insertReturningID(ctx, `
INSERT INTO feeds (agency_id, name, description, version, imported_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6)`,
		f.AgencyID, f.Name, f.Description, f.Version, f.ImportedAt, f.IsActive)
	if err != nil {
		return 0, fmt.Errorf("inserting feed: %w", err)
	}
	f.ID = id
	return id, nil
}

func (q *queries) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	f := &model.Feed{}
	err := q.r.QueryRowContext(ctx, `
SELECT id, agency_id, name, description, version, imported_at, is_active,
       total_routes, total_stops, total_trips
FROM feeds
WHERE id = $1`, id).Scan(
		&f.ID, &f.AgencyID, &f.Name, &f.Description, &f.Version,
		&f.ImportedAt, &f.IsActive, &f.TotalRoutes, &f.TotalStops, &f.TotalTrips,
	)
	if err == sql.ErrNoRows {
		return nil, ErrFeedNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying feed: %w", err)
	}
	return f, nil
}

func (q *queries) ListFeeds(ctx context.Context, filter ListFeedsFilter) ([]*model.Feed, error) {
	query := `
SELECT id, agency_id, name, description, version, imported_at, is_active,
       total_routes, total_stops, total_trips
FROM feeds`

	conditions := []string{}
	params := []interface{}{}
	if filter.AgencyID != 0 {
		params = append(params, filter.AgencyID)
		conditions = append(conditions, fmt.Sprintf("agency_id = $%d", len(params)))
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active")
	}
	if len(conditions) > 0 {
		query += " WHERE " + joinAnd(conditions)
	}
	query += " ORDER BY imported_at DESC, id DESC"

	rows, err := q.r.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		f := &model.Feed{}
		err := rows.Scan(
			&f.ID, &f.AgencyID, &f.Name, &f.Description, &f.Version,
			&f.ImportedAt, &f.IsActive, &f.TotalRoutes, &f.TotalStops, &f.TotalTrips,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feeds = append(feeds, f)
	}

	return feeds, rows.Err()
}

// LatestActiveFeed selects the most recently imported active feed of
// an agency, or ErrFeedNotFound.
func (q *queries) LatestActiveFeed(ctx context.Context, agencyID int64) (*model.Feed, error) {
	feeds, err := q.ListFeeds(ctx, ListFeedsFilter{AgencyID: agencyID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	if len(feeds) == 0 {
		return nil, ErrFeedNotFound
	}
	return feeds[0], nil
}

func (q *queries) SetFeedActive(ctx context.Context, feedID int64, active bool) error {
	_, err := q.r.ExecContext(ctx, `UPDATE feeds SET is_active = $1 WHERE id = $2`, active, feedID)
	if err != nil {
		return fmt.Errorf("updating feed active flag: %w", err)
	}
	return nil
}

// RefreshFeedCounts recomputes total_routes/stops/trips from the
// actual row counts. Called at every commit boundary that touches a
// feed's graph.
func (q *queries) RefreshFeedCounts(ctx context.Context, feedID int64) error {
	_, err := q.r.ExecContext(ctx, `
UPDATE feeds
SET total_routes = (SELECT COUNT(*) FROM routes WHERE feed_id = $1),
    total_stops = (SELECT COUNT(*) FROM stops WHERE feed_id = $1),
    total_trips = (SELECT COUNT(*) FROM trips WHERE feed_id = $1)
WHERE id = $1`, feedID)
	if err != nil {
		return fmt.Errorf("refreshing feed counts: %w", err)
	}
	return nil
}

func (q *queries) UpsertFeedInfo(ctx context.Context, feedID int64, fi *model.FeedInfo) error {
	_, err := q.r.ExecContext(ctx, `
INSERT INTO feed_info (feed_id, publisher_name, publisher_url, lang, default_lang,
                       start_date, end_date, version, contact_email, contact_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (feed_id) DO UPDATE SET
    publisher_name = excluded.publisher_name,
    publisher_url = excluded.publisher_url,
    lang = excluded.lang,
    default_lang = excluded.default_lang,
    start_date = excluded.start_date,
    end_date = excluded.end_date,
    version = excluded.version,
    contact_email = excluded.contact_email,
    contact_url = excluded.contact_url`,
		feedID, fi.PublisherName, fi.PublisherURL, fi.Lang, fi.DefaultLang,
		fi.StartDate, fi.EndDate, fi.Version, fi.ContactEmail, fi.ContactURL)
	if err != nil {
		return fmt.Errorf("upserting feed info: %w", err)
	}
	return nil
}

func (q *queries) FeedInfo(ctx context.Context, feedID int64) (*model.FeedInfo, error) {
	fi := &model.FeedInfo{}
	err := q.r.QueryRowContext(ctx, `
SELECT publisher_name, publisher_url, lang, default_lang, start_date, end_date,
       version, contact_email, contact_url
FROM feed_info
WHERE feed_id = $1`, feedID).Scan(
		&fi.PublisherName, &fi.PublisherURL, &fi.Lang, &fi.DefaultLang,
		&fi.StartDate, &fi.EndDate, &fi.Version, &fi.ContactEmail, &fi.ContactURL,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying feed info: %w", err)
	}
	return fi, nil
}

func joinAnd(conditions []string) string {
	out := ""
	for i, c := range conditions {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}
