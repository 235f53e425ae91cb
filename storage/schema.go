package storage

import "fmt"

// The GTFS tables use composite primary keys (feed_id, natural key)
// directly. Merge, split and clone rely on natural-key remapping;
// surrogate ids on these tables would only add a join.

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agencies (
    id %ID%,
    name TEXT NOT NULL,
    slug TEXT NOT NULL UNIQUE,
    gtfs_agency_id TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    timezone TEXT NOT NULL DEFAULT '',
    lang TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    fare_url TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT ''
)`,

	`CREATE TABLE IF NOT EXISTS feeds (
    id %ID%,
    agency_id BIGINT NOT NULL REFERENCES agencies (id),
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    version TEXT NOT NULL DEFAULT '',
    imported_at %TS% NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    total_routes INTEGER NOT NULL DEFAULT 0,
    total_stops INTEGER NOT NULL DEFAULT 0,
    total_trips INTEGER NOT NULL DEFAULT 0
)`,

	`CREATE TABLE IF NOT EXISTS routes (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    route_id TEXT NOT NULL,
    agency_id BIGINT NOT NULL,
    short_name TEXT NOT NULL DEFAULT '',
    long_name TEXT NOT NULL DEFAULT '',
    "desc" TEXT NOT NULL DEFAULT '',
    type INTEGER NOT NULL DEFAULT 3,
    url TEXT NOT NULL DEFAULT '',
    color TEXT NOT NULL DEFAULT '',
    text_color TEXT NOT NULL DEFAULT '',
    sort_order INTEGER NOT NULL DEFAULT 0,
    custom_fields %JSON%,
    PRIMARY KEY (feed_id, route_id)
)`,

	`CREATE TABLE IF NOT EXISTS stops (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    stop_id TEXT NOT NULL,
    code TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    "desc" TEXT NOT NULL DEFAULT '',
    lat DOUBLE PRECISION NOT NULL DEFAULT 0,
    lon DOUBLE PRECISION NOT NULL DEFAULT 0,
    zone_id TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    location_type INTEGER NOT NULL DEFAULT 0,
    parent_station TEXT NOT NULL DEFAULT '',
    timezone TEXT NOT NULL DEFAULT '',
    wheelchair INTEGER NOT NULL DEFAULT 0,
    custom_fields %JSON%,
    PRIMARY KEY (feed_id, stop_id)
)`,

	`CREATE TABLE IF NOT EXISTS calendars (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    service_id TEXT NOT NULL,
    monday BOOLEAN NOT NULL DEFAULT FALSE,
    tuesday BOOLEAN NOT NULL DEFAULT FALSE,
    wednesday BOOLEAN NOT NULL DEFAULT FALSE,
    thursday BOOLEAN NOT NULL DEFAULT FALSE,
    friday BOOLEAN NOT NULL DEFAULT FALSE,
    saturday BOOLEAN NOT NULL DEFAULT FALSE,
    sunday BOOLEAN NOT NULL DEFAULT FALSE,
    start_date TEXT NOT NULL DEFAULT '',
    end_date TEXT NOT NULL DEFAULT '',
    custom_fields %JSON%,
    PRIMARY KEY (feed_id, service_id)
)`,

	`CREATE TABLE IF NOT EXISTS calendar_dates (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL,
    PRIMARY KEY (feed_id, service_id, date)
)`,

	`CREATE TABLE IF NOT EXISTS shapes (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    shape_id TEXT NOT NULL,
    shape_pt_sequence INTEGER NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    dist_traveled DOUBLE PRECISION,
    PRIMARY KEY (feed_id, shape_id, shape_pt_sequence)
)`,

	`CREATE TABLE IF NOT EXISTS trips (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    trip_id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT NOT NULL DEFAULT '',
    short_name TEXT NOT NULL DEFAULT '',
    direction_id INTEGER NOT NULL DEFAULT 0,
    block_id TEXT NOT NULL DEFAULT '',
    shape_id TEXT NOT NULL DEFAULT '',
    wheelchair INTEGER NOT NULL DEFAULT 0,
    bikes_allowed INTEGER NOT NULL DEFAULT 0,
    custom_fields %JSON%,
    PRIMARY KEY (feed_id, trip_id)
)`,

	`CREATE TABLE IF NOT EXISTS stop_times (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    trip_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    stop_id TEXT NOT NULL,
    arrival_time TEXT NOT NULL DEFAULT '',
    departure_time TEXT NOT NULL DEFAULT '',
    stop_headsign TEXT NOT NULL DEFAULT '',
    pickup_type INTEGER NOT NULL DEFAULT 0,
    drop_off_type INTEGER NOT NULL DEFAULT 0,
    shape_dist_traveled DOUBLE PRECISION,
    timepoint INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (feed_id, trip_id, stop_sequence)
)`,

	`CREATE TABLE IF NOT EXISTS fare_attributes (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    fare_id TEXT NOT NULL,
    price DOUBLE PRECISION NOT NULL DEFAULT 0,
    currency TEXT NOT NULL DEFAULT '',
    payment_method INTEGER NOT NULL DEFAULT 0,
    transfers INTEGER,
    agency_id TEXT NOT NULL DEFAULT '',
    transfer_duration INTEGER,
    PRIMARY KEY (feed_id, fare_id)
)`,

	`CREATE TABLE IF NOT EXISTS fare_rules (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    fare_id TEXT NOT NULL,
    route_id TEXT NOT NULL DEFAULT '',
    origin_id TEXT NOT NULL DEFAULT '',
    destination_id TEXT NOT NULL DEFAULT '',
    contains_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (feed_id, fare_id, route_id, origin_id, destination_id, contains_id)
)`,

	`CREATE TABLE IF NOT EXISTS feed_info (
    feed_id BIGINT NOT NULL REFERENCES feeds (id),
    publisher_name TEXT NOT NULL DEFAULT '',
    publisher_url TEXT NOT NULL DEFAULT '',
    lang TEXT NOT NULL DEFAULT '',
    default_lang TEXT NOT NULL DEFAULT '',
    start_date TEXT NOT NULL DEFAULT '',
    end_date TEXT NOT NULL DEFAULT '',
    version TEXT NOT NULL DEFAULT '',
    contact_email TEXT NOT NULL DEFAULT '',
    contact_url TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (feed_id)
)`,

	`CREATE TABLE IF NOT EXISTS tasks (
    id %ID%,
    job_id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    progress DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at %TS%,
    completed_at %TS%,
    user_id BIGINT NOT NULL DEFAULT 0,
    agency_id BIGINT,
    input_data %JSON%,
    result_data %JSON%,
    error_message TEXT NOT NULL DEFAULT '',
    error_traceback TEXT NOT NULL DEFAULT '',
    created_at %TS% NOT NULL,
    updated_at %TS% NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS validation_preferences (
    agency_id BIGINT NOT NULL REFERENCES agencies (id),
    rule TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (agency_id, rule)
)`,

	`CREATE TABLE IF NOT EXISTS feed_sources (
    id %ID%,
    agency_id BIGINT NOT NULL REFERENCES agencies (id),
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    headers %JSON%,
    demo_mode BOOLEAN NOT NULL DEFAULT FALSE,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at %TS% NOT NULL
)`,

	`CREATE INDEX IF NOT EXISTS trips_feed_route ON trips (feed_id, route_id)`,
	`CREATE INDEX IF NOT EXISTS trips_feed_service ON trips (feed_id, service_id)`,
	`CREATE INDEX IF NOT EXISTS stop_times_feed_stop ON stop_times (feed_id, stop_id)`,
	`CREATE INDEX IF NOT EXISTS calendar_dates_feed_service ON calendar_dates (feed_id, service_id)`,
	`CREATE INDEX IF NOT EXISTS tasks_status ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS feeds_agency ON feeds (agency_id)`,
}

func (s *Store) createSchema() error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	tsCol := "TIMESTAMP"
	jsonCol := "TEXT"
	if s.driver == DriverPostgres {
		idCol = "BIGSERIAL PRIMARY KEY"
		tsCol = "TIMESTAMPTZ"
		jsonCol = "JSONB"
	}

	for _, stmt := range schemaStatements {
		expanded := stmt
		expanded = replaceAll(expanded, "%ID%", idCol)
		expanded = replaceAll(expanded, "%TS%", tsCol)
		expanded = replaceAll(expanded, "%JSON%", jsonCol)
		if _, err := s.db.Exec(expanded); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}

	return nil
}
