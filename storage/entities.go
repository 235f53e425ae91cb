package storage

import (
	"context"
	"database/sql"
	"fmt"

	"transitdepot.dev/depot/model"
)

// Typed batch writers for the GTFS tables. Each wraps a
// BatchInserter configured with the table's column list and an upsert
// clause, so that re-imported rows overwrite in place. The callers
// treat every flush as a progress/cancellation checkpoint.

var routeColumns = []string{
	"feed_id", "route_id", "agency_id", "short_name", "long_name", `"desc"`,
	"type", "url", "color", "text_color", "sort_order", "custom_fields",
}

const routeConflict = `ON CONFLICT (feed_id, route_id) DO UPDATE SET
    agency_id = excluded.agency_id,
    short_name = excluded.short_name,
    long_name = excluded.long_name,
    "desc" = excluded."desc",
    type = excluded.type,
    url = excluded.url,
    color = excluded.color,
    text_color = excluded.text_color,
    sort_order = excluded.sort_order,
    custom_fields = excluded.custom_fields`

type RouteWriter struct {
	b      *BatchInserter
	feedID int64
}

func (q *queries) NewRouteWriter(feedID int64) *RouteWriter {
	return &RouteWriter{b: q.NewBatchInserter("routes", routeColumns, routeConflict), feedID: feedID}
}

func (w *RouteWriter) Write(ctx context.Context, r *model.Route) (bool, error) {
	custom, err := encodeCustom(r.Custom)
	if err != nil {
		return false, err
	}
	return w.b.Add(ctx, w.feedID, r.RouteID, r.AgencyID, r.ShortName, r.LongName,
		r.Desc, int(r.Type), r.URL, r.Color, r.TextColor, r.SortOrder, custom)
}

func (w *RouteWriter) Flush(ctx context.Context) error { return w.b.Flush(ctx) }
func (w *RouteWriter) Written() int                    { return w.b.Inserted }

var stopColumns = []string{
	"feed_id", "stop_id", "code", "name", `"desc"`, "lat", "lon", "zone_id",
	"url", "location_type", "parent_station", "timezone", "wheelchair", "custom_fields",
}

const stopConflict = `ON CONFLICT (feed_id, stop_id) DO UPDATE SET
    code = excluded.code,
    name = excluded.name,
    "desc" = excluded."desc",
    lat = excluded.lat,
    lon = excluded.lon,
    zone_id = excluded.zone_id,
    url = excluded.url,
    location_type = excluded.location_type,
    parent_station = excluded.parent_station,
    timezone = excluded.timezone,
    wheelchair = excluded.wheelchair,
    custom_fields = excluded.custom_fields`

type StopWriter struct {
	b      *BatchInserter
	feedID int64
}

func (q *queries) NewStopWriter(feedID int64) *StopWriter {
	return &StopWriter{b: q.NewBatchInserter("stops", stopColumns, stopConflict), feedID: feedID}
}

func (w *StopWriter) Write(ctx context.Context, s *model.Stop) (bool, error) {
	custom, err := encodeCustom(s.Custom)
	if err != nil {
		return false, err
	}
	return w.b.Add(ctx, w.feedID, s.StopID, s.Code, s.Name, s.Desc, s.Lat, s.Lon,
		s.ZoneID, s.URL, int(s.LocationType), s.ParentStation, s.Timezone,
		int(s.Wheelchair), custom)
}

func (w *StopWriter) Flush(ctx context.Context) error { return w.b.Flush(ctx) }
func (w *StopWriter) Written() int                    { return w.b.Inserted }

var calendarColumns = []string{
	"feed_id", "service_id", "monday", "tuesday", "wednesday", "thursday",
	"friday", "saturday", "sunday", "start_date", "end_date", "custom_fields",
}

const calendarConflict = `ON CONFLICT (feed_id, service_id) DO UPDATE SET
    monday = excluded.monday,
    tuesday = excluded.tuesday,
    wednesday = excluded.wednesday,
    thursday = excluded.thursday,
    friday = excluded.friday,
    saturday = excluded.saturday,
    sunday = excluded.sunday,
    start_date = excluded.start_date,
    end_date = excluded.end_date,
    custom_fields = excluded.custom_fields`

type CalendarWriter struct {
	b      *BatchInserter
	feedID int64
}

func (q *queries) NewCalendarWriter(feedID int64) *CalendarWriter {
	return &CalendarWriter{b: q.NewBatchInserter("calendars", calendarColumns, calendarConflict), feedID: feedID}
}

func (w *CalendarWriter) Write(ctx context.Context, c *model.Calendar) (bool, error) {
	custom, err := encodeCustom(c.Custom)
	if err != nil {
		return false, err
	}
	return w.b.Add(ctx, w.feedID, c.ServiceID, c.Monday, c.Tuesday, c.Wednesday,
		c.Thursday, c.Friday, c.Saturday, c.Sunday, c.StartDate, c.EndDate, custom)
}

func (w *CalendarWriter) Flush(ctx context.Context) error { return w.b.Flush(ctx) }
func (w *CalendarWriter) Written() int                    { return w.b.Inserted }

var calendarDateColumns = []string{"feed_id", "service_id", "date", "exception_type"}

const calendarDateConflict = `ON CONFLICT (feed_id, service_id, date) DO UPDATE SET
    exception_type = excluded.exception_type`

type CalendarDateWriter struct {
	b      *BatchInserter
	feedID int64
}

func (q *queries) NewCalendarDateWriter(feedID int64) *CalendarDateWriter {
	return &CalendarDateWriter{b: q.NewBatchInserter("calendar_dates", calendarDateColumns, calendarDateConflict), feedID: feedID}
}

func (w *CalendarDateWriter) Write(ctx context.Context, cd *model.CalendarDate) (bool, error) {
	return w.b.Add(ctx, w.feedID, cd.ServiceID, cd.Date, int(cd.ExceptionType))
}

func (w *CalendarDateWriter) Flush(ctx context.Context) error { return w.b.Flush(ctx) }
func (w *CalendarDateWriter) Written() int                    { return w.b.Inserted }

var shapeColumns = []string{"feed_id", "shape_id", "shape_pt_sequence", "lat", "lon", "dist_traveled"}

const shapeConflict = `ON CONFLICT (feed_id, shape_id, shape_pt_sequence) DO UPDATE SET
    lat = excluded.lat,
    lon = excluded.lon,
    dist_traveled = excluded.dist_traveled`

type ShapeWriter struct {
	b      *BatchInserter
	feedID int64
}

func (q *queries) NewShapeWriter(feedID int64) *ShapeWriter {
	return &ShapeWriter{b: q.NewBatchInserter("shapes", shapeColumns, shapeConflict), feedID: feedID}
}

func (w *ShapeWriter) Write(ctx context.Context, p *model.ShapePoint) (bool, error) {
	return w.b.Add(ctx, w.feedID, p.ShapeID, p.Sequence, p.Lat, p.Lon, nullFloat(p.DistTraveled))
}

func (w *ShapeWriter) Flush(ctx context.Context) error { return w.b.Flush(ctx) }
func (w *ShapeWriter) Written() int                    { return w.b.Inserted }

var tripColumns = []string{
	"feed_id", "trip_id", "route_id", "service_id", "headsign", "short_name",
	"direction_id", "block_id", "shape_id", "wheelchair", "bikes_allowed", "custom_fields",
}

const tripConflict = `ON CONFLICT (feed_id, trip_id) DO UPDATE SET
    route_id = excluded.route_id,
    service_id = excluded.service_id,
    headsign = excluded.headsign,
    short_name = excluded.short_name,
    direction_id = excluded.direction_id,
    block_id = excluded.block_id,
    shape_id = excluded.shape_id,
    wheelchair = excluded.wheelchair,
    bikes_allowed = excluded.bikes_allowed,
    custom_fields = excluded.custom_fields`

type TripWriter struct {
	b      *BatchInserter
	feedID int64
}

func (q *queries) NewTripWriter(feedID int64) *TripWriter {
	return &TripWriter{b: q.NewBatchInserter("trips", tripColumns, tripConflict), feedID: feedID}
}

func (w *TripWriter) Write(ctx context.Context, t *model.Trip) (bool, error) {
	custom, err := encodeCustom(t.Custom)
	if err != nil {
		return false, err
	}
	return w.b.Add(ctx, w.feedID, t.TripID, t.RouteID, t.ServiceID, t.Headsign,
		t.ShortName, int(t.DirectionID), t.BlockID, t.ShapeID, int(t.Wheelchair),
		int(t.BikesAllowed), custom)
}

func (w *TripWriter) Flush(ctx context.Context) error { return w.b.Flush(ctx) }
func (w *TripWriter) Written() int                    { return w.b.Inserted }

var fareAttributeColumns = []string{
	"feed_id", "fare_id", "price", "currency", "payment_method", "transfers",
	"agency_id", "transfer_duration",
}

const fareAttributeConflict = `ON CONFLICT (feed_id, fare_id) DO UPDATE SET
    price = excluded.price,
    currency = excluded.currency,
    payment_method = excluded.payment_method,
    transfers = excluded.transfers,
    agency_id = excluded.agency_id,
    transfer_duration = excluded.transfer_duration`

type FareAttributeWriter struct {
	b      *BatchInserter
	feedID int64
}

func (q *queries) NewFareAttributeWriter(feedID int64) *FareAttributeWriter {
	return &FareAttributeWriter{b: q.NewBatchInserter("fare_attributes", fareAttributeColumns, fareAttributeConflict), feedID: feedID}
}

func (w *FareAttributeWriter) Write(ctx context.Context, fa *model.FareAttribute) (bool, error) {
	return w.b.Add(ctx, w.feedID, fa.FareID, fa.Price, fa.Currency,
		int(fa.PaymentMethod), nullInt8(fa.Transfers), fa.AgencyID, nullInt(fa.TransferDuration))
}

func (w *FareAttributeWriter) Flush(ctx context.Context) error { return w.b.Flush(ctx) }
func (w *FareAttributeWriter) Written() int                    { return w.b.Inserted }

var fareRuleColumns = []string{
	"feed_id", "fare_id", "route_id", "origin_id", "destination_id", "contains_id",
}

const fareRuleConflict = `ON CONFLICT (feed_id, fare_id, route_id, origin_id, destination_id, contains_id) DO NOTHING`

type FareRuleWriter struct {
	b      *BatchInserter
	feedID int64
}

func (q *queries) NewFareRuleWriter(feedID int64) *FareRuleWriter {
	return &FareRuleWriter{b: q.NewBatchInserter("fare_rules", fareRuleColumns, fareRuleConflict), feedID: feedID}
}

func (w *FareRuleWriter) Write(ctx context.Context, fr *model.FareRule) (bool, error) {
	return w.b.Add(ctx, w.feedID, fr.FareID, fr.RouteID, fr.OriginID, fr.DestinationID, fr.ContainsID)
}

func (w *FareRuleWriter) Flush(ctx context.Context) error { return w.b.Flush(ctx) }
func (w *FareRuleWriter) Written() int                    { return w.b.Inserted }

// Key preloads. The importer and mutators load these once per step to
// decide insert vs update (and to validate references) without
// issuing per-row lookups.

func (q *queries) keySet(ctx context.Context, query string, feedID int64) (map[string]bool, error) {
	rows, err := q.r.QueryContext(ctx, query, feedID)
	if err != nil {
		return nil, fmt.Errorf("loading key set: %w", err)
	}
	defer rows.Close()

	set := map[string]bool{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		set[k] = true
	}
	return set, rows.Err()
}

func (q *queries) RouteIDs(ctx context.Context, feedID int64) (map[string]bool, error) {
	return q.keySet(ctx, `SELECT route_id FROM routes WHERE feed_id = $1`, feedID)
}

func (q *queries) StopIDs(ctx context.Context, feedID int64) (map[string]bool, error) {
	return q.keySet(ctx, `SELECT stop_id FROM stops WHERE feed_id = $1`, feedID)
}

func (q *queries) TripIDs(ctx context.Context, feedID int64) (map[string]bool, error) {
	return q.keySet(ctx, `SELECT trip_id FROM trips WHERE feed_id = $1`, feedID)
}

func (q *queries) ShapeIDs(ctx context.Context, feedID int64) (map[string]bool, error) {
	return q.keySet(ctx, `SELECT DISTINCT shape_id FROM shapes WHERE feed_id = $1`, feedID)
}

// ServiceIDs returns service ids known from calendars or
// calendar_dates of the feed.
func (q *queries) ServiceIDs(ctx context.Context, feedID int64) (map[string]bool, error) {
	return q.keySet(ctx, `
SELECT service_id FROM calendars WHERE feed_id = $1
UNION
SELECT service_id FROM calendar_dates WHERE feed_id = $1`, feedID)
}

// Entity reads. Rows come back in primary-key order so exports are
// stable.

func (q *queries) Routes(ctx context.Context, feedID int64) ([]*model.Route, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT route_id, agency_id, short_name, long_name, "desc", type, url, color,
       text_color, sort_order, custom_fields
FROM routes
WHERE feed_id = $1
ORDER BY route_id`, feedID)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	routes := []*model.Route{}
	for rows.Next() {
		r := &model.Route{}
		var rType int
		var custom sql.NullString
		err := rows.Scan(&r.RouteID, &r.AgencyID, &r.ShortName, &r.LongName, &r.Desc,
			&rType, &r.URL, &r.Color, &r.TextColor, &r.SortOrder, &custom)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		r.Type = model.RouteType(rType)
		if r.Custom, err = decodeCustom(custom); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func (q *queries) Stops(ctx context.Context, feedID int64) ([]*model.Stop, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT stop_id, code, name, "desc", lat, lon, zone_id, url, location_type,
       parent_station, timezone, wheelchair, custom_fields
FROM stops
WHERE feed_id = $1
ORDER BY stop_id`, feedID)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		s := &model.Stop{}
		var locType, wheelchair int
		var custom sql.NullString
		err := rows.Scan(&s.StopID, &s.Code, &s.Name, &s.Desc, &s.Lat, &s.Lon,
			&s.ZoneID, &s.URL, &locType, &s.ParentStation, &s.Timezone, &wheelchair, &custom)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		s.LocationType = model.LocationType(locType)
		s.Wheelchair = int8(wheelchair)
		if s.Custom, err = decodeCustom(custom); err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

func (q *queries) Calendars(ctx context.Context, feedID int64) ([]*model.Calendar, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT service_id, monday, tuesday, wednesday, thursday, friday, saturday, sunday,
       start_date, end_date, custom_fields
FROM calendars
WHERE feed_id = $1
ORDER BY service_id`, feedID)
	if err != nil {
		return nil, fmt.Errorf("querying calendars: %w", err)
	}
	defer rows.Close()

	cals := []*model.Calendar{}
	for rows.Next() {
		c := &model.Calendar{}
		var custom sql.NullString
		err := rows.Scan(&c.ServiceID, &c.Monday, &c.Tuesday, &c.Wednesday, &c.Thursday,
			&c.Friday, &c.Saturday, &c.Sunday, &c.StartDate, &c.EndDate, &custom)
		if err != nil {
			return nil, fmt.Errorf("scanning calendar: %w", err)
		}
		if c.Custom, err = decodeCustom(custom); err != nil {
			return nil, err
		}
		cals = append(cals, c)
	}
	return cals, rows.Err()
}

func (q *queries) CalendarDates(ctx context.Context, feedID int64) ([]*model.CalendarDate, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT service_id, date, exception_type
FROM calendar_dates
WHERE feed_id = $1
ORDER BY service_id, date`, feedID)
	if err != nil {
		return nil, fmt.Errorf("querying calendar dates: %w", err)
	}
	defer rows.Close()

	dates := []*model.CalendarDate{}
	for rows.Next() {
		cd := &model.CalendarDate{}
		var exc int
		if err := rows.Scan(&cd.ServiceID, &cd.Date, &exc); err != nil {
			return nil, fmt.Errorf("scanning calendar date: %w", err)
		}
		cd.ExceptionType = model.ExceptionType(exc)
		dates = append(dates, cd)
	}
	return dates, rows.Err()
}

// ForEachShapePoint streams shape points in (shape_id, sequence)
// order. Shapes can be large, so rows aren't accumulated.
func (q *queries) ForEachShapePoint(ctx context.Context, feedID int64, fn func(*model.ShapePoint) error) error {
	rows, err := q.r.QueryContext(ctx, `
SELECT shape_id, shape_pt_sequence, lat, lon, dist_traveled
FROM shapes
WHERE feed_id = $1
ORDER BY shape_id, shape_pt_sequence`, feedID)
	if err != nil {
		return fmt.Errorf("querying shapes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &model.ShapePoint{}
		var dist sql.NullFloat64
		if err := rows.Scan(&p.ShapeID, &p.Sequence, &p.Lat, &p.Lon, &dist); err != nil {
			return fmt.Errorf("scanning shape point: %w", err)
		}
		p.DistTraveled = scanNullFloat(dist)
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (q *queries) ShapePoints(ctx context.Context, feedID int64) ([]*model.ShapePoint, error) {
	points := []*model.ShapePoint{}
	err := q.ForEachShapePoint(ctx, feedID, func(p *model.ShapePoint) error {
		points = append(points, p)
		return nil
	})
	return points, err
}

func (q *queries) Trips(ctx context.Context, feedID int64) ([]*model.Trip, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT trip_id, route_id, service_id, headsign, short_name, direction_id,
       block_id, shape_id, wheelchair, bikes_allowed, custom_fields
FROM trips
WHERE feed_id = $1
ORDER BY trip_id`, feedID)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	trips := []*model.Trip{}
	for rows.Next() {
		t := &model.Trip{}
		var dir, wheelchair, bikes int
		var custom sql.NullString
		err := rows.Scan(&t.TripID, &t.RouteID, &t.ServiceID, &t.Headsign, &t.ShortName,
			&dir, &t.BlockID, &t.ShapeID, &wheelchair, &bikes, &custom)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		t.DirectionID = int8(dir)
		t.Wheelchair = int8(wheelchair)
		t.BikesAllowed = int8(bikes)
		if t.Custom, err = decodeCustom(custom); err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func (q *queries) FareAttributes(ctx context.Context, feedID int64) ([]*model.FareAttribute, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT fare_id, price, currency, payment_method, transfers, agency_id, transfer_duration
FROM fare_attributes
WHERE feed_id = $1
ORDER BY fare_id`, feedID)
	if err != nil {
		return nil, fmt.Errorf("querying fare attributes: %w", err)
	}
	defer rows.Close()

	fares := []*model.FareAttribute{}
	for rows.Next() {
		fa := &model.FareAttribute{}
		var payment int
		var transfers, duration sql.NullInt64
		err := rows.Scan(&fa.FareID, &fa.Price, &fa.Currency, &payment, &transfers,
			&fa.AgencyID, &duration)
		if err != nil {
			return nil, fmt.Errorf("scanning fare attribute: %w", err)
		}
		fa.PaymentMethod = int8(payment)
		if transfers.Valid {
			v := int8(transfers.Int64)
			fa.Transfers = &v
		}
		if duration.Valid {
			v := int(duration.Int64)
			fa.TransferDuration = &v
		}
		fares = append(fares, fa)
	}
	return fares, rows.Err()
}

func (q *queries) FareRules(ctx context.Context, feedID int64) ([]*model.FareRule, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT fare_id, route_id, origin_id, destination_id, contains_id
FROM fare_rules
WHERE feed_id = $1
ORDER BY fare_id, route_id, origin_id, destination_id, contains_id`, feedID)
	if err != nil {
		return nil, fmt.Errorf("querying fare rules: %w", err)
	}
	defer rows.Close()

	rules := []*model.FareRule{}
	for rows.Next() {
		fr := &model.FareRule{}
		if err := rows.Scan(&fr.FareID, &fr.RouteID, &fr.OriginID, &fr.DestinationID, &fr.ContainsID); err != nil {
			return nil, fmt.Errorf("scanning fare rule: %w", err)
		}
		rules = append(rules, fr)
	}
	return rules, rows.Err()
}
