package storage

import (
	"context"
	"fmt"
	"strings"
)

// Deletes run leaf tables first so foreign references never dangle
// mid-transaction. Graph deletes use subqueries rather than IN-lists
// built from huge id slices; the key sets supplied by the caller are
// chunked against the parameter budget. SQLite does not accept table
// aliases in DELETE, so every predicate names the target table in
// full.

// DeleteFeedData removes every GTFS row of a feed and finally the
// feed row itself.
func (q *queries) DeleteFeedData(ctx context.Context, feedID int64) error {
	statements := []string{
		`DELETE FROM stop_times WHERE feed_id = $1`,
		`DELETE FROM calendar_dates WHERE feed_id = $1`,
		`DELETE FROM trips WHERE feed_id = $1`,
		`DELETE FROM routes WHERE feed_id = $1`,
		`DELETE FROM stops WHERE feed_id = $1`,
		`DELETE FROM calendars WHERE feed_id = $1`,
		`DELETE FROM shapes WHERE feed_id = $1`,
		`DELETE FROM fare_rules WHERE feed_id = $1`,
		`DELETE FROM fare_attributes WHERE feed_id = $1`,
		`DELETE FROM feed_info WHERE feed_id = $1`,
		`DELETE FROM feeds WHERE id = $1`,
	}

	for _, stmt := range statements {
		if _, err := q.r.ExecContext(ctx, stmt, feedID); err != nil {
			return fmt.Errorf("deleting feed %d data: %w", feedID, err)
		}
	}
	return nil
}

// RouteGraphRemoval names the transitive closure of a set of routes
// being removed from a feed: the routes themselves plus every stop,
// service and shape their trips reference. The caller computes the
// closure before deleting so the sweep never touches entities outside
// the moved graph.
type RouteGraphRemoval struct {
	RouteIDs   []string
	StopIDs    []string
	ServiceIDs []string
	ShapeIDs   []string
}

// keyPredicate renders "<col> IN ($2..$n)" and the matching args.
// Callers chunk the key list so one statement never exceeds the
// parameter budget.
func keyPredicate(col string, keys []string, firstParam int) (string, []interface{}) {
	parts := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, id := range keys {
		parts[i] = fmt.Sprintf("$%d", firstParam+i)
		args[i] = id
	}
	return col + " IN (" + strings.Join(parts, ", ") + ")", args
}

// Keys per chunked statement, kept well under the parameter budget.
const deleteChunk = 1000

func (q *queries) execChunked(ctx context.Context, feedID int64, keys []string, stmt func(pred string) string) error {
	for start := 0; start < len(keys); start += deleteChunk {
		end := start + deleteChunk
		if end > len(keys) {
			end = len(keys)
		}
		// The predicate column is substituted by the caller; $1 is
		// always the feed id.
		pred, predArgs := keyPredicate("%s", keys[start:end], 2)
		args := append([]interface{}{feedID}, predArgs...)
		if _, err := q.r.ExecContext(ctx, stmt(pred), args...); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRouteGraph removes the named routes and their exclusive
// transitive closure (trips, stop_times, stops, services and shapes)
// from a feed. Entities in the closure still referenced by surviving
// rows are kept: a stop served by a surviving trip, or a station that
// is still some surviving stop's parent, is not swept.
func (q *queries) DeleteRouteGraph(ctx context.Context, feedID int64, g RouteGraphRemoval) error {
	if len(g.RouteIDs) == 0 {
		return nil
	}

	err := q.execChunked(ctx, feedID, g.RouteIDs, func(pred string) string {
		return `
DELETE FROM stop_times
WHERE feed_id = $1
  AND trip_id IN (
    SELECT trip_id FROM trips WHERE feed_id = $1 AND ` + fmt.Sprintf(pred, "route_id") + `
)`
	})
	if err != nil {
		return fmt.Errorf("deleting stop_times of routes: %w", err)
	}

	for _, table := range []string{"trips", "fare_rules", "routes"} {
		table := table
		err := q.execChunked(ctx, feedID, g.RouteIDs, func(pred string) string {
			return `DELETE FROM ` + table + ` WHERE feed_id = $1 AND ` + fmt.Sprintf(pred, "route_id")
		})
		if err != nil {
			return fmt.Errorf("deleting %s of routes: %w", table, err)
		}
	}

	// With the routes' trips gone, sweep closure entities no longer
	// referenced by any surviving trip. Stops additionally survive
	// while any remaining stop names them as parent_station; the
	// sweep runs twice so a station whose last platform went in the
	// first pass is caught by the second.
	for pass := 0; pass < 2; pass++ {
		err := q.execChunked(ctx, feedID, g.StopIDs, func(pred string) string {
			return `
DELETE FROM stops
WHERE feed_id = $1 AND ` + fmt.Sprintf(pred, "stop_id") + `
  AND NOT EXISTS (
    SELECT 1 FROM stop_times
    WHERE stop_times.feed_id = stops.feed_id AND stop_times.stop_id = stops.stop_id)
  AND NOT EXISTS (
    SELECT 1 FROM stops AS child
    WHERE child.feed_id = stops.feed_id AND child.parent_station = stops.stop_id)`
		})
		if err != nil {
			return fmt.Errorf("sweeping orphaned stops: %w", err)
		}
	}

	for _, table := range []string{"calendar_dates", "calendars"} {
		table := table
		err := q.execChunked(ctx, feedID, g.ServiceIDs, func(pred string) string {
			return `
DELETE FROM ` + table + `
WHERE feed_id = $1 AND ` + fmt.Sprintf(pred, "service_id") + `
  AND NOT EXISTS (
    SELECT 1 FROM trips
    WHERE trips.feed_id = ` + table + `.feed_id AND trips.service_id = ` + table + `.service_id)`
		})
		if err != nil {
			return fmt.Errorf("sweeping orphaned %s: %w", table, err)
		}
	}

	err = q.execChunked(ctx, feedID, g.ShapeIDs, func(pred string) string {
		return `
DELETE FROM shapes
WHERE feed_id = $1 AND ` + fmt.Sprintf(pred, "shape_id") + `
  AND NOT EXISTS (
    SELECT 1 FROM trips
    WHERE trips.feed_id = shapes.feed_id AND trips.shape_id = shapes.shape_id)`
	})
	if err != nil {
		return fmt.Errorf("sweeping orphaned shapes: %w", err)
	}

	return nil
}
