package storage

import (
	"context"
	"database/sql"
	"fmt"

	"transitdepot.dev/depot/model"
)

// stop_times is the hot table; on real feeds it reaches tens of
// millions of rows. Writes go through the batch inserter, reads are
// streamed, and the validator consumes aggregates only.

var stopTimeColumns = []string{
	"feed_id", "trip_id", "stop_sequence", "stop_id", "arrival_time",
	"departure_time", "stop_headsign", "pickup_type", "drop_off_type",
	"shape_dist_traveled", "timepoint",
}

const stopTimeConflict = `ON CONFLICT (feed_id, trip_id, stop_sequence) DO UPDATE SET
    stop_id = excluded.stop_id,
    arrival_time = excluded.arrival_time,
    departure_time = excluded.departure_time,
    stop_headsign = excluded.stop_headsign,
    pickup_type = excluded.pickup_type,
    drop_off_type = excluded.drop_off_type,
    shape_dist_traveled = excluded.shape_dist_traveled,
    timepoint = excluded.timepoint`

type StopTimeWriter struct {
	b      *BatchInserter
	feedID int64
}

func (q *queries) NewStopTimeWriter(feedID int64) *StopTimeWriter {
	return &StopTimeWriter{b: q.NewBatchInserter("stop_times", stopTimeColumns, stopTimeConflict), feedID: feedID}
}

func (w *StopTimeWriter) Write(ctx context.Context, st *model.StopTime) (bool, error) {
	return w.b.Add(ctx, w.feedID, st.TripID, st.StopSequence, st.StopID,
		st.Arrival, st.Departure, st.Headsign, int(st.PickupType),
		int(st.DropOffType), nullFloat(st.ShapeDistTraveled), int(st.Timepoint))
}

func (w *StopTimeWriter) Flush(ctx context.Context) error { return w.b.Flush(ctx) }
func (w *StopTimeWriter) Written() int                    { return w.b.Inserted }
func (w *StopTimeWriter) BatchSize() int                  { return w.b.BatchSize() }

// StopTimeKey identifies one stop_time within a feed.
type StopTimeKey struct {
	TripID       string
	StopSequence int
}

// StopTimeKeys loads the (trip_id, stop_sequence) set of a feed.
// Empty on a fresh feed; used to classify incoming rows as insert or
// update without per-row lookups.
func (q *queries) StopTimeKeys(ctx context.Context, feedID int64) (map[StopTimeKey]bool, error) {
	rows, err := q.r.QueryContext(ctx, `
SELECT trip_id, stop_sequence
FROM stop_times
WHERE feed_id = $1`, feedID)
	if err != nil {
		return nil, fmt.Errorf("loading stop_time keys: %w", err)
	}
	defer rows.Close()

	keys := map[StopTimeKey]bool{}
	for rows.Next() {
		var k StopTimeKey
		if err := rows.Scan(&k.TripID, &k.StopSequence); err != nil {
			return nil, fmt.Errorf("scanning stop_time key: %w", err)
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

// ForEachStopTime streams stop_times in (trip_id, stop_sequence)
// order.
func (q *queries) ForEachStopTime(ctx context.Context, feedID int64, fn func(*model.StopTime) error) error {
	rows, err := q.r.QueryContext(ctx, `
SELECT trip_id, stop_sequence, stop_id, arrival_time, departure_time,
       stop_headsign, pickup_type, drop_off_type, shape_dist_traveled, timepoint
FROM stop_times
WHERE feed_id = $1
ORDER BY trip_id, stop_sequence`, feedID)
	if err != nil {
		return fmt.Errorf("querying stop_times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st := &model.StopTime{}
		var pickup, dropOff, timepoint int
		var dist sql.NullFloat64
		err := rows.Scan(&st.TripID, &st.StopSequence, &st.StopID, &st.Arrival,
			&st.Departure, &st.Headsign, &pickup, &dropOff, &dist, &timepoint)
		if err != nil {
			return fmt.Errorf("scanning stop_time: %w", err)
		}
		st.PickupType = int8(pickup)
		st.DropOffType = int8(dropOff)
		st.Timepoint = int8(timepoint)
		st.ShapeDistTraveled = scanNullFloat(dist)
		if err := fn(st); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (q *queries) StopTimes(ctx context.Context, feedID int64) ([]*model.StopTime, error) {
	stopTimes := []*model.StopTime{}
	err := q.ForEachStopTime(ctx, feedID, func(st *model.StopTime) error {
		stopTimes = append(stopTimes, st)
		return nil
	})
	return stopTimes, err
}

// StopTimeStats holds the aggregates the validator needs for the hot
// table. Five queries, no row streaming.
type StopTimeStats struct {
	TotalRows          int
	MissingRequired    int
	MissingTripRefs    int
	MissingStopRefs    int
	SequenceViolations int
}

// StopTimeAggregates computes the validator's five aggregate views of
// a feed's stop_times. Sequence monotonicity is checked with a
// windowed lag() comparison inside the database.
func (q *queries) StopTimeAggregates(ctx context.Context, feedID int64) (*StopTimeStats, error) {
	stats := &StopTimeStats{}

	err := q.r.QueryRowContext(ctx, `
SELECT COUNT(*) FROM stop_times WHERE feed_id = $1`, feedID).Scan(&stats.TotalRows)
	if err != nil {
		return nil, fmt.Errorf("counting stop_times: %w", err)
	}

	err = q.r.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM stop_times
WHERE feed_id = $1
  AND (trip_id = '' OR stop_id = '' OR arrival_time = '' OR departure_time = '')`, feedID).Scan(&stats.MissingRequired)
	if err != nil {
		return nil, fmt.Errorf("counting incomplete stop_times: %w", err)
	}

	err = q.r.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM stop_times st
WHERE st.feed_id = $1
  AND NOT EXISTS (
    SELECT 1 FROM trips t WHERE t.feed_id = st.feed_id AND t.trip_id = st.trip_id
)`, feedID).Scan(&stats.MissingTripRefs)
	if err != nil {
		return nil, fmt.Errorf("counting dangling trip refs: %w", err)
	}

	err = q.r.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM stop_times st
WHERE st.feed_id = $1
  AND NOT EXISTS (
    SELECT 1 FROM stops s WHERE s.feed_id = st.feed_id AND s.stop_id = st.stop_id
)`, feedID).Scan(&stats.MissingStopRefs)
	if err != nil {
		return nil, fmt.Errorf("counting dangling stop refs: %w", err)
	}

	err = q.r.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM (
    SELECT stop_sequence,
           lag(stop_sequence) OVER (PARTITION BY trip_id ORDER BY stop_sequence) AS prev_seq
    FROM stop_times
    WHERE feed_id = $1
) seqs
WHERE prev_seq IS NOT NULL AND stop_sequence <= prev_seq`, feedID).Scan(&stats.SequenceViolations)
	if err != nil {
		return nil, fmt.Errorf("counting sequence violations: %w", err)
	}

	return stats, nil
}
