package importer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdepot.dev/depot/importer"
	"transitdepot.dev/depot/parse"
	"transitdepot.dev/depot/storage"
	"transitdepot.dev/depot/testutil"
)

func newImporter(t *testing.T) (*importer.Importer, *storage.Store, int64) {
	s := testutil.BuildStore(t, "sqlite")
	agencyID := testutil.CreateAgency(t, s, "Import Test")
	return importer.New(s, zerolog.Nop()), s, agencyID
}

func TestImportFullFeed(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	buf := testutil.BuildArchive(t, map[string][]string{
		"agency.txt": {
			"agency_id,agency_name,agency_url,agency_timezone,agency_lang",
			"MT,Metro Transit,https://metro.example,America/Los_Angeles,en",
		},
		"shapes.txt": {
			"shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence",
			"SH1,47.60,-122.33,1",
			"SH1,47.61,-122.34,2",
		},
		"trips.txt": {
			"trip_id,route_id,service_id,shape_id",
			"T1,R1,WEEK,SH1",
		},
		"fare_attributes.txt": {
			"fare_id,price,currency_type,payment_method",
			"ADULT,2.75,USD,1",
		},
		"fare_rules.txt": {
			"fare_id,route_id",
			"ADULT,R1",
		},
		"feed_info.txt": {
			"feed_publisher_name,feed_publisher_url,feed_lang,feed_version",
			"Metro,https://metro.example,en,2024-06",
		},
	})

	res, err := imp.Import(ctx, nil, buf, importer.Options{
		AgencyID: agencyID,
		FeedName: "summer service",
	})
	require.NoError(t, err)
	require.NotZero(t, res.FeedID)

	feed, err := s.GetFeed(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, "summer service", feed.Name)
	assert.Equal(t, "2024-06", feed.Version)
	assert.True(t, feed.IsActive)
	assert.WithinDuration(t, time.Now().UTC(), feed.ImportedAt, time.Minute)
	assert.Equal(t, 1, feed.TotalRoutes)
	assert.Equal(t, 2, feed.TotalStops)
	assert.Equal(t, 1, feed.TotalTrips)

	// The first agency.txt row updates the owning agency record.
	agency, err := s.GetAgency(ctx, agencyID)
	require.NoError(t, err)
	assert.Equal(t, "MT", agency.GTFSID)
	assert.Equal(t, "America/Los_Angeles", agency.Timezone)

	assert.Equal(t, 1, res.Files["routes.txt"].Imported)
	assert.Equal(t, 2, res.Files["stops.txt"].Imported)
	assert.Equal(t, 1, res.Files["trips.txt"].Imported)
	assert.Equal(t, 2, res.Files["stop_times.txt"].Imported)
	assert.Equal(t, 1, res.Files["fare_attributes.txt"].Imported)
	assert.Equal(t, 1, res.Files["fare_rules.txt"].Imported)
	assert.Equal(t, 1, res.Files["feed_info.txt"].Imported)

	fi, err := s.FeedInfo(ctx, res.FeedID)
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, "Metro", fi.PublisherName)

	points, err := s.ShapePoints(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestImportStopOnErrorRejectsBrokenArchive(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	buf := testutil.BuildZip(t, map[string][]string{
		"agency.txt": {"agency_name,agency_url,agency_timezone", "A,http://a,UTC"},
	})

	_, err := imp.Import(ctx, nil, buf, importer.Options{AgencyID: agencyID, StopOnError: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive rejected")

	// Nothing was committed.
	feeds, err := s.ListFeeds(ctx, storage.ListFeedsFilter{AgencyID: agencyID})
	require.NoError(t, err)
	assert.Empty(t, feeds)
}

func TestImportProceedsPastArchiveErrors(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	// calendar_dates.txt is missing the required exception_type
	// column, which is a structural error. Without StopOnError the
	// import carries the error as an issue and loads what it can.
	buf := testutil.BuildArchive(t, map[string][]string{
		"calendar_dates.txt": {"service_id,date", "WEEK,20240704"},
	})

	res, err := imp.Import(ctx, nil, buf, importer.Options{AgencyID: agencyID})
	require.NoError(t, err)
	require.NotZero(t, res.FeedID)

	structural := 0
	for _, issue := range res.Issues {
		if issue.Severity == parse.SeverityError {
			structural++
		}
	}
	assert.Positive(t, structural)

	routes, err := s.Routes(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Len(t, routes, 1)

	// The same archive under StopOnError fails before any writes.
	_, err = imp.Import(ctx, nil, buf, importer.Options{AgencyID: agencyID, StopOnError: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive rejected")
}

func TestImportValidateOnlyLeavesNothing(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	res, err := imp.Import(ctx, nil, testutil.BuildArchive(t, nil), importer.Options{
		AgencyID:     agencyID,
		ValidateOnly: true,
	})
	require.NoError(t, err)
	assert.Zero(t, res.FeedID)

	// The dry run still reports the full file breakdown.
	assert.Equal(t, 1, res.Files["routes.txt"].Imported)
	assert.Equal(t, 2, res.Files["stop_times.txt"].Imported)

	feeds, err := s.ListFeeds(ctx, storage.ListFeedsFilter{AgencyID: agencyID})
	require.NoError(t, err)
	assert.Empty(t, feeds)
}

func TestImportSkipShapes(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	buf := testutil.BuildArchive(t, map[string][]string{
		"shapes.txt": {
			"shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence",
			"SH1,47.60,-122.33,1",
			"SH1,47.61,-122.34,2",
		},
		"trips.txt": {
			"trip_id,route_id,service_id,shape_id",
			"T1,R1,WEEK,SH1",
		},
	})

	res, err := imp.Import(ctx, nil, buf, importer.Options{
		AgencyID:   agencyID,
		SkipShapes: true,
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Files, "shapes.txt")

	points, err := s.ShapePoints(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Empty(t, points)

	// The trip's shape reference is stripped rather than reported as
	// dangling.
	trips, err := s.Trips(ctx, res.FeedID)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Empty(t, trips[0].ShapeID)
	for _, issue := range res.Issues {
		assert.NotContains(t, issue.Message, "unknown shape")
	}
}

func TestImportFeedVersionOverride(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	buf := testutil.BuildArchive(t, map[string][]string{
		"feed_info.txt": {
			"feed_publisher_name,feed_publisher_url,feed_lang,feed_version",
			"Metro,https://metro.example,en,2024-06",
		},
	})

	res, err := imp.Import(ctx, nil, buf, importer.Options{
		AgencyID:    agencyID,
		FeedVersion: "release-9",
	})
	require.NoError(t, err)

	feed, err := s.GetFeed(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, "release-9", feed.Version)
}

func TestImportDuplicateKeysLastWins(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	buf := testutil.BuildArchive(t, map[string][]string{
		"routes.txt": {
			"route_id,route_short_name,route_long_name,route_type",
			"R1,1,First Version,3",
			"R1,1,Second Version,3",
		},
	})

	res, err := imp.Import(ctx, nil, buf, importer.Options{AgencyID: agencyID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files["routes.txt"].Imported)
	assert.Equal(t, 1, res.Files["routes.txt"].Updated)

	routes, err := s.Routes(ctx, res.FeedID)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "Second Version", routes[0].LongName)
}

// recordProgress keeps the first percentage reported per step.
type recordProgress struct {
	first map[string]float64
	max   float64
}

func (r *recordProgress) Progress(_ context.Context, percent float64, message string) error {
	if r.first == nil {
		r.first = map[string]float64{}
	}
	if _, seen := r.first[message]; !seen {
		r.first[message] = percent
	}
	if percent > r.max {
		r.max = percent
	}
	return nil
}

func (r *recordProgress) Checkpoint(context.Context) error { return nil }

func TestImportProgressBands(t *testing.T) {
	ctx := context.Background()
	imp, _, agencyID := newImporter(t)

	buf := testutil.BuildArchive(t, map[string][]string{
		"fare_attributes.txt": {
			"fare_id,price,currency_type,payment_method",
			"ADULT,2.75,USD,1",
		},
	})

	prog := &recordProgress{}
	_, err := imp.Import(ctx, prog, buf, importer.Options{AgencyID: agencyID})
	require.NoError(t, err)

	assert.Equal(t, float64(5), prog.first["routes.txt"])
	assert.Equal(t, float64(10), prog.first["stops.txt"])
	assert.Equal(t, float64(20), prog.first["calendar.txt"])
	assert.Equal(t, float64(40), prog.first["trips.txt"])
	assert.Equal(t, float64(45), prog.first["stop_times.txt"])
	assert.Equal(t, float64(85), prog.first["fares"])
	assert.Equal(t, float64(95), prog.first["finalizing"])
	assert.LessOrEqual(t, prog.max, float64(95))
}

func TestImportSentinelServices(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	buf := testutil.BuildArchive(t, map[string][]string{
		"calendar_dates.txt": {
			"service_id,date,exception_type",
			"SPECIAL,20240704,1",
			"SPECIAL,20241225,1",
		},
		"trips.txt": {
			"trip_id,route_id,service_id",
			"T1,R1,SPECIAL",
		},
	})

	res, err := imp.Import(ctx, nil, buf, importer.Options{AgencyID: agencyID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SentinelServices)

	calendars, err := s.Calendars(ctx, res.FeedID)
	require.NoError(t, err)
	require.Len(t, calendars, 1)
	c := calendars[0]
	assert.Equal(t, "SPECIAL", c.ServiceID)
	assert.Equal(t, "19700101", c.StartDate)
	assert.Equal(t, "20991231", c.EndDate)
	assert.False(t, c.Monday)
	assert.False(t, c.Sunday)

	dates, err := s.CalendarDates(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Len(t, dates, 2)
}

func TestImportSkipsDanglingReferences(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	buf := testutil.BuildArchive(t, map[string][]string{
		"trips.txt": {
			"trip_id,route_id,service_id",
			"T1,R1,WEEK",
			"T_BAD_ROUTE,NOPE,WEEK",
			"T_BAD_SVC,R1,NOPE",
		},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
			"T1,S1,1,08:00:00,08:00:00",
			"T1,S2,2,08:10:00,08:10:00",
			"GHOST,S1,1,09:00:00,09:00:00",
			"T1,NOWHERE,3,08:20:00,08:20:00",
		},
	})

	res, err := imp.Import(ctx, nil, buf, importer.Options{AgencyID: agencyID})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Files["trips.txt"].Imported)
	assert.Equal(t, 2, res.Files["trips.txt"].Skipped)

	assert.Equal(t, 2, res.Files["stop_times.txt"].Imported)
	assert.Equal(t, 2, res.Files["stop_times.txt"].Skipped)
	assert.Equal(t, 1, res.MissingTripRefs)
	assert.Equal(t, 1, res.MissingStopRefs)
	assert.Equal(t, []string{"GHOST"}, res.SampleMissingTrips)
	assert.Equal(t, []string{"NOWHERE"}, res.SampleMissingStops)

	stopTimes, err := s.StopTimes(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Len(t, stopTimes, 2)
}

func TestImportReplaceExisting(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	first, err := imp.Import(ctx, nil, testutil.BuildArchive(t, nil), importer.Options{
		AgencyID: agencyID, FeedName: "old",
	})
	require.NoError(t, err)

	second, err := imp.Import(ctx, nil, testutil.BuildArchive(t, nil), importer.Options{
		AgencyID: agencyID, FeedName: "new", ReplaceExisting: true,
	})
	require.NoError(t, err)

	feeds, err := s.ListFeeds(ctx, storage.ListFeedsFilter{AgencyID: agencyID})
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, second.FeedID, feeds[0].ID)

	_, err = s.GetFeed(ctx, first.FeedID)
	assert.Equal(t, storage.ErrFeedNotFound, err)
}

// cancelAfter cancels at the nth checkpoint.
type cancelAfter struct {
	remaining int
	err       error
}

func (c *cancelAfter) Progress(context.Context, float64, string) error { return nil }

func (c *cancelAfter) Checkpoint(context.Context) error {
	c.remaining--
	if c.remaining < 0 {
		return c.err
	}
	return nil
}

func TestImportCancellationRollsBack(t *testing.T) {
	ctx := context.Background()
	imp, s, agencyID := newImporter(t)

	errCancelled := errors.New("task cancelled")
	prog := &cancelAfter{remaining: 2, err: errCancelled}

	_, err := imp.Import(ctx, prog, testutil.BuildArchive(t, nil), importer.Options{
		AgencyID: agencyID,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errCancelled))

	// The single-transaction import leaves no partial feed behind.
	feeds, err := s.ListFeeds(ctx, storage.ListFeedsFilter{AgencyID: agencyID})
	require.NoError(t, err)
	assert.Empty(t, feeds)
}
