package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"transitdepot.dev/depot/importer"
	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/realtime"
	"transitdepot.dev/depot/storage"
	"transitdepot.dev/depot/task"
	"transitdepot.dev/depot/testutil"
)

func feedMessage(t *testing.T, entities ...*gtfsproto.FeedEntity) []byte {
	msg := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: entities,
	}
	buf, err := proto.Marshal(msg)
	require.NoError(t, err)
	return buf
}

func vehicleEntity(id, tripID string, lat, lon float32) *gtfsproto.FeedEntity {
	return &gtfsproto.FeedEntity{
		Id: proto.String(id),
		Vehicle: &gtfsproto.VehiclePosition{
			Vehicle: &gtfsproto.VehicleDescriptor{
				Id:    proto.String("BUS-" + id),
				Label: proto.String("Bus " + id),
			},
			Trip: &gtfsproto.TripDescriptor{
				TripId:  proto.String(tripID),
				RouteId: proto.String("R1"),
			},
			Position: &gtfsproto.Position{
				Latitude:  proto.Float32(lat),
				Longitude: proto.Float32(lon),
			},
			CurrentStatus:   gtfsproto.VehiclePosition_STOPPED_AT.Enum(),
			OccupancyStatus: gtfsproto.VehiclePosition_FEW_SEATS_AVAILABLE.Enum(),
			Timestamp:       proto.Uint64(1700000000),
		},
	}
}

func TestFetchAllSharedURLFetchedOnce(t *testing.T) {
	var hits int32
	body := feedMessage(t, vehicleEntity("1", "T1", 47.6, -122.3))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(body)
	}))
	defer srv.Close()

	f := realtime.NewFetcher(zerolog.Nop())
	snap, err := f.FetchAll(context.Background(), []realtime.Source{
		{ID: 1, Name: "north", URL: srv.URL},
		{ID: 2, Name: "south", URL: srv.URL},
	})
	require.NoError(t, err)

	// One round-trip, fanned out to both sources.
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	require.Len(t, snap.Sources, 2)
	assert.Zero(t, snap.Failed)

	for _, src := range snap.Sources {
		require.Len(t, src.Vehicles, 1)
		vp := src.Vehicles[0]
		assert.Equal(t, "BUS-1", vp.VehicleID)
		assert.Equal(t, "T1", vp.TripID)
		assert.Equal(t, "stopped_at", vp.CurrentStatus)
		assert.Equal(t, "few_seats_available", vp.Occupancy)
		assert.InDelta(t, 47.6, vp.Latitude, 0.0001)
	}
}

func TestFetchAllConditionalRequests(t *testing.T) {
	var hits int32
	body := feedMessage(t, vehicleEntity("1", "T1", 47.6, -122.3))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write(body)
	}))
	defer srv.Close()

	f := realtime.NewFetcher(zerolog.Nop())
	sources := []realtime.Source{{ID: 1, Name: "north", URL: srv.URL}}

	_, err := f.FetchAll(context.Background(), sources)
	require.NoError(t, err)

	// The second cycle gets a 304 and decodes the cached body.
	snap, err := f.FetchAll(context.Background(), sources)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	require.Len(t, snap.Sources, 1)
	assert.Len(t, snap.Sources[0].Vehicles, 1)
}

func TestFetchAllIfModifiedSince(t *testing.T) {
	const stamp = "Tue, 04 Jun 2024 10:00:00 GMT"

	var hits int32
	body := feedMessage(t, vehicleEntity("1", "T1", 47.6, -122.3))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		// No ETag; Last-Modified is the only validator on offer.
		if r.Header.Get("If-Modified-Since") == stamp {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Last-Modified", stamp)
		w.Write(body)
	}))
	defer srv.Close()

	f := realtime.NewFetcher(zerolog.Nop())
	sources := []realtime.Source{{ID: 1, Name: "north", URL: srv.URL}}

	_, err := f.FetchAll(context.Background(), sources)
	require.NoError(t, err)

	// The second cycle revalidates with the recorded timestamp, gets
	// a 304 and decodes the cached body.
	snap, err := f.FetchAll(context.Background(), sources)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	require.Len(t, snap.Sources, 1)
	assert.Zero(t, snap.Failed)
	assert.Len(t, snap.Sources[0].Vehicles, 1)
}

func TestFetchAllRateLimitedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := realtime.NewFetcher(zerolog.Nop())
	snap, err := f.FetchAll(context.Background(), []realtime.Source{
		{ID: 1, Name: "limited", URL: srv.URL},
	})
	require.Error(t, err)
	assert.True(t, task.IsRetryable(err))
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Failed)
	assert.NotEmpty(t, snap.Sources[0].Error)
}

func TestFetchAllServerErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := realtime.NewFetcher(zerolog.Nop())
	_, err := f.FetchAll(context.Background(), []realtime.Source{
		{ID: 1, Name: "broken", URL: srv.URL},
	})
	require.Error(t, err)
	assert.False(t, task.IsRetryable(err))
}

func TestFetchAllTranslatesTripUpdatesAndAlerts(t *testing.T) {
	delay := int32(120)
	entity := &gtfsproto.FeedEntity{
		Id: proto.String("1"),
		TripUpdate: &gtfsproto.TripUpdate{
			Trip: &gtfsproto.TripDescriptor{
				TripId:               proto.String("T1"),
				RouteId:              proto.String("R1"),
				StartDate:            proto.String("20240601"),
				ScheduleRelationship: gtfsproto.TripDescriptor_CANCELED.Enum(),
			},
			StopTimeUpdate: []*gtfsproto.TripUpdate_StopTimeUpdate{{
				StopId:       proto.String("S1"),
				StopSequence: proto.Uint32(3),
				Arrival:      &gtfsproto.TripUpdate_StopTimeEvent{Delay: proto.Int32(delay)},
			}},
		},
	}
	alertEntity := &gtfsproto.FeedEntity{
		Id: proto.String("2"),
		Alert: &gtfsproto.Alert{
			Cause:         gtfsproto.Alert_STRIKE.Enum(),
			Effect:        gtfsproto.Alert_DETOUR.Enum(),
			SeverityLevel: gtfsproto.Alert_WARNING.Enum(),
			HeaderText: &gtfsproto.TranslatedString{
				Translation: []*gtfsproto.TranslatedString_Translation{{
					Text:     proto.String("Route 1 on detour"),
					Language: proto.String("en"),
				}},
			},
			InformedEntity: []*gtfsproto.EntitySelector{
				{RouteId: proto.String("R1")},
				{StopId: proto.String("S1")},
			},
			ActivePeriod: []*gtfsproto.TimeRange{{
				Start: proto.Uint64(1700000000),
				End:   proto.Uint64(1700003600),
			}},
		},
	}
	body := feedMessage(t, entity, alertEntity)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	f := realtime.NewFetcher(zerolog.Nop())
	snap, err := f.FetchAll(context.Background(), []realtime.Source{
		{ID: 1, Name: "metro", URL: srv.URL},
	})
	require.NoError(t, err)
	require.Len(t, snap.Sources, 1)
	src := snap.Sources[0]

	require.Len(t, src.Trips, 1)
	tu := src.Trips[0]
	assert.Equal(t, "T1", tu.TripID)
	assert.Equal(t, "canceled", tu.ScheduleRelationship)
	require.Len(t, tu.StopTimeUpdates, 1)
	assert.Equal(t, "S1", tu.StopTimeUpdates[0].StopID)
	assert.Equal(t, uint32(3), tu.StopTimeUpdates[0].StopSequence)
	require.NotNil(t, tu.StopTimeUpdates[0].ArrivalDelay)
	assert.Equal(t, delay, *tu.StopTimeUpdates[0].ArrivalDelay)

	require.Len(t, src.Alerts, 1)
	al := src.Alerts[0]
	assert.Equal(t, "strike", al.Cause)
	assert.Equal(t, "detour", al.Effect)
	assert.Equal(t, "warning", al.Severity)
	assert.Equal(t, "Route 1 on detour", al.Header)
	assert.Equal(t, []string{"R1"}, al.RouteIDs)
	assert.Equal(t, []string{"S1"}, al.StopIDs)
	assert.Equal(t, []int64{1700000000}, al.Starts)
}

func TestCountExperimentalOnPlainMessage(t *testing.T) {
	msg := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfsproto.FeedEntity{vehicleEntity("1", "T1", 47.6, -122.3)},
	}
	assert.Zero(t, realtime.CountExperimental(msg))
}

func TestDemoPositionsInterpolate(t *testing.T) {
	points := []*model.ShapePoint{
		{ShapeID: "SH1", Sequence: 1, Lat: 47.60, Lon: -122.33},
		{ShapeID: "SH1", Sequence: 2, Lat: 47.61, Lon: -122.33},
		{ShapeID: "SH1", Sequence: 3, Lat: 47.62, Lon: -122.33},

		// A single point has no polyline to walk.
		{ShapeID: "LONELY", Sequence: 1, Lat: 47.70, Lon: -122.40},
	}
	now := time.Unix(1700000000, 0)

	vehicles := realtime.DemoPositions(points, now)
	require.Len(t, vehicles, 1)

	vp := vehicles[0]
	assert.Equal(t, "demo-SH1", vp.VehicleID)
	assert.Equal(t, "in_transit_to", vp.CurrentStatus)
	assert.Equal(t, uint64(now.Unix()), vp.Timestamp)
	assert.InDelta(t, -122.33, vp.Longitude, 0.0001)
	assert.GreaterOrEqual(t, vp.Latitude, float32(47.60))
	assert.LessOrEqual(t, vp.Latitude, float32(47.62))

	// The walk is a pure function of shape and wall time.
	again := realtime.DemoPositions(points, now)
	require.Len(t, again, 1)
	assert.Equal(t, vp, again[0])

	// A minute later the vehicle has moved.
	later := realtime.DemoPositions(points, now.Add(time.Minute))
	require.Len(t, later, 1)
	assert.NotEqual(t, vp.Latitude, later[0].Latitude)
}

func TestPollerDemoSource(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	agencyID := testutil.CreateAgency(t, s, "Demo Agency")

	res, err := importer.New(s, zerolog.Nop()).Import(ctx, nil, testutil.BuildArchive(t, map[string][]string{
		"shapes.txt": {
			"shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence",
			"SH1,47.60,-122.33,1",
			"SH1,47.61,-122.33,2",
		},
	}), importer.Options{AgencyID: agencyID})
	require.NoError(t, err)
	require.NotZero(t, res.FeedID)

	_, err = s.CreateFeedSource(ctx, &storage.FeedSource{
		AgencyID: agencyID,
		Name:     "simulated",
		DemoMode: true,
		Enabled:  true,
	})
	require.NoError(t, err)

	p := realtime.NewPoller(s, realtime.NewFetcher(zerolog.Nop()), time.Minute, zerolog.Nop())
	assert.Nil(t, p.Latest())

	p.PollOnce(ctx)

	snap := p.Latest()
	require.NotNil(t, snap)
	require.Len(t, snap.Sources, 1)
	assert.Equal(t, "simulated", snap.Sources[0].SourceName)
	assert.Empty(t, snap.Sources[0].Error)
	require.Len(t, snap.Sources[0].Vehicles, 1)
	assert.Equal(t, "demo-SH1", snap.Sources[0].Vehicles[0].VehicleID)
}
