package mutate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdepot.dev/depot/importer"
	"transitdepot.dev/depot/mutate"
	"transitdepot.dev/depot/storage"
	"transitdepot.dev/depot/testutil"
)

func importArchive(t *testing.T, s *storage.Store, agencyID int64, files map[string][]string) int64 {
	res, err := importer.New(s, zerolog.Nop()).Import(context.Background(), nil,
		testutil.BuildArchive(t, files), importer.Options{AgencyID: agencyID})
	require.NoError(t, err)
	return res.FeedID
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "metro-transit", mutate.Slugify("Metro Transit"))
	assert.Equal(t, "a-b-c", mutate.Slugify("A  B &% C"))
}

func TestMergeFeedsAutoPrefix(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	// Two feeds with fully overlapping natural keys: R1, S1, S2,
	// WEEK and T1 collide, so the later source's keys get prefixed
	// with that source feed's id. Sources are given in reverse id
	// order so a position-derived prefix would differ.
	a1 := testutil.CreateAgency(t, s, "North")
	a2 := testutil.CreateAgency(t, s, "South")
	target := testutil.CreateAgency(t, s, "Combined")
	f1 := importArchive(t, s, a1, nil)
	f2 := importArchive(t, s, a2, nil)

	res, err := m.MergeFeeds(ctx, nil, mutate.MergeOptions{
		SourceFeedIDs:  []int64{f2, f1},
		TargetAgencyID: target,
		Strategy:       mutate.MergeAutoPrefix,
		FeedName:       "Combined Network",
		Activate:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, target, res.AgencyID)
	assert.Equal(t, []int64{f2, f1}, res.SourceFeeds)
	assert.Empty(t, res.Warnings)

	// 1 route + 2 stops + 1 service + 1 trip from the later source.
	assert.Equal(t, 5, res.RenamedKeys)

	prefix := fmt.Sprintf("feed%d_", f1)
	routeIDs, err := s.RouteIDs(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"R1": true, prefix + "R1": true}, routeIDs)

	tripIDs, err := s.TripIDs(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"T1": true, prefix + "T1": true}, tripIDs)

	// References were remapped along with the keys.
	trips, err := s.Trips(ctx, res.FeedID)
	require.NoError(t, err)
	for _, trip := range trips {
		if trip.TripID == prefix+"T1" {
			assert.Equal(t, prefix+"R1", trip.RouteID)
			assert.Equal(t, prefix+"WEEK", trip.ServiceID)
		}
	}

	stopTimes, err := s.StopTimes(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Len(t, stopTimes, 4)
	for _, st := range stopTimes {
		if st.TripID == prefix+"T1" {
			assert.Contains(t, []string{prefix + "S1", prefix + "S2"}, st.StopID)
		}
	}

	merged, err := s.GetFeed(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, target, merged.AgencyID)
	assert.Equal(t, "Combined Network", merged.Name)
	assert.Equal(t, 2, merged.TotalRoutes)
	assert.Equal(t, 4, merged.TotalStops)
	assert.Equal(t, 2, merged.TotalTrips)
	assert.WithinDuration(t, time.Now().UTC(), merged.ImportedAt, time.Minute)

	// Activate makes the merged feed the target's latest active one.
	latest, err := s.LatestActiveFeed(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, res.FeedID, latest.ID)
}

func TestMergeFeedsInactiveWithoutActivate(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	a1 := testutil.CreateAgency(t, s, "Left")
	a2 := testutil.CreateAgency(t, s, "Right")
	target := testutil.CreateAgency(t, s, "Holder")
	f1 := importArchive(t, s, a1, nil)
	f2 := importArchive(t, s, a2, nil)

	res, err := m.MergeFeeds(ctx, nil, mutate.MergeOptions{
		SourceFeedIDs:  []int64{f1, f2},
		TargetAgencyID: target,
		Strategy:       mutate.MergeAutoPrefix,
		FeedName:       "Staged",
	})
	require.NoError(t, err)

	merged, err := s.GetFeed(ctx, res.FeedID)
	require.NoError(t, err)
	assert.False(t, merged.IsActive)

	_, err = s.LatestActiveFeed(ctx, target)
	assert.Equal(t, storage.ErrFeedNotFound, err)
}

func TestMergeFeedsDisjointKeysUnchanged(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	a1 := testutil.CreateAgency(t, s, "East")
	a2 := testutil.CreateAgency(t, s, "West")
	target := testutil.CreateAgency(t, s, "Region")
	f1 := importArchive(t, s, a1, nil)
	f2 := importArchive(t, s, a2, map[string][]string{
		"routes.txt": {"route_id,route_short_name,route_type", "W1,9,3"},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"W_S1,West First,47.1,-122.1",
			"W_S2,West Second,47.2,-122.2",
		},
		"calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"W_WEEK,1,1,1,1,1,0,0,20240101,20241231",
		},
		"trips.txt": {"trip_id,route_id,service_id", "W_T1,W1,W_WEEK"},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
			"W_T1,W_S1,1,09:00:00,09:00:00",
			"W_T1,W_S2,2,09:15:00,09:15:00",
		},
	})

	res, err := m.MergeFeeds(ctx, nil, mutate.MergeOptions{
		SourceFeedIDs:  []int64{f1, f2},
		TargetAgencyID: target,
		Strategy:       mutate.MergeAutoPrefix,
		FeedName:       "Region",
	})
	require.NoError(t, err)
	assert.Zero(t, res.RenamedKeys)

	routeIDs, err := s.RouteIDs(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"R1": true, "W1": true}, routeIDs)
}

func TestMergeFailOnConflict(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	a1 := testutil.CreateAgency(t, s, "One")
	a2 := testutil.CreateAgency(t, s, "Two")
	target := testutil.CreateAgency(t, s, "Broken")
	f1 := importArchive(t, s, a1, nil)
	f2 := importArchive(t, s, a2, nil)

	_, err := m.MergeFeeds(ctx, nil, mutate.MergeOptions{
		SourceFeedIDs:  []int64{f1, f2},
		TargetAgencyID: target,
		Strategy:       mutate.MergeFailOnConflict,
		FeedName:       "Broken",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already present")

	// The failed merge committed nothing: the target agency has no
	// feed at all.
	feeds, err := s.ListFeeds(ctx, storage.ListFeedsFilter{AgencyID: target})
	require.NoError(t, err)
	assert.Empty(t, feeds)
}

func TestMergeValidatesInputs(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	a1 := testutil.CreateAgency(t, s, "Solo")
	target := testutil.CreateAgency(t, s, "Target")
	f1 := importArchive(t, s, a1, nil)

	_, err := m.MergeFeeds(ctx, nil, mutate.MergeOptions{
		SourceFeedIDs:  []int64{f1},
		TargetAgencyID: target,
		Strategy:       mutate.MergeAutoPrefix,
		FeedName:       "Nope",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2")

	_, err = m.MergeFeeds(ctx, nil, mutate.MergeOptions{
		SourceFeedIDs:  []int64{f1, f1 + 100},
		TargetAgencyID: target,
		Strategy:       mutate.MergeAutoPrefix,
		FeedName:       "Nope",
	})
	require.Error(t, err)

	_, err = m.MergeFeeds(ctx, nil, mutate.MergeOptions{
		SourceFeedIDs:  []int64{f1, f1},
		TargetAgencyID: target,
		Strategy:       mutate.MergeAutoPrefix,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a name")
}

func splitFixture() map[string][]string {
	return map[string][]string{
		"routes.txt": {
			"route_id,route_short_name,route_type",
			"KEEP,1,3",
			"MOVE,2,3",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon,parent_station,location_type",
			"SHARED,Shared,47.1,-122.1,KEEP_HUB,0",
			"ONLY_MOVE,Move Only,47.2,-122.2,HUB,0",
			"HUB,Hub Station,47.3,-122.3,,1",
			"KEEP_HUB,Keep Hub,47.4,-122.4,,1",
			"LONELY,Unserved,47.5,-122.5,,0",
		},
		"calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"SVC_KEEP,1,1,1,1,1,0,0,20240101,20241231",
			"SVC_MOVE,0,0,0,0,0,1,1,20240101,20241231",
		},
		"trips.txt": {
			"trip_id,route_id,service_id",
			"T_KEEP,KEEP,SVC_KEEP",
			"T_MOVE,MOVE,SVC_MOVE",
		},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
			"T_KEEP,SHARED,1,08:00:00,08:00:00",
			"T_MOVE,SHARED,1,09:00:00,09:00:00",
			"T_MOVE,ONLY_MOVE,2,09:10:00,09:10:00",
		},
	}
}

func TestSplitAgencyCopiesClosure(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	src := testutil.CreateAgency(t, s, "Big Agency")
	srcFeed := importArchive(t, s, src, splitFixture())

	res, err := m.SplitAgency(ctx, nil, mutate.SplitOptions{
		SourceAgencyID: src,
		RouteIDs:       []string{"MOVE"},
		NewAgencyName:  "Spinoff",
	})
	require.NoError(t, err)
	assert.Equal(t, srcFeed, res.SourceFeed)
	assert.Nil(t, res.RemovedFrom)

	// The closure: MOVE, T_MOVE, its stops plus their parent
	// stations, and its service.
	routeIDs, err := s.RouteIDs(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"MOVE": true}, routeIDs)

	stopIDs, err := s.StopIDs(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"SHARED": true, "ONLY_MOVE": true, "HUB": true, "KEEP_HUB": true,
	}, stopIDs)

	serviceIDs, err := s.ServiceIDs(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"SVC_MOVE": true}, serviceIDs)

	// Without removal the source feed is untouched.
	srcRoutes, err := s.RouteIDs(ctx, srcFeed)
	require.NoError(t, err)
	assert.Len(t, srcRoutes, 2)
}

func TestSplitAgencyRemoveFromSource(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	src := testutil.CreateAgency(t, s, "Shrinking")
	srcFeed := importArchive(t, s, src, splitFixture())

	res, err := m.SplitAgency(ctx, nil, mutate.SplitOptions{
		SourceAgencyID:   src,
		RouteIDs:         []string{"MOVE"},
		NewAgencyName:    "Spinoff",
		RemoveFromSource: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.RemovedFrom)
	assert.Equal(t, srcFeed, *res.RemovedFrom)

	srcRoutes, err := s.RouteIDs(ctx, srcFeed)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"KEEP": true}, srcRoutes)

	// SHARED is still served by T_KEEP, its parent station stays
	// with it, and LONELY was never part of the moved graph.
	// ONLY_MOVE is swept and HUB goes with its last child.
	srcStops, err := s.StopIDs(ctx, srcFeed)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"SHARED": true, "KEEP_HUB": true, "LONELY": true,
	}, srcStops)

	feed, err := s.GetFeed(ctx, srcFeed)
	require.NoError(t, err)
	assert.Equal(t, 1, feed.TotalRoutes)
	assert.Equal(t, 1, feed.TotalTrips)
}

func TestSplitAgencyExplicitFeed(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	src := testutil.CreateAgency(t, s, "Layered")
	oldFeed := importArchive(t, s, src, splitFixture())
	newFeed := importArchive(t, s, src, nil)

	// The default fixture has no MOVE route, so splitting it out of
	// the explicitly named older feed proves the feed_id is honored
	// over the latest active feed.
	res, err := m.SplitAgency(ctx, nil, mutate.SplitOptions{
		SourceAgencyID: src,
		SourceFeedID:   oldFeed,
		RouteIDs:       []string{"MOVE"},
		NewAgencyName:  "Spinoff",
		NewFeedName:    "Carved Routes",
	})
	require.NoError(t, err)
	assert.Equal(t, oldFeed, res.SourceFeed)
	assert.NotEqual(t, newFeed, res.SourceFeed)

	feed, err := s.GetFeed(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, "Carved Routes", feed.Name)

	// A feed id outside the source agency is rejected.
	other := testutil.CreateAgency(t, s, "Other")
	otherFeed := importArchive(t, s, other, nil)
	_, err = m.SplitAgency(ctx, nil, mutate.SplitOptions{
		SourceAgencyID: src,
		SourceFeedID:   otherFeed,
		RouteIDs:       []string{"R1"},
		NewAgencyName:  "Nope",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong")
}

func TestSplitUnknownRoute(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	src := testutil.CreateAgency(t, s, "Strict")
	importArchive(t, s, src, nil)

	_, err := m.SplitAgency(ctx, nil, mutate.SplitOptions{
		SourceAgencyID: src,
		RouteIDs:       []string{"NOPE"},
		NewAgencyName:  "Spinoff",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOPE")
}

func TestCloneFeed(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	agencyID := testutil.CreateAgency(t, s, "Cloneable")
	feedID := importArchive(t, s, agencyID, nil)

	res, err := m.CloneFeed(ctx, nil, feedID, 0, "")
	require.NoError(t, err)
	require.NotEqual(t, feedID, res.FeedID)
	assert.Equal(t, 1, res.Counts["routes"])
	assert.Equal(t, 2, res.Counts["stops"])
	assert.Equal(t, 2, res.Counts["stop_times"])

	clone, err := s.GetFeed(ctx, res.FeedID)
	require.NoError(t, err)
	assert.Equal(t, agencyID, clone.AgencyID)
	assert.False(t, clone.IsActive)
	assert.Contains(t, clone.Name, "(copy)")

	// The original stays the agency's active feed.
	latest, err := s.LatestActiveFeed(ctx, agencyID)
	require.NoError(t, err)
	assert.Equal(t, feedID, latest.ID)
}

func TestDeleteAgencyRemovesFeedsAndPreferences(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	m := mutate.New(s, zerolog.Nop())

	agencyID := testutil.CreateAgency(t, s, "Doomed")
	feedID := importArchive(t, s, agencyID, nil)
	require.NoError(t, s.SetRuleEnabled(ctx, agencyID, "stop_unused", false))

	require.NoError(t, m.DeleteAgency(ctx, nil, agencyID))

	_, err := s.GetAgency(ctx, agencyID)
	assert.Equal(t, storage.ErrAgencyNotFound, err)
	_, err = s.GetFeed(ctx, feedID)
	assert.Equal(t, storage.ErrFeedNotFound, err)

	stopTimes, err := s.StopTimes(ctx, feedID)
	require.NoError(t, err)
	assert.Empty(t, stopTimes)
}
