package parse_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/parse"
)

func csvFile(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n"))
}

func TestParseStops(t *testing.T) {
	stops, issues, err := parse.ParseStops(csvFile(
		"stop_id,stop_name,stop_lat,stop_lon,location_type,parent_station",
		"S1,Main St,47.60,-122.33,0,",
		"HUB,Downtown Hub,47.61,-122.34,1,",
		"NODE,,0,0,3,HUB",
	))
	require.NoError(t, err)
	assert.Empty(t, issues)
	require.Len(t, stops, 3)

	assert.Equal(t, "Main St", stops[0].Name)
	assert.Equal(t, model.LocationTypeStation, stops[1].LocationType)

	// Generic nodes may omit name and coordinates.
	assert.Equal(t, model.LocationTypeGenericNode, stops[2].LocationType)
	assert.Equal(t, "HUB", stops[2].ParentStation)
}

func TestParseStopsRejectsIncompleteRows(t *testing.T) {
	stops, issues, err := parse.ParseStops(csvFile(
		"stop_id,stop_name,stop_lat,stop_lon",
		",Nameless,1,1",
		"S2,,1,1",
		"S3,No Coords,0,0",
		"S4,Fine,47.6,-122.3",
	))
	require.NoError(t, err)
	require.Len(t, stops, 1)
	assert.Equal(t, "S4", stops[0].StopID)
	assert.Len(t, issues, 3)
	for _, issue := range issues {
		assert.Equal(t, parse.SeverityError, issue.Severity)
	}
}

func TestParseStopsCustomFields(t *testing.T) {
	stops, issues, err := parse.ParseStops(csvFile(
		"stop_id,stop_name,stop_lat,stop_lon,platform_code,level_id",
		"S1,Main St,47.6,-122.3,4B,L2",
		"S2,Second St,47.7,-122.4,,",
	))
	require.NoError(t, err)
	assert.Empty(t, issues)
	require.Len(t, stops, 2)

	assert.Equal(t, "4B", stops[0].Custom["platform_code"])
	assert.Equal(t, "L2", stops[0].Custom["level_id"])
	assert.Empty(t, stops[1].Custom["platform_code"])
}

func TestParseRoutes(t *testing.T) {
	routes, issues, err := parse.ParseRoutes(csvFile(
		"route_id,route_short_name,route_long_name,route_type,route_color",
		"R1,1,First Avenue,3,FF0000",
		"R2,,,3,",
		"R3,2,Bad Type,9,",
	))
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, model.RouteTypeBus, routes[0].Type)

	// R2 parses with a warning, R3 is dropped with an error.
	require.Len(t, issues, 2)
	assert.Equal(t, parse.SeverityWarning, issues[0].Severity)
	assert.Equal(t, parse.SeverityError, issues[1].Severity)
	assert.Contains(t, issues[1].Message, "route_type")
}

func TestParseCalendars(t *testing.T) {
	calendars, issues, err := parse.ParseCalendars(csvFile(
		"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
		"WEEK,1,1,1,1,1,0,0,20240101,20241231",
		"BAD,1,0,0,0,0,0,0,2024-01-01,20241231",
	))
	require.NoError(t, err)
	require.Len(t, calendars, 1)
	assert.True(t, calendars[0].Monday)
	assert.False(t, calendars[0].Saturday)
	assert.Equal(t, "20240101", calendars[0].StartDate)

	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "BAD")
}

func TestParseCalendarDates(t *testing.T) {
	dates, issues, err := parse.ParseCalendarDates(csvFile(
		"service_id,date,exception_type",
		"WEEK,20240704,2",
		"HOLIDAY,20241225,1",
		"WEEK,20240101,3",
	))
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.Equal(t, model.ExceptionTypeRemoved, dates[0].ExceptionType)
	assert.Equal(t, model.ExceptionTypeAdded, dates[1].ExceptionType)

	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "exception_type")
}

func TestParseShapes(t *testing.T) {
	points, issues, err := parse.ParseShapes(csvFile(
		"shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence,shape_dist_traveled",
		"SH1,47.60,-122.33,1,0",
		"SH1,47.61,-122.34,2,1250.5",
		"SH2,47.70,-122.40,1,",
	))
	require.NoError(t, err)
	assert.Empty(t, issues)
	require.Len(t, points, 3)

	require.NotNil(t, points[1].DistTraveled)
	assert.Equal(t, 1250.5, *points[1].DistTraveled)
	assert.Nil(t, points[2].DistTraveled)
}

func TestParseStopTimesNormalizesTimes(t *testing.T) {
	stopTimes, issues, err := parse.ParseStopTimes(csvFile(
		"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
		"T1,S1,1,8:05:00,8:05:30",
		"T1,S2,2,25:10:00,25:10:00",
		"T1,S3,3,,",
		"T1,S4,4,8:70:00,8:70:00",
	))
	require.NoError(t, err)
	require.Len(t, stopTimes, 3)

	assert.Equal(t, "08:05:00", stopTimes[0].Arrival)
	assert.Equal(t, "08:05:30", stopTimes[0].Departure)

	// Past-midnight times keep hours above 24.
	assert.Equal(t, "25:10:00", stopTimes[1].Arrival)

	// Interpolated stops keep empty times.
	assert.Equal(t, "", stopTimes[2].Arrival)

	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "arrival_time")
}

func TestParseFareAttributes(t *testing.T) {
	fares, issues, err := parse.ParseFareAttributes(csvFile(
		"fare_id,price,currency_type,payment_method,transfers,transfer_duration",
		"ADULT,2.75,USD,1,,",
		"DAY,5.00,USD,0,2,7200",
		"BROKEN,1.00,,0,,",
	))
	require.NoError(t, err)
	require.Len(t, fares, 2)

	// Empty transfers means unlimited, distinct from 0.
	assert.Nil(t, fares[0].Transfers)
	require.NotNil(t, fares[1].Transfers)
	assert.Equal(t, int8(2), *fares[1].Transfers)
	require.NotNil(t, fares[1].TransferDuration)
	assert.Equal(t, 7200, *fares[1].TransferDuration)

	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "currency_type")
}

func TestParseFeedInfoFirstRowOnly(t *testing.T) {
	fi, issues, err := parse.ParseFeedInfo(csvFile(
		"feed_publisher_name,feed_publisher_url,feed_lang,feed_version",
		"Metro,https://metro.example,en,2024-06",
		"Other,https://other.example,en,2024-07",
	))
	require.NoError(t, err)
	require.NotNil(t, fi)
	assert.Equal(t, "Metro", fi.PublisherName)
	assert.Equal(t, "2024-06", fi.Version)

	require.Len(t, issues, 1)
	assert.Equal(t, parse.SeverityWarning, issues[0].Severity)
}

func TestParseTrips(t *testing.T) {
	trips, issues, err := parse.ParseTrips(csvFile(
		"trip_id,route_id,service_id,trip_headsign,direction_id,shape_id",
		"T1,R1,WEEK,Downtown,0,SH1",
		",R1,WEEK,,0,",
	))
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "Downtown", trips[0].Headsign)
	assert.Equal(t, "SH1", trips[0].ShapeID)
	assert.Len(t, issues, 1)
}
