package parse_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdepot.dev/depot/parse"
	"transitdepot.dev/depot/testutil"
)

func TestOpenValidArchive(t *testing.T) {
	buf := testutil.BuildArchive(t, nil)

	a, err := parse.Open(buf)
	require.NoError(t, err)
	assert.False(t, a.Report.HasErrors())
	assert.True(t, a.Has("agency.txt"))
	assert.True(t, a.Has("stops.txt"))
	assert.NotNil(t, a.File("routes.txt"))
}

func TestOpenRejectsNonZip(t *testing.T) {
	_, err := parse.Open([]byte("this is not a zip"))
	assert.Error(t, err)
}

func TestOpenMissingRequiredFile(t *testing.T) {
	files := map[string][]string{
		"agency.txt": {"agency_name,agency_url,agency_timezone", "A,http://a,UTC"},
		"stops.txt":  {"stop_id", "S1"},
	}
	buf := testutil.BuildZip(t, files)

	a, err := parse.Open(buf)
	require.NoError(t, err)
	assert.True(t, a.Report.HasErrors())

	var missing []string
	for _, issue := range a.Report.Errors() {
		missing = append(missing, issue.File)
	}
	assert.Contains(t, missing, "routes.txt")
	assert.Contains(t, missing, "trips.txt")
	assert.Contains(t, missing, "stop_times.txt")
}

func TestOpenMissingRequiredColumn(t *testing.T) {
	buf := testutil.BuildArchive(t, map[string][]string{
		"routes.txt": {"route_id,route_short_name", "R1,1"}, // no route_type
	})

	a, err := parse.Open(buf)
	require.NoError(t, err)
	require.True(t, a.Report.HasErrors())
	assert.Contains(t, a.Report.Errors()[0].Message, "route_type")
}

func TestOpenCalendarOrCalendarDates(t *testing.T) {
	files := map[string][]string{
		"agency.txt":     {"agency_name,agency_url,agency_timezone", "A,http://a,UTC"},
		"stops.txt":      {"stop_id,stop_name,stop_lat,stop_lon", "S1,A,1,1"},
		"routes.txt":     {"route_id,route_type", "R1,3"},
		"trips.txt":      {"trip_id,route_id,service_id", "T1,R1,SVC"},
		"stop_times.txt": {"trip_id,stop_id,stop_sequence", "T1,S1,1"},
	}

	a, err := parse.Open(testutil.BuildZip(t, files))
	require.NoError(t, err)
	assert.True(t, a.Report.HasErrors())

	files["calendar_dates.txt"] = []string{"service_id,date,exception_type", "SVC,20240101,1"}
	a, err = parse.Open(testutil.BuildZip(t, files))
	require.NoError(t, err)
	assert.False(t, a.Report.HasErrors())
}

func TestOpenSkipsUnknownFiles(t *testing.T) {
	buf := testutil.BuildArchive(t, map[string][]string{
		"transfers.txt": {"from_stop_id,to_stop_id", "S1,S2"},
	})

	a, err := parse.Open(buf)
	require.NoError(t, err)
	assert.False(t, a.Report.HasErrors())
	assert.False(t, a.Has("transfers.txt"))

	found := false
	for _, issue := range a.Report.Issues {
		if issue.File == "transfers.txt" && issue.Severity == parse.SeverityInfo {
			found = true
		}
	}
	assert.True(t, found, "expected an info issue for the skipped file")
}

func TestOpenFlattensSubdirectories(t *testing.T) {
	files := map[string][]string{
		"gtfs/agency.txt":     {"agency_name,agency_url,agency_timezone", "A,http://a,UTC"},
		"gtfs/stops.txt":      {"stop_id,stop_name,stop_lat,stop_lon", "S1,A,1,1"},
		"gtfs/routes.txt":     {"route_id,route_type", "R1,3"},
		"gtfs/trips.txt":      {"trip_id,route_id,service_id", "T1,R1,SVC"},
		"gtfs/stop_times.txt": {"trip_id,stop_id,stop_sequence", "T1,S1,1"},
		"gtfs/calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"SVC,1,1,1,1,1,0,0,20240101,20241231",
		},
	}

	a, err := parse.Open(testutil.BuildZip(t, files))
	require.NoError(t, err)
	assert.False(t, a.Report.HasErrors())
	assert.True(t, a.Has("agency.txt"))
}

func TestOpenHandlesBOM(t *testing.T) {
	buf := testutil.BuildArchive(t, map[string][]string{
		"agency.txt": {"\xef\xbb\xbfagency_name,agency_url,agency_timezone", "A,http://a,UTC"},
	})

	a, err := parse.Open(buf)
	require.NoError(t, err)
	assert.False(t, a.Report.HasErrors())

	agencies, issues, err := parse.ParseAgencies(a.File("agency.txt"))
	require.NoError(t, err)
	assert.Empty(t, issues)
	require.Len(t, agencies, 1)
	assert.Equal(t, "A", agencies[0].Name)
}
