package mobility_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdepot.dev/depot/validate/mobility"
)

const sampleReport = `{
  "summary": {
    "validatorVersion": "5.0.1",
    "gtfsInput": "/work/feed.zip"
  },
  "notices": [
    {
      "code": "missing_required_field",
      "severity": "ERROR",
      "totalNotices": 2,
      "sampleNotices": [
        {"filename": "routes.txt", "csvRowNumber": 3, "fieldName": "route_type"},
        {"filename": "routes.txt", "csvRowNumber": 7, "fieldName": "route_type"}
      ]
    },
    {
      "code": "unknown_file",
      "severity": "INFO",
      "totalNotices": 1,
      "sampleNotices": [
        {"filename": "transfers.txt"}
      ]
    },
    {
      "code": "unknown_column",
      "severity": "INFO",
      "totalNotices": 1,
      "sampleNotices": [
        {"filename": "stops.txt", "fieldName": "platform_code"}
      ]
    },
    {
      "code": "fast_travel_between_consecutive_stops",
      "severity": "WARNING",
      "totalNotices": 4,
      "sampleNotices": [
        {"tripId": "T1", "speedKph": 140.2}
      ]
    }
  ]
}`

func writeReport(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseReportFile(t *testing.T) {
	report, err := mobility.ParseReportFile(writeReport(t, sampleReport))
	require.NoError(t, err)

	assert.Equal(t, "5.0.1", report.Summary.ValidatorVersion)
	require.Len(t, report.Notices, 4)
	assert.Equal(t, "missing_required_field", report.Notices[0].Code)
	assert.Equal(t, 2, report.Notices[0].TotalNotices)
	assert.Equal(t, "routes.txt", report.Notices[0].SampleNotices[0]["filename"])
}

func TestParseReportFileBadJSON(t *testing.T) {
	_, err := mobility.ParseReportFile(writeReport(t, "{not json"))
	assert.Error(t, err)

	_, err = mobility.ParseReportFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestReportCounts(t *testing.T) {
	report, err := mobility.ParseReportFile(writeReport(t, sampleReport))
	require.NoError(t, err)

	counts := report.Counts()
	assert.Equal(t, 2, counts["ERROR"])
	assert.Equal(t, 4, counts["WARNING"])
	assert.Equal(t, 2, counts["INFO"])
}

func TestFilterNonGTFSNotices(t *testing.T) {
	report, err := mobility.ParseReportFile(writeReport(t, sampleReport))
	require.NoError(t, err)

	report.FilterNonGTFSNotices()

	codes := make([]string, 0, len(report.Notices))
	for _, n := range report.Notices {
		codes = append(codes, n.Code)
	}

	// The unknown_file notice concerns transfers.txt, which we never
	// export; the unknown_column notice concerns a managed file and
	// stays.
	assert.NotContains(t, codes, "unknown_file")
	assert.Contains(t, codes, "unknown_column")
	assert.Contains(t, codes, "missing_required_field")
	assert.Contains(t, codes, "fast_travel_between_consecutive_stops")
}

func TestWriteBrandedReport(t *testing.T) {
	report, err := mobility.ParseReportFile(writeReport(t, sampleReport))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "report.html")
	require.NoError(t, mobility.WriteBrandedReport(out, report))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	html := string(data)

	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, "Errors: 2")
	assert.Contains(t, html, "Warnings: 4")
	assert.Contains(t, html, "missing_required_field")
	assert.Contains(t, html, "route_type")
	assert.Contains(t, html, "5.0.1")
}
