package export_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitdepot.dev/depot/export"
	"transitdepot.dev/depot/importer"
	"transitdepot.dev/depot/storage"
	"transitdepot.dev/depot/testutil"
)

func readArchive(t *testing.T, buf []byte) map[string][][]string {
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	require.NoError(t, err)

	out := map[string][][]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)

		records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
		require.NoError(t, err)
		out[f.Name] = records
	}
	return out
}

func column(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	agencyID := testutil.CreateAgency(t, s, "Round Trip")
	imp := importer.New(s, zerolog.Nop())
	exp := export.New(s, zerolog.Nop())

	source := testutil.BuildArchive(t, map[string][]string{
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon,platform_code",
			"S1,First St,47.6097,-122.3331,4B",
			"S2,Second St,47.6205,-122.3493,",
		},
		"fare_attributes.txt": {
			"fare_id,price,currency_type,payment_method,transfers",
			"ADULT,2.75,USD,1,",
		},
	})

	res, err := imp.Import(ctx, nil, source, importer.Options{AgencyID: agencyID})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, exp.ExportFeed(ctx, res.FeedID, &out))
	files := readArchive(t, out.Bytes())

	stops := files["stops.txt"]
	require.NotEmpty(t, stops)

	// Custom columns are restored under their original names.
	pcol := column(stops[0], "platform_code")
	require.GreaterOrEqual(t, pcol, 0)
	idCol := column(stops[0], "stop_id")
	byID := map[string]string{}
	for _, rec := range stops[1:] {
		byID[rec[idCol]] = rec[pcol]
	}
	assert.Equal(t, "4B", byID["S1"])
	assert.Equal(t, "", byID["S2"])

	// Unlimited transfers export as an empty field, not 0.
	fares := files["fare_attributes.txt"]
	require.Len(t, fares, 2)
	tcol := column(fares[0], "transfers")
	assert.Equal(t, "", fares[1][tcol])

	// A second import of the export produces the same row counts.
	agency2 := testutil.CreateAgency(t, s, "Round Trip Copy")
	res2, err := imp.Import(ctx, nil, out.Bytes(), importer.Options{AgencyID: agency2})
	require.NoError(t, err)
	assert.Equal(t, res.Files["stops.txt"].Imported, res2.Files["stops.txt"].Imported)
	assert.Equal(t, res.Files["stop_times.txt"].Imported, res2.Files["stop_times.txt"].Imported)
	assert.Equal(t, res.Files["routes.txt"].Imported, res2.Files["routes.txt"].Imported)
}

func TestExportOmitsEmptyOptionalFiles(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	agencyID := testutil.CreateAgency(t, s, "Sparse")
	imp := importer.New(s, zerolog.Nop())
	exp := export.New(s, zerolog.Nop())

	res, err := imp.Import(ctx, nil, testutil.BuildArchive(t, nil), importer.Options{AgencyID: agencyID})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, exp.ExportFeed(ctx, res.FeedID, &out))
	files := readArchive(t, out.Bytes())

	assert.Contains(t, files, "agency.txt")
	assert.Contains(t, files, "stop_times.txt")
	assert.NotContains(t, files, "shapes.txt")
	assert.NotContains(t, files, "calendar_dates.txt")
	assert.NotContains(t, files, "fare_attributes.txt")
	assert.NotContains(t, files, "feed_info.txt")
}

func TestExportAgencyPicksLatestActiveFeed(t *testing.T) {
	ctx := context.Background()
	s := testutil.BuildStore(t, "sqlite")
	agencyID := testutil.CreateAgency(t, s, "Latest")
	imp := importer.New(s, zerolog.Nop())
	exp := export.New(s, zerolog.Nop())

	res, err := imp.Import(ctx, nil, testutil.BuildArchive(t, nil), importer.Options{AgencyID: agencyID})
	require.NoError(t, err)

	var out bytes.Buffer
	feedID, err := exp.ExportAgency(ctx, agencyID, &out)
	require.NoError(t, err)
	assert.Equal(t, res.FeedID, feedID)

	// Deactivate and export again: an empty archive comes back.
	require.NoError(t, s.SetFeedActive(ctx, res.FeedID, false))
	out.Reset()
	feedID, err = exp.ExportAgency(ctx, agencyID, &out)
	require.NoError(t, err)
	assert.Zero(t, feedID)

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	assert.Empty(t, zr.File)
}

func TestExportUnknownFeed(t *testing.T) {
	s := testutil.BuildStore(t, "sqlite")
	exp := export.New(s, zerolog.Nop())

	var out bytes.Buffer
	err := exp.ExportFeed(context.Background(), 12345, &out)
	assert.Equal(t, storage.ErrFeedNotFound, err)
}
