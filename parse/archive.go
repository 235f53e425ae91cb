package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"
)

func init() {
	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// An Issue is one finding from archive inspection or row parsing.
type Issue struct {
	Severity Severity
	File     string
	Message  string
}

// Report collects issues from the structural pre-pass over an
// archive. Errors block import; warnings and infos do not.
type Report struct {
	Issues []Issue
}

func (r *Report) add(sev Severity, file, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{
		Severity: sev,
		File:     file,
		Message:  fmt.Sprintf(format, args...),
	})
}

// HasErrors reports whether any error-severity issue was found.
func (r *Report) HasErrors() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity issues.
func (r *Report) Errors() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// The GTFS files we load, and the columns each must carry to be
// importable.
var knownFiles = map[string][]string{
	"agency.txt":          {"agency_name", "agency_url", "agency_timezone"},
	"stops.txt":           {"stop_id"},
	"routes.txt":          {"route_id", "route_type"},
	"trips.txt":           {"trip_id", "route_id", "service_id"},
	"stop_times.txt":      {"trip_id", "stop_id", "stop_sequence"},
	"calendar.txt":        {"service_id", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday", "start_date", "end_date"},
	"calendar_dates.txt":  {"service_id", "date", "exception_type"},
	"shapes.txt":          {"shape_id", "shape_pt_lat", "shape_pt_lon", "shape_pt_sequence"},
	"fare_attributes.txt": {"fare_id", "price", "currency_type", "payment_method"},
	"fare_rules.txt":      {"fare_id"},
	"feed_info.txt":       {"feed_publisher_name", "feed_publisher_url", "feed_lang"},
}

var requiredFiles = []string{
	"agency.txt", "stops.txt", "routes.txt", "trips.txt", "stop_times.txt",
}

// An Archive is an opened GTFS zip with its structural pre-pass
// already done. Parsing proceeds only when Report has no errors.
type Archive struct {
	files  map[string][]byte
	Report *Report
}

// Open unzips buf and runs the structural checks: required files
// present, required columns present, UTF-8 headers. Unrecognized
// files are skipped with an info issue. A non-zip buf is the only
// hard error; everything else lands in the report.
func Open(buf []byte) (*Archive, error) {
	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	a := &Archive{
		files:  map[string][]byte{},
		Report: &Report{},
	}

	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if _, known := knownFiles[fName]; !known {
			a.Report.add(SeverityInfo, fName, "unrecognized file skipped")
			continue
		}

		rc, err := f.Open()
		if err != nil {
			a.Report.add(SeverityError, fName, "opening: %v", err)
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			a.Report.add(SeverityError, fName, "reading: %v", err)
			continue
		}
		a.files[fName] = data
	}

	for _, name := range requiredFiles {
		if _, ok := a.files[name]; !ok {
			a.Report.add(SeverityError, name, "required file missing")
		}
	}
	if !a.Has("calendar.txt") && !a.Has("calendar_dates.txt") {
		a.Report.add(SeverityError, "calendar.txt", "neither calendar.txt nor calendar_dates.txt present")
	}

	for name, data := range a.files {
		header, err := fileHeader(data)
		if err != nil {
			a.Report.add(SeverityError, name, "reading header: %v", err)
			continue
		}
		have := map[string]bool{}
		for _, col := range header {
			have[strings.TrimSpace(col)] = true
		}
		for _, col := range knownFiles[name] {
			if !have[col] {
				a.Report.add(SeverityError, name, "required column %q missing", col)
			}
		}
	}

	return a, nil
}

// Has reports whether the archive carries the named file.
func (a *Archive) Has(name string) bool {
	_, ok := a.files[name]
	return ok
}

// File returns the raw bytes of the named file, or nil.
func (a *Archive) File(name string) []byte {
	return a.files[name]
}
