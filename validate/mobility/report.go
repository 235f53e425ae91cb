package mobility

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Notice is one aggregated finding from the canonical validator.
type Notice struct {
	Code          string                   `json:"code"`
	Severity      string                   `json:"severity"`
	TotalNotices  int                      `json:"totalNotices"`
	SampleNotices []map[string]interface{} `json:"sampleNotices"`
}

// Report mirrors the validator's report.json.
type Report struct {
	Summary struct {
		ValidatorVersion string `json:"validatorVersion"`
		GTFSInput        string `json:"gtfsInput"`
	} `json:"summary"`
	Notices []Notice `json:"notices"`
}

func ParseReportFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading validator report: %w", err)
	}
	report := &Report{}
	if err := json.Unmarshal(data, report); err != nil {
		return nil, fmt.Errorf("decoding validator report: %w", err)
	}
	return report, nil
}

// Counts returns notice totals per severity.
func (r *Report) Counts() map[string]int {
	counts := map[string]int{}
	for _, n := range r.Notices {
		counts[strings.ToUpper(n.Severity)] += n.TotalNotices
	}
	return counts
}

// gtfsFiles are the files we manage. Notices about other files in
// the archive are noise for our users and get filtered.
var gtfsFiles = map[string]bool{
	"agency.txt": true, "stops.txt": true, "routes.txt": true,
	"trips.txt": true, "stop_times.txt": true, "calendar.txt": true,
	"calendar_dates.txt": true, "shapes.txt": true,
	"fare_attributes.txt": true, "fare_rules.txt": true,
	"feed_info.txt": true,
}

// FilterNonGTFSNotices drops notices that only concern files outside
// the managed GTFS set (custom columns travel in otherwise standard
// files and are unaffected).
func (r *Report) FilterNonGTFSNotices() {
	kept := r.Notices[:0]
	for _, n := range r.Notices {
		if noticeConcernsUnknownFile(n) {
			continue
		}
		kept = append(kept, n)
	}
	r.Notices = kept
}

func noticeConcernsUnknownFile(n Notice) bool {
	if n.Code != "unknown_file" && n.Code != "unknown_column" {
		return false
	}
	for _, sample := range n.SampleNotices {
		if f, ok := sample["filename"].(string); ok && gtfsFiles[f] {
			return false
		}
	}
	return true
}

// readSystemErrors renders system_errors.json as a short message, or
// "" when the file is absent or empty.
func readSystemErrors(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var parsed struct {
		Notices []struct {
			Code          string                   `json:"code"`
			SampleNotices []map[string]interface{} `json:"sampleNotices"`
		} `json:"notices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed.Notices) == 0 {
		return ""
	}
	codes := make([]string, 0, len(parsed.Notices))
	for _, n := range parsed.Notices {
		codes = append(codes, n.Code)
	}
	return strings.Join(codes, ", ")
}
