package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/parse"
	"transitdepot.dev/depot/storage"
)

// Sentinel calendar bounds for services defined only through
// calendar_dates exceptions. All weekday flags stay false; the
// exceptions alone decide the active dates.
const (
	sentinelStartDate = "19700101"
	sentinelEndDate   = "20991231"
)

// How many missing-reference ids to keep as samples in the result.
const refSampleLimit = 10

// Progress receives progress reports and cancellation checkpoints
// from a running import.
type Progress interface {
	Progress(ctx context.Context, percent float64, message string) error
	Checkpoint(ctx context.Context) error
}

type nopProgress struct{}

func (nopProgress) Progress(context.Context, float64, string) error { return nil }
func (nopProgress) Checkpoint(context.Context) error                { return nil }

// NopProgress discards progress reports and never cancels.
var NopProgress Progress = nopProgress{}

type Options struct {
	AgencyID        int64
	FeedName        string
	FeedDescription string

	// FeedVersion overrides the version read from feed_info.txt.
	FeedVersion string

	// ReplaceExisting deletes the agency's other feeds inside the
	// import transaction before loading the new one.
	ReplaceExisting bool

	// ValidateOnly runs the full load and rolls it back, so the
	// result carries every issue the import would raise without a
	// feed being created.
	ValidateOnly bool

	// SkipShapes ignores shapes.txt and strips shape references
	// from trips.
	SkipShapes bool

	// StopOnError aborts before any writes when the archive has
	// structural errors. Without it the import proceeds and carries
	// the errors as issues.
	StopOnError bool
}

// FileStats counts the outcome of every row of one file.
type FileStats struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

type Result struct {
	FeedID int64
	Files  map[string]*FileStats
	Issues []parse.Issue

	// Services synthesized for calendar_dates-only service ids.
	SentinelServices int

	MissingTripRefs    int
	MissingStopRefs    int
	SampleMissingTrips []string
	SampleMissingStops []string
}

type Importer struct {
	store *storage.Store
	log   zerolog.Logger
}

func New(store *storage.Store, log zerolog.Logger) *Importer {
	return &Importer{store: store, log: log}
}

// Import loads one GTFS archive into a new feed of the agency. The
// whole load runs in a single transaction; on cancellation or error
// nothing is committed.
func (imp *Importer) Import(ctx context.Context, prog Progress, buf []byte, opts Options) (*Result, error) {
	if prog == nil {
		prog = NopProgress
	}

	if err := prog.Progress(ctx, 0, "inspecting archive"); err != nil {
		return nil, err
	}
	archive, err := parse.Open(buf)
	if err != nil {
		return nil, err
	}
	if archive.Report.HasErrors() && opts.StopOnError {
		errs := archive.Report.Errors()
		return nil, fmt.Errorf("archive rejected: %s (%d structural errors)", errs[0].Message, len(errs))
	}

	res := &Result{
		Files:  map[string]*FileStats{},
		Issues: archive.Report.Issues,
	}

	tx, err := imp.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning import transaction: %w", err)
	}
	defer tx.Rollback()

	if err := imp.load(ctx, tx, prog, archive, opts, res); err != nil {
		return nil, err
	}

	if err := prog.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if opts.ValidateOnly {
		// The deferred rollback discards everything the load wrote.
		res.FeedID = 0
		imp.log.Info().Int64("agency_id", opts.AgencyID).
			Int("issues", len(res.Issues)).
			Msg("validate-only import, rolled back")
		return res, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing import: %w", err)
	}

	imp.log.Info().Int64("feed_id", res.FeedID).Int64("agency_id", opts.AgencyID).
		Int("sentinel_services", res.SentinelServices).
		Msg("feed imported")

	return res, nil
}

func (imp *Importer) load(ctx context.Context, tx *storage.Tx, prog Progress, archive *parse.Archive, opts Options, res *Result) error {
	agency, err := tx.GetAgency(ctx, opts.AgencyID)
	if err != nil {
		return err
	}

	if opts.ReplaceExisting {
		existing, err := tx.ListFeeds(ctx, storage.ListFeedsFilter{AgencyID: opts.AgencyID})
		if err != nil {
			return err
		}
		for _, f := range existing {
			if err := tx.DeleteFeedData(ctx, f.ID); err != nil {
				return fmt.Errorf("replacing feed %d: %w", f.ID, err)
			}
		}
	}

	// feed_info is parsed up front so the feed row can carry its
	// version.
	var feedInfo *model.FeedInfo
	if archive.Has("feed_info.txt") {
		fi, issues, err := parse.ParseFeedInfo(archive.File("feed_info.txt"))
		if err != nil {
			return err
		}
		res.Issues = append(res.Issues, issues...)
		feedInfo = fi
	}

	feed := &model.Feed{
		AgencyID:    opts.AgencyID,
		Name:        opts.FeedName,
		Description: opts.FeedDescription,
		ImportedAt:  time.Now().UTC(),
		IsActive:    true,
	}
	if feedInfo != nil {
		feed.Version = feedInfo.Version
	}
	if opts.FeedVersion != "" {
		feed.Version = opts.FeedVersion
	}
	if feed.Name == "" {
		feed.Name = agency.Name
	}
	if _, err := tx.CreateFeed(ctx, feed); err != nil {
		return err
	}
	res.FeedID = feed.ID

	// agency.txt: only the first usable row updates the owning
	// agency record.
	if err := prog.Progress(ctx, 0, "agency.txt"); err != nil {
		return err
	}
	agencies, issues, err := parse.ParseAgencies(archive.File("agency.txt"))
	if err != nil {
		return err
	}
	res.Issues = append(res.Issues, issues...)
	stats := &FileStats{Imported: 1, Errors: len(issues)}
	if len(agencies) > 1 {
		stats.Skipped = len(agencies) - 1
		res.Issues = append(res.Issues, parse.Issue{
			Severity: parse.SeverityWarning,
			File:     "agency.txt",
			Message:  fmt.Sprintf("%d agency rows present, only the first is applied", len(agencies)),
		})
	}
	res.Files["agency.txt"] = stats

	first := agencies[0]
	agency.GTFSID = first.GTFSID
	agency.URL = first.URL
	agency.Timezone = first.Timezone
	agency.Lang = first.Lang
	agency.Phone = first.Phone
	agency.FareURL = first.FareURL
	agency.Email = first.Email
	if err := tx.UpdateAgencyGTFS(ctx, agency); err != nil {
		return err
	}

	routeSet, err := imp.loadRoutes(ctx, tx, prog, archive, feed.ID, res)
	if err != nil {
		return err
	}
	stopSet, err := imp.loadStops(ctx, tx, prog, archive, feed.ID, res)
	if err != nil {
		return err
	}
	serviceSet, err := imp.loadCalendars(ctx, tx, prog, archive, feed.ID, res)
	if err != nil {
		return err
	}
	shapeSet := map[string]bool{}
	if !opts.SkipShapes {
		shapeSet, err = imp.loadShapes(ctx, tx, prog, archive, feed.ID, res)
		if err != nil {
			return err
		}
	}
	tripSet, err := imp.loadTrips(ctx, tx, prog, archive, feed.ID, routeSet, serviceSet, shapeSet, opts.SkipShapes, res)
	if err != nil {
		return err
	}
	if err := imp.loadStopTimes(ctx, tx, prog, archive, feed.ID, tripSet, stopSet, res); err != nil {
		return err
	}
	if err := imp.loadFares(ctx, tx, prog, archive, feed.ID, routeSet, res); err != nil {
		return err
	}

	if feedInfo != nil {
		if err := tx.UpsertFeedInfo(ctx, feed.ID, feedInfo); err != nil {
			return err
		}
		res.Files["feed_info.txt"] = &FileStats{Imported: 1}
	}

	if err := prog.Progress(ctx, 95, "finalizing"); err != nil {
		return err
	}
	if err := tx.RefreshFeedCounts(ctx, feed.ID); err != nil {
		return err
	}

	return nil
}

func (imp *Importer) loadRoutes(ctx context.Context, tx *storage.Tx, prog Progress, archive *parse.Archive, feedID int64, res *Result) (map[string]bool, error) {
	if err := prog.Progress(ctx, 5, "routes.txt"); err != nil {
		return nil, err
	}
	routes, issues, err := parse.ParseRoutes(archive.File("routes.txt"))
	if err != nil {
		return nil, err
	}
	res.Issues = append(res.Issues, issues...)

	stats := &FileStats{Errors: countErrors(issues)}
	w := tx.NewRouteWriter(feedID)
	seen := map[string]bool{}
	for _, r := range routes {
		if seen[r.RouteID] {
			stats.Updated++
			// Re-writing a key already in the pending batch would
			// put it twice in one statement; flush first so the
			// later row wins as an upsert.
			if err := w.Flush(ctx); err != nil {
				return nil, err
			}
		} else {
			seen[r.RouteID] = true
			stats.Imported++
		}
		if _, err := w.Write(ctx, r); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(ctx); err != nil {
		return nil, err
	}
	res.Files["routes.txt"] = stats
	return seen, prog.Checkpoint(ctx)
}

func (imp *Importer) loadStops(ctx context.Context, tx *storage.Tx, prog Progress, archive *parse.Archive, feedID int64, res *Result) (map[string]bool, error) {
	if err := prog.Progress(ctx, 10, "stops.txt"); err != nil {
		return nil, err
	}
	stops, issues, err := parse.ParseStops(archive.File("stops.txt"))
	if err != nil {
		return nil, err
	}
	res.Issues = append(res.Issues, issues...)

	stats := &FileStats{Errors: countErrors(issues)}
	w := tx.NewStopWriter(feedID)
	seen := map[string]bool{}
	for _, s := range stops {
		if seen[s.StopID] {
			stats.Updated++
			if err := w.Flush(ctx); err != nil {
				return nil, err
			}
		} else {
			seen[s.StopID] = true
			stats.Imported++
		}
		if _, err := w.Write(ctx, s); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(ctx); err != nil {
		return nil, err
	}
	res.Files["stops.txt"] = stats
	return seen, prog.Checkpoint(ctx)
}

// loadCalendars loads calendar.txt and calendar_dates.txt. Service
// ids that appear only in calendar_dates get a sentinel calendar row
// spanning the full date range with every weekday off.
func (imp *Importer) loadCalendars(ctx context.Context, tx *storage.Tx, prog Progress, archive *parse.Archive, feedID int64, res *Result) (map[string]bool, error) {
	if err := prog.Progress(ctx, 20, "calendar.txt"); err != nil {
		return nil, err
	}

	serviceSet := map[string]bool{}
	cw := tx.NewCalendarWriter(feedID)

	if archive.Has("calendar.txt") {
		calendars, issues, err := parse.ParseCalendars(archive.File("calendar.txt"))
		if err != nil {
			return nil, err
		}
		res.Issues = append(res.Issues, issues...)

		stats := &FileStats{Errors: countErrors(issues)}
		for _, c := range calendars {
			if serviceSet[c.ServiceID] {
				stats.Updated++
				if err := cw.Flush(ctx); err != nil {
					return nil, err
				}
			} else {
				serviceSet[c.ServiceID] = true
				stats.Imported++
			}
			if _, err := cw.Write(ctx, c); err != nil {
				return nil, err
			}
		}
		res.Files["calendar.txt"] = stats
	}

	if err := prog.Progress(ctx, 30, "calendar_dates.txt"); err != nil {
		return nil, err
	}
	if archive.Has("calendar_dates.txt") {
		dates, issues, err := parse.ParseCalendarDates(archive.File("calendar_dates.txt"))
		if err != nil {
			return nil, err
		}
		res.Issues = append(res.Issues, issues...)

		stats := &FileStats{Errors: countErrors(issues)}
		dw := tx.NewCalendarDateWriter(feedID)
		seen := map[string]bool{}
		for _, cd := range dates {
			key := cd.ServiceID + "\x00" + cd.Date
			if seen[key] {
				stats.Updated++
				if err := dw.Flush(ctx); err != nil {
					return nil, err
				}
			} else {
				seen[key] = true
				stats.Imported++
			}

			if !serviceSet[cd.ServiceID] {
				serviceSet[cd.ServiceID] = true
				res.SentinelServices++
				sentinel := &model.Calendar{
					ServiceID: cd.ServiceID,
					StartDate: sentinelStartDate,
					EndDate:   sentinelEndDate,
				}
				if _, err := cw.Write(ctx, sentinel); err != nil {
					return nil, err
				}
			}

			if _, err := dw.Write(ctx, cd); err != nil {
				return nil, err
			}
		}
		if err := dw.Flush(ctx); err != nil {
			return nil, err
		}
		res.Files["calendar_dates.txt"] = stats
	}

	if err := cw.Flush(ctx); err != nil {
		return nil, err
	}
	return serviceSet, prog.Checkpoint(ctx)
}

func (imp *Importer) loadShapes(ctx context.Context, tx *storage.Tx, prog Progress, archive *parse.Archive, feedID int64, res *Result) (map[string]bool, error) {
	shapeSet := map[string]bool{}
	if !archive.Has("shapes.txt") {
		return shapeSet, nil
	}
	if err := prog.Progress(ctx, 35, "shapes.txt"); err != nil {
		return nil, err
	}

	points, issues, err := parse.ParseShapes(archive.File("shapes.txt"))
	if err != nil {
		return nil, err
	}
	res.Issues = append(res.Issues, issues...)

	stats := &FileStats{Errors: countErrors(issues)}
	w := tx.NewShapeWriter(feedID)
	seen := map[string]bool{}
	for _, p := range points {
		shapeSet[p.ShapeID] = true
		key := fmt.Sprintf("%s\x00%d", p.ShapeID, p.Sequence)
		if seen[key] {
			stats.Updated++
			if err := w.Flush(ctx); err != nil {
				return nil, err
			}
		} else {
			seen[key] = true
			stats.Imported++
		}
		if _, err := w.Write(ctx, p); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(ctx); err != nil {
		return nil, err
	}
	res.Files["shapes.txt"] = stats
	return shapeSet, prog.Checkpoint(ctx)
}

func (imp *Importer) loadTrips(ctx context.Context, tx *storage.Tx, prog Progress, archive *parse.Archive, feedID int64, routeSet, serviceSet, shapeSet map[string]bool, skipShapes bool, res *Result) (map[string]bool, error) {
	if err := prog.Progress(ctx, 40, "trips.txt"); err != nil {
		return nil, err
	}
	trips, issues, err := parse.ParseTrips(archive.File("trips.txt"))
	if err != nil {
		return nil, err
	}
	res.Issues = append(res.Issues, issues...)

	stats := &FileStats{Errors: countErrors(issues)}
	w := tx.NewTripWriter(feedID)
	seen := map[string]bool{}
	for _, t := range trips {
		if !routeSet[t.RouteID] {
			stats.Skipped++
			stats.Errors++
			res.Issues = appendCapped(res.Issues, parse.Issue{
				Severity: parse.SeverityError,
				File:     "trips.txt",
				Message:  fmt.Sprintf("trip '%s' references unknown route '%s'", t.TripID, t.RouteID),
			})
			continue
		}
		if !serviceSet[t.ServiceID] {
			stats.Skipped++
			stats.Errors++
			res.Issues = appendCapped(res.Issues, parse.Issue{
				Severity: parse.SeverityError,
				File:     "trips.txt",
				Message:  fmt.Sprintf("trip '%s' references unknown service '%s'", t.TripID, t.ServiceID),
			})
			continue
		}
		if skipShapes {
			t.ShapeID = ""
		} else if t.ShapeID != "" && !shapeSet[t.ShapeID] {
			// Trips survive a dangling shape reference; the
			// shape is only decoration.
			res.Issues = appendCapped(res.Issues, parse.Issue{
				Severity: parse.SeverityWarning,
				File:     "trips.txt",
				Message:  fmt.Sprintf("trip '%s' references unknown shape '%s'", t.TripID, t.ShapeID),
			})
		}

		if seen[t.TripID] {
			stats.Updated++
			if err := w.Flush(ctx); err != nil {
				return nil, err
			}
		} else {
			seen[t.TripID] = true
			stats.Imported++
		}
		if _, err := w.Write(ctx, t); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(ctx); err != nil {
		return nil, err
	}
	res.Files["trips.txt"] = stats
	return seen, prog.Checkpoint(ctx)
}

// loadStopTimes is the hot path: millions of rows for large feeds.
// Reference checks run against in-memory key sets, writes go through
// the batch inserter, and cancellation is observed at every flush.
func (imp *Importer) loadStopTimes(ctx context.Context, tx *storage.Tx, prog Progress, archive *parse.Archive, feedID int64, tripSet, stopSet map[string]bool, res *Result) error {
	if err := prog.Progress(ctx, 45, "stop_times.txt"); err != nil {
		return err
	}
	stopTimes, issues, err := parse.ParseStopTimes(archive.File("stop_times.txt"))
	if err != nil {
		return err
	}
	res.Issues = append(res.Issues, issues...)

	stats := &FileStats{Errors: countErrors(issues)}
	w := tx.NewStopTimeWriter(feedID)
	seen := map[storage.StopTimeKey]bool{}
	total := len(stopTimes)

	for i, st := range stopTimes {
		if !tripSet[st.TripID] {
			stats.Skipped++
			stats.Errors++
			res.MissingTripRefs++
			if len(res.SampleMissingTrips) < refSampleLimit {
				res.SampleMissingTrips = append(res.SampleMissingTrips, st.TripID)
			}
			continue
		}
		if !stopSet[st.StopID] {
			stats.Skipped++
			stats.Errors++
			res.MissingStopRefs++
			if len(res.SampleMissingStops) < refSampleLimit {
				res.SampleMissingStops = append(res.SampleMissingStops, st.StopID)
			}
			continue
		}

		key := storage.StopTimeKey{TripID: st.TripID, StopSequence: st.StopSequence}
		if seen[key] {
			stats.Updated++
			if err := w.Flush(ctx); err != nil {
				return err
			}
		} else {
			seen[key] = true
			stats.Imported++
		}

		flushed, err := w.Write(ctx, st)
		if err != nil {
			return err
		}
		if flushed {
			if err := prog.Checkpoint(ctx); err != nil {
				return err
			}
			if total > 0 {
				pct := 45 + 40*float64(i+1)/float64(total)
				if err := prog.Progress(ctx, pct, "stop_times.txt"); err != nil {
					return err
				}
			}
		}
	}
	if err := w.Flush(ctx); err != nil {
		return err
	}
	res.Files["stop_times.txt"] = stats

	if res.MissingTripRefs > 0 || res.MissingStopRefs > 0 {
		imp.log.Warn().Int64("feed_id", feedID).
			Int("missing_trip_refs", res.MissingTripRefs).
			Int("missing_stop_refs", res.MissingStopRefs).
			Strs("sample_trips", res.SampleMissingTrips).
			Strs("sample_stops", res.SampleMissingStops).
			Msg("stop_times rows skipped for dangling references")
	}

	return prog.Checkpoint(ctx)
}

func (imp *Importer) loadFares(ctx context.Context, tx *storage.Tx, prog Progress, archive *parse.Archive, feedID int64, routeSet map[string]bool, res *Result) error {
	if !archive.Has("fare_attributes.txt") && !archive.Has("fare_rules.txt") {
		return nil
	}
	if err := prog.Progress(ctx, 85, "fares"); err != nil {
		return err
	}

	fareSet := map[string]bool{}
	if archive.Has("fare_attributes.txt") {
		fares, issues, err := parse.ParseFareAttributes(archive.File("fare_attributes.txt"))
		if err != nil {
			return err
		}
		res.Issues = append(res.Issues, issues...)

		stats := &FileStats{Errors: countErrors(issues)}
		w := tx.NewFareAttributeWriter(feedID)
		for _, fa := range fares {
			if fareSet[fa.FareID] {
				stats.Updated++
				if err := w.Flush(ctx); err != nil {
					return err
				}
			} else {
				fareSet[fa.FareID] = true
				stats.Imported++
			}
			if _, err := w.Write(ctx, fa); err != nil {
				return err
			}
		}
		if err := w.Flush(ctx); err != nil {
			return err
		}
		res.Files["fare_attributes.txt"] = stats
	}

	if archive.Has("fare_rules.txt") {
		rules, issues, err := parse.ParseFareRules(archive.File("fare_rules.txt"))
		if err != nil {
			return err
		}
		res.Issues = append(res.Issues, issues...)

		stats := &FileStats{Errors: countErrors(issues)}
		w := tx.NewFareRuleWriter(feedID)
		for _, fr := range rules {
			if !fareSet[fr.FareID] {
				stats.Skipped++
				stats.Errors++
				res.Issues = appendCapped(res.Issues, parse.Issue{
					Severity: parse.SeverityError,
					File:     "fare_rules.txt",
					Message:  fmt.Sprintf("fare rule references unknown fare '%s'", fr.FareID),
				})
				continue
			}
			if fr.RouteID != "" && !routeSet[fr.RouteID] {
				stats.Skipped++
				stats.Errors++
				res.Issues = appendCapped(res.Issues, parse.Issue{
					Severity: parse.SeverityError,
					File:     "fare_rules.txt",
					Message:  fmt.Sprintf("fare rule '%s' references unknown route '%s'", fr.FareID, fr.RouteID),
				})
				continue
			}
			stats.Imported++
			if _, err := w.Write(ctx, fr); err != nil {
				return err
			}
		}
		if err := w.Flush(ctx); err != nil {
			return err
		}
		res.Files["fare_rules.txt"] = stats
	}

	return prog.Checkpoint(ctx)
}

func countErrors(issues []parse.Issue) int {
	n := 0
	for _, i := range issues {
		if i.Severity == parse.SeverityError {
			n++
		}
	}
	return n
}

// appendCapped keeps the issue list from growing unbounded on feeds
// with systemic reference problems; counts are tracked separately.
func appendCapped(issues []parse.Issue, issue parse.Issue) []parse.Issue {
	const limit = 200
	if len(issues) >= limit {
		return issues
	}
	return append(issues, issue)
}
