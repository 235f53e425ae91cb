package validate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/storage"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// An Issue is one validation finding, tagged with the rule that
// produced it so agencies can switch individual rules off.
type Issue struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	File     string   `json:"file"`
	EntityID string   `json:"entity_id,omitempty"`
	Message  string   `json:"message"`
}

type Result struct {
	FeedID        int64
	Issues        []Issue
	ErrorCount    int
	WarningCount  int
	SkippedRules  []string
	StopTimeStats *storage.StopTimeStats
}

func (r *Result) add(rule string, sev Severity, file, entityID, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{
		Rule:     rule,
		Severity: sev,
		File:     file,
		EntityID: entityID,
		Message:  fmt.Sprintf(format, args...),
	})
	switch sev {
	case SeverityError:
		r.ErrorCount++
	case SeverityWarning:
		r.WarningCount++
	}
}

// Progress receives progress reports and cancellation checkpoints.
type Progress interface {
	Progress(ctx context.Context, percent float64, message string) error
	Checkpoint(ctx context.Context) error
}

type nopProgress struct{}

func (nopProgress) Progress(context.Context, float64, string) error { return nil }
func (nopProgress) Checkpoint(context.Context) error                { return nil }

var NopProgress Progress = nopProgress{}

// Validator runs the native rule set over a stored feed. Entity-level
// rules work on loaded slices; stop_times, the one table too large to
// materialize, is checked with aggregate queries.
type Validator struct {
	store *storage.Store
	log   zerolog.Logger
}

func New(store *storage.Store, log zerolog.Logger) *Validator {
	return &Validator{store: store, log: log}
}

// rule names, as stored in validation preferences.
const (
	RuleRouteMissingName      = "route_missing_name"
	RuleRouteInvalidColor     = "route_invalid_color"
	RuleRouteAgencyNoTimezone = "route_agency_missing_timezone"
	RuleStopMissingCoords     = "stop_missing_coords"
	RuleStopUnknownParent     = "stop_unknown_parent"
	RuleStopUnused            = "stop_unused"
	RuleCalendarNeverActive   = "calendar_never_active"
	RuleCalendarInvalidRange  = "calendar_invalid_range"
	RuleTripUnknownRoute      = "trip_unknown_route"
	RuleTripUnknownService    = "trip_unknown_service"
	RuleTripUnknownShape      = "trip_unknown_shape"
	RuleTripNoStopTimes       = "trip_no_stop_times"
	RuleShapeDupSequence      = "shape_duplicate_sequence"
	RuleShapeDistPartial      = "shape_dist_partial"
	RuleShapeDistDecreasing   = "shape_dist_decreasing"
	RuleShapeDistDeviation    = "shape_dist_deviation"
	RuleStopTimeMissing       = "stop_time_missing_fields"
	RuleStopTimeUnknownTrip   = "stop_time_unknown_trip"
	RuleStopTimeUnknownStop   = "stop_time_unknown_stop"
	RuleStopTimeBadSequence   = "stop_time_bad_sequence"
	RuleFareRuleUnknownFare   = "fare_rule_unknown_fare"
	RuleFareMissingFields     = "fare_attribute_missing_fields"
	RuleFeedInfoMissingFields = "feed_info_missing_fields"
)

// ValidateFeed runs every rule the owning agency has not disabled.
func (v *Validator) ValidateFeed(ctx context.Context, prog Progress, feedID int64) (*Result, error) {
	if prog == nil {
		prog = NopProgress
	}

	feed, err := v.store.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	agency, err := v.store.GetAgency(ctx, feed.AgencyID)
	if err != nil {
		return nil, err
	}
	disabled, err := v.store.DisabledRules(ctx, feed.AgencyID)
	if err != nil {
		return nil, err
	}

	res := &Result{FeedID: feedID}
	for rule := range disabled {
		res.SkippedRules = append(res.SkippedRules, rule)
	}
	enabled := func(rule string) bool { return !disabled[rule] }

	if err := prog.Progress(ctx, 5, "routes"); err != nil {
		return nil, err
	}
	routeSet, err := v.checkRoutes(ctx, feedID, agency.Timezone != "", enabled, res)
	if err != nil {
		return nil, err
	}

	if err := prog.Progress(ctx, 20, "stops"); err != nil {
		return nil, err
	}
	if err := v.checkStops(ctx, feedID, enabled, res); err != nil {
		return nil, err
	}
	if err := prog.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if err := prog.Progress(ctx, 35, "calendars"); err != nil {
		return nil, err
	}
	serviceSet, err := v.checkCalendars(ctx, feedID, enabled, res)
	if err != nil {
		return nil, err
	}

	if err := prog.Progress(ctx, 45, "shapes"); err != nil {
		return nil, err
	}
	shapeSet, err := v.checkShapes(ctx, feedID, enabled, res)
	if err != nil {
		return nil, err
	}
	if err := prog.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if err := prog.Progress(ctx, 60, "trips"); err != nil {
		return nil, err
	}
	if err := v.checkTrips(ctx, feedID, routeSet, serviceSet, shapeSet, enabled, res); err != nil {
		return nil, err
	}

	if err := prog.Progress(ctx, 75, "stop_times"); err != nil {
		return nil, err
	}
	if err := v.checkStopTimes(ctx, feedID, enabled, res); err != nil {
		return nil, err
	}
	if err := prog.Checkpoint(ctx); err != nil {
		return nil, err
	}

	if err := prog.Progress(ctx, 90, "fares"); err != nil {
		return nil, err
	}
	if err := v.checkFares(ctx, feedID, enabled, res); err != nil {
		return nil, err
	}
	if err := v.checkFeedInfo(ctx, feedID, enabled, res); err != nil {
		return nil, err
	}

	v.log.Info().Int64("feed_id", feedID).
		Int("errors", res.ErrorCount).Int("warnings", res.WarningCount).
		Int("skipped_rules", len(res.SkippedRules)).
		Msg("feed validated")

	return res, nil
}

// checkStopTimes validates the largest table through aggregate
// queries plus a single streaming pass to find unused stops and
// trips without stop_times.
func (v *Validator) checkStopTimes(ctx context.Context, feedID int64, enabled func(string) bool, res *Result) error {
	stats, err := v.store.StopTimeAggregates(ctx, feedID)
	if err != nil {
		return err
	}
	res.StopTimeStats = stats

	if enabled(RuleStopTimeMissing) && stats.MissingRequired > 0 {
		res.add(RuleStopTimeMissing, SeverityError, "stop_times.txt", "",
			"%d rows missing trip_id, stop_id or stop_sequence", stats.MissingRequired)
	}
	if enabled(RuleStopTimeUnknownTrip) && stats.MissingTripRefs > 0 {
		res.add(RuleStopTimeUnknownTrip, SeverityError, "stop_times.txt", "",
			"%d rows reference unknown trips", stats.MissingTripRefs)
	}
	if enabled(RuleStopTimeUnknownStop) && stats.MissingStopRefs > 0 {
		res.add(RuleStopTimeUnknownStop, SeverityError, "stop_times.txt", "",
			"%d rows reference unknown stops", stats.MissingStopRefs)
	}
	if enabled(RuleStopTimeBadSequence) && stats.SequenceViolations > 0 {
		res.add(RuleStopTimeBadSequence, SeverityError, "stop_times.txt", "",
			"%d rows with non-increasing stop_sequence", stats.SequenceViolations)
	}

	needUnused := enabled(RuleStopUnused)
	needEmptyTrips := enabled(RuleTripNoStopTimes)
	if !needUnused && !needEmptyTrips {
		return nil
	}

	usedStops := map[string]bool{}
	servedTrips := map[string]bool{}
	err = v.store.ForEachStopTime(ctx, feedID, func(st *model.StopTime) error {
		usedStops[st.StopID] = true
		servedTrips[st.TripID] = true
		return nil
	})
	if err != nil {
		return err
	}

	if needUnused {
		stops, err := v.store.Stops(ctx, feedID)
		if err != nil {
			return err
		}
		for _, s := range stops {
			// Stations and other non-boarding locations are
			// never referenced by stop_times.
			if s.LocationType != 0 {
				continue
			}
			if !usedStops[s.StopID] {
				res.add(RuleStopUnused, SeverityWarning, "stops.txt", s.StopID,
					"stop '%s' is not used by any trip", s.StopID)
			}
		}
	}

	if needEmptyTrips {
		trips, err := v.store.TripIDs(ctx, feedID)
		if err != nil {
			return err
		}
		for tripID := range trips {
			if !servedTrips[tripID] {
				res.add(RuleTripNoStopTimes, SeverityWarning, "trips.txt", tripID,
					"trip '%s' has no stop_times", tripID)
			}
		}
	}

	return nil
}
