package validate

import (
	"context"
	"strings"

	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/storage"
)

// Reported shape_dist_traveled may deviate this much from the
// Haversine length of a segment before it is flagged.
const shapeDistTolerance = 0.20

func (v *Validator) checkRoutes(ctx context.Context, feedID int64, agencyHasTimezone bool, enabled func(string) bool, res *Result) (map[string]bool, error) {
	routes, err := v.store.Routes(ctx, feedID)
	if err != nil {
		return nil, err
	}

	routeSet := make(map[string]bool, len(routes))
	for _, r := range routes {
		routeSet[r.RouteID] = true

		if enabled(RuleRouteMissingName) && r.ShortName == "" && r.LongName == "" {
			res.add(RuleRouteMissingName, SeverityWarning, "routes.txt", r.RouteID,
				"route '%s' has neither short nor long name", r.RouteID)
		}
		if enabled(RuleRouteAgencyNoTimezone) && !agencyHasTimezone {
			res.add(RuleRouteAgencyNoTimezone, SeverityError, "routes.txt", r.RouteID,
				"route '%s' belongs to an agency without agency_timezone", r.RouteID)
		}
		if enabled(RuleRouteInvalidColor) {
			if !validHexColor(r.Color) {
				res.add(RuleRouteInvalidColor, SeverityWarning, "routes.txt", r.RouteID,
					"route '%s' has invalid route_color '%s'", r.RouteID, r.Color)
			}
			if !validHexColor(r.TextColor) {
				res.add(RuleRouteInvalidColor, SeverityWarning, "routes.txt", r.RouteID,
					"route '%s' has invalid route_text_color '%s'", r.RouteID, r.TextColor)
			}
		}
	}
	return routeSet, nil
}

func validHexColor(s string) bool {
	if s == "" {
		return true
	}
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func (v *Validator) checkStops(ctx context.Context, feedID int64, enabled func(string) bool, res *Result) error {
	stops, err := v.store.Stops(ctx, feedID)
	if err != nil {
		return err
	}

	stopSet := make(map[string]bool, len(stops))
	for _, s := range stops {
		stopSet[s.StopID] = true
	}

	for _, s := range stops {
		if enabled(RuleStopMissingCoords) &&
			s.LocationType != model.LocationTypeGenericNode &&
			s.LocationType != model.LocationTypeBoardingArea &&
			(s.Lat == 0 || s.Lon == 0) {
			res.add(RuleStopMissingCoords, SeverityError, "stops.txt", s.StopID,
				"stop '%s' is missing coordinates", s.StopID)
		}
		if enabled(RuleStopUnknownParent) && s.ParentStation != "" && !stopSet[s.ParentStation] {
			res.add(RuleStopUnknownParent, SeverityError, "stops.txt", s.StopID,
				"stop '%s' references unknown parent_station '%s'", s.StopID, s.ParentStation)
		}
	}
	return nil
}

func (v *Validator) checkCalendars(ctx context.Context, feedID int64, enabled func(string) bool, res *Result) (map[string]bool, error) {
	calendars, err := v.store.Calendars(ctx, feedID)
	if err != nil {
		return nil, err
	}
	dates, err := v.store.CalendarDates(ctx, feedID)
	if err != nil {
		return nil, err
	}

	added := map[string]bool{}
	serviceSet := map[string]bool{}
	for _, cd := range dates {
		serviceSet[cd.ServiceID] = true
		if cd.ExceptionType == model.ExceptionTypeAdded {
			added[cd.ServiceID] = true
		}
	}

	for _, c := range calendars {
		serviceSet[c.ServiceID] = true

		if enabled(RuleCalendarInvalidRange) && c.StartDate > c.EndDate {
			res.add(RuleCalendarInvalidRange, SeverityError, "calendar.txt", c.ServiceID,
				"service '%s' has start_date after end_date", c.ServiceID)
		}

		noDays := !c.Monday && !c.Tuesday && !c.Wednesday && !c.Thursday &&
			!c.Friday && !c.Saturday && !c.Sunday
		if enabled(RuleCalendarNeverActive) && noDays && !added[c.ServiceID] {
			res.add(RuleCalendarNeverActive, SeverityWarning, "calendar.txt", c.ServiceID,
				"service '%s' has no active weekdays and no added exception dates", c.ServiceID)
		}
	}
	return serviceSet, nil
}

// checkShapes streams shape points in (shape_id, sequence) order and
// evaluates each shape as its group completes: duplicate sequences,
// dist_traveled present on every point or none, non-decreasing dist,
// and each segment's reported dist delta within tolerance of its
// Haversine length. Segment comparison catches shapes whose total is
// exact but whose per-segment deltas are lumped wrong.
func (v *Validator) checkShapes(ctx context.Context, feedID int64, enabled func(string) bool, res *Result) (map[string]bool, error) {
	shapeSet := map[string]bool{}

	var (
		curID       string
		prevSeq     int
		prevLat     float64
		prevLon     float64
		prevDist    float64
		prevHadDist bool
		points      int
		withDist    int
		dupSeq      bool
		distBack    bool
		devBad      bool
		devSeq      int
		devDelta    float64
		devSeg      float64
		firstOfRun  = true
	)

	finish := func() {
		if points == 0 {
			return
		}
		if enabled(RuleShapeDupSequence) && dupSeq {
			res.add(RuleShapeDupSequence, SeverityError, "shapes.txt", curID,
				"shape '%s' has duplicate shape_pt_sequence values", curID)
		}
		if enabled(RuleShapeDistPartial) && withDist > 0 && withDist < points {
			res.add(RuleShapeDistPartial, SeverityError, "shapes.txt", curID,
				"shape '%s' has shape_dist_traveled on %d of %d points", curID, withDist, points)
		}
		if enabled(RuleShapeDistDecreasing) && distBack {
			res.add(RuleShapeDistDecreasing, SeverityError, "shapes.txt", curID,
				"shape '%s' has decreasing shape_dist_traveled", curID)
		}
		if enabled(RuleShapeDistDeviation) && devBad {
			res.add(RuleShapeDistDeviation, SeverityWarning, "shapes.txt", curID,
				"shape '%s' segment ending at sequence %d reports %.0fm but measures %.0fm",
				curID, devSeq, devDelta, devSeg)
		}
	}

	err := v.store.ForEachShapePoint(ctx, feedID, func(p *model.ShapePoint) error {
		if p.ShapeID != curID {
			finish()
			curID = p.ShapeID
			shapeSet[curID] = true
			points, withDist = 0, 0
			dupSeq, distBack, devBad = false, false, false
			prevHadDist = false
			firstOfRun = true
		}

		if !firstOfRun {
			if p.Sequence == prevSeq {
				dupSeq = true
			}
			seg := storage.HaversineDistance(prevLat, prevLon, p.Lat, p.Lon)
			if p.DistTraveled != nil && prevHadDist && seg > 0 {
				delta := *p.DistTraveled - prevDist
				diff := delta - seg
				if diff < 0 {
					diff = -diff
				}
				// Only the first bad segment is reported; one
				// warning per shape keeps results readable.
				if diff > shapeDistTolerance*seg && !devBad {
					devBad = true
					devSeq = p.Sequence
					devDelta = delta
					devSeg = seg
				}
			}
		}
		if p.DistTraveled != nil {
			if withDist > 0 && *p.DistTraveled < prevDist {
				distBack = true
			}
			prevDist = *p.DistTraveled
			prevHadDist = true
			withDist++
		} else {
			prevHadDist = false
		}

		points++
		prevSeq = p.Sequence
		prevLat, prevLon = p.Lat, p.Lon
		firstOfRun = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	finish()

	return shapeSet, nil
}

func (v *Validator) checkTrips(ctx context.Context, feedID int64, routeSet, serviceSet, shapeSet map[string]bool, enabled func(string) bool, res *Result) error {
	trips, err := v.store.Trips(ctx, feedID)
	if err != nil {
		return err
	}

	for _, t := range trips {
		if enabled(RuleTripUnknownRoute) && !routeSet[t.RouteID] {
			res.add(RuleTripUnknownRoute, SeverityError, "trips.txt", t.TripID,
				"trip '%s' references unknown route '%s'", t.TripID, t.RouteID)
		}
		if enabled(RuleTripUnknownService) && !serviceSet[t.ServiceID] {
			res.add(RuleTripUnknownService, SeverityError, "trips.txt", t.TripID,
				"trip '%s' references unknown service '%s'", t.TripID, t.ServiceID)
		}
		if enabled(RuleTripUnknownShape) && t.ShapeID != "" && !shapeSet[t.ShapeID] {
			res.add(RuleTripUnknownShape, SeverityWarning, "trips.txt", t.TripID,
				"trip '%s' references unknown shape '%s'", t.TripID, t.ShapeID)
		}
	}
	return nil
}

func (v *Validator) checkFares(ctx context.Context, feedID int64, enabled func(string) bool, res *Result) error {
	if !enabled(RuleFareRuleUnknownFare) && !enabled(RuleFareMissingFields) {
		return nil
	}

	fares, err := v.store.FareAttributes(ctx, feedID)
	if err != nil {
		return err
	}
	fareSet := make(map[string]bool, len(fares))
	for _, fa := range fares {
		fareSet[fa.FareID] = true

		if enabled(RuleFareMissingFields) && fa.Currency == "" {
			res.add(RuleFareMissingFields, SeverityError, "fare_attributes.txt", fa.FareID,
				"fare '%s' is missing currency_type", fa.FareID)
		}
	}

	if !enabled(RuleFareRuleUnknownFare) {
		return nil
	}
	rules, err := v.store.FareRules(ctx, feedID)
	if err != nil {
		return err
	}
	for _, fr := range rules {
		if !fareSet[fr.FareID] {
			res.add(RuleFareRuleUnknownFare, SeverityError, "fare_rules.txt", fr.FareID,
				"fare rule references unknown fare '%s'", fr.FareID)
		}
	}
	return nil
}

// checkFeedInfo verifies the required publisher fields when a
// feed_info row is present at all.
func (v *Validator) checkFeedInfo(ctx context.Context, feedID int64, enabled func(string) bool, res *Result) error {
	if !enabled(RuleFeedInfoMissingFields) {
		return nil
	}
	fi, err := v.store.FeedInfo(ctx, feedID)
	if err != nil || fi == nil {
		return err
	}

	var missing []string
	if fi.PublisherName == "" {
		missing = append(missing, "feed_publisher_name")
	}
	if fi.PublisherURL == "" {
		missing = append(missing, "feed_publisher_url")
	}
	if fi.Lang == "" {
		missing = append(missing, "feed_lang")
	}
	if len(missing) > 0 {
		res.add(RuleFeedInfoMissingFields, SeverityError, "feed_info.txt", "",
			"feed_info is missing %s", strings.Join(missing, ", "))
	}
	return nil
}
