package mutate

import (
	"context"
	"fmt"

	"transitdepot.dev/depot/storage"
)

// keyRemap maps source natural keys to their names in the
// destination feed. A missing entry means the key is unchanged.
type keyRemap map[string]string

func (m keyRemap) apply(key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return key
}

// copySpec controls one feed-to-feed copy. Nil filter sets copy
// everything; remaps rename natural keys and every field that
// references them.
type copySpec struct {
	routes   map[string]bool
	stops    map[string]bool
	services map[string]bool
	shapes   map[string]bool
	trips    map[string]bool
	fares    map[string]bool

	routeRen   keyRemap
	stopRen    keyRemap
	serviceRen keyRemap
	shapeRen   keyRemap
	tripRen    keyRemap
	fareRen    keyRemap
}

func includeAll() *copySpec { return &copySpec{} }

func (s *copySpec) includeRoute(id string) bool   { return s.routes == nil || s.routes[id] }
func (s *copySpec) includeStop(id string) bool    { return s.stops == nil || s.stops[id] }
func (s *copySpec) includeService(id string) bool { return s.services == nil || s.services[id] }
func (s *copySpec) includeShape(id string) bool   { return s.shapes == nil || s.shapes[id] }
func (s *copySpec) includeTrip(id string) bool    { return s.trips == nil || s.trips[id] }
func (s *copySpec) includeFare(id string) bool    { return s.fares == nil || s.fares[id] }

// copyFeed copies src's rows into dst under spec. Copy order follows
// reference direction so every written row's references already
// exist: stops and calendars first, trips before stop_times. Returns
// per-file copied counts.
func copyFeed(ctx context.Context, tx *storage.Tx, src, dst int64, spec *copySpec) (map[string]int, error) {
	counts := map[string]int{}

	stops, err := tx.Stops(ctx, src)
	if err != nil {
		return nil, err
	}
	sw := tx.NewStopWriter(dst)
	for _, s := range stops {
		if !spec.includeStop(s.StopID) {
			continue
		}
		s.StopID = spec.stopRen.apply(s.StopID)
		if s.ParentStation != "" {
			s.ParentStation = spec.stopRen.apply(s.ParentStation)
		}
		if _, err := sw.Write(ctx, s); err != nil {
			return nil, err
		}
		counts["stops"]++
	}
	if err := sw.Flush(ctx); err != nil {
		return nil, err
	}

	calendars, err := tx.Calendars(ctx, src)
	if err != nil {
		return nil, err
	}
	cw := tx.NewCalendarWriter(dst)
	for _, c := range calendars {
		if !spec.includeService(c.ServiceID) {
			continue
		}
		c.ServiceID = spec.serviceRen.apply(c.ServiceID)
		if _, err := cw.Write(ctx, c); err != nil {
			return nil, err
		}
		counts["calendars"]++
	}
	if err := cw.Flush(ctx); err != nil {
		return nil, err
	}

	dates, err := tx.CalendarDates(ctx, src)
	if err != nil {
		return nil, err
	}
	dw := tx.NewCalendarDateWriter(dst)
	for _, cd := range dates {
		if !spec.includeService(cd.ServiceID) {
			continue
		}
		cd.ServiceID = spec.serviceRen.apply(cd.ServiceID)
		if _, err := dw.Write(ctx, cd); err != nil {
			return nil, err
		}
		counts["calendar_dates"]++
	}
	if err := dw.Flush(ctx); err != nil {
		return nil, err
	}

	points, err := tx.ShapePoints(ctx, src)
	if err != nil {
		return nil, err
	}
	shw := tx.NewShapeWriter(dst)
	for _, p := range points {
		if !spec.includeShape(p.ShapeID) {
			continue
		}
		p.ShapeID = spec.shapeRen.apply(p.ShapeID)
		if _, err := shw.Write(ctx, p); err != nil {
			return nil, err
		}
		counts["shapes"]++
	}
	if err := shw.Flush(ctx); err != nil {
		return nil, err
	}

	routes, err := tx.Routes(ctx, src)
	if err != nil {
		return nil, err
	}
	rw := tx.NewRouteWriter(dst)
	for _, r := range routes {
		if !spec.includeRoute(r.RouteID) {
			continue
		}
		r.RouteID = spec.routeRen.apply(r.RouteID)
		if _, err := rw.Write(ctx, r); err != nil {
			return nil, err
		}
		counts["routes"]++
	}
	if err := rw.Flush(ctx); err != nil {
		return nil, err
	}

	trips, err := tx.Trips(ctx, src)
	if err != nil {
		return nil, err
	}
	tw := tx.NewTripWriter(dst)
	for _, t := range trips {
		if !spec.includeTrip(t.TripID) {
			continue
		}
		t.TripID = spec.tripRen.apply(t.TripID)
		t.RouteID = spec.routeRen.apply(t.RouteID)
		t.ServiceID = spec.serviceRen.apply(t.ServiceID)
		if t.ShapeID != "" {
			t.ShapeID = spec.shapeRen.apply(t.ShapeID)
		}
		if _, err := tw.Write(ctx, t); err != nil {
			return nil, err
		}
		counts["trips"]++
	}
	if err := tw.Flush(ctx); err != nil {
		return nil, err
	}

	// stop_times dominate row counts; loading them per source feed
	// keeps the transaction's connection free for the batch writes.
	stopTimes, err := tx.StopTimes(ctx, src)
	if err != nil {
		return nil, err
	}
	stw := tx.NewStopTimeWriter(dst)
	for _, st := range stopTimes {
		if !spec.includeTrip(st.TripID) {
			continue
		}
		st.TripID = spec.tripRen.apply(st.TripID)
		st.StopID = spec.stopRen.apply(st.StopID)
		if _, err := stw.Write(ctx, st); err != nil {
			return nil, err
		}
		counts["stop_times"]++
	}
	if err := stw.Flush(ctx); err != nil {
		return nil, err
	}

	fares, err := tx.FareAttributes(ctx, src)
	if err != nil {
		return nil, err
	}
	fw := tx.NewFareAttributeWriter(dst)
	for _, fa := range fares {
		if !spec.includeFare(fa.FareID) {
			continue
		}
		fa.FareID = spec.fareRen.apply(fa.FareID)
		if _, err := fw.Write(ctx, fa); err != nil {
			return nil, err
		}
		counts["fare_attributes"]++
	}
	if err := fw.Flush(ctx); err != nil {
		return nil, err
	}

	rules, err := tx.FareRules(ctx, src)
	if err != nil {
		return nil, err
	}
	frw := tx.NewFareRuleWriter(dst)
	for _, fr := range rules {
		if !spec.includeFare(fr.FareID) {
			continue
		}
		if fr.RouteID != "" && !spec.includeRoute(fr.RouteID) {
			continue
		}
		fr.FareID = spec.fareRen.apply(fr.FareID)
		if fr.RouteID != "" {
			fr.RouteID = spec.routeRen.apply(fr.RouteID)
		}
		if _, err := frw.Write(ctx, fr); err != nil {
			return nil, err
		}
		counts["fare_rules"]++
	}
	if err := frw.Flush(ctx); err != nil {
		return nil, err
	}

	// feed_info is first-wins: keep the destination's row if one is
	// already there.
	existing, err := tx.FeedInfo(ctx, dst)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		fi, err := tx.FeedInfo(ctx, src)
		if err != nil {
			return nil, err
		}
		if fi != nil {
			if err := tx.UpsertFeedInfo(ctx, dst, fi); err != nil {
				return nil, err
			}
			counts["feed_info"]++
		}
	}

	return counts, nil
}

// verifyCopy compares copied counts against expectations and returns
// human-readable warnings for any shortfall.
func verifyCopy(expected, copied map[string]int) []string {
	var warnings []string
	for table, want := range expected {
		if got := copied[table]; got != want {
			warnings = append(warnings,
				fmt.Sprintf("%s: expected %d rows, copied %d", table, want, got))
		}
	}
	return warnings
}
