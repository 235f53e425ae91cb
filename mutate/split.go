package mutate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/storage"
)

// SplitOptions names the inputs of an agency split. SourceFeedID
// zero means the source agency's latest active feed; NewFeedName
// empty defaults to the new agency's name.
type SplitOptions struct {
	SourceAgencyID   int64
	SourceFeedID     int64
	RouteIDs         []string
	NewAgencyName    string
	NewFeedName      string
	RemoveFromSource bool
}

type SplitResult struct {
	AgencyID    int64
	FeedID      int64
	SourceFeed  int64
	Counts      map[string]int
	RemovedFrom *int64
}

// SplitAgency carves the named routes out of a source agency's feed
// into a new agency. The copied set is the routes' transitive
// closure: their trips, the stops, services and shapes those trips
// use, and the fares priced on them. With RemoveFromSource the
// closure exclusive to those routes is deleted from the source feed
// afterwards, in the same transaction.
func (m *Mutator) SplitAgency(ctx context.Context, prog Progress, opts SplitOptions) (*SplitResult, error) {
	if prog == nil {
		prog = NopProgress
	}
	if len(opts.RouteIDs) == 0 {
		return nil, fmt.Errorf("no routes given to split out")
	}
	if opts.NewAgencyName == "" {
		return nil, fmt.Errorf("new agency needs a name")
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning split transaction: %w", err)
	}
	defer tx.Rollback()

	var src *model.Feed
	if opts.SourceFeedID != 0 {
		src, err = tx.GetFeed(ctx, opts.SourceFeedID)
		if err != nil {
			return nil, err
		}
		if src.AgencyID != opts.SourceAgencyID {
			return nil, fmt.Errorf("feed %d does not belong to agency %d", opts.SourceFeedID, opts.SourceAgencyID)
		}
	} else {
		src, err = tx.LatestActiveFeed(ctx, opts.SourceAgencyID)
		if err != nil {
			return nil, err
		}
	}

	if err := prog.Progress(ctx, 5, "resolving route closure"); err != nil {
		return nil, err
	}

	known, err := tx.RouteIDs(ctx, src.ID)
	if err != nil {
		return nil, err
	}
	routeSet := map[string]bool{}
	for _, id := range opts.RouteIDs {
		if !known[id] {
			return nil, fmt.Errorf("route %q not in feed %d", id, src.ID)
		}
		routeSet[id] = true
	}

	spec, err := routeClosure(ctx, tx, src.ID, routeSet)
	if err != nil {
		return nil, err
	}
	if err := prog.Checkpoint(ctx); err != nil {
		return nil, err
	}

	agency := &model.Agency{Name: opts.NewAgencyName, Slug: Slugify(opts.NewAgencyName)}
	if _, err := tx.CreateAgency(ctx, agency); err != nil {
		return nil, err
	}
	feedName := opts.NewFeedName
	if feedName == "" {
		feedName = opts.NewAgencyName
	}
	feed := &model.Feed{
		AgencyID:   agency.ID,
		Name:       feedName,
		IsActive:   true,
		ImportedAt: time.Now().UTC(),
	}
	if _, err := tx.CreateFeed(ctx, feed); err != nil {
		return nil, err
	}

	if err := prog.Progress(ctx, 20, "copying routes"); err != nil {
		return nil, err
	}
	counts, err := copyFeed(ctx, tx, src.ID, feed.ID, spec)
	if err != nil {
		return nil, fmt.Errorf("copying split routes: %w", err)
	}
	if err := tx.RefreshFeedCounts(ctx, feed.ID); err != nil {
		return nil, err
	}

	res := &SplitResult{
		AgencyID:   agency.ID,
		FeedID:     feed.ID,
		SourceFeed: src.ID,
		Counts:     counts,
	}

	if opts.RemoveFromSource {
		if err := prog.Progress(ctx, 80, "removing routes from source"); err != nil {
			return nil, err
		}
		if err := prog.Checkpoint(ctx); err != nil {
			return nil, err
		}
		if err := tx.DeleteRouteGraph(ctx, src.ID, removalFromSpec(spec)); err != nil {
			return nil, fmt.Errorf("removing routes from source feed: %w", err)
		}
		if err := tx.RefreshFeedCounts(ctx, src.ID); err != nil {
			return nil, err
		}
		res.RemovedFrom = &src.ID
	}

	if err := prog.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing split: %w", err)
	}

	m.log.Info().Int64("source_agency", opts.SourceAgencyID).Int64("source_feed", src.ID).
		Int64("new_agency", agency.ID).Int("routes", len(opts.RouteIDs)).
		Bool("removed_from_source", opts.RemoveFromSource).
		Msg("agency split")

	return res, nil
}

// routeClosure computes the copy filter for a route subset: the
// trips on those routes and every stop, service and shape those
// trips reference.
func routeClosure(ctx context.Context, tx *storage.Tx, feedID int64, routeSet map[string]bool) (*copySpec, error) {
	spec := &copySpec{
		routes:   routeSet,
		stops:    map[string]bool{},
		services: map[string]bool{},
		shapes:   map[string]bool{},
		trips:    map[string]bool{},
		fares:    map[string]bool{},
	}

	trips, err := tx.Trips(ctx, feedID)
	if err != nil {
		return nil, err
	}
	for _, t := range trips {
		if !routeSet[t.RouteID] {
			continue
		}
		spec.trips[t.TripID] = true
		spec.services[t.ServiceID] = true
		if t.ShapeID != "" {
			spec.shapes[t.ShapeID] = true
		}
	}

	stopTimes, err := tx.StopTimes(ctx, feedID)
	if err != nil {
		return nil, err
	}
	for _, st := range stopTimes {
		if spec.trips[st.TripID] {
			spec.stops[st.StopID] = true
		}
	}

	// Parent stations of included stops come along too.
	stops, err := tx.Stops(ctx, feedID)
	if err != nil {
		return nil, err
	}
	for _, s := range stops {
		if spec.stops[s.StopID] && s.ParentStation != "" {
			spec.stops[s.ParentStation] = true
		}
	}

	// Fares priced on the split routes, or zone-based fares with no
	// route binding.
	rules, err := tx.FareRules(ctx, feedID)
	if err != nil {
		return nil, err
	}
	for _, fr := range rules {
		if fr.RouteID != "" && routeSet[fr.RouteID] {
			spec.fares[fr.FareID] = true
		}
	}

	return spec, nil
}

// removalFromSpec turns the copied closure into the delete filter, so
// the source sweep only ever considers entities the split touched.
func removalFromSpec(spec *copySpec) storage.RouteGraphRemoval {
	return storage.RouteGraphRemoval{
		RouteIDs:   sortedKeys(spec.routes),
		StopIDs:    sortedKeys(spec.stops),
		ServiceIDs: sortedKeys(spec.services),
		ShapeIDs:   sortedKeys(spec.shapes),
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
