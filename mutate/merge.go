package mutate

import (
	"context"
	"fmt"
	"time"

	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/storage"
)

type MergeStrategy string

const (
	// MergeAutoPrefix renames colliding natural keys to
	// feed{F}_<key>, F being the database id of the source feed the
	// key came from.
	MergeAutoPrefix MergeStrategy = "auto_prefix"

	// MergeFailOnConflict aborts the merge on the first natural-key
	// collision.
	MergeFailOnConflict MergeStrategy = "fail_on_conflict"
)

// MergeOptions names the inputs of a feed merge: which feeds to
// combine, the existing agency that receives the merged feed, and how
// the new feed row is labelled.
type MergeOptions struct {
	SourceFeedIDs   []int64
	TargetAgencyID  int64
	Strategy        MergeStrategy
	FeedName        string
	FeedDescription string
	Activate        bool
}

type MergeResult struct {
	AgencyID    int64
	FeedID      int64
	SourceFeeds []int64
	RenamedKeys int
	Counts      map[string]int
	Warnings    []string
}

// MergeFeeds combines the source feeds into one new feed under the
// existing target agency. Natural keys that collide across sources
// are handled per strategy; the first source in wins its keys
// unchanged. The whole merge is one transaction.
func (m *Mutator) MergeFeeds(ctx context.Context, prog Progress, opts MergeOptions) (*MergeResult, error) {
	if prog == nil {
		prog = NopProgress
	}
	if len(opts.SourceFeedIDs) < 2 {
		return nil, fmt.Errorf("merge needs at least 2 source feeds, got %d", len(opts.SourceFeedIDs))
	}
	if opts.Strategy != MergeAutoPrefix && opts.Strategy != MergeFailOnConflict {
		return nil, fmt.Errorf("unknown merge strategy %q", opts.Strategy)
	}
	if opts.FeedName == "" {
		return nil, fmt.Errorf("merged feed needs a name")
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.GetAgency(ctx, opts.TargetAgencyID); err != nil {
		return nil, err
	}

	res := &MergeResult{AgencyID: opts.TargetAgencyID, Counts: map[string]int{}}

	var sources []*model.Feed
	for _, feedID := range opts.SourceFeedIDs {
		feed, err := tx.GetFeed(ctx, feedID)
		if err != nil {
			return nil, fmt.Errorf("resolving source feed %d: %w", feedID, err)
		}
		sources = append(sources, feed)
		res.SourceFeeds = append(res.SourceFeeds, feed.ID)
	}

	feed := &model.Feed{
		AgencyID:    opts.TargetAgencyID,
		Name:        opts.FeedName,
		Description: opts.FeedDescription,
		IsActive:    opts.Activate,
		ImportedAt:  time.Now().UTC(),
	}
	if _, err := tx.CreateFeed(ctx, feed); err != nil {
		return nil, err
	}
	res.FeedID = feed.ID

	// Keys already claimed in the destination, per kind.
	used := map[string]map[string]bool{
		"route": {}, "stop": {}, "service": {}, "shape": {}, "trip": {}, "fare": {},
	}

	expectedTotals := map[string]int{}
	for i, src := range sources {
		pct := 5 + 85*float64(i)/float64(len(sources))
		if err := prog.Progress(ctx, pct, fmt.Sprintf("merging feed %d of %d", i+1, len(sources))); err != nil {
			return nil, err
		}
		if err := prog.Checkpoint(ctx); err != nil {
			return nil, err
		}

		spec := includeAll()
		spec.routeRen, err = m.remapKind(ctx, tx, src.ID, "route", used["route"], opts.Strategy, res)
		if err != nil {
			return nil, err
		}
		spec.stopRen, err = m.remapKind(ctx, tx, src.ID, "stop", used["stop"], opts.Strategy, res)
		if err != nil {
			return nil, err
		}
		spec.serviceRen, err = m.remapKind(ctx, tx, src.ID, "service", used["service"], opts.Strategy, res)
		if err != nil {
			return nil, err
		}
		spec.shapeRen, err = m.remapKind(ctx, tx, src.ID, "shape", used["shape"], opts.Strategy, res)
		if err != nil {
			return nil, err
		}
		spec.tripRen, err = m.remapKind(ctx, tx, src.ID, "trip", used["trip"], opts.Strategy, res)
		if err != nil {
			return nil, err
		}
		spec.fareRen, err = m.remapKind(ctx, tx, src.ID, "fare", used["fare"], opts.Strategy, res)
		if err != nil {
			return nil, err
		}

		counts, err := copyFeed(ctx, tx, src.ID, feed.ID, spec)
		if err != nil {
			return nil, fmt.Errorf("copying feed %d: %w", src.ID, err)
		}
		for table, n := range counts {
			res.Counts[table] += n
		}

		expectedTotals["routes"] += src.TotalRoutes
		expectedTotals["stops"] += src.TotalStops
		expectedTotals["trips"] += src.TotalTrips
	}

	if err := prog.Progress(ctx, 95, "verifying"); err != nil {
		return nil, err
	}
	if err := tx.RefreshFeedCounts(ctx, feed.ID); err != nil {
		return nil, err
	}
	res.Warnings = append(res.Warnings, verifyCopy(expectedTotals, map[string]int{
		"routes": res.Counts["routes"],
		"stops":  res.Counts["stops"],
		"trips":  res.Counts["trips"],
	})...)

	if err := prog.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing merge: %w", err)
	}

	m.log.Info().Int64("agency_id", res.AgencyID).Int64("feed_id", res.FeedID).
		Int("sources", len(sources)).Int("renamed_keys", res.RenamedKeys).
		Bool("active", opts.Activate).
		Msg("feeds merged")

	return res, nil
}

// keyReaders resolve the natural-key set of one kind for a feed.
var keyReaders = map[string]func(*storage.Tx, context.Context, int64) (map[string]bool, error){
	"route":   func(tx *storage.Tx, ctx context.Context, id int64) (map[string]bool, error) { return tx.RouteIDs(ctx, id) },
	"stop":    func(tx *storage.Tx, ctx context.Context, id int64) (map[string]bool, error) { return tx.StopIDs(ctx, id) },
	"service": func(tx *storage.Tx, ctx context.Context, id int64) (map[string]bool, error) { return tx.ServiceIDs(ctx, id) },
	"shape":   func(tx *storage.Tx, ctx context.Context, id int64) (map[string]bool, error) { return tx.ShapeIDs(ctx, id) },
	"trip":    func(tx *storage.Tx, ctx context.Context, id int64) (map[string]bool, error) { return tx.TripIDs(ctx, id) },
	"fare":    fareIDs,
}

func fareIDs(tx *storage.Tx, ctx context.Context, feedID int64) (map[string]bool, error) {
	fares, err := tx.FareAttributes(ctx, feedID)
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	for _, fa := range fares {
		ids[fa.FareID] = true
	}
	return ids, nil
}

// remapKind claims the feed's keys of one kind in the used set,
// renaming collisions per strategy. The rename prefix carries the
// source feed's id so the same key colliding out of different feeds
// renames to different destinations.
func (m *Mutator) remapKind(ctx context.Context, tx *storage.Tx, feedID int64, kind string, used map[string]bool, strategy MergeStrategy, res *MergeResult) (keyRemap, error) {
	keys, err := keyReaders[kind](tx, ctx, feedID)
	if err != nil {
		return nil, err
	}

	ren := keyRemap{}
	for key := range keys {
		if !used[key] {
			used[key] = true
			continue
		}
		if strategy == MergeFailOnConflict {
			return nil, fmt.Errorf("%s id %q already present in merged feed", kind, key)
		}
		renamed := fmt.Sprintf("feed%d_%s", feedID, key)
		if used[renamed] {
			return nil, fmt.Errorf("%s id %q collides even after prefixing", kind, renamed)
		}
		used[renamed] = true
		ren[key] = renamed
		res.RenamedKeys++
	}
	return ren, nil
}
