package mutate

import (
	"context"
	"fmt"
	"time"

	"transitdepot.dev/depot/model"
)

type CloneResult struct {
	FeedID int64
	Counts map[string]int
}

// CloneFeed copies a feed verbatim into a new feed row. The clone
// lands under targetAgencyID, or the source's own agency when 0; it
// is created inactive so it never shadows the original until
// activated.
func (m *Mutator) CloneFeed(ctx context.Context, prog Progress, feedID int64, targetAgencyID int64, name string) (*CloneResult, error) {
	if prog == nil {
		prog = NopProgress
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning clone transaction: %w", err)
	}
	defer tx.Rollback()

	src, err := tx.GetFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if targetAgencyID == 0 {
		targetAgencyID = src.AgencyID
	}
	if _, err := tx.GetAgency(ctx, targetAgencyID); err != nil {
		return nil, err
	}

	if name == "" {
		name = src.Name + " (copy)"
	}
	clone := &model.Feed{
		AgencyID:    targetAgencyID,
		Name:        name,
		Description: src.Description,
		Version:     src.Version,
		ImportedAt:  time.Now().UTC(),
		IsActive:    false,
	}
	if _, err := tx.CreateFeed(ctx, clone); err != nil {
		return nil, err
	}

	if err := prog.Progress(ctx, 10, "copying feed"); err != nil {
		return nil, err
	}
	counts, err := copyFeed(ctx, tx, src.ID, clone.ID, includeAll())
	if err != nil {
		return nil, fmt.Errorf("copying feed %d: %w", src.ID, err)
	}
	if err := tx.RefreshFeedCounts(ctx, clone.ID); err != nil {
		return nil, err
	}

	if err := prog.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing clone: %w", err)
	}

	m.log.Info().Int64("source_feed", src.ID).Int64("clone_feed", clone.ID).
		Msg("feed cloned")

	return &CloneResult{FeedID: clone.ID, Counts: counts}, nil
}
