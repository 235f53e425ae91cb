package mutate

import (
	"context"
	"fmt"

	"transitdepot.dev/depot/storage"
)

// DeleteFeed removes a feed and all its rows in one transaction.
func (m *Mutator) DeleteFeed(ctx context.Context, prog Progress, feedID int64) error {
	if prog == nil {
		prog = NopProgress
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.GetFeed(ctx, feedID); err != nil {
		return err
	}
	if err := prog.Progress(ctx, 10, "deleting feed data"); err != nil {
		return err
	}
	if err := tx.DeleteFeedData(ctx, feedID); err != nil {
		return err
	}

	if err := prog.Checkpoint(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing feed delete: %w", err)
	}

	m.log.Info().Int64("feed_id", feedID).Msg("feed deleted")
	return nil
}

// DeleteAgency removes an agency with every feed it owns and its
// validation preferences.
func (m *Mutator) DeleteAgency(ctx context.Context, prog Progress, agencyID int64) error {
	if prog == nil {
		prog = NopProgress
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.GetAgency(ctx, agencyID); err != nil {
		return err
	}

	feeds, err := tx.ListFeeds(ctx, storage.ListFeedsFilter{AgencyID: agencyID})
	if err != nil {
		return err
	}
	for i, f := range feeds {
		pct := 5 + 85*float64(i)/float64(len(feeds))
		if err := prog.Progress(ctx, pct, fmt.Sprintf("deleting feed %d", f.ID)); err != nil {
			return err
		}
		if err := prog.Checkpoint(ctx); err != nil {
			return err
		}
		if err := tx.DeleteFeedData(ctx, f.ID); err != nil {
			return err
		}
	}

	if err := tx.DeleteAgencyRow(ctx, agencyID); err != nil {
		return err
	}

	if err := prog.Checkpoint(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing agency delete: %w", err)
	}

	m.log.Info().Int64("agency_id", agencyID).Int("feeds", len(feeds)).
		Msg("agency deleted")
	return nil
}
