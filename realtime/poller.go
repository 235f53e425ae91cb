package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transitdepot.dev/depot/storage"
)

// Poller runs fetch cycles on a ticker and keeps the latest snapshot
// for API consumers. Demo-mode sources get synthesized positions
// from their agency's active feed shapes.
type Poller struct {
	store    *storage.Store
	fetcher  *Fetcher
	log      zerolog.Logger
	interval time.Duration

	mu       sync.RWMutex
	snapshot *Snapshot
}

func NewPoller(store *storage.Store, fetcher *Fetcher, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		store:    store,
		fetcher:  fetcher,
		log:      log,
		interval: interval,
	}
}

// Latest returns the most recent snapshot, or nil before the first
// successful cycle.
func (p *Poller) Latest() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// PollOnce runs a single fetch cycle.
func (p *Poller) PollOnce(ctx context.Context) {
	p.cycle(ctx)
}

// Start polls until ctx is done. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.cycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	records, err := p.store.EnabledFeedSources(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("loading feed sources")
		return
	}
	if len(records) == 0 {
		return
	}

	var live []Source
	var demo []*storage.FeedSource
	for _, r := range records {
		if r.DemoMode {
			demo = append(demo, r)
			continue
		}
		live = append(live, Source{
			ID:      r.ID,
			Name:    r.Name,
			URL:     r.URL,
			Headers: r.Headers,
		})
	}

	var snap *Snapshot
	if len(live) > 0 {
		snap, err = p.fetcher.FetchAll(ctx, live)
		if err != nil {
			p.log.Error().Err(err).Msg("realtime fetch cycle failed")
		}
		if snap == nil {
			return
		}
	} else {
		snap = &Snapshot{FetchedAt: time.Now().UTC()}
	}

	for _, r := range demo {
		res := p.demoSource(ctx, r)
		snap.Sources = append(snap.Sources, res)
	}

	p.mu.Lock()
	p.snapshot = snap
	p.mu.Unlock()

	p.log.Debug().Int("sources", len(snap.Sources)).Int("failed", snap.Failed).
		Msg("realtime cycle complete")
}

func (p *Poller) demoSource(ctx context.Context, r *storage.FeedSource) SourceResult {
	res := SourceResult{SourceID: r.ID, SourceName: r.Name}

	feed, err := p.store.LatestActiveFeed(ctx, r.AgencyID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	points, err := p.store.ShapePoints(ctx, feed.ID)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Vehicles = DemoPositions(points, time.Now())
	return res
}
