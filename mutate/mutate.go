package mutate

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"transitdepot.dev/depot/storage"
)

// Mutator implements the feed-restructuring operations: merge, split,
// clone and delete. Each operation runs in a single transaction and
// observes cancellation at its checkpoints.
type Mutator struct {
	store *storage.Store
	log   zerolog.Logger
}

func New(store *storage.Store, log zerolog.Logger) *Mutator {
	return &Mutator{store: store, log: log}
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

// Slugify renders a display name as a url-safe slug.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
