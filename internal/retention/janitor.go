// Package retention expires old assistant conversations. A janitor runs in
// the background, optionally archives expired conversations and then
// deletes them from the store.
//
// Archiving is fail-safe: a batch is only deleted after its archive write
// succeeded.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/eventdesk/assistant/internal/store"
	"github.com/eventdesk/assistant/pkg/models"
)

// DefaultBatchSize is the max conversations handled per archive write.
const DefaultBatchSize = 500

// Archiver writes expired conversations to durable storage before they are
// purged.
type Archiver interface {
	Kind() string
	Archive(ctx context.Context, conversations []models.Conversation) (string, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Archived int
	Purged   int
	Paths    []string
	Errors   []error
}

// Janitor periodically archives and purges expired conversations.
type Janitor struct {
	store     store.RetentionStore
	retention time.Duration
	interval  time.Duration
	batchSize int
	archiver  Archiver
	now       func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithArchiver archives each batch before it is purged.
func WithArchiver(a Archiver) Option {
	return func(j *Janitor) { j.archiver = a }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(j *Janitor) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor creates a janitor that removes conversations not updated for
// retention. It sweeps every interval (at least one minute).
func NewJanitor(s store.RetentionStore, retention, interval time.Duration, opts ...Option) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	j := &Janitor{
		store:     s,
		retention: retention,
		interval:  interval,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	archiver := "none"
	if j.archiver != nil {
		archiver = j.archiver.Kind()
	}
	log.Info().
		Dur("retention", j.retention).
		Dur("interval", j.interval).
		Str("archiver", archiver).
		Msg("🧹 Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep. It processes batches until no expired
// conversation is left or a batch fails.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := j.now()
	cutoff := start.Add(-j.retention)
	var stats CycleStats

	for ctx.Err() == nil {
		batch, err := j.store.ListExpiredConversations(ctx, cutoff, j.batchSize)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			break
		}
		if len(batch) == 0 || !j.processBatch(ctx, batch, &stats) {
			break
		}
		if len(batch) < j.batchSize {
			break
		}
	}

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	if stats.Purged > 0 || stats.Archived > 0 {
		log.Info().
			Int("archived", stats.Archived).
			Int("purged", stats.Purged).
			Time("cutoff", cutoff).
			Dur("elapsed", time.Since(start)).
			Msg("✅ Retention cycle complete")
	}
	return stats
}

func (j *Janitor) processBatch(ctx context.Context, batch []models.Conversation, stats *CycleStats) bool {
	if j.archiver != nil {
		path, err := j.archiver.Archive(ctx, batch)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			log.Warn().Err(err).Int("count", len(batch)).Msg("Archive failed, skipping purge")
			return false
		}
		stats.Archived += len(batch)
		stats.Paths = append(stats.Paths, path)
	}

	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}
	n, err := j.store.DeleteConversations(ctx, ids)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return false
	}
	stats.Purged += n
	return n > 0
}
