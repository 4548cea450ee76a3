package state

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Archivist periodically moves idle sessions from the hot tier to the
// cold tier. Grounded on the teacher's cleanupOrphans background
// goroutine (list candidates on a ticker, act, log a count), repurposed
// from "list and force-remove containers" to "list and move snapshots".
type Archivist struct {
	hot          HotTier
	cold         ColdTier
	scanInterval time.Duration
	archiveAfter time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewArchivist creates an Archivist. Call Run to start its background loop.
func NewArchivist(hot HotTier, cold ColdTier, scanInterval, archiveAfter time.Duration) *Archivist {
	return &Archivist{
		hot:          hot,
		cold:         cold,
		scanInterval: scanInterval,
		archiveAfter: archiveAfter,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run blocks, sweeping on scanInterval until ctx is canceled or Stop is
// called.
func (a *Archivist) Run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweep(ctx)
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (a *Archivist) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Archivist) sweep(ctx context.Context) {
	ids, err := a.hot.Keys(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("archivist: failed to list hot tier sessions")
		return
	}

	archived := 0
	for _, id := range ids {
		idle, err := a.hot.IdleSince(ctx, id)
		if err != nil {
			continue
		}
		if idle < a.archiveAfter {
			continue
		}

		blob, err := a.hot.Load(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("archivist: failed to load snapshot for archival")
			continue
		}
		if err := a.cold.Archive(ctx, id, []byte(blob)); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("archivist: failed to write to cold tier")
			continue
		}
		if err := a.hot.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("archivist: archived but failed to evict hot copy")
			continue
		}
		archived++
	}

	if archived > 0 {
		log.Info().Int("count", archived).Msg("archivist: moved idle sessions to cold tier")
	}
}
