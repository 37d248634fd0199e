// Package pruner periodically removes expired valuations from the cache.
package pruner

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is the time between prune cycles.
const DefaultInterval = time.Hour

// Purger deletes cache entries older than maxAge.
type Purger interface {
	PurgeValuations(maxAge time.Duration) (int64, error)
}

// Service is the background service that prunes expired valuations.
type Service struct {
	store    Purger
	maxAge   time.Duration
	interval time.Duration
}

// NewService creates a pruner. A non-positive interval uses DefaultInterval.
func NewService(store Purger, maxAge, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{store: store, maxAge: maxAge, interval: interval}
}

// Run prunes once, then on every tick. It blocks until the context is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Dur("maxAge", s.maxAge).Msg("starting cache pruner")

	s.prune()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("cache pruner stopped")
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Service) prune() {
	if s.maxAge <= 0 {
		return
	}
	n, err := s.store.PurgeValuations(s.maxAge)
	if err != nil {
		log.Error().Err(err).Msg("failed to prune valuation cache")
		return
	}
	if n > 0 {
		log.Info().Int64("pruned", n).Msg("pruned expired valuations")
	}
}
