// Package cleanup removes avatar uploads whose registration was never
// activated.
package cleanup

import (
	"context"
	"errors"
	"time"

	"account_service/internal/repository"
	"account_service/internal/storage"

	"github.com/rs/zerolog"
)

const (
	sweepBatch = 100
	// sweepGrace keeps a pending upload around a little past its activation
	// link so a link redeemed at the last moment still finds its file.
	sweepGrace = time.Minute
)

// AvatarCleaner deletes pending avatar uploads after their activation link expired.
type AvatarCleaner struct {
	repo     repository.UserRepository
	avatars  storage.AvatarStorage
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewAvatarCleaner creates a new AvatarCleaner.
func NewAvatarCleaner(repo repository.UserRepository, avatars storage.AvatarStorage, interval time.Duration, log zerolog.Logger) *AvatarCleaner {
	return &AvatarCleaner{
		repo:     repo,
		avatars:  avatars,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (c *AvatarCleaner) Run(ctx context.Context) {
	c.log.Info().Dur("interval", c.interval).Msg("avatar cleanup worker started")
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("avatar cleanup worker stopped")
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.log.Error().Err(err).Msg("avatar cleanup failed")
			}
		}
	}
}

// Sweep removes every expired pending upload and returns how many files were
// deleted.
func (c *AvatarCleaner) Sweep(ctx context.Context) (int, error) {
	deleted := 0
	for {
		refs, err := c.repo.TakeExpiredPendingAvatars(ctx, c.now().Add(-sweepGrace), sweepBatch)
		if err != nil {
			return deleted, err
		}

		for _, ref := range refs {
			err := c.avatars.Delete(ctx, ref)
			switch {
			case err == nil:
				deleted++
			case errors.Is(err, storage.ErrNotFound):
			default:
				c.log.Error().Err(err).Str("avatar", ref).Msg("failed to delete stale avatar")
			}
		}

		if len(refs) < sweepBatch {
			if deleted > 0 {
				c.log.Info().Int("count", deleted).Msg("deleted stale avatars")
			}
			return deleted, nil
		}
	}
}
