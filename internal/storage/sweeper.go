package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultStagingMaxAge is how long a staging entry may sit untouched before
// the sweeper treats it as abandoned.
const DefaultStagingMaxAge = time.Hour

// ErrStagingReclaimed is returned by Upload when the sweeper removed the
// upload's staging entry before it could be published.
var ErrStagingReclaimed = errors.New("staging entry reclaimed before publish")

// Reclaimer is implemented by engines that stage uploads and can remove
// staging entries left behind by a crash.
type Reclaimer interface {
	ReclaimStaging(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper periodically removes abandoned staging entries.
type Sweeper struct {
	target Reclaimer
	maxAge time.Duration
}

// NewSweeper returns a Sweeper reclaiming entries of target older than
// maxAge.
func NewSweeper(target Reclaimer, maxAge time.Duration) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultStagingMaxAge
	}
	return &Sweeper{target: target, maxAge: maxAge}
}

// Sweep performs one pass, returning the number of entries removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.target.ReclaimStaging(ctx, s.maxAge)
	if n > 0 {
		slog.Info("Reclaimed abandoned uploads", "count", n)
	}
	return n, err
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Staging sweep failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
