package cleanup

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/videoproxy/internal/cache"
	"github.com/italolelis/videoproxy/internal/logctx"
)

// IdleEvicter drops cache entries that have not been read for a while.
type IdleEvicter interface {
	EvictIdle(ctx context.Context, olderThan time.Duration) (cache.EvictionResult, error)
}

// DeleteIdleFiles removes every cache entry not accessed within keepDuration.
func DeleteIdleFiles(ctx context.Context, store IdleEvicter, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	res, err := store.EvictIdle(ctx, keepDuration)
	if err != nil {
		logger.ErrorContext(ctx, "failed to evict idle cache entries", "err", err)

		return err
	}

	if res.Removed > 0 {
		logger.InfoContext(ctx, "deleted idle cached videos",
			"removed", res.Removed,
			"freed", humanize.Bytes(uint64(res.FreedBytes)),
			"retention", keepDuration.String())
	}

	return nil
}

// Run sweeps the cache every interval until ctx is cancelled.
func Run(ctx context.Context, store IdleEvicter, interval, keepDuration time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			_ = DeleteIdleFiles(ctx, store, keepDuration)
		}
	}
}
