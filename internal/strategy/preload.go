package strategy

import (
	"context"
	"sort"

	"github.com/italolelis/videoproxy/internal/cache"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/italolelis/videoproxy/internal/media"
	"golang.org/x/sync/errgroup"
)

// PreloadCandidate is a resolved asset the caller expects to be watched soon.
type PreloadCandidate struct {
	Record     *media.FileRecord
	Popularity int
}

// PreloadPlan is one ranked entry of a preload request.
type PreloadPlan struct {
	FileID   string   `json:"id"`
	Decision Decision `json:"decision"`
	Queued   bool     `json:"queued"`
}

// PreloadRanked ranks candidates by caching priority and starts background downloads
// for those that would be cached. It returns the plan without waiting for downloads.
// The plan reflects current occupancy; each queued download is decided again just
// before it starts and skipped when the cache can no longer hold it.
func (e *Engine) PreloadRanked(ctx context.Context, candidates []PreloadCandidate) ([]PreloadPlan, error) {
	if !e.cfg.PreloadEnabled {
		return nil, ErrPreloadDisabled
	}

	logger := logctx.LoggerFromContext(ctx)

	plan := make([]PreloadPlan, 0, len(candidates))
	queue := make([]PreloadCandidate, 0, len(candidates))

	ranked := make([]PreloadCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Record == nil || c.Record.ID == "" || c.Record.SizeBytes <= 0 {
			continue
		}

		ranked = append(ranked, c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return e.Priority(ranked[i].Record.SizeBytes, ranked[i].Popularity) >
			e.Priority(ranked[j].Record.SizeBytes, ranked[j].Popularity)
	})

	for _, c := range ranked {
		d, err := e.Analyze(ctx, Request{
			FileID:     c.Record.ID,
			MimeType:   c.Record.MimeType,
			SizeBytes:  c.Record.SizeBytes,
			Popularity: c.Popularity,
		})
		if err != nil {
			logger.WarnContext(ctx, "skipping preload candidate", "file_id", c.Record.ID, "err", err)

			continue
		}

		queued := d.Strategy == Cache && !d.Cached
		if queued {
			queue = append(queue, c)
		}

		plan = append(plan, PreloadPlan{FileID: c.Record.ID, Decision: d, Queued: queued})
	}

	if len(queue) == 0 {
		return plan, nil
	}

	logger.InfoContext(ctx, "preloading videos", "queued", len(queue), "candidates", len(candidates))

	// downloads outlive the request that asked for them
	bg := context.WithoutCancel(ctx)

	e.preloads.Add(1)

	go func() {
		defer e.preloads.Done()

		e.preload(bg, queue)
	}()

	return plan, nil
}

// WaitPreloads blocks until every preload batch started so far has finished.
func (e *Engine) WaitPreloads() {
	e.preloads.Wait()
}

func (e *Engine) preload(ctx context.Context, queue []PreloadCandidate) {
	logger := logctx.LoggerFromContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PreloadParallel)

	for _, c := range queue {
		g.Go(func() error {
			rec := c.Record

			d, admitted, err := e.admit(gctx, c)
			if err != nil {
				logger.WarnContext(ctx, "preload failed", "file_id", rec.ID, "err", err)

				return nil
			}

			if !admitted {
				logger.DebugContext(ctx, "preload skipped", "file_id", rec.ID, "strategy", d.Strategy, "reason", d.Reason)

				return nil
			}

			defer e.reserved.Add(-rec.SizeBytes)

			res, err := e.store.GetOrDownload(gctx, cache.DownloadRequest{
				FileID:       rec.ID,
				OriginID:     rec.OriginFileID,
				MimeType:     rec.MimeType,
				ExpectedSize: rec.SizeBytes,
			})
			if err != nil {
				logger.WarnContext(ctx, "preload failed", "file_id", rec.ID, "err", err)

				return nil
			}

			if res.Busy {
				logger.DebugContext(ctx, "preload skipped, download already running", "file_id", rec.ID)

				return nil
			}

			logger.InfoContext(ctx, "video preloaded", "file_id", rec.ID)

			return nil
		})
	}

	_ = g.Wait()
}

// admit decides c against occupancy that counts downloads already admitted, and
// reserves its size when it is to be cached. Admissions are serialized.
func (e *Engine) admit(ctx context.Context, c PreloadCandidate) (Decision, bool, error) {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	d, err := e.Decide(ctx, Request{
		FileID:     c.Record.ID,
		MimeType:   c.Record.MimeType,
		SizeBytes:  c.Record.SizeBytes,
		Popularity: c.Popularity,
	})
	if err != nil {
		return d, false, err
	}

	if d.Strategy != Cache || d.Cached {
		return d, false, nil
	}

	e.reserved.Add(c.Record.SizeBytes)

	return d, true, nil
}
