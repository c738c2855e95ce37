package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/videoproxy/internal/cache"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/telemetry"
)

// Strategy is how a video is delivered.
type Strategy string

const (
	Cache  Strategy = "cache"
	Stream Strategy = "stream"
)

// Rule identifies which decision rule fired. It is a bounded label, unlike Reason.
type Rule string

const (
	RuleAlreadyCached     Rule = "already_cached"
	RuleTooLarge          Rule = "too_large"
	RuleSpaceFreed        Rule = "space_freed"
	RuleInsufficientSpace Rule = "insufficient_space"
	RuleCacheUnavailable  Rule = "cache_unavailable"
	RuleHighPriority      Rule = "high_priority"
	RuleLowPriority       Rule = "low_priority"
	RuleForced            Rule = "forced"
	RuleFallback          Rule = "fallback"
)

// ErrPreloadDisabled is returned by PreloadRanked when preloading is switched off.
var ErrPreloadDisabled = errors.New("preloading is disabled")

// CacheStore is the part of the cache the engine consults.
type CacheStore interface {
	Peek(id, mimeType string, expectedSize int64) bool
	Stats() (cache.Stats, error)
	Evict(ctx context.Context, targetBytes int64) (cache.EvictionResult, error)
	GetOrDownload(ctx context.Context, req cache.DownloadRequest) (*cache.DownloadResult, error)
}

// Config holds the admission limits and priority tuning.
type Config struct {
	MaxCacheBytes           int64
	MaxSingleFileCacheBytes int64
	CleanupThreshold        float64
	CleanupTarget           float64
	SizeWeight              float64
	PopularityWeight        float64
	PriorityThreshold       float64
	PopularitySaturation    int
	PreloadEnabled          bool
	PreloadParallel         int
}

// DefaultConfig returns the stock limits: 500MB cache and single-file limit.
func DefaultConfig() Config {
	return Config{
		MaxCacheBytes:           500 * 1000 * 1000,
		MaxSingleFileCacheBytes: 500 * 1000 * 1000,
		CleanupThreshold:        0.9,
		CleanupTarget:           0.7,
		SizeWeight:              0.6,
		PopularityWeight:        0.4,
		PriorityThreshold:       0.5,
		PopularitySaturation:    10,
		PreloadEnabled:          true,
		PreloadParallel:         2,
	}
}

// Request describes the asset being delivered. Popularity is the caller's viewer
// count hint; zero or less counts as one viewer.
type Request struct {
	FileID     string
	MimeType   string
	SizeBytes  int64
	Popularity int
}

// Decision is the engine's verdict for one request.
type Decision struct {
	Strategy Strategy `json:"strategy"`
	Reason   string   `json:"reason"`
	Rule     Rule     `json:"rule"`
	Priority float64  `json:"priority"`
	Cached   bool     `json:"cached"`
}

// Stats is a snapshot of cache occupancy against the configured limits.
type Stats struct {
	FileCount      int     `json:"fileCount"`
	TotalBytes     int64   `json:"totalBytes"`
	MaxBytes       int64   `json:"maxBytes"`
	AvailableBytes int64   `json:"availableBytes"`
	Utilization    float64 `json:"utilization"`
	InFlight       int     `json:"inFlight"`
}

// Engine decides between caching and streaming and drives reclamation and preloads.
type Engine struct {
	cfg       Config
	store     CacheStore
	telemetry *telemetry.Telemetry

	preloads sync.WaitGroup
	admitMu  sync.Mutex
	// bytes of admitted preloads not yet on disk
	reserved atomic.Int64
}

func NewEngine(store CacheStore, cfg Config, tel *telemetry.Telemetry) *Engine {
	if cfg.PopularitySaturation <= 0 {
		cfg.PopularitySaturation = 1
	}

	if cfg.PreloadParallel <= 0 {
		cfg.PreloadParallel = 1
	}

	return &Engine{cfg: cfg, store: store, telemetry: tel}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Stats samples cache occupancy.
func (e *Engine) Stats() (Stats, error) {
	s, err := e.store.Stats()
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		FileCount:      s.FileCount,
		TotalBytes:     s.TotalBytes,
		MaxBytes:       e.cfg.MaxCacheBytes,
		AvailableBytes: max(e.cfg.MaxCacheBytes-s.TotalBytes, 0),
		Utilization:    e.utilization(s.TotalBytes),
		InFlight:       s.InFlight,
	}, nil
}

// Decide picks a strategy for req, reclaiming cache space when the cache is over its
// cleanup threshold and the file does not fit.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	if err := validate("decide", req); err != nil {
		return Decision{}, err
	}

	d := e.evaluate(ctx, req, true)
	e.telemetry.RecordDecision(ctx, string(d.Strategy), string(d.Rule))

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "delivery strategy decided",
		"file_id", req.FileID,
		"strategy", d.Strategy,
		"reason", d.Reason,
		"priority", d.Priority)

	return d, nil
}

// Analyze reports what Decide would return without evicting anything. When
// reclamation would be needed it assumes cleanup reaches its target.
func (e *Engine) Analyze(ctx context.Context, req Request) (Decision, error) {
	if err := validate("analyze", req); err != nil {
		return Decision{}, err
	}

	return e.evaluate(ctx, req, false), nil
}

// Force returns a decision that pins the strategy, bypassing the rules.
func (e *Engine) Force(ctx context.Context, s Strategy) Decision {
	d := Decision{Strategy: s, Reason: fmt.Sprintf("%s path requested", s), Rule: RuleForced}
	e.telemetry.RecordDecision(ctx, string(d.Strategy), string(d.Rule))

	return d
}

// Fallback returns the stream decision used after the cache path failed.
func Fallback(reason string) Decision {
	return Decision{Strategy: Stream, Reason: reason, Rule: RuleFallback}
}

// Priority scores how worthwhile caching a file is, in [0, 1]. Smaller and more
// popular files score higher.
func (e *Engine) Priority(sizeBytes int64, popularity int) float64 {
	sizeFactor := 0.0
	if e.cfg.MaxSingleFileCacheBytes > 0 {
		sizeFactor = clamp(1-float64(sizeBytes)/float64(e.cfg.MaxSingleFileCacheBytes), 0, 1)
	}

	if popularity <= 0 {
		popularity = 1
	}

	popularityFactor := math.Min(float64(popularity)/float64(e.cfg.PopularitySaturation), 1)

	return clamp(e.cfg.SizeWeight*sizeFactor+e.cfg.PopularityWeight*popularityFactor, 0, 1)
}

func (e *Engine) evaluate(ctx context.Context, req Request, reclaim bool) Decision {
	logger := logctx.LoggerFromContext(ctx).With("file_id", req.FileID)
	priority := e.Priority(req.SizeBytes, req.Popularity)

	if e.store.Peek(req.FileID, req.MimeType, req.SizeBytes) {
		return Decision{Strategy: Cache, Reason: "already cached", Rule: RuleAlreadyCached, Priority: priority, Cached: true}
	}

	if req.SizeBytes > e.cfg.MaxSingleFileCacheBytes {
		return Decision{Strategy: Stream, Reason: "file too large for cache", Rule: RuleTooLarge, Priority: priority}
	}

	stats, err := e.store.Stats()
	if err != nil {
		logger.ErrorContext(ctx, "failed to sample cache occupancy", "err", err)

		return Decision{Strategy: Stream, Reason: "cache unavailable", Rule: RuleCacheUnavailable, Priority: priority}
	}

	reserved := e.reserved.Load()
	used := stats.TotalBytes + reserved

	if req.SizeBytes > e.cfg.MaxCacheBytes-used {
		if e.utilization(used) < e.cfg.CleanupThreshold {
			return Decision{Strategy: Stream, Reason: "insufficient cache space", Rule: RuleInsufficientSpace, Priority: priority}
		}

		target := int64(e.cfg.CleanupTarget * float64(e.cfg.MaxCacheBytes))

		if !reclaim {
			if req.SizeBytes <= e.cfg.MaxCacheBytes-min(stats.TotalBytes, target)-reserved {
				return Decision{Strategy: Cache, Reason: "space freed after cleanup", Rule: RuleSpaceFreed, Priority: priority}
			}

			return Decision{Strategy: Stream, Reason: "insufficient cache space", Rule: RuleInsufficientSpace, Priority: priority}
		}

		logger.InfoContext(ctx, "cache over cleanup threshold, reclaiming space",
			"used", humanize.Bytes(uint64(max(used, 0))),
			"target", humanize.Bytes(uint64(max(target, 0))),
			"requested", humanize.Bytes(uint64(req.SizeBytes)))

		if _, err := e.store.Evict(ctx, target); err != nil {
			logger.ErrorContext(ctx, "cache reclamation failed", "err", err)
		}

		stats, err = e.store.Stats()
		if err != nil {
			logger.ErrorContext(ctx, "failed to sample cache occupancy", "err", err)

			return Decision{Strategy: Stream, Reason: "cache unavailable", Rule: RuleCacheUnavailable, Priority: priority}
		}

		if req.SizeBytes <= e.cfg.MaxCacheBytes-stats.TotalBytes-e.reserved.Load() {
			return Decision{Strategy: Cache, Reason: "space freed after cleanup", Rule: RuleSpaceFreed, Priority: priority}
		}

		return Decision{Strategy: Stream, Reason: "insufficient cache space", Rule: RuleInsufficientSpace, Priority: priority}
	}

	if priority > e.cfg.PriorityThreshold {
		return Decision{
			Strategy: Cache,
			Reason:   fmt.Sprintf("file fits in cache (priority %.2f)", priority),
			Rule:     RuleHighPriority,
			Priority: priority,
		}
	}

	return Decision{
		Strategy: Stream,
		Reason:   fmt.Sprintf("low caching priority (%.2f)", priority),
		Rule:     RuleLowPriority,
		Priority: priority,
	}
}

func (e *Engine) utilization(totalBytes int64) float64 {
	if e.cfg.MaxCacheBytes <= 0 {
		return 1
	}

	return float64(totalBytes) / float64(e.cfg.MaxCacheBytes)
}

func validate(op string, req Request) error {
	switch {
	case req.FileID == "":
		return &media.ContractError{Op: op, Field: "file_id"}
	case req.SizeBytes <= 0:
		return &media.ContractError{Op: op, Field: "size_bytes"}
	}

	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
