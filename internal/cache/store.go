package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/videoproxy/internal/cache/progress"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/telemetry"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	defaultProgressInterval = 100 * 1024 * 1024 // 100MB
)

// ErrClosed is returned by downloads requested before Start or after Shutdown.
var ErrClosed = errors.New("cache store is not running")

// DownloadRequest identifies the asset to materialize and the size it must have.
type DownloadRequest struct {
	FileID       string
	OriginID     string
	MimeType     string
	ExpectedSize int64
}

// DownloadResult is either a usable entry or Busy when another download of the same
// file is already running.
type DownloadResult struct {
	Entry *media.CacheEntry
	Busy  bool
}

// Stats is a point-in-time view of cache occupancy.
type Stats struct {
	FileCount  int
	TotalBytes int64
	MaxBytes   int64
	InFlight   int
}

// FailureEvent describes a download that did not produce a cache entry.
type FailureEvent struct {
	FileID   string
	OriginID string
	Err      error
}

// Store is a bounded local disk cache of origin assets.
type Store struct {
	dir              string
	origin           media.Origin
	telemetry        *telemetry.Telemetry
	maxBytes         int64
	progressInterval int64
	onFailure        func(ctx context.Context, ev FailureEvent)
	now              func() time.Time

	leases *leaseMap

	mu      sync.Mutex // guards index, readers and the lifecycle fields below
	index   *recencyIndex
	readers map[string]int // open readers per local path
	baseCtx context.Context
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Store) { s.telemetry = tel }
}

// WithMaxBytes records the configured capacity reported by Stats.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// WithFailureHook registers fn to be called for every failed download.
func WithFailureHook(fn func(ctx context.Context, ev FailureEvent)) Option {
	return func(s *Store) { s.onFailure = fn }
}

// WithProgressInterval sets how many bytes pass between download progress logs.
func WithProgressInterval(n int64) Option {
	return func(s *Store) { s.progressInterval = n }
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store rooted at dir. Call Start before use.
func New(dir string, origin media.Origin, opts ...Option) *Store {
	s := &Store{
		dir:              dir,
		origin:           origin,
		progressInterval: defaultProgressInterval,
		now:              time.Now,
		leases:           newLeaseMap(),
		index:            newRecencyIndex(),
		readers:          make(map[string]int),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Start creates the cache directory and removes anything left in it. Downloads are
// bound to ctx and to Shutdown.
func (s *Store) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("cache_dir", s.dir)

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	removed, err := s.clearDir(true)
	if err != nil {
		return fmt.Errorf("failed to clear cache directory: %w", err)
	}

	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.closed = false
	s.mu.Unlock()

	s.telemetry.ObserveCache(func() (int64, int64) {
		stats, err := s.Stats()
		if err != nil {
			return 0, 0
		}

		return int64(stats.FileCount), stats.TotalBytes
	})

	logger.InfoContext(ctx, "cache store started", "removed_files", removed, "max_size", humanize.Bytes(uint64(max(s.maxBytes, 0))))

	return nil
}

// Shutdown cancels in-flight downloads, waits for them to exit and clears the directory.
func (s *Store) Shutdown(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("cache_dir", s.dir)

	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.WarnContext(ctx, "timed out waiting for downloads to stop", "in_flight", s.leases.len())

		return fmt.Errorf("cache shutdown: %w", ctx.Err())
	}

	removed, err := s.clearDir(true)
	if err != nil {
		return fmt.Errorf("failed to clear cache directory: %w", err)
	}

	logger.InfoContext(ctx, "cache store stopped", "removed_files", removed)

	return nil
}

// IsCached reports whether a file exists at the deterministic path for id.
func (s *Store) IsCached(id, mimeType string) bool {
	fi, err := os.Stat(Path(s.dir, id, mimeType))

	return err == nil && fi.Mode().IsRegular()
}

// Peek reports whether a complete copy of id with expectedSize bytes is on disk,
// without touching recency or purging anything.
func (s *Store) Peek(id, mimeType string, expectedSize int64) bool {
	fi, err := os.Stat(Path(s.dir, id, mimeType))

	return err == nil && fi.Mode().IsRegular() && fi.Size() == expectedSize
}

// Lookup returns the entry for id when the file on disk has exactly expectedSize
// bytes. A file of any other size is corrupt and is removed.
func (s *Store) Lookup(ctx context.Context, id, mimeType string, expectedSize int64) (*media.CacheEntry, bool) {
	path := Path(s.dir, id, mimeType)

	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		s.index.remove(path)

		return nil, false
	}

	if fi.Size() != expectedSize {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "purging cached file with unexpected size",
			"file_id", id, "expected", expectedSize, "actual", fi.Size())

		if s.readers[path] == 0 {
			if err := os.Remove(path); err == nil {
				s.telemetry.RecordEviction(ctx, "integrity", 1, fi.Size())
			}
		}

		s.index.remove(path)

		return nil, false
	}

	entry, ok := s.index.get(path)
	if !ok {
		entry = &media.CacheEntry{
			FileID:    id,
			LocalPath: path,
			SizeBytes: fi.Size(),
			MimeType:  mimeType,
			CreatedAt: fi.ModTime(),
		}
	}

	entry = s.index.touch(entry, s.now())
	cp := *entry

	return &cp, true
}

// GetOrDownload returns the cached entry for the request, downloading it first when
// needed. A concurrent request for a file that is already downloading returns Busy
// immediately. The download itself is detached from ctx: if the caller goes away the
// download keeps running until the Store shuts down.
func (s *Store) GetOrDownload(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if entry, ok := s.Lookup(ctx, req.FileID, req.MimeType, req.ExpectedSize); ok {
		s.telemetry.RecordCacheLookup(ctx, true)

		return &DownloadResult{Entry: entry}, nil
	}

	s.telemetry.RecordCacheLookup(ctx, false)

	l, acquired := s.leases.acquire(req.FileID)
	if !acquired {
		return &DownloadResult{Busy: true}, nil
	}

	// Another download may have finished between the lookup and the lease.
	if entry, ok := s.Lookup(ctx, req.FileID, req.MimeType, req.ExpectedSize); ok {
		s.leases.release(req.FileID, l, entry, nil)

		return &DownloadResult{Entry: entry}, nil
	}

	s.mu.Lock()
	if s.closed || s.baseCtx == nil {
		s.mu.Unlock()
		s.leases.release(req.FileID, l, nil, ErrClosed)

		return nil, ErrClosed
	}

	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.baseCtx, cancel)

	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()

		entry, err := s.download(dctx, req)
		s.leases.release(req.FileID, l, entry, err)
	}()

	select {
	case <-l.done:
		if l.err != nil {
			return nil, l.err
		}

		return &DownloadResult{Entry: l.entry}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Downloading reports whether a download of id is in flight.
func (s *Store) Downloading(id string) bool {
	return s.leases.held(id)
}

func (s *Store) download(ctx context.Context, req DownloadRequest) (*media.CacheEntry, error) {
	logger := logctx.LoggerFromContext(ctx).With("file_id", req.FileID, "origin_id", req.OriginID)
	ctx = logctx.WithLogger(ctx, logger)

	finalPath := Path(s.dir, req.FileID, req.MimeType)
	partialPath := finalPath + partialSuffix
	start := s.now()

	logger.InfoContext(ctx, "downloading file to cache", "file_size", humanize.Bytes(uint64(req.ExpectedSize)))

	written, err := s.telemetry.InstrumentDownload(ctx, func(ctx context.Context) (int64, error) {
		return s.fetch(ctx, req, partialPath)
	})
	if err == nil && written != req.ExpectedSize {
		err = &media.IntegrityError{FileID: req.FileID, Expected: req.ExpectedSize, Actual: written}
	}

	if err == nil {
		if renameErr := os.Rename(partialPath, finalPath); renameErr != nil {
			err = fmt.Errorf("failed to move downloaded file into place: %w", renameErr)
		}
	}

	if err != nil {
		if rmErr := os.Remove(partialPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			logger.WarnContext(ctx, "failed to remove partial download", "err", rmErr)
		}

		logger.ErrorContext(ctx, "failed to cache file", "err", err)

		if s.onFailure != nil {
			s.onFailure(ctx, FailureEvent{FileID: req.FileID, OriginID: req.OriginID, Err: err})
		}

		return nil, err
	}

	now := s.now()
	entry := &media.CacheEntry{
		FileID:    req.FileID,
		LocalPath: finalPath,
		SizeBytes: written,
		MimeType:  req.MimeType,
		CreatedAt: now,
	}

	s.mu.Lock()
	cp := *s.index.touch(entry, now)
	s.mu.Unlock()

	logger.InfoContext(ctx, "cached file",
		"file_size", humanize.Bytes(uint64(written)),
		"duration", now.Sub(start).String())

	return &cp, nil
}

func (s *Store) fetch(ctx context.Context, req DownloadRequest, partialPath string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	stream, err := s.origin.Open(ctx, req.OriginID, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to open origin stream: %w", err)
	}

	defer stream.Body.Close()

	out, err := os.OpenFile(partialPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to create partial file: %w", err)
	}

	pr := progress.NewReader(stream.Body, req.ExpectedSize, s.progressInterval, func(written, total int64) {
		logger.DebugContext(ctx, "download progress",
			"downloaded", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)),
			"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
	})

	written, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	switch {
	case errors.Is(copyErr, progress.ErrOverflow):
		return written, &media.IntegrityError{FileID: req.FileID, Expected: req.ExpectedSize, Actual: pr.BytesRead()}
	case copyErr != nil:
		return written, fmt.Errorf("failed to copy origin stream: %w", copyErr)
	case closeErr != nil:
		return written, fmt.Errorf("failed to close partial file: %w", closeErr)
	}

	return written, nil
}

// ClearFile removes every cached copy of id. Files with open readers are left in
// place.
func (s *Store) ClearFile(ctx context.Context, id string) error {
	key := sanitizeID(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	var (
		removed int
		freed   int64
	)

	for _, de := range entries {
		name := de.Name()
		if !de.Type().IsRegular() || isPartial(name) || stem(name) != key {
			continue
		}

		path := filepath.Join(s.dir, name)
		if s.readers[path] > 0 {
			continue
		}

		size := fileSize(de)

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}

		s.index.remove(path)

		removed++
		freed += size
	}

	s.telemetry.RecordEviction(ctx, "clear", removed, freed)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "cleared cached file", "file_id", id, "removed_files", removed)

	return nil
}

// ClearAll removes every completed file from the cache. Downloads in flight keep
// their partial files.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	stats, _ := s.Stats()

	removed, err := s.clearDir(false)
	if err != nil {
		return removed, err
	}

	s.telemetry.RecordEviction(ctx, "clear", removed, stats.TotalBytes)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "cleared cache", "removed_files", removed)

	return removed, nil
}

func (s *Store) clearDir(includePartial bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var (
		removed int
		errs    []error
	)

	for _, de := range entries {
		if de.IsDir() || (!includePartial && isPartial(de.Name())) {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)

			continue
		}

		removed++
	}

	s.index.reset()

	return removed, errors.Join(errs...)
}

// Stats scans the cache directory. Partial downloads are not counted.
func (s *Store) Stats() (Stats, error) {
	stats := Stats{MaxBytes: s.maxBytes, InFlight: s.leases.len()}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats, nil
		}

		return stats, fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, de := range entries {
		if !de.Type().IsRegular() || isPartial(de.Name()) {
			continue
		}

		stats.FileCount++
		stats.TotalBytes += fileSize(de)
	}

	return stats, nil
}

func validate(req DownloadRequest) error {
	switch {
	case req.FileID == "":
		return &media.ContractError{Op: "get_or_download", Field: "file_id"}
	case req.OriginID == "":
		return &media.ContractError{Op: "get_or_download", Field: "origin_id"}
	case req.ExpectedSize <= 0:
		return &media.ContractError{Op: "get_or_download", Field: "expected_size"}
	}

	return nil
}

func fileSize(de fs.DirEntry) int64 {
	fi, err := de.Info()
	if err != nil {
		return 0
	}

	return fi.Size()
}
