package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/italolelis/videoproxy/internal/media"
)

// EvictionResult summarises a reclamation pass.
type EvictionResult struct {
	FreedBytes int64
	Removed    int
}

// Evict removes least recently used entries until the cache holds at most
// targetBytes. Entries being read are skipped, so the target may not be reached.
func (s *Store) Evict(ctx context.Context, targetBytes int64) (EvictionResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	stats, err := s.Stats()
	if err != nil {
		return EvictionResult{}, err
	}

	if stats.TotalBytes <= targetBytes {
		return EvictionResult{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncIndex()

	var (
		result EvictionResult
		total  = stats.TotalBytes
	)

	for _, e := range s.index.leastRecent() {
		if total <= targetBytes {
			break
		}

		if !s.removeEntry(e) {
			continue
		}

		total -= e.SizeBytes
		result.FreedBytes += e.SizeBytes
		result.Removed++
	}

	s.telemetry.RecordEviction(ctx, "lru", result.Removed, result.FreedBytes)

	logger.InfoContext(ctx, "evicted cache entries",
		"removed_files", result.Removed,
		"freed", humanize.Bytes(uint64(result.FreedBytes)),
		"remaining", humanize.Bytes(uint64(max(total, 0))),
		"target", humanize.Bytes(uint64(max(targetBytes, 0))))

	return result, nil
}

// EvictIdle removes entries that have not been read for longer than olderThan.
func (s *Store) EvictIdle(ctx context.Context, olderThan time.Duration) (EvictionResult, error) {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncIndex()

	var result EvictionResult

	for _, e := range s.index.leastRecent() {
		if !e.LastAccess.Before(cutoff) {
			continue
		}

		if !s.removeEntry(e) {
			continue
		}

		result.FreedBytes += e.SizeBytes
		result.Removed++
	}

	s.telemetry.RecordEviction(ctx, "idle", result.Removed, result.FreedBytes)

	if result.Removed > 0 {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "evicted idle cache entries",
			"removed_files", result.Removed,
			"freed", humanize.Bytes(uint64(result.FreedBytes)),
			"idle_for", olderThan.String())
	}

	return result, nil
}

// removeEntry deletes an unread entry. Callers hold s.mu.
func (s *Store) removeEntry(e *media.CacheEntry) bool {
	if s.readers[e.LocalPath] > 0 {
		return false
	}

	if err := os.Remove(e.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false
	}

	s.index.remove(e.LocalPath)

	return true
}

// syncIndex reconciles the recency index with the directory: files nobody has
// looked up yet are indexed by modification time, vanished files are dropped.
// Callers hold s.mu.
func (s *Store) syncIndex() {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	onDisk := make(map[string]struct{}, len(dirEntries))

	for _, de := range dirEntries {
		if !de.Type().IsRegular() || isPartial(de.Name()) {
			continue
		}

		path := filepath.Join(s.dir, de.Name())
		onDisk[path] = struct{}{}

		if _, ok := s.index.get(path); ok {
			continue
		}

		fi, err := de.Info()
		if err != nil {
			continue
		}

		s.index.insertLeastRecent(&media.CacheEntry{
			FileID:     stem(de.Name()),
			LocalPath:  path,
			SizeBytes:  fi.Size(),
			CreatedAt:  fi.ModTime(),
			LastAccess: fi.ModTime(),
		})
	}

	for _, e := range s.index.leastRecent() {
		if _, ok := onDisk[e.LocalPath]; !ok {
			s.index.remove(e.LocalPath)
		}
	}
}
