package cache

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/italolelis/videoproxy/internal/media"
)

// RangeReader reads exactly the requested bytes of a cached file. The file is
// protected from eviction until Close.
type RangeReader struct {
	*io.SectionReader

	file      *os.File
	rng       media.ByteRange
	closeOnce sync.Once
	release   func()
}

// Range returns the resolved bounds being read.
func (r *RangeReader) Range() media.ByteRange {
	return r.rng
}

// Close releases the file.
func (r *RangeReader) Close() error {
	var err error

	r.closeOnce.Do(func() {
		err = r.file.Close()
		r.release()
	})

	return err
}

// ServeRange opens entry for reading. A nil rng reads the whole file; otherwise the
// range must lie within the entry.
func (s *Store) ServeRange(entry *media.CacheEntry, rng *media.ByteRange) (*RangeReader, error) {
	resolved := media.ByteRange{Start: 0, End: entry.SizeBytes - 1, TotalSize: entry.SizeBytes}
	if rng != nil {
		resolved = *rng
	}

	if resolved.TotalSize != entry.SizeBytes || !resolved.Valid() {
		return nil, fmt.Errorf("serve %s: %w", entry.FileID, media.ErrRangeNotSatisfiable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(entry.LocalPath)
	if err != nil {
		s.index.remove(entry.LocalPath)

		return nil, fmt.Errorf("failed to open cached file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to stat cached file: %w", err)
	}

	if fi.Size() != entry.SizeBytes {
		f.Close()

		return nil, &media.IntegrityError{FileID: entry.FileID, Expected: entry.SizeBytes, Actual: fi.Size()}
	}

	path := entry.LocalPath
	s.readers[path]++

	if e, ok := s.index.get(path); ok {
		s.index.touch(e, s.now())
	}

	return &RangeReader{
		SectionReader: io.NewSectionReader(f, resolved.Start, resolved.Length()),
		file:          f,
		rng:           resolved,
		release: func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			if s.readers[path]--; s.readers[path] <= 0 {
				delete(s.readers, path)
			}
		},
	}, nil
}
