package media

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is an inclusive byte interval within an asset of TotalSize bytes.
type ByteRange struct {
	Start     int64
	End       int64
	TotalSize int64
}

// Length returns the number of bytes covered by the range.
func (r *ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the range for a Content-Range response header.
func (r *ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.TotalSize)
}

// Header formats the range for a Range request header.
func (r *ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Valid reports whether 0 <= Start <= End <= TotalSize-1.
func (r *ByteRange) Valid() bool {
	return r.Start >= 0 && r.Start <= r.End && r.End <= r.TotalSize-1
}

// ParseRange parses a Range header against an asset of totalSize bytes.
//
// It returns (nil, nil) when the header is absent or should be ignored: a unit other
// than bytes, malformed syntax, or a multi-range request, which is served in full.
// Ranges that start beyond the asset yield ErrRangeNotSatisfiable. An end past the
// last byte is clamped.
func ParseRange(header string, totalSize int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, nil
	}

	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, nil
	}

	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		// suffix form: the final N bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return nil, nil
		}

		if n == 0 || totalSize <= 0 {
			return nil, ErrRangeNotSatisfiable
		}

		if n > totalSize {
			n = totalSize
		}

		return &ByteRange{Start: totalSize - n, End: totalSize - 1, TotalSize: totalSize}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}

	end := totalSize - 1

	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, nil
		}
	}

	if start >= totalSize {
		return nil, ErrRangeNotSatisfiable
	}

	if end > totalSize-1 {
		end = totalSize - 1
	}

	return &ByteRange{Start: start, End: end, TotalSize: totalSize}, nil
}
