package progress

import (
	"errors"
	"io"
)

// ErrOverflow is returned once more than Total bytes have been read.
var ErrOverflow = errors.New("read past expected size")

// ProgressReader wraps an io.Reader and reports progress via a callback.
// When Total is positive, reading past it fails with ErrOverflow.
type ProgressReader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(written int64, total int64)
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.Total > 0 && pr.totalRead > pr.Total {
			return n, ErrOverflow
		}

		if pr.OnProgress != nil && pr.reportInterval > 0 && pr.lastReport >= pr.reportInterval {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.totalRead
}
