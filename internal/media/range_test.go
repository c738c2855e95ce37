package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		total   int64
		want    *ByteRange
		wantErr error
	}{
		{name: "no header", header: "", total: 1000},
		{name: "closed range", header: "bytes=100-199", total: 1000, want: &ByteRange{Start: 100, End: 199, TotalSize: 1000}},
		{name: "open ended", header: "bytes=900-", total: 1000, want: &ByteRange{Start: 900, End: 999, TotalSize: 1000}},
		{name: "suffix", header: "bytes=-100", total: 1000, want: &ByteRange{Start: 900, End: 999, TotalSize: 1000}},
		{name: "suffix longer than file", header: "bytes=-5000", total: 1000, want: &ByteRange{Start: 0, End: 999, TotalSize: 1000}},
		{name: "end clamped", header: "bytes=500-5000", total: 1000, want: &ByteRange{Start: 500, End: 999, TotalSize: 1000}},
		{name: "single byte", header: "bytes=0-0", total: 1000, want: &ByteRange{Start: 0, End: 0, TotalSize: 1000}},
		{name: "start past end of file", header: "bytes=1000-1100", total: 1000, wantErr: ErrRangeNotSatisfiable},
		{name: "zero suffix", header: "bytes=-0", total: 1000, wantErr: ErrRangeNotSatisfiable},
		{name: "empty asset", header: "bytes=0-10", total: 0, wantErr: ErrRangeNotSatisfiable},
		{name: "other unit ignored", header: "items=0-10", total: 1000},
		{name: "multi range ignored", header: "bytes=0-10,20-30", total: 1000},
		{name: "reversed ignored", header: "bytes=200-100", total: 1000},
		{name: "garbage ignored", header: "bytes=abc-def", total: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.total)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			if got != nil {
				assert.True(t, got.Valid())
			}
		})
	}
}

func TestByteRange_Headers(t *testing.T) {
	r := &ByteRange{Start: 100, End: 199, TotalSize: 1000}

	assert.Equal(t, int64(100), r.Length())
	assert.Equal(t, "bytes 100-199/1000", r.ContentRange())
	assert.Equal(t, "bytes=100-199", r.Header())
}
