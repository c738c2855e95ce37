package media

import (
	"context"

	"github.com/italolelis/videoproxy/internal/telemetry"
)

// InstrumentedOrigin wraps Origin with telemetry.
type InstrumentedOrigin struct {
	origin     Origin
	telemetry  *telemetry.Telemetry
	originType string
}

// NewInstrumentedOrigin creates a new instrumented origin.
func NewInstrumentedOrigin(origin Origin, tel *telemetry.Telemetry, originType string) *InstrumentedOrigin {
	return &InstrumentedOrigin{
		origin:     origin,
		telemetry:  tel,
		originType: originType,
	}
}

// Metadata fetches object metadata with telemetry.
func (o *InstrumentedOrigin) Metadata(ctx context.Context, originID string) (*Metadata, error) {
	var result *Metadata

	err := o.telemetry.InstrumentOriginOperation(ctx, o.originType, "metadata", func(ctx context.Context) error {
		var err error

		result, err = o.origin.Metadata(ctx, originID)

		return err
	}, errorKind)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Open opens a byte stream with telemetry. Only the time to first byte is measured.
func (o *InstrumentedOrigin) Open(ctx context.Context, originID string, rng *ByteRange) (*Stream, error) {
	var result *Stream

	operation := "open_full"
	if rng != nil {
		operation = "open_range"
	}

	err := o.telemetry.InstrumentOriginOperation(ctx, o.originType, operation, func(ctx context.Context) error {
		var err error

		result, err = o.origin.Open(ctx, originID, rng)

		return err
	}, errorKind)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Usage queries the account quota with telemetry.
func (o *InstrumentedOrigin) Usage(ctx context.Context) (*Usage, error) {
	var result *Usage

	err := o.telemetry.InstrumentOriginOperation(ctx, o.originType, "usage", func(ctx context.Context) error {
		var err error

		result, err = o.origin.Usage(ctx)

		return err
	}, errorKind)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func errorKind(err error) string {
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}

	return "unknown"
}
