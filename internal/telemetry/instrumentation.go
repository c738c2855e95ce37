package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// File ids, origin ids, local paths and user ids are unbounded and must never be
// span attributes that feed metrics. They belong in logs, which carry trace_id and
// request_id for correlation. Safe attributes are the bounded sets: operation names,
// status, strategy, error kind and component.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with a span.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments metadata store operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, time.Since(start))

	return err
}

// InstrumentOriginOperation instruments origin storage operations. kindOf maps a
// failure to a bounded error kind label.
func (t *Telemetry) InstrumentOriginOperation(ctx context.Context, origin, operation string, fn InstrumentedFunc, kindOf func(error) string) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	err := t.InstrumentOperation(ctx, "origin_"+operation, "origin", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "origin_"+operation)
		defer span.End()

		span.SetAttributes(
			attribute.String("origin.type", origin),
			attribute.String("origin.operation", operation),
		)

		return fn(ctx)
	})

	status, kind := "success", ""
	if err != nil {
		status = "error"
		kind = kindOf(err)
	}

	t.RecordOriginOperation(origin, operation, status, kind, time.Since(start))

	return err
}

// InstrumentDownload instruments a cache download. It returns the bytes written.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn func(ctx context.Context) (int64, error)) (int64, error) {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	var written int64

	err := t.InstrumentOperation(ctx, "cache_download", "cache", func(ctx context.Context) error {
		var err error

		written, err = fn(ctx)

		return err
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDownload(ctx, status, written, time.Since(start))

	return written, err
}
