package entitystore

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gbfs-go/internal/gbfs"
)

const tracerName = "gbfs-go/internal/entitystore"

// TracedStore wraps an EntityStore with one OpenTelemetry span per call.
type TracedStore struct {
	next    gbfs.EntityStore
	backend string
	tracer  trace.Tracer
}

var _ gbfs.EntityStore = (*TracedStore)(nil)

// Traced wraps next using the global tracer provider. backend names the
// store type in span attributes.
func Traced(next gbfs.EntityStore, backend string) *TracedStore {
	return TracedWithProvider(next, backend, otel.GetTracerProvider())
}

// TracedWithProvider wraps next using tp.
func TracedWithProvider(next gbfs.EntityStore, backend string, tp trace.TracerProvider) *TracedStore {
	return &TracedStore{next: next, backend: backend, tracer: tp.Tracer(tracerName)}
}

func (t *TracedStore) CreateEntities(ctx context.Context, creates []gbfs.EntityCreate) ([]string, error) {
	var payload int
	for _, c := range creates {
		payload += len(c.Payload)
	}
	ctx, span := t.tracer.Start(ctx, "entitystore.create",
		trace.WithAttributes(
			attribute.String("store.backend", t.backend),
			attribute.Int("store.records", len(creates)),
			attribute.Int("store.payload_bytes", payload),
		))
	defer span.End()

	keys, err := t.next.CreateEntities(ctx, creates)
	recordErr(span, err)
	return keys, err
}

func (t *TracedStore) QueryEntities(ctx context.Context, filter gbfs.Filter) ([]gbfs.Entity, error) {
	ctx, span := t.tracer.Start(ctx, "entitystore.query",
		trace.WithAttributes(
			attribute.String("store.backend", t.backend),
			attribute.String("store.filter", filter.String()),
		))
	defer span.End()

	entities, err := t.next.QueryEntities(ctx, filter)
	recordErr(span, err)
	span.SetAttributes(attribute.Int("store.records", len(entities)))
	return entities, err
}

func (t *TracedStore) DeleteEntities(ctx context.Context, keys []string) error {
	ctx, span := t.tracer.Start(ctx, "entitystore.delete",
		trace.WithAttributes(
			attribute.String("store.backend", t.backend),
			attribute.Int("store.records", len(keys)),
		))
	defer span.End()

	err := t.next.DeleteEntities(ctx, keys)
	recordErr(span, err)
	return err
}

func (t *TracedStore) Close() error {
	return t.next.Close()
}

// Unwrap returns the wrapped store.
func (t *TracedStore) Unwrap() gbfs.EntityStore {
	return t.next
}

func recordErr(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
