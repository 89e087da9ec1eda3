package store

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zeusync/spatialsync/internal/core/spatial"
)

var _ Client = (*instrumentedClient)(nil)

type instrumentedClient struct {
	next   Client
	tracer trace.Tracer
}

// Instrumented wraps next so each upstream call is recorded as a client span.
func Instrumented(next Client, tracer trace.Tracer) Client {
	if tracer == nil {
		return next
	}
	return &instrumentedClient{next: next, tracer: tracer}
}

func (c *instrumentedClient) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "store."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *instrumentedClient) GetObject(ctx context.Context, id spatial.ObjectID) (spatial.Object, error) {
	ctx, span := c.start(ctx, "get_object", attribute.Int64("object.id", int64(id)))
	obj, err := c.next.GetObject(ctx, id)
	finish(span, err)
	return obj, err
}

func (c *instrumentedClient) UpdateObject(ctx context.Context, id spatial.ObjectID, properties map[string]any, validate bool) (spatial.Object, error) {
	ctx, span := c.start(ctx, "update_object",
		attribute.Int64("object.id", int64(id)),
		attribute.Int("properties.count", len(properties)),
		attribute.Bool("validate", validate))
	obj, err := c.next.UpdateObject(ctx, id, properties, validate)
	if err == nil {
		span.SetAttributes(attribute.Int64("object.version", int64(obj.Version)))
	}
	finish(span, err)
	return obj, err
}

func (c *instrumentedClient) QueryRegion(ctx context.Context, region spatial.BoundingBox, types []string, limit int) ([]spatial.Object, error) {
	ctx, span := c.start(ctx, "query_region",
		attribute.Float64Slice("region", []float64{region.MinX, region.MinY, region.MaxX, region.MaxY}),
		attribute.StringSlice("types", types),
		attribute.Int("limit", limit))
	objs, err := c.next.QueryRegion(ctx, region, types, limit)
	span.SetAttributes(attribute.Int("result.count", len(objs)))
	finish(span, err)
	return objs, err
}

func (c *instrumentedClient) CheckCollisions(ctx context.Context, id spatial.ObjectID, clearance float64) ([]spatial.Collision, error) {
	ctx, span := c.start(ctx, "check_collisions",
		attribute.Int64("object.id", int64(id)),
		attribute.Float64("clearance", clearance))
	cols, err := c.next.CheckCollisions(ctx, id, clearance)
	finish(span, err)
	return cols, err
}

func (c *instrumentedClient) StreamChanges(ctx context.Context, filter ChangeFilter) (ChangeStream, error) {
	_, span := c.start(ctx, "stream_changes", attribute.StringSlice("types", filter.Types))
	stream, err := c.next.StreamChanges(ctx, filter)
	finish(span, err)
	return stream, err
}

func (c *instrumentedClient) Relationships(ctx context.Context, id spatial.ObjectID) ([]spatial.Relationship, error) {
	q, ok := c.next.(RelationshipQuerier)
	if !ok {
		return nil, ErrUnsupported
	}
	ctx, span := c.start(ctx, "relationships", attribute.Int64("object.id", int64(id)))
	rels, err := q.Relationships(ctx, id)
	finish(span, err)
	return rels, err
}
