package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeusync/spatialsync/internal/core/spatial"
)

var _ Client = (*deadlineClient)(nil)

type deadlineClient struct {
	next    Client
	timeout time.Duration
}

// WithDeadline bounds every request/response call to next by timeout. A call
// that runs out of time fails with ErrUpstream; nothing is retried.
// StreamChanges is long-lived and passes through unbounded.
func WithDeadline(next Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return next
	}
	return &deadlineClient{next: next, timeout: timeout}
}

func (c *deadlineClient) GetObject(ctx context.Context, id spatial.ObjectID) (spatial.Object, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	obj, err := c.next.GetObject(ctx, id)
	return obj, c.classify("get_object", err)
}

func (c *deadlineClient) UpdateObject(ctx context.Context, id spatial.ObjectID, properties map[string]any, validate bool) (spatial.Object, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	obj, err := c.next.UpdateObject(ctx, id, properties, validate)
	return obj, c.classify("update_object", err)
}

func (c *deadlineClient) QueryRegion(ctx context.Context, region spatial.BoundingBox, types []string, limit int) ([]spatial.Object, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	objs, err := c.next.QueryRegion(ctx, region, types, limit)
	return objs, c.classify("query_region", err)
}

func (c *deadlineClient) CheckCollisions(ctx context.Context, id spatial.ObjectID, clearance float64) ([]spatial.Collision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cols, err := c.next.CheckCollisions(ctx, id, clearance)
	return cols, c.classify("check_collisions", err)
}

func (c *deadlineClient) StreamChanges(ctx context.Context, filter ChangeFilter) (ChangeStream, error) {
	return c.next.StreamChanges(ctx, filter)
}

func (c *deadlineClient) Relationships(ctx context.Context, id spatial.ObjectID) ([]spatial.Relationship, error) {
	q, ok := c.next.(RelationshipQuerier)
	if !ok {
		return nil, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	rels, err := q.Relationships(ctx, id)
	return rels, c.classify("relationships", err)
}

func (c *deadlineClient) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrUpstream) {
		return fmt.Errorf("%w: %s timed out after %s: %v", ErrUpstream, op, c.timeout, err)
	}
	return err
}
