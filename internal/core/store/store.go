// Package store defines the narrow contract through which the sync core reaches
// the authoritative spatial object service.
package store

import (
	"context"
	"time"

	"github.com/zeusync/spatialsync/internal/core/spatial"
)

// Client is the only path to the source of truth for spatial objects.
// Implementations must be safe for concurrent use.
type Client interface {
	// GetObject returns the current state of id or ErrNotFound.
	GetObject(ctx context.Context, id spatial.ObjectID) (spatial.Object, error)
	// UpdateObject merges properties into id and returns the new state,
	// including its new version. With validate set the store runs its own
	// constraint checks and answers ErrRejected on violation.
	UpdateObject(ctx context.Context, id spatial.ObjectID, properties map[string]any, validate bool) (spatial.Object, error)
	// QueryRegion lists objects whose footprint intersects region, optionally
	// restricted to types. limit <= 0 means no limit.
	QueryRegion(ctx context.Context, region spatial.BoundingBox, types []string, limit int) ([]spatial.Object, error)
	// CheckCollisions reports objects within clearance of id.
	CheckCollisions(ctx context.Context, id spatial.ObjectID, clearance float64) ([]spatial.Collision, error)
	// StreamChanges opens the change feed. The stream ends when ctx is done,
	// when Close is called, or when the upstream drops it.
	StreamChanges(ctx context.Context, filter ChangeFilter) (ChangeStream, error)
}

// RelationshipQuerier is implemented by stores that track object relationships.
type RelationshipQuerier interface {
	Relationships(ctx context.Context, id spatial.ObjectID) ([]spatial.Relationship, error)
}

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
		return true
	}
	return false
}

// Change is one notification from the store's change feed.
type Change struct {
	Type      ChangeType
	Object    spatial.Object
	Timestamp time.Time
}

// ChangeFilter narrows a change feed. Zero value means everything.
type ChangeFilter struct {
	Types  []string
	Region *spatial.BoundingBox
}

// Match reports whether obj passes the filter.
func (f ChangeFilter) Match(obj spatial.Object) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == obj.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Region != nil && !f.Region.Intersects(obj.Geometry.Footprint()) {
		return false
	}
	return true
}

// ChangeStream is a cancellable feed of changes. Changes is closed when the
// stream ends; Err then reports why (nil after a requested Close or ctx end).
type ChangeStream interface {
	Changes() <-chan Change
	Err() error
	Close() error
}
