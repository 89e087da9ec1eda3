// Package spatial holds the building element model shared by the store
// adapters, the sync core and the wire protocol.
package spatial

import (
	"math"
	"strconv"
)

// ObjectID identifies a spatial object in the authoritative store.
type ObjectID int64

func (id ObjectID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Geometry is an element's position (center) and its full extents along each axis.
type Geometry struct {
	Position Point3 `json:"position"`
	Extents  Point3 `json:"extents"`
}

// Footprint returns the plan-view bounding box of the geometry.
func (g Geometry) Footprint() BoundingBox {
	hx, hy := math.Abs(g.Extents.X)/2, math.Abs(g.Extents.Y)/2
	return BoundingBox{
		MinX: g.Position.X - hx,
		MinY: g.Position.Y - hy,
		MaxX: g.Position.X + hx,
		MaxY: g.Position.Y + hy,
	}
}

// Object is a versioned building element. Version is assigned by the store
// and strictly increases on every successful mutation.
type Object struct {
	ID         ObjectID       `json:"id"`
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
	Version    uint64         `json:"version"`
}

// Clone returns a copy whose property map can be mutated independently.
func (o Object) Clone() Object {
	c := o
	if o.Properties != nil {
		c.Properties = make(map[string]any, len(o.Properties))
		for k, v := range o.Properties {
			c.Properties[k] = v
		}
	}
	return c
}

// BoundingBox is an axis-aligned rectangle. Edges are inclusive.
type BoundingBox struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

func (b BoundingBox) Valid() bool {
	for _, v := range []float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY
}

func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX &&
		b.MinY <= o.MaxY && o.MinY <= b.MaxY
}

// Expand grows the box by d on every side.
func (b BoundingBox) Expand(d float64) BoundingBox {
	return BoundingBox{MinX: b.MinX - d, MinY: b.MinY - d, MaxX: b.MaxX + d, MaxY: b.MaxY + d}
}

// Intersection returns the overlapping area of two boxes and whether they overlap.
func (b BoundingBox) Intersection(o BoundingBox) (BoundingBox, bool) {
	if !b.Intersects(o) {
		return BoundingBox{}, false
	}
	return BoundingBox{
		MinX: math.Max(b.MinX, o.MinX),
		MinY: math.Max(b.MinY, o.MinY),
		MaxX: math.Min(b.MaxX, o.MaxX),
		MaxY: math.Min(b.MaxY, o.MaxY),
	}, true
}

// Collision describes another object found within clearance of a subject.
type Collision struct {
	ObjectID  ObjectID    `json:"object_id"`
	OtherID   ObjectID    `json:"other_id"`
	OtherType string      `json:"other_type"`
	Overlap   BoundingBox `json:"overlap"`
	Clearance float64     `json:"clearance"`
}

// FindCollisions reports every candidate whose footprint comes within
// clearance of subject's footprint. The subject itself is skipped.
func FindCollisions(subject Object, candidates []Object, clearance float64) []Collision {
	zone := subject.Geometry.Footprint().Expand(clearance)
	var out []Collision
	for _, c := range candidates {
		if c.ID == subject.ID {
			continue
		}
		overlap, ok := zone.Intersection(c.Geometry.Footprint())
		if !ok {
			continue
		}
		out = append(out, Collision{
			ObjectID:  subject.ID,
			OtherID:   c.ID,
			OtherType: c.Type,
			Overlap:   overlap,
			Clearance: clearance,
		})
	}
	return out
}

// Relationship is a typed edge between two objects, e.g. "feeds" or "contains".
type Relationship struct {
	SourceID ObjectID `json:"source_id"`
	TargetID ObjectID `json:"target_id"`
	Kind     string   `json:"kind"`
}
