// Package sync is the synchronization core: it turns store changes and
// client updates into ordered, version-checked broadcasts.
package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"
	"github.com/oklog/ulid/v2"

	"github.com/zeusync/spatialsync/internal/core/session"
	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store"
)

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is an immutable record of one change to one object. Origin is the
// session that caused it, empty for changes read from the store's feed.
type Event struct {
	ID        ulid.ULID
	Type      EventType
	ObjectID  spatial.ObjectID
	Timestamp time.Time
	Snapshot  spatial.Object
	Origin    session.ID
}

func NewEvent(t EventType, snapshot spatial.Object, ts time.Time, origin session.ID) Event {
	return Event{
		ID:        ulid.Make(),
		Type:      t,
		ObjectID:  snapshot.ID,
		Timestamp: ts,
		Snapshot:  snapshot.Clone(),
		Origin:    origin,
	}
}

// FromChange converts a feed notification into an upstream event.
func FromChange(c store.Change) Event {
	return NewEvent(EventType(c.Type), c.Object, c.Timestamp, "")
}

// Fingerprint hashes the canonical JSON form of the event type and snapshot.
// Two events with equal fingerprints carry the same state.
func (e Event) Fingerprint() (uint64, error) {
	raw, err := json.Marshal(struct {
		Type     EventType      `json:"type"`
		Snapshot spatial.Object `json:"snapshot"`
	}{e.Type, e.Snapshot})
	if err != nil {
		return 0, fmt.Errorf("fingerprint %s: %w", e.ID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return 0, fmt.Errorf("fingerprint %s: %w", e.ID, err)
	}
	return xxhash.Sum64(canonical), nil
}
