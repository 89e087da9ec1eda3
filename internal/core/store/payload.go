package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeusync/spatialsync/internal/core/spatial"
)

// changePayload is the JSON document external feeds (postgres NOTIFY,
// redis streams) carry for every change.
type changePayload struct {
	Op        ChangeType      `json:"op"`
	Timestamp time.Time       `json:"ts"`
	Object    *spatial.Object `json:"object"`
}

// DecodeChange parses a feed payload.
func DecodeChange(data []byte) (Change, error) {
	var p changePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if !p.Op.Valid() {
		return Change{}, fmt.Errorf("%w: unknown op %q", ErrInvalidChange, p.Op)
	}
	if p.Object == nil || p.Object.ID == 0 {
		return Change{}, fmt.Errorf("%w: missing object", ErrInvalidChange)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	return Change{Type: p.Op, Object: *p.Object, Timestamp: p.Timestamp}, nil
}

// EncodeChange renders c in the feed payload format.
func EncodeChange(c Change) ([]byte, error) {
	obj := c.Object
	return json.Marshal(changePayload{Op: c.Type, Timestamp: c.Timestamp, Object: &obj})
}
