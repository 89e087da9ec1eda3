// Package protocol defines the JSON messages exchanged with clients. Every
// message is an object whose "type" field selects one concrete kind.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeusync/spatialsync/internal/core/spatial"
)

type Kind string

// Client to server.
const (
	KindUpdate    Kind = "update"
	KindSubscribe Kind = "subscribe"
	KindQuery     Kind = "query"
	KindValidate  Kind = "validate"
	KindPing      Kind = "ping"
)

// Server to client.
const (
	KindInitialState     Kind = "initial_state"
	KindSubscriptionData Kind = "subscription_data"
	KindObjectUpdated    Kind = "object_updated"
	KindObjectDeleted    Kind = "object_deleted"
	KindUpdateConfirmed  Kind = "update_confirmed"
	KindUpdateFailed     Kind = "update_failed"
	KindConflict         Kind = "conflict"
	KindQueryResult      Kind = "query_result"
	KindValidationResult Kind = "validation_result"
	KindPong             Kind = "pong"
	KindError            Kind = "error"
)

type QueryType string

const (
	QueryCollisions    QueryType = "collisions"
	QueryRelationships QueryType = "relationships"
)

// ResolutionManual is the only conflict resolution strategy offered.
const ResolutionManual = "manual"

// Inbound is a decoded client message.
type Inbound interface {
	Kind() Kind
	check() error
}

type Update struct {
	ObjectID spatial.ObjectID `json:"object_id"`
	Changes  map[string]any   `json:"changes"`
	// Version is the version the client based its change on. Without it the
	// update is applied unconditionally.
	Version *uint64 `json:"version,omitempty"`
}

type Subscribe struct {
	Region      spatial.BoundingBox `json:"region"`
	ObjectTypes []string            `json:"object_types,omitempty"`
}

type Query struct {
	QueryType QueryType        `json:"query_type"`
	ObjectID  spatial.ObjectID `json:"object_id"`
	Clearance *float64         `json:"clearance,omitempty"`
}

type Validate struct {
	ObjectID spatial.ObjectID `json:"object_id"`
}

type Ping struct {
	Nonce string `json:"nonce,omitempty"`
}

func (Update) Kind() Kind    { return KindUpdate }
func (Subscribe) Kind() Kind { return KindSubscribe }
func (Query) Kind() Kind     { return KindQuery }
func (Validate) Kind() Kind  { return KindValidate }
func (Ping) Kind() Kind      { return KindPing }

func (Update) check() error { return nil }

func (m Subscribe) check() error {
	if !m.Region.Valid() {
		return fmt.Errorf("%w: region min exceeds max", ErrInvalidValue)
	}
	return nil
}

func (Query) check() error    { return nil }
func (Validate) check() error { return nil }
func (Ping) check() error     { return nil }

// Outbound is a server message. Encode adds the "type" field.
type Outbound interface {
	Kind() Kind
}

type InitialState struct {
	SessionID       string    `json:"session_id"`
	Timestamp       time.Time `json:"timestamp"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
}

type SubscriptionData struct {
	Region      spatial.BoundingBox `json:"region"`
	ObjectTypes []string            `json:"object_types,omitempty"`
	Objects     []spatial.Object    `json:"objects"`
}

type ObjectUpdated struct {
	ObjectID  spatial.ObjectID `json:"object_id"`
	Data      spatial.Object   `json:"data"`
	Version   uint64           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
}

type ObjectDeleted struct {
	ObjectID  spatial.ObjectID `json:"object_id"`
	Version   uint64           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
}

type UpdateConfirmed struct {
	ObjectID spatial.ObjectID `json:"object_id"`
	Version  uint64           `json:"version"`
}

type UpdateFailed struct {
	ObjectID spatial.ObjectID `json:"object_id"`
	Error    string           `json:"error"`
}

type Conflict struct {
	ObjectID           spatial.ObjectID `json:"object_id"`
	ClientVersion      uint64           `json:"client_version"`
	ServerVersion      uint64           `json:"server_version"`
	CurrentState       *spatial.Object  `json:"current_state"`
	ResolutionStrategy string           `json:"resolution_strategy"`
}

type QueryResult struct {
	QueryType QueryType        `json:"query_type"`
	ObjectID  spatial.ObjectID `json:"object_id"`
	Results   any              `json:"results"`
	Error     string           `json:"error,omitempty"`
}

type ValidationResult struct {
	ObjectID   spatial.ObjectID `json:"object_id"`
	Valid      bool             `json:"valid"`
	Violations []string         `json:"violations"`
	Error      string           `json:"error,omitempty"`
}

type Pong struct {
	Nonce     string    `json:"nonce,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error reports a rejected client message or a server side refusal.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	CodeProtocol    = "protocol_error"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal_error"
)

func (InitialState) Kind() Kind     { return KindInitialState }
func (SubscriptionData) Kind() Kind { return KindSubscriptionData }
func (ObjectUpdated) Kind() Kind    { return KindObjectUpdated }
func (ObjectDeleted) Kind() Kind    { return KindObjectDeleted }
func (UpdateConfirmed) Kind() Kind  { return KindUpdateConfirmed }
func (UpdateFailed) Kind() Kind     { return KindUpdateFailed }
func (Conflict) Kind() Kind         { return KindConflict }
func (QueryResult) Kind() Kind      { return KindQueryResult }
func (ValidationResult) Kind() Kind { return KindValidationResult }
func (Pong) Kind() Kind             { return KindPong }
func (Error) Kind() Kind            { return KindError }

// Encode renders msg as a JSON object with "type" as its first field.
func Encode(msg Outbound) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not a JSON object", msg.Kind())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(msg.Kind()) + 12)
	buf.WriteString(`{"type":`)
	kind, _ := json.Marshal(string(msg.Kind()))
	buf.Write(kind)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}
