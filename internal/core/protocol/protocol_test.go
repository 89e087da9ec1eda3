package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/spatialsync/internal/core/spatial"
)

func newDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(4096)
	require.NoError(t, err)
	return d
}

func TestDecodeInbound(t *testing.T) {
	d := newDecoder(t)

	msg, err := d.Decode([]byte(`{"type":"update","object_id":7,"changes":{"voltage":240},"version":2}`))
	require.NoError(t, err)
	upd, ok := msg.(Update)
	require.True(t, ok)
	assert.Equal(t, spatial.ObjectID(7), upd.ObjectID)
	assert.Equal(t, 240.0, upd.Changes["voltage"])
	require.NotNil(t, upd.Version)
	assert.Equal(t, uint64(2), *upd.Version)

	msg, err = d.Decode([]byte(`{"type":"update","object_id":7,"changes":{"a":"b"}}`))
	require.NoError(t, err)
	assert.Nil(t, msg.(Update).Version)

	msg, err = d.Decode([]byte(`{"type":"subscribe","region":{"min_x":0,"min_y":0,"max_x":100,"max_y":100},"object_types":["wall"]}`))
	require.NoError(t, err)
	sub := msg.(Subscribe)
	assert.Equal(t, spatial.BoundingBox{MaxX: 100, MaxY: 100}, sub.Region)
	assert.Equal(t, []string{"wall"}, sub.ObjectTypes)

	msg, err = d.Decode([]byte(`{"type":"query","query_type":"collisions","object_id":3,"clearance":0.5}`))
	require.NoError(t, err)
	q := msg.(Query)
	assert.Equal(t, QueryCollisions, q.QueryType)
	require.NotNil(t, q.Clearance)
	assert.Equal(t, 0.5, *q.Clearance)

	msg, err = d.Decode([]byte(`{"type":"validate","object_id":3}`))
	require.NoError(t, err)
	assert.Equal(t, KindValidate, msg.Kind())

	msg, err = d.Decode([]byte(`{"type":"ping","nonce":"n1"}`))
	require.NoError(t, err)
	assert.Equal(t, "n1", msg.(Ping).Nonce)
}

func TestDecodeRejects(t *testing.T) {
	d := newDecoder(t)

	cases := []struct {
		name string
		in   string
		want error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"no type", `{"object_id":1}`, ErrMalformed},
		{"trailing", `{"type":"ping"} {}`, ErrMalformed},
		{"unknown type", `{"type":"unsubscribe"}`, ErrUnknownType},
		{"outbound type", `{"type":"object_updated"}`, ErrUnknownType},
		{"missing changes", `{"type":"update","object_id":1}`, ErrSchema},
		{"empty changes", `{"type":"update","object_id":1,"changes":{}}`, ErrSchema},
		{"negative version", `{"type":"update","object_id":1,"changes":{"a":1},"version":-1}`, ErrSchema},
		{"zero id", `{"type":"validate","object_id":0}`, ErrSchema},
		{"fractional id", `{"type":"validate","object_id":1.5}`, ErrSchema},
		{"extra field", `{"type":"validate","object_id":1,"force":true}`, ErrSchema},
		{"bad query type", `{"type":"query","query_type":"path","object_id":1}`, ErrSchema},
		{"partial region", `{"type":"subscribe","region":{"min_x":0}}`, ErrSchema},
		{"inverted region", `{"type":"subscribe","region":{"min_x":10,"min_y":0,"max_x":0,"max_y":10}}`, ErrInvalidValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tc.in))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodeTooLarge(t *testing.T) {
	d, err := NewDecoder(16)
	require.NoError(t, err)
	_, err = d.Decode([]byte(`{"type":"ping","nonce":"0123456789"}`))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestEncodeAddsType(t *testing.T) {
	obj := spatial.Object{ID: 7, Type: "panel", Properties: map[string]any{"voltage": 240.0}, Version: 3}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	data, err := Encode(ObjectUpdated{ObjectID: 7, Data: obj, Version: 3, Timestamp: ts})
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"type":"object_updated","object_id":7,`)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "object_updated", decoded["type"])
	assert.Equal(t, 3.0, decoded["version"])
	assert.Equal(t, "2026-03-01T12:00:00Z", decoded["timestamp"])
	assert.Equal(t, 240.0, decoded["data"].(map[string]any)["properties"].(map[string]any)["voltage"])
}

func TestEncodeConflict(t *testing.T) {
	current := spatial.Object{ID: 7, Version: 2}
	data, err := Encode(Conflict{
		ObjectID:           7,
		ClientVersion:      1,
		ServerVersion:      2,
		CurrentState:       &current,
		ResolutionStrategy: ResolutionManual,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "conflict", decoded["type"])
	assert.Equal(t, 1.0, decoded["client_version"])
	assert.Equal(t, 2.0, decoded["server_version"])
	assert.Equal(t, "manual", decoded["resolution_strategy"])
	assert.NotNil(t, decoded["current_state"])
}

func TestEncodeEmptyBody(t *testing.T) {
	data, err := Encode(Pong{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","timestamp":"0001-01-01T00:00:00Z"}`, string(data))

	data, err = Encode(emptyMessage{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"empty"}`, string(data))
}

type emptyMessage struct{}

func (emptyMessage) Kind() Kind { return "empty" }
