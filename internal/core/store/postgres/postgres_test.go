package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store"
)

var columns = []string{"id", "object_type", "pos_x", "pos_y", "pos_z", "ext_x", "ext_y", "ext_z", "properties", "version"}

func wallRow(rows *sqlmock.Rows, id int64, version int64, props string) *sqlmock.Rows {
	return rows.AddRow(id, "wall", 1.0, 2.0, 0.0, 4.0, 0.2, 3.0, []byte(props), version)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, Config{DSN: "postgres://test"}, log.Nop()), mock
}

func TestGetObject(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(getQuery)).
		WithArgs(int64(7)).
		WillReturnRows(wallRow(sqlmock.NewRows(columns), 7, 3, `{"material":"concrete"}`))

	obj, err := s.GetObject(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, spatial.ObjectID(7), obj.ID)
	assert.Equal(t, "wall", obj.Type)
	assert.Equal(t, uint64(3), obj.Version)
	assert.Equal(t, 4.0, obj.Geometry.Extents.X)
	assert.Equal(t, "concrete", obj.Properties["material"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetObjectNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(getQuery)).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.GetObject(context.Background(), 9)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateObjectValidated(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(updateQuery)).
		WithArgs(int64(7), `{"width":240}`).
		WillReturnRows(wallRow(sqlmock.NewRows(columns), 7, 4, `{"width":240}`))
	mock.ExpectCommit()

	obj, err := s.UpdateObject(context.Background(), 7, map[string]any{"width": 240}, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), obj.Version)
	assert.Equal(t, 240.0, obj.Properties["width"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateObjectWithoutValidation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(skipValidation)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(updateQuery)).
		WithArgs(int64(7), `{"width":-1}`).
		WillReturnRows(wallRow(sqlmock.NewRows(columns), 7, 5, `{"width":-1}`))
	mock.ExpectCommit()

	obj, err := s.UpdateObject(context.Background(), 7, map[string]any{"width": -1}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), obj.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateObjectRejected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(updateQuery)).
		WithArgs(int64(7), `{"width":-1}`).
		WillReturnError(&pq.Error{Code: "23514", Message: "width must be positive"})
	mock.ExpectRollback()

	_, err := s.UpdateObject(context.Background(), 7, map[string]any{"width": -1}, true)
	assert.ErrorIs(t, err, store.ErrRejected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateObjectUpstreamFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(updateQuery)).
		WithArgs(int64(7), `{"width":1}`).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err := s.UpdateObject(context.Background(), 7, map[string]any{"width": 1}, true)
	assert.ErrorIs(t, err, store.ErrUpstream)
	assert.False(t, errors.Is(err, store.ErrRejected))
}

func TestQueryRegion(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows(columns)
	wallRow(rows, 1, 1, `{}`)
	wallRow(rows, 2, 6, `{}`)
	mock.ExpectQuery(regexp.QuoteMeta(regionQuery + " LIMIT $6")).
		WithArgs(0.0, 0.0, 10.0, 10.0, sqlmock.AnyArg(), 50).
		WillReturnRows(rows)

	objs, err := s.QueryRegion(context.Background(), spatial.BoundingBox{MaxX: 10, MaxY: 10}, []string{"wall"}, 50)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, spatial.ObjectID(2), objs[1].ID)
	assert.Equal(t, uint64(6), objs[1].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckCollisions(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(getQuery)).
		WithArgs(int64(1)).
		WillReturnRows(wallRow(sqlmock.NewRows(columns), 1, 1, `{}`))

	rows := sqlmock.NewRows(columns)
	wallRow(rows, 1, 1, `{}`)
	rows.AddRow(int64(2), "duct", 2.0, 2.0, 2.0, 1.0, 1.0, 0.5, []byte(`{}`), int64(1))
	rows.AddRow(int64(3), "duct", 2.0, 2.0, 2.0, 1.0, 1.0, 0.5, []byte(`{}`), int64(1))
	mock.ExpectQuery(regexp.QuoteMeta(regionQuery)).
		WillReturnRows(rows)

	collisions, err := s.CheckCollisions(context.Background(), 1, 0.5)
	require.NoError(t, err)
	require.Len(t, collisions, 2)
	assert.Equal(t, spatial.ObjectID(2), collisions[0].OtherID)
	assert.Equal(t, "duct", collisions[0].OtherType)
}

type fakeListener struct {
	channel  string
	ch       chan *pq.Notification
	closed   chan struct{}
	listenFn func(string) error
}

func newFakeListener() *fakeListener {
	return &fakeListener{ch: make(chan *pq.Notification, 8), closed: make(chan struct{})}
}

func (l *fakeListener) Listen(channel string) error {
	l.channel = channel
	if l.listenFn != nil {
		return l.listenFn(channel)
	}
	return nil
}

func (l *fakeListener) NotificationChannel() <-chan *pq.Notification { return l.ch }

func (l *fakeListener) Close() error {
	close(l.closed)
	return nil
}

func notification(t *testing.T, c store.Change) *pq.Notification {
	t.Helper()
	payload, err := store.EncodeChange(c)
	require.NoError(t, err)
	return &pq.Notification{Channel: Channel, Extra: string(payload)}
}

func TestStreamChangesFromNotify(t *testing.T) {
	s, _ := newMockStore(t)
	fl := newFakeListener()
	s.WithListenerFactory(func(string, pq.EventCallbackType) Listener { return fl })

	stream, err := s.StreamChanges(context.Background(), store.ChangeFilter{Types: []string{"wall"}})
	require.NoError(t, err)
	assert.Equal(t, Channel, fl.channel)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fl.ch <- notification(t, store.Change{Type: store.ChangeUpdated, Timestamp: ts,
		Object: spatial.Object{ID: 1, Type: "duct", Version: 2}})
	fl.ch <- &pq.Notification{Channel: Channel, Extra: "not json"}
	fl.ch <- notification(t, store.Change{Type: store.ChangeUpdated, Timestamp: ts,
		Object: spatial.Object{ID: 2, Type: "wall", Version: 9}})

	select {
	case c := <-stream.Changes():
		assert.Equal(t, spatial.ObjectID(2), c.Object.ID)
		assert.Equal(t, uint64(9), c.Object.Version)
		assert.Equal(t, ts, c.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	// A nil notification means pq reconnected and may have missed events.
	fl.ch <- nil
	select {
	case _, ok := <-stream.Changes():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed after reconnect")
	}
	assert.ErrorIs(t, stream.Err(), store.ErrStreamClosed)
	<-fl.closed
}

func TestStreamChangesClose(t *testing.T) {
	s, _ := newMockStore(t)
	fl := newFakeListener()
	s.WithListenerFactory(func(string, pq.EventCallbackType) Listener { return fl })

	stream, err := s.StreamChanges(context.Background(), store.ChangeFilter{})
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	select {
	case <-fl.closed:
	case <-time.After(time.Second):
		t.Fatal("listener not closed")
	}
	for range stream.Changes() {
	}
	assert.NoError(t, stream.Err())
}

func TestStreamChangesListenFailure(t *testing.T) {
	s, _ := newMockStore(t)
	fl := newFakeListener()
	fl.listenFn = func(string) error { return errors.New("connection refused") }
	s.WithListenerFactory(func(string, pq.EventCallbackType) Listener { return fl })

	_, err := s.StreamChanges(context.Background(), store.ChangeFilter{})
	assert.ErrorIs(t, err, store.ErrUpstream)
	<-fl.closed
}
