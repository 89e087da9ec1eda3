// Package postgres adapts a PostgreSQL-hosted object service to store.Client.
// Writes go through the spatial_objects table; the change feed is delivered
// by a NOTIFY trigger on the spatial_object_changes channel.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store"
)

var _ store.Client = (*Store)(nil)

const (
	// Channel is the LISTEN channel the change trigger notifies.
	Channel = "spatial_object_changes"

	selectColumns = "id, object_type, pos_x, pos_y, pos_z, ext_x, ext_y, ext_z, properties, version"

	getQuery = "SELECT " + selectColumns + " FROM spatial_objects WHERE id = $1"

	updateQuery = "UPDATE spatial_objects SET properties = properties || $2::jsonb, version = version + 1 " +
		"WHERE id = $1 RETURNING " + selectColumns

	regionQuery = "SELECT " + selectColumns + " FROM spatial_objects " +
		"WHERE pos_x - ext_x / 2 <= $3 AND pos_x + ext_x / 2 >= $1 " +
		"AND pos_y - ext_y / 2 <= $4 AND pos_y + ext_y / 2 >= $2 " +
		"AND (cardinality($5::text[]) = 0 OR object_type = ANY($5::text[])) " +
		"ORDER BY id"

	// Validation lives in BEFORE UPDATE triggers; replica mode skips them.
	skipValidation = "SET LOCAL session_replication_role = replica"
)

// Listener is the subset of *pq.Listener the change feed uses.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// ListenerFactory opens a Listener. The default dials dsn with pq.NewListener.
type ListenerFactory func(dsn string, onEvent pq.EventCallbackType) Listener

type Config struct {
	DSN                  string        `yaml:"dsn"`
	MinReconnectInterval time.Duration `yaml:"min_reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	MaxOpenConns         int           `yaml:"max_open_conns"`
}

type Store struct {
	db        *sql.DB
	config    Config
	listen    ListenerFactory
	logger    log.Log
	streamBuf int
}

// Open connects to the database described by cfg.DSN.
func Open(cfg Config, logger log.Log) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return New(db, cfg, logger), nil
}

func New(db *sql.DB, cfg Config, logger log.Log) *Store {
	if cfg.MinReconnectInterval <= 0 {
		cfg.MinReconnectInterval = 100 * time.Millisecond
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 10 * time.Second
	}
	s := &Store{
		db:        db,
		config:    cfg,
		logger:    logger.With(log.String("component", "postgres_store")),
		streamBuf: 256,
	}
	s.listen = func(dsn string, onEvent pq.EventCallbackType) Listener {
		return pq.NewListener(dsn, s.config.MinReconnectInterval, s.config.MaxReconnectInterval, onEvent)
	}
	return s
}

// WithListenerFactory swaps the LISTEN connection factory. Used by tests.
func (s *Store) WithListenerFactory(f ListenerFactory) *Store {
	s.listen = f
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (spatial.Object, error) {
	var (
		obj   spatial.Object
		id    int64
		props []byte
		ver   int64
	)
	g := &obj.Geometry
	err := row.Scan(&id, &obj.Type,
		&g.Position.X, &g.Position.Y, &g.Position.Z,
		&g.Extents.X, &g.Extents.Y, &g.Extents.Z,
		&props, &ver)
	if err != nil {
		return spatial.Object{}, err
	}
	obj.ID = spatial.ObjectID(id)
	obj.Version = uint64(ver)
	obj.Properties = make(map[string]any)
	if len(props) > 0 {
		if err := json.Unmarshal(props, &obj.Properties); err != nil {
			return spatial.Object{}, fmt.Errorf("decode properties of %d: %w", id, err)
		}
	}
	return obj, nil
}

func (s *Store) GetObject(ctx context.Context, id spatial.ObjectID) (spatial.Object, error) {
	obj, err := scanObject(s.db.QueryRowContext(ctx, getQuery, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return spatial.Object{}, fmt.Errorf("%w: %d", store.ErrNotFound, id)
	}
	if err != nil {
		return spatial.Object{}, upstream("get_object", err)
	}
	return obj, nil
}

func (s *Store) UpdateObject(ctx context.Context, id spatial.ObjectID, properties map[string]any, validate bool) (spatial.Object, error) {
	patch, err := json.Marshal(properties)
	if err != nil {
		return spatial.Object{}, fmt.Errorf("%w: encode properties: %v", store.ErrRejected, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return spatial.Object{}, upstream("update_object", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !validate {
		if _, err := tx.ExecContext(ctx, skipValidation); err != nil {
			return spatial.Object{}, upstream("update_object", err)
		}
	}

	obj, err := scanObject(tx.QueryRowContext(ctx, updateQuery, int64(id), string(patch)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return spatial.Object{}, fmt.Errorf("%w: %d", store.ErrNotFound, id)
	case isConstraintViolation(err):
		return spatial.Object{}, fmt.Errorf("%w: %v", store.ErrRejected, err)
	case err != nil:
		return spatial.Object{}, upstream("update_object", err)
	}

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) {
			return spatial.Object{}, fmt.Errorf("%w: %v", store.ErrRejected, err)
		}
		return spatial.Object{}, upstream("update_object", err)
	}
	return obj, nil
}

func (s *Store) QueryRegion(ctx context.Context, region spatial.BoundingBox, types []string, limit int) ([]spatial.Object, error) {
	query := regionQuery
	args := []any{region.MinX, region.MinY, region.MaxX, region.MaxY, pq.Array(nonNil(types))}
	if limit > 0 {
		query += " LIMIT $6"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, upstream("query_region", err)
	}
	defer rows.Close()

	out := make([]spatial.Object, 0)
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, upstream("query_region", err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream("query_region", err)
	}
	return out, nil
}

func (s *Store) CheckCollisions(ctx context.Context, id spatial.ObjectID, clearance float64) ([]spatial.Collision, error) {
	subject, err := s.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	candidates, err := s.QueryRegion(ctx, subject.Geometry.Footprint().Expand(clearance), nil, 0)
	if err != nil {
		return nil, err
	}
	return spatial.FindCollisions(subject, candidates, clearance), nil
}

func (s *Store) StreamChanges(ctx context.Context, filter store.ChangeFilter) (store.ChangeStream, error) {
	disrupted := make(chan error, 1)
	listener := s.listen(s.config.DSN, func(ev pq.ListenerEventType, err error) {
		if ev == pq.ListenerEventDisconnected || ev == pq.ListenerEventConnectionAttemptFailed {
			select {
			case disrupted <- fmt.Errorf("%w: listener event %d: %v", store.ErrStreamClosed, ev, err):
			default:
			}
		}
	})
	if err := listener.Listen(Channel); err != nil {
		_ = listener.Close()
		return nil, upstream("stream_changes", err)
	}

	pipe := store.NewPipe(s.streamBuf, nil)
	go s.pump(ctx, listener, pipe, filter, disrupted)
	return pipe, nil
}

// pump forwards notifications until the consumer closes, ctx ends, or the
// listener loses its connection. pq reconnects on its own, but notifications
// sent while disconnected are lost, so the stream is ended and the monitor
// opens a new one. Lost notifications are not replayed.
func (s *Store) pump(ctx context.Context, listener Listener, pipe *store.Pipe, filter store.ChangeFilter, disrupted <-chan error) {
	var reason error
	defer func() {
		_ = listener.Close()
		pipe.Finish(reason)
	}()

	notifications := listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pipe.Done():
			return
		case err := <-disrupted:
			reason = err
			return
		case n, ok := <-notifications:
			if !ok {
				reason = store.ErrStreamClosed
				return
			}
			if n == nil {
				// Sent by pq after a reconnect.
				reason = fmt.Errorf("%w: listener reconnected", store.ErrStreamClosed)
				return
			}
			change, err := store.DecodeChange([]byte(n.Extra))
			if err != nil {
				s.logger.Warn("Dropping malformed change notification",
					log.String("channel", n.Channel),
					log.Error(err))
				continue
			}
			if !filter.Match(change.Object) {
				continue
			}
			if !pipe.Send(change) {
				return
			}
		}
	}
}

func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 23 is integrity constraint violation; P0001 is RAISE EXCEPTION
		// from a validation trigger.
		return pqErr.Code.Class() == "23" || pqErr.Code == "P0001"
	}
	return false
}

func upstream(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", store.ErrUpstream, op, err)
	}
	return fmt.Errorf("%w: %s: %v", store.ErrUpstream, op, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
