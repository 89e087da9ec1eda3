// Package redisfeed replaces a store's change feed with a Redis Stream. It is
// used when the object service publishes its change log to Redis instead of
// exposing a native stream.
package redisfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store"
)

// PayloadField is the stream entry field holding the encoded change.
const PayloadField = "payload"

// Reader is the subset of *redis.Client the feed needs.
type Reader interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Stream   string        `yaml:"stream"`
	Block    time.Duration `yaml:"block"`
	Count    int64         `yaml:"count"`
}

func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		Stream: "spatial:changes",
		Block:  5 * time.Second,
		Count:  128,
	}
}

// NewClient dials the Redis server described by cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Feed serves every Client call from the wrapped store except StreamChanges,
// which tails the configured Redis Stream.
type Feed struct {
	store.Client
	rdb    Reader
	config Config
	logger log.Log
}

func New(next store.Client, rdb Reader, cfg Config, logger log.Log) *Feed {
	if cfg.Block <= 0 {
		cfg.Block = DefaultConfig().Block
	}
	if cfg.Count <= 0 {
		cfg.Count = DefaultConfig().Count
	}
	return &Feed{
		Client: next,
		rdb:    rdb,
		config: cfg,
		logger: logger.With(log.String("component", "redis_feed"), log.String("stream", cfg.Stream)),
	}
}

// Relationships forwards to the wrapped store when it supports them.
func (f *Feed) Relationships(ctx context.Context, id spatial.ObjectID) ([]spatial.Relationship, error) {
	rq, ok := f.Client.(store.RelationshipQuerier)
	if !ok {
		return nil, store.ErrUnsupported
	}
	return rq.Relationships(ctx, id)
}

// StreamChanges starts reading after the newest entry present at call time.
// Entries appended while no stream is open are not replayed.
func (f *Feed) StreamChanges(ctx context.Context, filter store.ChangeFilter) (store.ChangeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	pipe := store.NewPipe(int(f.config.Count), cancel)
	go f.tail(ctx, cancel, pipe, filter)
	return pipe, nil
}

func (f *Feed) tail(ctx context.Context, cancel context.CancelFunc, pipe *store.Pipe, filter store.ChangeFilter) {
	var reason error
	defer func() {
		cancel()
		pipe.Finish(reason)
	}()

	lastID := "$"
	for {
		streams, err := f.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{f.config.Stream, lastID},
			Count:   f.config.Count,
			Block:   f.config.Block,
		}).Result()
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			reason = fmt.Errorf("%w: xread %s: %v", store.ErrStreamClosed, f.config.Stream, err)
			return
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID
				change, err := decodeMessage(msg)
				if err != nil {
					f.logger.Warn("Dropping malformed stream entry",
						log.String("entry_id", msg.ID),
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
}

func decodeMessage(msg redis.XMessage) (store.Change, error) {
	raw, ok := msg.Values[PayloadField]
	if !ok {
		return store.Change{}, fmt.Errorf("%w: missing %q field", store.ErrInvalidChange, PayloadField)
	}
	switch v := raw.(type) {
	case string:
		return store.DecodeChange([]byte(v))
	case []byte:
		return store.DecodeChange(v)
	default:
		return store.Change{}, fmt.Errorf("%w: payload of type %T", store.ErrInvalidChange, raw)
	}
}
