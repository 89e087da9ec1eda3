package sync

import (
	"context"

	"github.com/zeusync/spatialsync/internal/core/observability/log"
	"github.com/zeusync/spatialsync/internal/core/spatial"
)

type Strategy string

// StrategyManual hands the conflict back to the client with the current
// server state. It is the only strategy implemented.
const StrategyManual Strategy = "manual"

// ConflictRecord describes a rejected stale update. ServerSnapshot is nil
// when the current state could not be fetched.
type ConflictRecord struct {
	ObjectID       spatial.ObjectID
	ClientVersion  uint64
	ServerVersion  uint64
	ServerSnapshot *spatial.Object
	Strategy       Strategy
}

// ObjectGetter reads the current state of an object.
type ObjectGetter interface {
	GetObject(ctx context.Context, id spatial.ObjectID) (spatial.Object, error)
}

// Resolver builds conflict records. It holds no state between calls.
type Resolver struct {
	getter   ObjectGetter
	strategy Strategy
	logger   log.Log
}

func NewResolver(getter ObjectGetter, logger log.Log) *Resolver {
	return &Resolver{
		getter:   getter,
		strategy: StrategyManual,
		logger:   logger.With(log.String("component", "conflict_resolver")),
	}
}

func (r *Resolver) Strategy() Strategy { return r.strategy }

// Resolve fetches the authoritative state of id for a client that based an
// update on clientVersion while serverVersion was known. If the store is
// already past serverVersion the fetched version is reported.
func (r *Resolver) Resolve(ctx context.Context, id spatial.ObjectID, clientVersion, serverVersion uint64) ConflictRecord {
	rec := ConflictRecord{
		ObjectID:      id,
		ClientVersion: clientVersion,
		ServerVersion: serverVersion,
		Strategy:      r.strategy,
	}

	current, err := r.getter.GetObject(ctx, id)
	if err != nil {
		r.logger.Warn("Conflict snapshot unavailable",
			log.String("object_id", id.String()),
			log.Error(err))
		return rec
	}
	if current.Version > rec.ServerVersion {
		rec.ServerVersion = current.Version
	}
	rec.ServerSnapshot = &current
	return rec
}
