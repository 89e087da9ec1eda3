// Package memory is an in-process implementation of store.Client. It backs
// development mode and the test suites of the sync core.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeusync/spatialsync/internal/core/spatial"
	"github.com/zeusync/spatialsync/internal/core/store"
)

var (
	_ store.Client              = (*Store)(nil)
	_ store.RelationshipQuerier = (*Store)(nil)
)

const watcherBuffer = 1024

// Validator checks an object after properties have been merged. Returning an
// error makes a validated update fail with store.ErrRejected.
type Validator func(obj spatial.Object) error

type Option func(*Store)

func WithValidator(v Validator) Option {
	return func(s *Store) { s.validator = v }
}

// WithClock overrides time.Now for change timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type watcher struct {
	pipe   *store.Pipe
	filter store.ChangeFilter
}

type Store struct {
	mu        sync.RWMutex
	objects   map[spatial.ObjectID]spatial.Object
	relations map[spatial.ObjectID][]spatial.Relationship
	nextID    spatial.ObjectID
	validator Validator
	now       func() time.Time

	// feedMu orders publication so every watcher sees changes in commit order.
	feedMu   sync.Mutex
	watchers map[*watcher]struct{}
}

func New(opts ...Option) *Store {
	s := &Store{
		objects:   make(map[spatial.ObjectID]spatial.Object),
		relations: make(map[spatial.ObjectID][]spatial.Relationship),
		watchers:  make(map[*watcher]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts obj with version 1. A zero ID gets the next free one.
func (s *Store) Create(obj spatial.Object) spatial.Object {
	s.mu.Lock()
	if obj.ID == 0 {
		s.nextID++
		obj.ID = s.nextID
	} else if obj.ID > s.nextID {
		s.nextID = obj.ID
	}
	obj = obj.Clone()
	if obj.Properties == nil {
		obj.Properties = make(map[string]any)
	}
	obj.Version = 1
	s.objects[obj.ID] = obj
	s.feedMu.Lock()
	s.mu.Unlock()

	s.publish(store.ChangeCreated, obj)
	return obj.Clone()
}

// Put stores obj exactly as given, version included, without notifying the
// feed. Tests use it to stage a store state.
func (s *Store) Put(obj spatial.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj.ID > s.nextID {
		s.nextID = obj.ID
	}
	s.objects[obj.ID] = obj.Clone()
}

func (s *Store) Delete(id spatial.ObjectID) error {
	s.mu.Lock()
	obj, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.objects, id)
	delete(s.relations, id)
	s.feedMu.Lock()
	s.mu.Unlock()

	s.publish(store.ChangeDeleted, obj)
	return nil
}

// Relate records a relationship from source to target.
func (s *Store) Relate(source, target spatial.ObjectID, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel := spatial.Relationship{SourceID: source, TargetID: target, Kind: kind}
	s.relations[source] = append(s.relations[source], rel)
	if target != source {
		s.relations[target] = append(s.relations[target], rel)
	}
}

func (s *Store) GetObject(ctx context.Context, id spatial.ObjectID) (spatial.Object, error) {
	if err := ctx.Err(); err != nil {
		return spatial.Object{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	if !ok {
		return spatial.Object{}, fmt.Errorf("%w: %d", store.ErrNotFound, id)
	}
	return obj.Clone(), nil
}

func (s *Store) UpdateObject(ctx context.Context, id spatial.ObjectID, properties map[string]any, validate bool) (spatial.Object, error) {
	if err := ctx.Err(); err != nil {
		return spatial.Object{}, err
	}

	s.mu.Lock()
	current, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return spatial.Object{}, fmt.Errorf("%w: %d", store.ErrNotFound, id)
	}

	next := current.Clone()
	if next.Properties == nil {
		next.Properties = make(map[string]any, len(properties))
	}
	for k, v := range properties {
		next.Properties[k] = v
	}

	if validate && s.validator != nil {
		if err := s.validator(next); err != nil {
			s.mu.Unlock()
			return spatial.Object{}, fmt.Errorf("%w: %v", store.ErrRejected, err)
		}
	}

	next.Version = current.Version + 1
	s.objects[id] = next
	s.feedMu.Lock()
	s.mu.Unlock()

	s.publish(store.ChangeUpdated, next)
	return next.Clone(), nil
}

func (s *Store) QueryRegion(ctx context.Context, region spatial.BoundingBox, types []string, limit int) ([]spatial.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter := store.ChangeFilter{Types: types, Region: &region}

	s.mu.RLock()
	out := make([]spatial.Object, 0)
	for _, obj := range s.objects {
		if filter.Match(obj) {
			out = append(out, obj.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
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

func (s *Store) Relationships(ctx context.Context, id spatial.ObjectID) ([]spatial.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[id]; !ok {
		return nil, fmt.Errorf("%w: %d", store.ErrNotFound, id)
	}
	rels := s.relations[id]
	out := make([]spatial.Relationship, len(rels))
	copy(out, rels)
	return out, nil
}

func (s *Store) StreamChanges(ctx context.Context, filter store.ChangeFilter) (store.ChangeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &watcher{filter: filter}
	w.pipe = store.NewPipe(watcherBuffer, func() { s.dropWatcher(w, nil) })

	s.feedMu.Lock()
	s.watchers[w] = struct{}{}
	s.feedMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = w.pipe.Close()
		case <-w.pipe.Done():
		}
	}()

	return w.pipe, nil
}

// Disconnect terminates every open change stream with err, simulating an
// upstream outage.
func (s *Store) Disconnect(err error) {
	if err == nil {
		err = store.ErrStreamClosed
	}
	s.feedMu.Lock()
	ws := make([]*watcher, 0, len(s.watchers))
	for w := range s.watchers {
		ws = append(ws, w)
	}
	s.feedMu.Unlock()
	for _, w := range ws {
		s.dropWatcher(w, err)
	}
}

// Watchers reports how many change streams are open.
func (s *Store) Watchers() int {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	return len(s.watchers)
}

func (s *Store) dropWatcher(w *watcher, err error) {
	s.feedMu.Lock()
	_, ok := s.watchers[w]
	delete(s.watchers, w)
	s.feedMu.Unlock()
	if ok {
		w.pipe.Finish(err)
	}
}

// publish must be called with feedMu held; it releases it.
func (s *Store) publish(t store.ChangeType, obj spatial.Object) {
	defer s.feedMu.Unlock()
	change := store.Change{Type: t, Object: obj, Timestamp: s.now().UTC()}
	for w := range s.watchers {
		if !w.filter.Match(obj) {
			continue
		}
		c := change
		c.Object = obj.Clone()
		w.pipe.Send(c)
	}
}
