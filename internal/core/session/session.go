// Package session tracks connected clients, their subscriptions, and fans
// messages out to them.
package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/spatialsync/internal/core/spatial"
)

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

// Conn is the outbound half of a client connection. Send must not block: a
// connection that cannot take more data reports an error wrapping ErrTransport.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Subscription is a standing interest in a region, optionally restricted to
// some object types.
type Subscription struct {
	Region      spatial.BoundingBox
	ObjectTypes map[string]struct{}
}

func NewSubscription(region spatial.BoundingBox, types []string) Subscription {
	sub := Subscription{Region: region}
	if len(types) > 0 {
		sub.ObjectTypes = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.ObjectTypes[t] = struct{}{}
		}
	}
	return sub
}

// Matches reports whether obj's footprint intersects the region and its type
// passes the filter. An empty filter admits every type.
func (s Subscription) Matches(obj spatial.Object) bool {
	if len(s.ObjectTypes) > 0 {
		if _, ok := s.ObjectTypes[obj.Type]; !ok {
			return false
		}
	}
	return s.Region.Intersects(obj.Geometry.Footprint())
}

// Types returns the type filter in sorted order.
func (s Subscription) Types() []string {
	if len(s.ObjectTypes) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.ObjectTypes))
	for t := range s.ObjectTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Session is one connected client. It lives exactly as long as the
// connection; subscriptions are never removed individually.
type Session struct {
	ID          ID
	Conn        Conn
	ConnectedAt time.Time

	lastSeen atomic.Int64 // unix nanos

	mu   sync.RWMutex
	subs []Subscription
}

func newSession(conn Conn, now time.Time) *Session {
	s := &Session{ID: NewID(), Conn: conn, ConnectedAt: now}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) addSubscription(sub Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *Session) Subscriptions() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, len(s.subs))
	copy(out, s.subs)
	return out
}

// Matches reports whether any subscription of the session admits obj.
func (s *Session) Matches(obj spatial.Object) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.Matches(obj) {
			return true
		}
	}
	return false
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}
