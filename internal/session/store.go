// Package session tracks the connected identities of one hub route.
//
// A Store is created when a session-capable hub is mounted and dropped at
// shutdown. Each identity maps to an entry holding an atomic pointer to an
// immutable record; every mutation is a compare-and-swap over a pure merge
// so concurrent connects and disconnects never lose an update.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session is a point-in-time snapshot of one identity's state.
type Session struct {
	Identity        string
	ConnectionCount int
	ClientAddress   string
	FirstSeenAt     time.Time
	LastActivityAt  time.Time
}

type record struct {
	Session
	evicted bool
}

type entry struct {
	p atomic.Pointer[record]
}

// Store is a concurrent identity -> session map.
type Store struct {
	m       sync.Map // identity -> *entry
	now     func() time.Time
	onEvict func(Session)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEvictHook is called once for every session removed from the store.
func WithEvictHook(fn func(Session)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate records a new connection for identity, creating the session on
// first touch, and returns the updated snapshot with a per-connection Ref.
func (s *Store) GetOrCreate(identity, clientAddr string) (Session, *Ref) {
	for {
		e := s.loadOrStore(identity)
		now := s.now()
		next, ok := e.update(func(cur *record) *record {
			if cur == nil {
				return &record{Session: Session{
					Identity:        identity,
					ConnectionCount: 1,
					ClientAddress:   clientAddr,
					FirstSeenAt:     now,
					LastActivityAt:  now,
				}}
			}
			r := *cur
			r.ConnectionCount++
			r.LastActivityAt = now
			if clientAddr != "" {
				r.ClientAddress = clientAddr
			}
			return &r
		})
		if ok {
			return next.Session, &Ref{store: s, identity: identity, e: e}
		}
		// Entry was evicted between load and update; retry on a fresh one.
	}
}

// Release records a disconnect for identity. The session is evicted when its
// count reaches zero. Releasing an unknown identity is a no-op.
func (s *Store) Release(identity string) (Session, bool) {
	v, ok := s.m.Load(identity)
	if !ok {
		return Session{}, false
	}
	return s.release(identity, v.(*entry))
}

func (s *Store) release(identity string, e *entry) (Session, bool) {
	now := s.now()
	next, ok := e.update(func(cur *record) *record {
		if cur == nil {
			return nil
		}
		r := *cur
		r.LastActivityAt = now
		if r.ConnectionCount > 0 {
			r.ConnectionCount--
		}
		if r.ConnectionCount == 0 {
			r.evicted = true
		}
		return &r
	})
	if !ok || next == nil {
		return Session{}, false
	}
	if next.evicted {
		s.evict(identity, e, next.Session)
	}
	return next.Session, true
}

// Touch refreshes LastActivityAt for a live session.
func (s *Store) Touch(identity string) bool {
	v, ok := s.m.Load(identity)
	if !ok {
		return false
	}
	now := s.now()
	_, ok = v.(*entry).update(func(cur *record) *record {
		if cur == nil {
			return nil
		}
		r := *cur
		r.LastActivityAt = now
		return &r
	})
	return ok
}

// Get returns the current snapshot for identity.
func (s *Store) Get(identity string) (Session, bool) {
	v, ok := s.m.Load(identity)
	if !ok {
		return Session{}, false
	}
	r := v.(*entry).p.Load()
	if r == nil || r.evicted {
		return Session{}, false
	}
	return r.Session, true
}

// IsConnected reports whether identity has at least one live connection.
func (s *Store) IsConnected(identity string) bool {
	sess, ok := s.Get(identity)
	return ok && sess.ConnectionCount > 0
}

// SweepExpired evicts sessions idle for longer than threshold and returns
// them. A session that reconnects during the sweep is recreated afresh.
func (s *Store) SweepExpired(threshold time.Duration) []Session {
	cutoff := s.now().Add(-threshold)
	var swept []Session
	s.m.Range(func(k, v any) bool {
		e := v.(*entry)
		next, ok := e.update(func(cur *record) *record {
			if cur == nil || !cur.LastActivityAt.Before(cutoff) {
				return cur
			}
			r := *cur
			r.evicted = true
			return &r
		})
		if ok && next != nil && next.evicted {
			s.evict(k.(string), e, next.Session)
			swept = append(swept, next.Session)
		}
		return true
	})
	return swept
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	n := 0
	s.Range(func(Session) bool {
		n++
		return true
	})
	return n
}

// Range calls fn for every live session until fn returns false.
func (s *Store) Range(fn func(Session) bool) {
	s.m.Range(func(_, v any) bool {
		r := v.(*entry).p.Load()
		if r == nil || r.evicted {
			return true
		}
		return fn(r.Session)
	})
}

func (s *Store) loadOrStore(identity string) *entry {
	if v, ok := s.m.Load(identity); ok {
		return v.(*entry)
	}
	v, _ := s.m.LoadOrStore(identity, &entry{})
	return v.(*entry)
}

func (s *Store) evict(identity string, e *entry, last Session) {
	if s.m.CompareAndDelete(identity, e) && s.onEvict != nil {
		s.onEvict(last)
	}
}

// update applies fn until the CAS succeeds. It returns false when the entry
// is already evicted, so the caller must not use it.
func (e *entry) update(fn func(cur *record) *record) (*record, bool) {
	for {
		cur := e.p.Load()
		if cur != nil && cur.evicted {
			return nil, false
		}
		next := fn(cur)
		if next == cur {
			return cur, true
		}
		if e.p.CompareAndSwap(cur, next) {
			return next, true
		}
	}
}

// Ref is a connection's cached handle on its own session entry.
type Ref struct {
	store    *Store
	identity string
	e        *entry
}

func (r *Ref) Identity() string { return r.identity }

// Session returns the live snapshot without a map lookup while the cached
// entry is current, and falls back to the store once it has been evicted.
func (r *Ref) Session() (Session, bool) {
	if rec := r.e.p.Load(); rec != nil && !rec.evicted {
		return rec.Session, true
	}
	return r.store.Get(r.identity)
}

// Release records this connection's disconnect against the entry it was
// counted in. After a sweep has evicted that entry it is a no-op, so a stale
// connection never decrements a session recreated by a later reconnect.
func (r *Ref) Release() (Session, bool) {
	return r.store.release(r.identity, r.e)
}

// Touch refreshes the cached session's activity time.
func (r *Ref) Touch() bool {
	now := r.store.now()
	_, ok := r.e.update(func(cur *record) *record {
		if cur == nil {
			return nil
		}
		rec := *cur
		rec.LastActivityAt = now
		return &rec
	})
	if !ok {
		return r.store.Touch(r.identity)
	}
	return true
}
