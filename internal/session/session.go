// Package session keeps the table of live connections, at most one per
// user. Each user has its own slot lock so operations for different users
// never contend, and no lock is held while talking to the network: Close
// on an evicted connection only signals its pumps.
package session

import (
	"sort"
	"sync"
	"sync/atomic"

	"go-pairchat/internal/event"
)

// Conn is the outbound side of a live connection.
type Conn interface {
	// Send queues ev for delivery without blocking. It fails if the
	// connection is closed or its buffer is full.
	Send(ev event.Event) error
	// Close asks the connection to shut down. It must not block.
	Close()
}

// Session is a snapshot of a registered connection. Epoch is local to this
// process; Generation is the cluster-wide claim order, zero when unclaimed.
type Session struct {
	UserID       string
	ConnectionID string
	Epoch        uint64
	Generation   uint64
	JoinedRooms  []string
	Conn         Conn
}

// Joined reports whether the session has joined roomID.
func (s Session) Joined(roomID string) bool {
	i := sort.SearchStrings(s.JoinedRooms, roomID)
	return i < len(s.JoinedRooms) && s.JoinedRooms[i] == roomID
}

type entry struct {
	connectionID string
	epoch        uint64
	generation   uint64
	rooms        map[string]struct{}
	conn         Conn
}

func (e *entry) snapshot(userID string) Session {
	rooms := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return Session{
		UserID:       userID,
		ConnectionID: e.connectionID,
		Epoch:        e.epoch,
		Generation:   e.generation,
		JoinedRooms:  rooms,
		Conn:         e.conn,
	}
}

type slot struct {
	mu  sync.Mutex
	cur *entry
	// dead is set once the slot was dropped from the table; a writer that
	// loaded it before that must fetch a fresh one.
	dead bool
}

type Store struct {
	slots   sync.Map // userID -> *slot
	epoch   atomic.Uint64
	size    atomic.Int64
	onEvict func(Session)
}

type Option func(*Store)

// OnEvict registers a hook run after a session was replaced by a newer
// connection for the same user. It runs outside the slot lock.
func OnEvict(fn func(evicted Session)) Option {
	return func(s *Store) { s.onEvict = fn }
}

func New(opts ...Option) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockSlot returns the locked live slot of userID, creating it if needed.
func (s *Store) lockSlot(userID string) *slot {
	for {
		v, ok := s.slots.Load(userID)
		if !ok {
			v, _ = s.slots.LoadOrStore(userID, &slot{})
		}
		sl := v.(*slot)
		sl.mu.Lock()
		if !sl.dead {
			return sl
		}
		sl.mu.Unlock()
	}
}

// clear empties sl and drops it from the table. Caller holds sl.mu.
func (s *Store) clear(userID string, sl *slot) {
	sl.cur = nil
	sl.dead = true
	s.slots.CompareAndDelete(userID, sl)
	s.size.Add(-1)
}

// Register installs conn as the live session of userID. Any previous
// session is closed and replaced; the last connect wins.
func (s *Store) Register(userID, connectionID string, conn Conn) Session {
	sess, _ := s.RegisterClaimed(userID, connectionID, 0, conn)
	return sess
}

// RegisterClaimed is Register for a connection holding cluster-wide claim
// generation. A connection whose generation is older than the live
// session's loses: it is not installed and false is returned.
func (s *Store) RegisterClaimed(userID, connectionID string, generation uint64, conn Conn) (Session, bool) {
	sl := s.lockSlot(userID)
	old := sl.cur
	e := &entry{
		connectionID: connectionID,
		epoch:        s.epoch.Add(1),
		generation:   generation,
		rooms:        make(map[string]struct{}),
		conn:         conn,
	}
	if old != nil && generation != 0 && old.generation > generation {
		sl.mu.Unlock()
		return e.snapshot(userID), false
	}
	sl.cur = e
	var evicted Session
	if old != nil {
		old.conn.Close()
		evicted = old.snapshot(userID)
	} else {
		s.size.Add(1)
	}
	current := e.snapshot(userID)
	sl.mu.Unlock()

	if old != nil && s.onEvict != nil {
		s.onEvict(evicted)
	}
	return current, true
}

// EvictOlder closes and removes the live session of userID when it is not
// keepConnectionID and was claimed before generation. It applies evictions
// announced by other instances.
func (s *Store) EvictOlder(userID, keepConnectionID string, generation uint64) bool {
	v, ok := s.slots.Load(userID)
	if !ok {
		return false
	}
	sl := v.(*slot)

	sl.mu.Lock()
	cur := sl.cur
	if cur == nil || cur.connectionID == keepConnectionID || cur.generation >= generation {
		sl.mu.Unlock()
		return false
	}
	cur.conn.Close()
	evicted := cur.snapshot(userID)
	s.clear(userID, sl)
	sl.mu.Unlock()

	if s.onEvict != nil {
		s.onEvict(evicted)
	}
	return true
}

// Unregister removes the session of userID only if it still belongs to
// connectionID. It reports whether a session was removed.
func (s *Store) Unregister(userID, connectionID string) bool {
	v, ok := s.slots.Load(userID)
	if !ok {
		return false
	}
	sl := v.(*slot)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur == nil || sl.cur.connectionID != connectionID {
		return false
	}
	s.clear(userID, sl)
	return true
}

func (s *Store) Lookup(userID string) (Session, bool) {
	v, ok := s.slots.Load(userID)
	if !ok {
		return Session{}, false
	}
	sl := v.(*slot)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur == nil {
		return Session{}, false
	}
	return sl.cur.snapshot(userID), true
}

// IsCurrent reports whether the live session of userID has the given epoch.
func (s *Store) IsCurrent(userID string, epoch uint64) bool {
	v, ok := s.slots.Load(userID)
	if !ok {
		return false
	}
	sl := v.(*slot)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.cur != nil && sl.cur.epoch == epoch
}

// Join adds rooms to the session identified by epoch. It is a no-op
// returning false when that session has since been replaced or removed.
func (s *Store) Join(userID string, epoch uint64, roomIDs ...string) bool {
	v, ok := s.slots.Load(userID)
	if !ok {
		return false
	}
	sl := v.(*slot)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur == nil || sl.cur.epoch != epoch {
		return false
	}
	for _, id := range roomIDs {
		sl.cur.rooms[id] = struct{}{}
	}
	return true
}

// All returns the ids of users with a live session, sorted.
func (s *Store) All() []string {
	var users []string
	s.slots.Range(func(k, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		live := sl.cur != nil
		sl.mu.Unlock()
		if live {
			users = append(users, k.(string))
		}
		return true
	})
	sort.Strings(users)
	return users
}

func (s *Store) Len() int {
	return int(s.size.Load())
}
