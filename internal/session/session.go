package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/benbjohnson/clock"
)

// ErrSessionNotFound is returned for ids that are not (or no longer) in the table
var ErrSessionNotFound = errors.New("session not found")

// Conn is the client-facing connection owned by a session
type Conn interface {
	Write(frame []byte) error
	Writable() bool
	WaitWritable(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

// Route is the node a session is pinned to for a zone
type Route struct {
	Zone string
	Node string
}

// Session represents one live client connection.
// ID, RemoteAddr and CreatedAt are immutable; the rest is safe for concurrent use.
type Session struct {
	// ID is unique among live sessions and never 0
	ID uint32

	// RemoteAddr is the client address
	RemoteAddr string

	// CreatedAt is the session creation time
	CreatedAt time.Time

	conn         Conn
	clock        clock.Clock
	zone         atomic.Pointer[string]
	route        atomic.Pointer[Route]
	lastActivity atomic.Int64 // unix nanoseconds
	closed       atomic.Bool
}

// Zone returns the bound zone, or false while the session is unbound
func (s *Session) Zone() (string, bool) {
	z := s.zone.Load()
	if z == nil {
		return "", false
	}
	return *z, true
}

// bindZone sets the zone and drops a pinned route that belongs to another zone
func (s *Session) bindZone(zone string) {
	if cur := s.zone.Load(); cur != nil && *cur == zone {
		return
	}
	s.zone.Store(&zone)
	if r := s.route.Load(); r != nil && r.Zone != zone {
		s.route.CompareAndSwap(r, nil)
	}
}

// Route returns the pinned node for zone, if any
func (s *Session) Route(zone string) (string, bool) {
	r := s.route.Load()
	if r == nil || r.Zone != zone {
		return "", false
	}
	return r.Node, true
}

// Node returns the currently pinned node address, or "" if none
func (s *Session) Node() string {
	if r := s.route.Load(); r != nil {
		return r.Node
	}
	return ""
}

// Pin records the node serving zone for this session
func (s *Session) Pin(zone, node string) {
	s.route.Store(&Route{Zone: zone, Node: node})
}

// Unpin forgets the pinned node if it is still node
func (s *Session) Unpin(node string) {
	if r := s.route.Load(); r != nil && r.Node == node {
		s.route.CompareAndSwap(r, nil)
	}
}

// Touch records client activity
func (s *Session) Touch() {
	s.lastActivity.Store(s.clock.Now().UnixNano())
}

// LastActivity returns the time of the last recorded activity
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Send queues an encoded edge frame to the client
func (s *Session) Send(frame []byte) error {
	return s.conn.Write(frame)
}

// Writable reports whether the client connection is below its high watermark
func (s *Session) Writable() bool {
	return s.conn.Writable()
}

// WaitWritable blocks until the client connection drains below its low watermark
func (s *Session) WaitWritable(ctx context.Context) error {
	return s.conn.WaitWritable(ctx)
}

// Done is closed when the client connection is closed
func (s *Session) Done() <-chan struct{} {
	return s.conn.Done()
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close closes the client connection. Safe to call multiple times.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

const shardCount = 16

// Table manages live client sessions in memory
// Optimized: uses sharded maps to reduce lock contention
type Table struct {
	shards [shardCount]*shard // 16 shards for better concurrency
	seq    atomic.Uint32
	clock  clock.Clock
}

// shard is a shard of the session map
type shard struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
}

// Option configures a Table
type Option func(*Table)

// WithClock sets the clock used for timestamps and idle checks
func WithClock(c clock.Clock) Option {
	return func(t *Table) {
		t.clock = c
	}
}

// NewTable creates a new session table
func NewTable(opts ...Option) *Table {
	t := &Table{clock: clock.New()}
	for _, opt := range opts {
		opt(t)
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			sessions: make(map[uint32]*Session),
		}
	}
	return t
}

// getShard returns the shard for a given session ID
func (t *Table) getShard(id uint32) *shard {
	// Use low 4 bits for shard selection (16 shards)
	return t.shards[id&(shardCount-1)]
}

// Create registers a session for conn under a fresh id.
// Ids come from a wrapping counter; 0 and ids still live are skipped.
func (t *Table) Create(conn Conn, remoteAddr string) *Session {
	now := t.clock.Now()
	for {
		id := t.seq.Add(1)
		if id == 0 {
			continue
		}
		sh := t.getShard(id)
		sh.mu.Lock()
		if _, live := sh.sessions[id]; live {
			sh.mu.Unlock()
			continue
		}
		s := &Session{
			ID:         id,
			RemoteAddr: remoteAddr,
			CreatedAt:  now,
			conn:       conn,
			clock:      t.clock,
		}
		s.lastActivity.Store(now.UnixNano())
		sh.sessions[id] = s
		sh.mu.Unlock()

		metrics.ActiveSessions.Inc()
		return s
	}
}

// BindZone binds a session to a routing zone. Binding the same zone again is a no-op.
func (t *Table) BindZone(id uint32, zone string) error {
	s, ok := t.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.bindZone(zone)
	return nil
}

// Lookup gets a session by id
func (t *Table) Lookup(id uint32) (*Session, bool) {
	sh := t.getShard(id)
	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	return s, ok
}

// Remove unregisters a session. Lookups that follow observe its absence.
func (t *Table) Remove(id uint32) (*Session, bool) {
	sh := t.getShard(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()

	if ok {
		metrics.ActiveSessions.Dec()
	}
	return s, ok
}

// Count returns the number of live sessions
func (t *Table) Count() int {
	total := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		total += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return total
}

// CountByZone returns the number of live sessions bound to zone
func (t *Table) CountByZone(zone string) int {
	n := 0
	t.Range(func(s *Session) bool {
		if z, ok := s.Zone(); ok && z == zone {
			n++
		}
		return true
	})
	return n
}

// CountByNode returns the number of live sessions pinned to a node address
func (t *Table) CountByNode(node string) int {
	n := 0
	t.Range(func(s *Session) bool {
		if s.Node() == node {
			n++
		}
		return true
	})
	return n
}

// Range calls fn for each live session until fn returns false.
// fn runs under a shard read lock and must not call back into the table.
func (t *Table) Range(fn func(s *Session) bool) {
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if !fn(s) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// CloseWhere removes every session matching pred and then closes its connection.
// Removal happens before close so no inbound packet is delivered after this returns.
func (t *Table) CloseWhere(pred func(s *Session) bool) int {
	var victims []*Session
	for _, sh := range t.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if pred(s) {
				delete(sh.sessions, id)
				victims = append(victims, s)
			}
		}
		sh.mu.Unlock()
	}

	for _, s := range victims {
		metrics.ActiveSessions.Dec()
		_ = s.Close()
	}
	return len(victims)
}

// CloseIdle closes sessions without activity for longer than idleTimeout
func (t *Table) CloseIdle(idleTimeout time.Duration) int {
	now := t.clock.Now()
	return t.CloseWhere(func(s *Session) bool {
		return now.Sub(s.LastActivity()) > idleTimeout
	})
}

// CloseAll closes every live session
func (t *Table) CloseAll() int {
	return t.CloseWhere(func(*Session) bool { return true })
}
