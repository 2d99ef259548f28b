package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Writable() bool                     { return true }
func (c *fakeConn) WaitWritable(context.Context) error { return nil }
func (c *fakeConn) Done() <-chan struct{}              { return c.done }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func TestTable_CreateLookupRemove(t *testing.T) {
	table := NewTable()
	conn := newFakeConn()

	s := table.Create(conn, "127.0.0.1:5000")
	require.NotNil(t, s)
	assert.Equal(t, uint32(1), s.ID)
	assert.Equal(t, 1, table.Count())

	got, ok := table.Lookup(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	removed, ok := table.Remove(s.ID)
	require.True(t, ok)
	assert.Same(t, s, removed)

	_, ok = table.Lookup(s.ID)
	assert.False(t, ok)
	_, ok = table.Remove(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Count())
}

func TestTable_ConcurrentCreateUnique(t *testing.T) {
	table := NewTable()

	const workers = 32
	const perWorker = 200
	ids := make(chan uint32, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- table.Create(newFakeConn(), "").ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		require.NotZero(t, id)
		require.False(t, seen[id], "duplicate session id %d", id)
		seen[id] = true
	}
	assert.Equal(t, workers*perWorker, table.Count())
}

func TestTable_CreateSkipsLiveIDsOnWrap(t *testing.T) {
	table := NewTable()
	first := table.Create(newFakeConn(), "")
	require.Equal(t, uint32(1), first.ID)

	// Force the counter to wrap: next candidates are 0 (skipped) and 1 (still live).
	table.seq.Store(^uint32(0))
	next := table.Create(newFakeConn(), "")
	assert.Equal(t, uint32(2), next.ID)
}

func TestTable_BindZone(t *testing.T) {
	table := NewTable()
	s := table.Create(newFakeConn(), "")

	_, bound := s.Zone()
	assert.False(t, bound)

	require.NoError(t, table.BindZone(s.ID, "zoneA"))
	require.NoError(t, table.BindZone(s.ID, "zoneA"))
	zone, bound := s.Zone()
	assert.True(t, bound)
	assert.Equal(t, "zoneA", zone)
	assert.Equal(t, 1, table.CountByZone("zoneA"))
	assert.Equal(t, 0, table.CountByZone("zoneB"))

	assert.ErrorIs(t, table.BindZone(999, "zoneA"), ErrSessionNotFound)
}

func TestSession_RouteResetOnRebind(t *testing.T) {
	table := NewTable()
	s := table.Create(newFakeConn(), "")

	require.NoError(t, table.BindZone(s.ID, "zoneA"))
	s.Pin("zoneA", "10.0.0.1:7000")
	node, ok := s.Route("zoneA")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:7000", node)
	assert.Equal(t, 1, table.CountByNode("10.0.0.1:7000"))

	_, ok = s.Route("zoneB")
	assert.False(t, ok)

	require.NoError(t, table.BindZone(s.ID, "zoneB"))
	_, ok = s.Route("zoneA")
	assert.False(t, ok)
	assert.Equal(t, "", s.Node())
}

func TestTable_CloseWhere(t *testing.T) {
	table := NewTable()
	connA, connB := newFakeConn(), newFakeConn()
	a := table.Create(connA, "")
	b := table.Create(connB, "")
	require.NoError(t, table.BindZone(a.ID, "zoneA"))
	require.NoError(t, table.BindZone(b.ID, "zoneB"))

	n := table.CloseWhere(func(s *Session) bool {
		z, _ := s.Zone()
		return z == "zoneA"
	})
	assert.Equal(t, 1, n)
	assert.True(t, connA.isClosed())
	assert.False(t, connB.isClosed())
	assert.True(t, a.Closed())

	_, ok := table.Lookup(a.ID)
	assert.False(t, ok)
	_, ok = table.Lookup(b.ID)
	assert.True(t, ok)
}

func TestTable_CloseIdle(t *testing.T) {
	mock := clock.NewMock()
	table := NewTable(WithClock(mock))

	idle := table.Create(newFakeConn(), "")
	active := table.Create(newFakeConn(), "")

	mock.Add(90 * time.Second)
	active.Touch()
	mock.Add(40 * time.Second)

	assert.Equal(t, 1, table.CloseIdle(120*time.Second))
	_, ok := table.Lookup(idle.ID)
	assert.False(t, ok)
	_, ok = table.Lookup(active.ID)
	assert.True(t, ok)
}

func TestTable_RemoveRacesLookup(t *testing.T) {
	table := NewTable()
	s := table.Create(newFakeConn(), "")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if got, ok := table.Lookup(s.ID); ok {
				assert.Equal(t, s.ID, got.ID)
			}
		}
	}()
	go func() {
		defer wg.Done()
		table.Remove(s.ID)
	}()
	wg.Wait()

	_, ok := table.Lookup(s.ID)
	assert.False(t, ok)
}

func TestTable_CloseAll(t *testing.T) {
	table := NewTable()
	for i := 0; i < 5; i++ {
		table.Create(newFakeConn(), "")
	}
	assert.Equal(t, 5, table.CloseAll())
	assert.Equal(t, 0, table.Count())
}
