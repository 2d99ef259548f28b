package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(t *testing.T, s string) router.NodeAddress {
	t.Helper()
	n, err := router.ParseNodeAddress(s)
	require.NoError(t, err)
	return n
}

func TestDiff(t *testing.T) {
	prev := Snapshot{
		"zoneA": {node(t, "a:1"), node(t, "b:1")},
		"zoneB": {node(t, "c:1#2")},
	}
	next := Snapshot{
		"zoneA": {node(t, "b:1"), node(t, "d:1")},
		"zoneB": {node(t, "c:1#5")},
		"zoneC": {node(t, "e:1")},
	}

	assert.Equal(t, []Event{
		{Type: EventRemove, Zone: "zoneA", Node: node(t, "a:1")},
		{Type: EventRemove, Zone: "zoneB", Node: node(t, "c:1#2")},
		{Type: EventAdd, Zone: "zoneA", Node: node(t, "d:1")},
		{Type: EventAdd, Zone: "zoneB", Node: node(t, "c:1#5")},
		{Type: EventAdd, Zone: "zoneC", Node: node(t, "e:1")},
	}, Diff(prev, next))

	assert.Empty(t, Diff(next, next))
}

func TestApply(t *testing.T) {
	r, err := router.NewRouter(router.StrategyRoundRobin)
	require.NoError(t, err)
	r.ReplaceZone("zoneA", []router.NodeAddress{node(t, "a:1")})

	n := Apply(r, []Event{
		{Type: EventAdd, Zone: "zoneA", Node: node(t, "b:1")},
		{Type: EventAdd, Zone: "zoneA", Node: node(t, "a:1")}, // already present
		{Type: EventRemove, Zone: "zoneA", Node: node(t, "a:1")},
		{Type: EventRemove, Zone: "zoneX", Node: node(t, "a:1")}, // unknown zone
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []router.NodeAddress{node(t, "b:1")}, r.Nodes("zoneA"))
}

type fakeSource struct {
	initial Snapshot
	loadErr error
	updates []Snapshot
}

func (f *fakeSource) Load(context.Context) (Snapshot, error) { return f.initial, f.loadErr }

func (f *fakeSource) Watch(ctx context.Context, onChange func(Snapshot)) error {
	for _, u := range f.updates {
		onChange(u)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) Close() error { return nil }

func TestSyncer_Run(t *testing.T) {
	r, err := router.NewRouter(router.StrategyRoundRobin)
	require.NoError(t, err)

	src := &fakeSource{
		initial: Snapshot{"zoneA": {node(t, "a:1")}},
		updates: []Snapshot{
			{"zoneA": {node(t, "a:1"), node(t, "b:1")}},
			{"zoneA": {node(t, "b:1")}},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = NewSyncer(src, r).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []router.NodeAddress{node(t, "b:1")}, r.Nodes("zoneA"))
}

func TestSyncer_InitialLoadFailureStillWatches(t *testing.T) {
	r, err := router.NewRouter(router.StrategyRoundRobin)
	require.NoError(t, err)

	src := &fakeSource{
		loadErr: errors.New("registry down"),
		updates: []Snapshot{{"zoneB": {node(t, "c:1")}}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_ = NewSyncer(src, r).Run(ctx)
	assert.Equal(t, []string{"zoneB"}, r.Zones())
}

func TestSyncer_NilSnapshotIgnored(t *testing.T) {
	r, err := router.NewRouter(router.StrategyRoundRobin)
	require.NoError(t, err)
	s := NewSyncer(&fakeSource{}, r)
	require.Equal(t, 1, s.Update(Snapshot{"zoneA": {node(t, "a:1")}}))
	assert.Equal(t, 0, s.Update(nil))
	assert.Len(t, r.Nodes("zoneA"), 1)
}

func TestSyncer_TakesOverStaticZone(t *testing.T) {
	r, err := router.NewRouter(router.StrategyRoundRobin)
	require.NoError(t, err)
	r.ReplaceZone("zoneA", []router.NodeAddress{node(t, "static:1")})
	r.ReplaceZone("zoneS", []router.NodeAddress{node(t, "static:2")})

	s := NewSyncer(&fakeSource{}, r)
	s.Update(Snapshot{"zoneA": {node(t, "d:1")}})

	assert.Equal(t, []router.NodeAddress{node(t, "d:1")}, r.Nodes("zoneA"))
	assert.Equal(t, []router.NodeAddress{node(t, "static:2")}, r.Nodes("zoneS"))
	assert.True(t, s.Owns("zoneA"))
	assert.False(t, s.Owns("zoneS"))

	// zone dropped by the source loses its nodes
	s.Update(Snapshot{})
	assert.Empty(t, r.Nodes("zoneA"))
	assert.False(t, s.Owns("zoneA"))
}
