package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnroutableZone is returned when a zone has no candidate nodes
	ErrUnroutableZone = errors.New("unroutable zone")

	// ErrUnknownStrategy is returned for unsupported strategy names
	ErrUnknownStrategy = errors.New("unknown routing strategy")
)

// snapshot is an immutable candidate list with the selector bound to it
type snapshot struct {
	nodes []NodeAddress
	sel   selector
}

// zoneEntry holds one zone's routing state. Readers load the snapshot without locking;
// writers serialize on mu and publish a new snapshot.
type zoneEntry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// Router maps zones to backend nodes
type Router struct {
	strategy    RoutingStrategy
	newSelector func(n int) selector

	zones sync.Map // zone -> *zoneEntry
}

// NewRouter creates a new router instance
func NewRouter(strategy RoutingStrategy) (*Router, error) {
	factory, ok := newSelectorFactory(strategy)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	return &Router{
		strategy:    strategy,
		newSelector: factory,
	}, nil
}

// Strategy returns the configured selection strategy
func (r *Router) Strategy() RoutingStrategy {
	return r.strategy
}

// Resolve routes a zone to one of its nodes
func (r *Router) Resolve(zone string) (NodeAddress, error) {
	return r.ResolveKey(zone, 0)
}

// ResolveKey routes a zone to one of its nodes; key is used by consistent hashing
func (r *Router) ResolveKey(zone string, key uint64) (NodeAddress, error) {
	v, ok := r.zones.Load(zone)
	if !ok {
		return NodeAddress{}, fmt.Errorf("%w: %q has no routing entry", ErrUnroutableZone, zone)
	}
	snap := v.(*zoneEntry).snap.Load()
	if snap == nil || len(snap.nodes) == 0 {
		return NodeAddress{}, fmt.Errorf("%w: %q has no candidate nodes", ErrUnroutableZone, zone)
	}
	return snap.sel.next(snap.nodes, key), nil
}

func (r *Router) entry(zone string) *zoneEntry {
	if v, ok := r.zones.Load(zone); ok {
		return v.(*zoneEntry)
	}
	v, _ := r.zones.LoadOrStore(zone, &zoneEntry{})
	return v.(*zoneEntry)
}

// update applies fn to a copy of the zone's nodes and publishes the result
func (r *Router) update(zone string, fn func(nodes []NodeAddress) ([]NodeAddress, bool)) bool {
	e := r.entry(zone)
	e.mu.Lock()
	defer e.mu.Unlock()

	var cur []NodeAddress
	if snap := e.snap.Load(); snap != nil {
		cur = make([]NodeAddress, len(snap.nodes))
		copy(cur, snap.nodes)
	}
	next, changed := fn(cur)
	if !changed {
		return false
	}
	e.snap.Store(&snapshot{nodes: next, sel: r.newSelector(len(next))})
	return true
}

// AddStaticNode adds a node to a zone. It returns false if the address was already listed.
func (r *Router) AddStaticNode(zone string, node NodeAddress) bool {
	return r.update(zone, func(nodes []NodeAddress) ([]NodeAddress, bool) {
		for _, n := range nodes {
			if n.String() == node.String() {
				return nil, false
			}
		}
		return append(nodes, node), true
	})
}

// RemoveStaticNode removes a node from a zone by address. It returns false if absent.
func (r *Router) RemoveStaticNode(zone string, node NodeAddress) bool {
	if _, ok := r.zones.Load(zone); !ok {
		return false
	}
	return r.update(zone, func(nodes []NodeAddress) ([]NodeAddress, bool) {
		for i, n := range nodes {
			if n.String() == node.String() {
				return append(nodes[:i], nodes[i+1:]...), true
			}
		}
		return nil, false
	})
}

// ReplaceZone sets a zone's candidate list
func (r *Router) ReplaceZone(zone string, nodes []NodeAddress) {
	next := make([]NodeAddress, len(nodes))
	copy(next, nodes)
	r.update(zone, func([]NodeAddress) ([]NodeAddress, bool) {
		return next, true
	})
}

// RemoveZone drops a zone entirely
func (r *Router) RemoveZone(zone string) {
	r.zones.Delete(zone)
}

// Zones returns the configured zone names in sorted order
func (r *Router) Zones() []string {
	var zones []string
	r.zones.Range(func(k, _ any) bool {
		zones = append(zones, k.(string))
		return true
	})
	sort.Strings(zones)
	return zones
}

// Nodes returns a copy of a zone's candidates
func (r *Router) Nodes(zone string) []NodeAddress {
	v, ok := r.zones.Load(zone)
	if !ok {
		return nil
	}
	snap := v.(*zoneEntry).snap.Load()
	if snap == nil {
		return nil
	}
	nodes := make([]NodeAddress, len(snap.nodes))
	copy(nodes, snap.nodes)
	return nodes
}

// Has reports whether address ("host:port") is currently a candidate of zone
func (r *Router) Has(zone, address string) bool {
	v, ok := r.zones.Load(zone)
	if !ok {
		return false
	}
	snap := v.(*zoneEntry).snap.Load()
	if snap == nil {
		return false
	}
	for _, n := range snap.nodes {
		if n.String() == address {
			return true
		}
	}
	return false
}

// ZonesFor returns the zones listing address ("host:port") as a candidate
func (r *Router) ZonesFor(address string) []string {
	var zones []string
	r.zones.Range(func(k, v any) bool {
		if snap := v.(*zoneEntry).snap.Load(); snap != nil {
			for _, n := range snap.nodes {
				if n.String() == address {
					zones = append(zones, k.(string))
					break
				}
			}
		}
		return true
	})
	sort.Strings(zones)
	return zones
}
