// Package discovery applies runtime zone membership from an external registry
// to the router.
package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/router"
	"go.uber.org/zap"
)

// Snapshot is the full zone -> nodes table as reported by a source
type Snapshot map[string][]router.NodeAddress

// Source is a service registry reporting zone membership
type Source interface {
	// Load returns the current table
	Load(ctx context.Context) (Snapshot, error)

	// Watch calls onChange with a fresh table whenever the registry changes,
	// until ctx is done
	Watch(ctx context.Context, onChange func(Snapshot)) error

	// Close releases the source's resources
	Close() error
}

// EventType is the kind of membership change
type EventType int

const (
	EventAdd EventType = iota
	EventRemove
)

func (t EventType) String() string {
	if t == EventAdd {
		return "add"
	}
	return "remove"
}

// Event is one node joining or leaving a zone
type Event struct {
	Type EventType
	Zone string
	Node router.NodeAddress
}

// Diff returns the events turning prev into next. Removals come first, then additions,
// each ordered by zone and address. A node whose weight changed is removed and re-added.
func Diff(prev, next Snapshot) []Event {
	var removed, added []Event
	for zone, nodes := range prev {
		want := index(next[zone])
		for _, n := range nodes {
			if m, ok := want[n.String()]; !ok || m.Weight != n.Weight {
				removed = append(removed, Event{Type: EventRemove, Zone: zone, Node: n})
			}
		}
	}
	for zone, nodes := range next {
		had := index(prev[zone])
		for _, n := range nodes {
			if m, ok := had[n.String()]; !ok || m.Weight != n.Weight {
				added = append(added, Event{Type: EventAdd, Zone: zone, Node: n})
			}
		}
	}
	sortEvents(removed)
	sortEvents(added)
	return append(removed, added...)
}

func index(nodes []router.NodeAddress) map[string]router.NodeAddress {
	m := make(map[string]router.NodeAddress, len(nodes))
	for _, n := range nodes {
		m[n.String()] = n
	}
	return m
}

func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Zone != events[j].Zone {
			return events[i].Zone < events[j].Zone
		}
		return events[i].Node.String() < events[j].Node.String()
	})
}

// Apply mutates the router with events and returns how many took effect
func Apply(r *router.Router, events []Event) int {
	applied := 0
	for _, ev := range events {
		var ok bool
		switch ev.Type {
		case EventAdd:
			ok = r.AddStaticNode(ev.Zone, ev.Node)
		case EventRemove:
			ok = r.RemoveStaticNode(ev.Zone, ev.Node)
		}
		if ok {
			applied++
			logger.Info("zone membership changed",
				zap.String("event", ev.Type.String()),
				zap.String("zone", ev.Zone),
				zap.String("node", ev.Node.String()),
			)
		}
	}
	return applied
}

// Syncer keeps the router in step with a Source. Zones named by the source are
// owned by it: their router entries follow the reported node lists exactly,
// including nodes that were seeded from static configuration.
type Syncer struct {
	source Source
	router *router.Router

	mu    sync.Mutex
	owned map[string]struct{}
}

// NewSyncer creates a syncer for source and r
func NewSyncer(source Source, r *router.Router) *Syncer {
	return &Syncer{source: source, router: r, owned: make(map[string]struct{})}
}

// Owns reports whether zone was named by the last applied snapshot
func (s *Syncer) Owns(zone string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.owned[zone]
	return ok
}

// Update applies next to the router and returns how many changes took effect.
// Zones that disappeared from the source lose all their nodes.
func (s *Syncer) Update(next Snapshot) int {
	if next == nil {
		metrics.ConfigRefreshErrors.WithLabelValues("discovery").Inc()
		logger.Warn("received nil discovery snapshot, skipping update")
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(Snapshot, len(next)+len(s.owned))
	for zone := range s.owned {
		current[zone] = s.router.Nodes(zone)
	}
	for zone := range next {
		current[zone] = s.router.Nodes(zone)
	}
	n := Apply(s.router, Diff(current, next))

	s.owned = make(map[string]struct{}, len(next))
	for zone := range next {
		s.owned[zone] = struct{}{}
	}
	return n
}

// Run loads the initial table and then follows source changes until ctx is done
func (s *Syncer) Run(ctx context.Context) error {
	snap, err := s.source.Load(ctx)
	if err != nil {
		metrics.ConfigRefreshErrors.WithLabelValues("discovery").Inc()
		logger.Error("initial discovery load failed", zap.Error(err))
	} else {
		s.Update(snap)
	}
	return s.source.Watch(ctx, func(next Snapshot) {
		s.Update(next)
	})
}
