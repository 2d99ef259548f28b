package router

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// RoutingStrategy represents routing strategy type
type RoutingStrategy string

const (
	StrategyStatic             RoutingStrategy = "static"
	StrategyRoundRobin         RoutingStrategy = "round_robin"
	StrategyWeightedRoundRobin RoutingStrategy = "weighted_round_robin"
	StrategyConsistentHash     RoutingStrategy = "consistent_hash"
)

// selector picks one of a zone's candidates. A selector is bound to one immutable
// candidate list and is replaced together with it.
type selector interface {
	next(nodes []NodeAddress, key uint64) NodeAddress
}

func newSelectorFactory(strategy RoutingStrategy) (func(n int) selector, bool) {
	switch strategy {
	case StrategyStatic:
		return func(int) selector { return staticSelector{} }, true
	case StrategyRoundRobin, "":
		return func(int) selector { return &roundRobinSelector{} }, true
	case StrategyWeightedRoundRobin:
		return func(n int) selector { return &weightedSelector{current: make([]int, n)} }, true
	case StrategyConsistentHash:
		return func(int) selector { return hashSelector{} }, true
	default:
		return nil, false
	}
}

// staticSelector always returns the first configured node
type staticSelector struct{}

func (staticSelector) next(nodes []NodeAddress, _ uint64) NodeAddress {
	return nodes[0]
}

// roundRobinSelector cycles through the candidates starting with the first one
type roundRobinSelector struct {
	counter atomic.Uint64
}

func (s *roundRobinSelector) next(nodes []NodeAddress, _ uint64) NodeAddress {
	i := s.counter.Add(1) - 1
	return nodes[i%uint64(len(nodes))]
}

// weightedSelector implements smooth weighted round-robin
type weightedSelector struct {
	mu      sync.Mutex
	current []int
}

func (s *weightedSelector) next(nodes []NodeAddress, _ uint64) NodeAddress {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	best := 0
	for i, n := range nodes {
		w := n.weight()
		s.current[i] += w
		total += w
		if s.current[i] > s.current[best] {
			best = i
		}
	}
	s.current[best] -= total
	return nodes[best]
}

// hashSelector uses rendezvous hashing so a key keeps its node while the node stays listed
type hashSelector struct{}

func (hashSelector) next(nodes []NodeAddress, key uint64) NodeAddress {
	var keyBuf [8]byte
	binary.BigEndian.PutUint64(keyBuf[:], key)

	best := 0
	var bestScore uint64
	for i, n := range nodes {
		d := xxhash.New()
		_, _ = d.WriteString(n.String())
		_, _ = d.Write(keyBuf[:])
		if score := d.Sum64(); i == 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return nodes[best]
}
