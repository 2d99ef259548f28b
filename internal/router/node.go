package router

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NodeAddress is a backend node candidate for a zone
type NodeAddress struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	Weight int    `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// String returns host:port, the key the backend pool dials
func (n NodeAddress) String() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// weight returns the effective weight (at least 1)
func (n NodeAddress) weight() int {
	if n.Weight <= 0 {
		return 1
	}
	return n.Weight
}

// ParseNodeAddress parses "host:port" or "host:port#weight"
func ParseNodeAddress(s string) (NodeAddress, error) {
	addr, weightStr, hasWeight := strings.Cut(strings.TrimSpace(s), "#")
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("invalid port in node address %q", s)
	}
	n := NodeAddress{Host: host, Port: port}
	if hasWeight {
		w, err := strconv.Atoi(weightStr)
		if err != nil || w <= 0 {
			return NodeAddress{}, fmt.Errorf("invalid weight in node address %q", s)
		}
		n.Weight = w
	}
	return n, nil
}

// ParseNodeAddresses parses a list of node addresses
func ParseNodeAddresses(list []string) ([]NodeAddress, error) {
	nodes := make([]NodeAddress, 0, len(list))
	for _, s := range list {
		n, err := ParseNodeAddress(s)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
