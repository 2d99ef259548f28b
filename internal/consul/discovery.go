// Package consul discovers zone membership from Consul's health API.
package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/discovery"
	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/retry"
	"github.com/SkynetNext/edge-gateway/internal/router"
	"go.uber.org/zap"
)

// ServiceEntry represents a service instance from Consul
type ServiceEntry struct {
	Address string
	Port    int
	Meta    map[string]string
}

// Discovery is a discovery.Source over Consul blocking queries.
// Instances name their zones in a comma-separated service meta field and
// may carry a "weight" meta field.
type Discovery struct {
	consulAddress string
	token         string
	service       string
	zoneMetaKey   string
	waitTime      time.Duration
	httpClient    *http.Client
}

var _ discovery.Source = (*Discovery)(nil)

// NewDiscovery creates a new Consul service discovery instance
func NewDiscovery(cfg *config.ConsulConfig) *Discovery {
	wait := cfg.WaitTime
	if wait <= 0 {
		wait = 30 * time.Second
	}
	metaKey := cfg.ZoneMetaKey
	if metaKey == "" {
		metaKey = "zone"
	}
	return &Discovery{
		consulAddress: strings.TrimRight(cfg.Addr, "/"),
		token:         cfg.Token,
		service:       cfg.Service,
		zoneMetaKey:   metaKey,
		waitTime:      wait,
		httpClient: &http.Client{
			// blocking queries may hold the request for up to wait + wait/16
			Timeout: wait + wait/16 + 5*time.Second,
		},
	}
}

// Close releases idle HTTP connections
func (d *Discovery) Close() error {
	d.httpClient.CloseIdleConnections()
	return nil
}

// Load queries Consul once for healthy instances
func (d *Discovery) Load(ctx context.Context) (discovery.Snapshot, error) {
	var snap discovery.Snapshot
	err := retry.Do(ctx, retry.RetryConfig{MaxRetries: 3, RetryDelay: 200 * time.Millisecond}, func() error {
		entries, _, err := d.DiscoverServices(ctx, 0)
		if err != nil {
			return err
		}
		snap = d.group(entries)
		return nil
	})
	return snap, err
}

// Watch follows the service with blocking queries until ctx is done
func (d *Discovery) Watch(ctx context.Context, onChange func(discovery.Snapshot)) error {
	backoff := retry.Backoff{Base: time.Second, Max: 30 * time.Second}
	var index uint64
	failures := 0
	for {
		entries, next, err := d.DiscoverServices(ctx, index)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.ConfigRefreshErrors.WithLabelValues("consul").Inc()
			delay := backoff.Delay(failures)
			failures++
			logger.Error("Consul service discovery failed",
				zap.String("service", d.service),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		failures = 0

		// An index that goes backwards means the agent state was reset
		if next < index {
			next = 0
		}
		if next != index {
			onChange(d.group(entries))
		}
		index = next
	}
}

// DiscoverServices queries /v1/health/service/{service}?passing. A non-zero index
// makes it a blocking query that returns when the result changes or wait expires.
func (d *Discovery) DiscoverServices(ctx context.Context, index uint64) ([]ServiceEntry, uint64, error) {
	q := url.Values{}
	q.Set("passing", "true")
	if index > 0 {
		q.Set("index", strconv.FormatUint(index, 10))
		q.Set("wait", d.waitTime.String())
	}
	u := fmt.Sprintf("%s/v1/health/service/%s?%s", d.consulAddress, url.PathEscape(d.service), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("X-Consul-Token", d.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query Consul: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, fmt.Errorf("consul API returned status %d: %s", resp.StatusCode, string(body))
	}

	var raw []struct {
		Node struct {
			Address string `json:"Address"`
		} `json:"Node"`
		Service struct {
			Address string            `json:"Address"`
			Port    int               `json:"Port"`
			Meta    map[string]string `json:"Meta"`
		} `json:"Service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}

	newIndex, _ := strconv.ParseUint(resp.Header.Get("X-Consul-Index"), 10, 64)

	entries := make([]ServiceEntry, 0, len(raw))
	for _, r := range raw {
		addr := r.Service.Address
		if addr == "" {
			// Consul falls back to the agent address when the service has none
			addr = r.Node.Address
		}
		entries = append(entries, ServiceEntry{
			Address: addr,
			Port:    r.Service.Port,
			Meta:    r.Service.Meta,
		})
	}
	return entries, newIndex, nil
}

// group builds the zone table from service entries
func (d *Discovery) group(entries []ServiceEntry) discovery.Snapshot {
	snap := make(discovery.Snapshot)
	for _, e := range entries {
		zones := e.Meta[d.zoneMetaKey]
		if zones == "" {
			// Skip services without a zone
			continue
		}
		if e.Address == "" || e.Port <= 0 || e.Port > 65535 {
			logger.Warn("invalid service address in Consul",
				zap.String("service", d.service),
				zap.String("address", e.Address),
				zap.Int("port", e.Port))
			continue
		}

		n := router.NodeAddress{Host: e.Address, Port: e.Port}
		if ws := e.Meta["weight"]; ws != "" {
			w, err := strconv.Atoi(ws)
			if err != nil || w <= 0 {
				logger.Warn("invalid weight in service meta",
					zap.String("service", d.service),
					zap.String("weight", ws))
			} else {
				n.Weight = w
			}
		}

		for _, zone := range strings.Split(zones, ",") {
			zone = strings.TrimSpace(zone)
			if zone != "" {
				snap[zone] = append(snap[zone], n)
			}
		}
	}
	for _, nodes := range snap {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })
	}
	return snap
}
