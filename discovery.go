package couchkit

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
)

// SRVResolver abstracts the DNS lookup so discovery can be tested without
// touching the network. *net.Resolver satisfies it.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// DiscoveryConfig controls seed endpoint discovery
type DiscoveryConfig struct {
	// Service is the SRV service label without underscores, e.g. "couchbase"
	Service string `yaml:"service"`
	// Proto is the SRV protocol label without underscores, usually "tcp"
	Proto string `yaml:"proto"`
	// DefaultPort is used when a seed carries no explicit port
	DefaultPort int `yaml:"default_port"`
}

// DefaultDiscoveryConfig returns sensible discovery defaults
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Service:     "couchbase",
		Proto:       "tcp",
		DefaultPort: 11210,
	}
}

// EndpointDiscoverer expands seed hostnames into concrete endpoint
// addresses via DNS SRV, falling back to the literal seed when no SRV
// records exist
type EndpointDiscoverer struct {
	config   DiscoveryConfig
	resolver SRVResolver
	logger   Logger
}

// NewEndpointDiscoverer creates a discoverer using the system resolver
func NewEndpointDiscoverer(config DiscoveryConfig) *EndpointDiscoverer {
	return &EndpointDiscoverer{
		config:   config,
		resolver: net.DefaultResolver,
		logger:   &NoOpLogger{},
	}
}

// SetResolver overrides the DNS resolver (used in tests)
func (d *EndpointDiscoverer) SetResolver(resolver SRVResolver) {
	d.resolver = resolver
}

// SetLogger sets the logger for discovery diagnostics
func (d *EndpointDiscoverer) SetLogger(logger Logger) {
	d.logger = logger
}

// Discover expands each seed into endpoints. Seeds with an explicit port
// are taken literally. Bare hostnames are looked up via SRV; the records
// are ordered by priority then descending weight. A seed whose lookup
// fails or returns nothing falls back to host:DefaultPort.
func (d *EndpointDiscoverer) Discover(ctx context.Context, seeds []string) ([]string, error) {
	if len(seeds) == 0 {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"reason": "at least one seed is required",
		})
	}

	var endpoints []string
	seen := make(map[string]bool)
	add := func(ep string) {
		if !seen[ep] {
			seen[ep] = true
			endpoints = append(endpoints, ep)
		}
	}

	for _, seed := range seeds {
		if strings.Contains(seed, ":") {
			add(seed)
			continue
		}

		_, records, err := d.resolver.LookupSRV(ctx, d.config.Service, d.config.Proto, seed)
		if err != nil || len(records) == 0 {
			if err != nil {
				d.logger.Debug("SRV lookup failed, using seed directly", "seed", seed, "error", err)
			}
			add(fmt.Sprintf("%s:%d", seed, d.config.DefaultPort))
			continue
		}

		sort.SliceStable(records, func(i, j int) bool {
			if records[i].Priority != records[j].Priority {
				return records[i].Priority < records[j].Priority
			}
			return records[i].Weight > records[j].Weight
		})
		for _, rec := range records {
			add(fmt.Sprintf("%s:%d", strings.TrimSuffix(rec.Target, "."), rec.Port))
		}
	}

	if len(endpoints) == 0 {
		return nil, ErrNoEndpointsAvailable
	}
	return endpoints, nil
}
