package couchkit

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeResolver struct {
	records map[string][]*net.SRV
	err     error
}

func (r *fakeResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	if r.err != nil {
		return "", nil, r.err
	}
	return "", r.records[name], nil
}

func TestDiscover_SRVRecordsOrderedByPriority(t *testing.T) {
	d := NewEndpointDiscoverer(DefaultDiscoveryConfig())
	d.SetResolver(&fakeResolver{records: map[string][]*net.SRV{
		"cluster.example.com": {
			{Target: "node2.example.com.", Port: 11210, Priority: 20, Weight: 10},
			{Target: "node1.example.com.", Port: 11210, Priority: 10, Weight: 5},
			{Target: "node3.example.com.", Port: 11210, Priority: 20, Weight: 30},
		},
	}})

	endpoints, err := d.Discover(context.Background(), []string{"cluster.example.com"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	// Priority 10 first, then priority 20 by descending weight;
	// trailing dots trimmed
	want := []string{
		"node1.example.com:11210",
		"node3.example.com:11210",
		"node2.example.com:11210",
	}
	if len(endpoints) != len(want) {
		t.Fatalf("Expected %d endpoints, got %v", len(want), endpoints)
	}
	for i, ep := range want {
		if endpoints[i] != ep {
			t.Errorf("Endpoint %d: expected %s, got %s", i, ep, endpoints[i])
		}
	}
}

func TestDiscover_LookupFailureFallsBackToSeed(t *testing.T) {
	d := NewEndpointDiscoverer(DefaultDiscoveryConfig())
	d.SetResolver(&fakeResolver{err: errors.New("no such host")})

	endpoints, err := d.Discover(context.Background(), []string{"node1.example.com"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0] != "node1.example.com:11210" {
		t.Errorf("Expected fallback to seed with default port, got %v", endpoints)
	}
}

func TestDiscover_SeedWithPortTakenLiterally(t *testing.T) {
	d := NewEndpointDiscoverer(DefaultDiscoveryConfig())
	// Resolver would fail, but a host:port seed never hits it
	d.SetResolver(&fakeResolver{err: errors.New("should not be called")})

	endpoints, err := d.Discover(context.Background(), []string{"node1:9999"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0] != "node1:9999" {
		t.Errorf("Expected literal seed, got %v", endpoints)
	}
}

func TestDiscover_DeduplicatesEndpoints(t *testing.T) {
	d := NewEndpointDiscoverer(DefaultDiscoveryConfig())
	d.SetResolver(&fakeResolver{records: map[string][]*net.SRV{
		"a.example.com": {{Target: "shared.example.com.", Port: 11210, Priority: 1, Weight: 1}},
		"b.example.com": {{Target: "shared.example.com.", Port: 11210, Priority: 1, Weight: 1}},
	}})

	endpoints, err := d.Discover(context.Background(), []string{"a.example.com", "b.example.com"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(endpoints) != 1 {
		t.Errorf("Expected duplicate targets collapsed, got %v", endpoints)
	}
}

func TestDiscover_NoSeeds(t *testing.T) {
	d := NewEndpointDiscoverer(DefaultDiscoveryConfig())
	_, err := d.Discover(context.Background(), nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestDiscover_EmptySRVResponseFallsBack(t *testing.T) {
	d := NewEndpointDiscoverer(DefaultDiscoveryConfig())
	d.SetResolver(&fakeResolver{records: map[string][]*net.SRV{}})

	endpoints, err := d.Discover(context.Background(), []string{"lonely.example.com"})
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0] != "lonely.example.com:11210" {
		t.Errorf("Expected fallback for empty SRV response, got %v", endpoints)
	}
}
