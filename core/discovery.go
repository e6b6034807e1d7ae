package core

// discovery.go is peer discovery with a TTL cache and bounded-concurrency
// health fan-out (spec §4.3). Grounded on the teacher's HealthChecker
// (fault_tolerance.go): the same "snapshot the peer set under a read lock,
// fan out concurrently, merge results under a write lock" shape, but driven
// by an on-chain registry read plus HTTP health probes instead of raw TCP
// pings, and bounded by a semaphore per spec §9's explicit re-architecture
// note (replacing the teacher's unbounded per-tick goroutine fan-out).

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Discovery maintains the address -> PeerInfo cache described in spec §4.3.
type Discovery struct {
	chain    ChainAdapter
	self     Address
	cacheTTL time.Duration
	client   *http.Client
	healthConcurrency int
	healthTimeout     time.Duration

	mu          sync.RWMutex
	peers       map[Address]PeerInfo
	lastRefresh time.Time
}

// NewDiscovery constructs a Discovery bound to chain, excluding self from
// any returned peer set.
func NewDiscovery(chain ChainAdapter, self Address, cacheTTL time.Duration, healthConcurrency int, healthTimeout time.Duration) *Discovery {
	return &Discovery{
		chain:             chain,
		self:              self,
		cacheTTL:          cacheTTL,
		client:            &http.Client{Timeout: healthTimeout},
		healthConcurrency: healthConcurrency,
		healthTimeout:     healthTimeout,
		peers:             make(map[Address]PeerInfo),
	}
}

// FetchPeers returns the cached peer set when fresh; otherwise re-reads the
// on-chain registry, merges it into the cache, and stamps the refresh time.
// A chain-read failure returns whatever is cached, stale or not (spec
// §4.3's explicit "on failure return stale data").
func (d *Discovery) FetchPeers(ctx context.Context) []PeerInfo {
	d.mu.RLock()
	fresh := time.Since(d.lastRefresh) < d.cacheTTL
	snapshot := d.snapshotLocked()
	d.mu.RUnlock()
	if fresh {
		return snapshot
	}

	addrs, endpoints, err := d.chain.GetAllActiveBots(ctx)
	if err != nil {
		return snapshot
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[Address]struct{}, len(addrs))
	for i, addr := range addrs {
		if addr == d.self {
			continue
		}
		seen[addr] = struct{}{}
		endpoint := endpoints[i]
		existing, ok := d.peers[addr]
		if ok && existing.Endpoint == endpoint {
			continue
		}
		d.peers[addr] = PeerInfo{
			Address:          addr,
			Endpoint:         endpoint,
			LastKnownHealthy: false,
		}
	}
	for addr := range d.peers {
		if _, ok := seen[addr]; !ok {
			delete(d.peers, addr)
		}
	}
	d.lastRefresh = time.Now()
	return d.snapshotLocked()
}

// snapshotLocked returns a copy of the peer map. Callers must hold d.mu.
func (d *Discovery) snapshotLocked() []PeerInfo {
	out := make([]PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// healthResponse is the body expected from GET /p2p/health.
type healthResponse struct {
	Status string `json:"status"`
}

// GetHealthyPeers probes every known peer concurrently, bounded by
// healthConcurrency, and returns the subset whose probe succeeded. Probe
// failures are non-fatal: they flip the cached healthiness flag but never
// remove the peer from discovery.
func (d *Discovery) GetHealthyPeers(ctx context.Context) []PeerInfo {
	peers := d.FetchPeers(ctx)
	sem := make(chan struct{}, d.healthConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	healthy := make([]PeerInfo, 0, len(peers))

	for _, p := range peers {
		wg.Add(1)
		sem <- struct{}{}
		go func(p PeerInfo) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := d.probe(ctx, p.Endpoint)

			d.mu.Lock()
			cur, exists := d.peers[p.Address]
			if exists {
				cur.LastKnownHealthy = ok
				cur.LastChecked = time.Now()
				d.peers[p.Address] = cur
			}
			d.mu.Unlock()

			if ok {
				mu.Lock()
				p.LastKnownHealthy = true
				healthy = append(healthy, p)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return healthy
}

// probe issues GET {endpoint}/p2p/health and reports whether it returned
// HTTP 200 with {status:"healthy"} within healthTimeout.
func (d *Discovery) probe(ctx context.Context, endpoint string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, d.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint+"/p2p/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "healthy"
}

// Lookup returns the cached peer record for addr, if known.
func (d *Discovery) Lookup(addr Address) (PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[addr]
	return p, ok
}

// ErrPeerUnknown is returned by Lookup-dependent callers (settlement
// coordinator) when the counterparty is not (or no longer) discoverable.
var ErrPeerUnknown = fmt.Errorf("discovery: peer not found")

// IsActiveBot satisfies PeerRegistry for the inbound server: a sender is
// authorized only if it currently appears in the peer cache.
func (d *Discovery) IsActiveBot(ctx context.Context, addr Address) bool {
	peers := d.FetchPeers(ctx)
	for _, p := range peers {
		if p.Address == addr {
			return true
		}
	}
	return false
}
