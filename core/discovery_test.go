package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDiscoveryFetchPeersExcludesSelfAndCaches(t *testing.T) {
	mock := NewMockChainAdapter(0)
	self := Address{0x01}
	peer := Address{0x02}
	mock.RegisterBotDirect(self, "http://self", Hash{})
	mock.RegisterBotDirect(peer, "http://peer", Hash{})

	d := NewDiscovery(mock, self, time.Minute, 4, time.Second)
	peers := d.FetchPeers(context.Background())
	if len(peers) != 1 || peers[0].Address != peer {
		t.Fatalf("expected only the non-self peer, got %+v", peers)
	}

	mock.RegisterBotDirect(Address{0x03}, "http://another", Hash{})
	cached := d.FetchPeers(context.Background())
	if len(cached) != 1 {
		t.Fatalf("expected cached result within TTL to ignore new registrations, got %d peers", len(cached))
	}
}

func TestDiscoveryRemovesDeregisteredPeers(t *testing.T) {
	mock := NewMockChainAdapter(0)
	self := Address{0x01}
	peer := Address{0x02}
	mock.RegisterBotDirect(peer, "http://peer", Hash{})

	d := NewDiscovery(mock, self, 0, 4, time.Second)
	peers := d.FetchPeers(context.Background())
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}

	mock.DeregisterBotDirect(peer)
	peers = d.FetchPeers(context.Background())
	if len(peers) != 0 {
		t.Fatalf("expected deregistered peer to be pruned, got %+v", peers)
	}
}

func TestDiscoveryGetHealthyPeersProbesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}))
	defer srv.Close()

	mock := NewMockChainAdapter(0)
	peer := Address{0x02}
	mock.RegisterBotDirect(peer, srv.URL, Hash{})

	d := NewDiscovery(mock, Address{0x01}, 0, 4, time.Second)
	healthy := d.GetHealthyPeers(context.Background())
	if len(healthy) != 1 {
		t.Fatalf("expected 1 healthy peer, got %d", len(healthy))
	}
}

func TestDiscoveryUnhealthyProbeDoesNotRemovePeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mock := NewMockChainAdapter(0)
	peer := Address{0x02}
	mock.RegisterBotDirect(peer, srv.URL, Hash{})

	d := NewDiscovery(mock, Address{0x01}, 0, 4, time.Second)
	healthy := d.GetHealthyPeers(context.Background())
	if len(healthy) != 0 {
		t.Fatalf("expected 0 healthy peers from a failing probe, got %d", len(healthy))
	}
	if _, ok := d.Lookup(peer); !ok {
		t.Fatalf("expected peer to remain known despite failed probe")
	}
}
