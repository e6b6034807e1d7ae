package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestTransportPostRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"received": true})
	}))
	defer srv.Close()

	cfg := TransportConfig{Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, RequestTimeout: time.Second}
	tr := NewTransport(cfg, nil, time.Minute)

	var out map[string]bool
	if err := tr.Post(context.Background(), "peer-1", srv.URL, map[string]string{"hi": "there"}, &out); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if !out["received"] {
		t.Fatalf("expected received=true in response")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestTransportPostDoesNotRetryOn400(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := TransportConfig{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, RequestTimeout: time.Second}
	tr := NewTransport(cfg, nil, time.Minute)

	err := tr.Post(context.Background(), "peer-1", srv.URL, nil, nil)
	if err == nil {
		t.Fatalf("expected an error for 400 response")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable status, got %d", attempts)
	}
}

func TestTransportBroadcastFansOutConcurrently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"received": true})
	}))
	defer srv.Close()

	cfg := TransportConfig{Retry: RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, RequestTimeout: time.Second}
	tr := NewTransport(cfg, nil, time.Minute)

	peers := []PeerInfo{
		{Address: Address{0x01}, Endpoint: srv.URL},
		{Address: Address{0x02}, Endpoint: srv.URL},
	}
	results := tr.Broadcast(context.Background(), peers, "/p2p/propose", map[string]string{"x": "y"})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected per-peer error: %v", r.Err)
		}
	}
}

func TestTransportMarkSeenRejectsReplay(t *testing.T) {
	cfg := DefaultTransportConfig()
	tr := NewTransport(cfg, nil, time.Minute)
	h := Hash{0xaa}
	if !tr.MarkSeen(h) {
		t.Fatalf("expected first observation to be accepted")
	}
	if tr.MarkSeen(h) {
		t.Fatalf("expected replayed content hash to be rejected")
	}
}
