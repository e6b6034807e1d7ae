package core

// transport.go is the outbound P2P HTTP client (spec §4.2): typed
// request/response over HTTP/1.1 JSON with retry/backoff and per-attempt
// timeout, plus the replay-protection cache shared with the inbound server.
// Grounded on the teacher's ConnPool (connection_pool.go) for the
// idle-resource lifecycle idiom, generalized here to an http.Client with a
// retry envelope built on retry.go rather than a raw net.Conn pool, since
// the spec's transport is JSON-over-HTTP rather than a persistent socket
// protocol.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// TransportConfig tunes the outbound client per spec §6's P2P_* knobs.
type TransportConfig struct {
	Retry          RetryPolicy
	RequestTimeout time.Duration
}

// DefaultTransportConfig matches the spec §4.2 documented defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Retry:          RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		RequestTimeout: 5 * time.Second,
	}
}

// transportError classifies HTTP-layer failures for the retry envelope.
type transportError struct {
	statusCode int
	retryable  bool
	body       string
}

func (e *transportError) Error() string {
	return fmt.Sprintf("transport: http %d: %s", e.statusCode, e.body)
}

func (e *transportError) Retryable() bool { return e.retryable }

// Transport issues signed JSON requests to peer endpoints with the retry
// envelope from retry.go and a bounded replay-protection cache.
type Transport struct {
	client  *http.Client
	cfg     TransportConfig
	breaker *BreakerRegistry
	seen    *lru.LRU[string, struct{}]
}

// NewTransport constructs a Transport. breakers may be nil to disable
// per-peer circuit breaking (tests); replayWindow bounds how long an
// accepted content hash is remembered for replay rejection (spec §4.2).
func NewTransport(cfg TransportConfig, breakers *BreakerRegistry, replayWindow time.Duration) *Transport {
	return &Transport{
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		cfg:     cfg,
		breaker: breakers,
		seen:    lru.NewLRU[string, struct{}](100_000, nil, replayWindow),
	}
}

// Post sends body as JSON to url, retrying per the transport's policy, and
// decodes the response into out. The call is wrapped by the peer's circuit
// breaker (keyed by peerKey) when one is configured.
func (t *Transport) Post(ctx context.Context, peerKey, url string, body any, out any) error {
	fn := func(ctx context.Context) error {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return &transportError{retryable: true, body: err.Error()}
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return &transportError{statusCode: resp.StatusCode, retryable: false, body: string(respBody)}
		}
		if resp.StatusCode >= 300 {
			return &transportError{statusCode: resp.StatusCode, retryable: true, body: string(respBody)}
		}
		if out != nil {
			return json.Unmarshal(respBody, out)
		}
		return nil
	}

	retrying := func(ctx context.Context) error { return Do(ctx, t.cfg.Retry, fn) }
	if t.breaker == nil {
		return retrying(ctx)
	}
	return t.breaker.Get(peerKey).Call(ctx, retrying)
}

// Get issues a GET request with the given headers, following the same
// retry/breaker policy as Post.
func (t *Transport) Get(ctx context.Context, peerKey, url string, headers map[string]string, out any) error {
	fn := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return &transportError{retryable: true, body: err.Error()}
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return &transportError{statusCode: resp.StatusCode, retryable: false, body: string(respBody)}
		}
		if resp.StatusCode >= 300 {
			return &transportError{statusCode: resp.StatusCode, retryable: true, body: string(respBody)}
		}
		if out != nil {
			return json.Unmarshal(respBody, out)
		}
		return nil
	}

	retrying := func(ctx context.Context) error { return Do(ctx, t.cfg.Retry, fn) }
	if t.breaker == nil {
		return retrying(ctx)
	}
	return t.breaker.Get(peerKey).Call(ctx, retrying)
}

// BroadcastResult pairs one peer's outcome with its address for Broadcast's
// per-peer fan-out return value.
type BroadcastResult struct {
	Peer Address
	Err  error
}

// Broadcast posts body concurrently to every peer and returns per-peer
// results, as required by spec §4.2's "fans out concurrently" note.
func (t *Transport) Broadcast(ctx context.Context, peers []PeerInfo, path string, body any) []BroadcastResult {
	results := make([]BroadcastResult, len(peers))
	done := make(chan struct{}, len(peers))
	for i, p := range peers {
		go func(i int, p PeerInfo) {
			defer func() { done <- struct{}{} }()
			err := t.Post(ctx, p.Address.Hex(), p.Endpoint+path, body, nil)
			results[i] = BroadcastResult{Peer: p.Address, Err: err}
		}(i, p)
	}
	for range peers {
		<-done
	}
	return results
}

// MarkSeen records contentHash as accepted, returning false if it was
// already seen within the replay window (spec §4.2's replay protection).
func (t *Transport) MarkSeen(contentHash Hash) bool {
	key := contentHash.Hex()
	if _, ok := t.seen.Get(key); ok {
		return false
	}
	t.seen.Add(key, struct{}{})
	return true
}
