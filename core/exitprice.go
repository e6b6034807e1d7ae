package core

// exitprice.go is the bet-scoped cached exit-price fetcher (spec §4.10):
// keyed by (bet-id, snapshot-id), TTL 5 minutes, with a primary bulk-fetch
// path and a per-ticker fallback fan-out. Grounded on the teacher's
// healthcare.go/connection_pool.go TTL-bounded map idiom and on
// discovery.go's bounded-concurrency fan-out pattern, reused here for the
// fallback path instead of writing a second ad-hoc worker pool.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// PriceFetcher is the external collaborator returning closing prices for a
// batch of tickers; the backend REST service from spec §1's "deliberately
// out of scope" boundary.
type PriceFetcher interface {
	// FetchPrices returns a map from ticker to its closing price at
	// snapshotID. A partial result (missing tickers) is a valid response;
	// Validate catches the gap.
	FetchPrices(ctx context.Context, snapshotID string, tickers []string) (map[string]BigInt, error)
	// FetchPrice is the single-ticker fallback path.
	FetchPrice(ctx context.Context, snapshotID, ticker string) (BigInt, error)
}

// HTTPPriceFetcher talks to the backend REST service (spec §1's "specified
// only by its endpoint contract" collaborator) over plain JSON: a POST for
// the bulk fetch and a GET per ticker. Grounded on transport.go's http.Client-with-timeout idiom
// rather than introducing a second retry envelope; callers needing retry
// wrap this fetcher's calls in Do the same way Transport.Post wraps its
// request.
type HTTPPriceFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPPriceFetcher constructs a fetcher against baseURL (the BACKEND_URL
// env knob), defaulting to a 5s per-request timeout.
func NewHTTPPriceFetcher(baseURL string) *HTTPPriceFetcher {
	return &HTTPPriceFetcher{BaseURL: baseURL, Client: &http.Client{Timeout: 5 * time.Second}}
}

type exitPricesResponse struct {
	Prices map[string]string `json:"prices"`
}

// FetchPrices bulk-fetches the closing price of every requested ticker at
// snapshotID from {BaseURL}/snapshots/{snapshotID}/prices.
func (f *HTTPPriceFetcher) FetchPrices(ctx context.Context, snapshotID string, tickers []string) (map[string]BigInt, error) {
	body, _ := json.Marshal(struct {
		Tickers []string `json:"tickers"`
	}{Tickers: tickers})

	url := fmt.Sprintf("%s/snapshots/%s/prices", f.BaseURL, snapshotID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("exit price fetch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exit price fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exit price fetch: backend returned %d", resp.StatusCode)
	}

	var parsed exitPricesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("exit price fetch: decode: %w", err)
	}
	out := make(map[string]BigInt, len(parsed.Prices))
	for ticker, raw := range parsed.Prices {
		p, err := ParseBigInt(raw)
		if err != nil {
			continue
		}
		out[ticker] = p
	}
	return out, nil
}

// FetchPrice is the single-ticker fallback path used when the bulk fetch
// returns a partial result.
func (f *HTTPPriceFetcher) FetchPrice(ctx context.Context, snapshotID, ticker string) (BigInt, error) {
	url := fmt.Sprintf("%s/snapshots/%s/prices/%s", f.BaseURL, snapshotID, ticker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BigInt{}, fmt.Errorf("exit price fetch: build request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return BigInt{}, fmt.Errorf("exit price fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return BigInt{}, fmt.Errorf("exit price fetch: backend returned %d", resp.StatusCode)
	}
	var parsed struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return BigInt{}, fmt.Errorf("exit price fetch: decode: %w", err)
	}
	return ParseBigInt(parsed.Price)
}

type exitPriceCacheKey struct {
	betID      string
	snapshotID string
}

type exitPriceCacheEntry struct {
	prices    map[int]BigInt
	cachedAt  time.Time
}

// ExitPriceCache fetches and caches per-index exit prices for one bet's
// snapshot, with a concurrency-bounded per-ticker fallback.
type ExitPriceCache struct {
	fetcher   PriceFetcher
	ttl       time.Duration
	fallbackN int

	mu    sync.Mutex
	cache map[exitPriceCacheKey]exitPriceCacheEntry
}

// NewExitPriceCache constructs a cache whose entries stay fresh for ttl
// (cmd/agent passes 5 minutes).
func NewExitPriceCache(fetcher PriceFetcher, ttl time.Duration, fallbackConcurrency int) *ExitPriceCache {
	return &ExitPriceCache{
		fetcher:   fetcher,
		ttl:       ttl,
		fallbackN: fallbackConcurrency,
		cache:     make(map[exitPriceCacheKey]exitPriceCacheEntry),
	}
}

// Fetch returns exit prices for every trade in trades (by index), using the
// cache when fresh. Indices whose fetch failed are simply absent from the
// result; callers must call Validate to detect gaps.
func (c *ExitPriceCache) Fetch(ctx context.Context, betID, snapshotID string, trades []Trade) map[int]BigInt {
	key := exitPriceCacheKey{betID: betID, snapshotID: snapshotID}

	c.mu.Lock()
	entry, ok := c.cache[key]
	fresh := ok && time.Since(entry.cachedAt) < c.ttl
	c.mu.Unlock()
	if fresh {
		return entry.prices
	}

	tickers := make([]string, len(trades))
	for i, t := range trades {
		tickers[i] = t.Ticker
	}

	byTicker, err := c.fetcher.FetchPrices(ctx, snapshotID, tickers)
	if err != nil {
		byTicker = c.fallbackFetch(ctx, snapshotID, tickers)
	} else if len(byTicker) < len(uniqueTickers(tickers)) {
		// Primary path returned a partial result; fill the rest via fallback.
		missing := make([]string, 0)
		seen := map[string]struct{}{}
		for _, tk := range tickers {
			if _, ok := seen[tk]; ok {
				continue
			}
			seen[tk] = struct{}{}
			if _, ok := byTicker[tk]; !ok {
				missing = append(missing, tk)
			}
		}
		for tk, p := range c.fallbackFetch(ctx, snapshotID, missing) {
			byTicker[tk] = p
		}
	}

	byIndex := make(map[int]BigInt, len(trades))
	for i, t := range trades {
		if p, ok := byTicker[t.Ticker]; ok {
			byIndex[i] = p
		}
	}

	c.mu.Lock()
	c.cache[key] = exitPriceCacheEntry{prices: byIndex, cachedAt: time.Now()}
	c.mu.Unlock()
	return byIndex
}

func uniqueTickers(tickers []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		out[t] = struct{}{}
	}
	return out
}

func (c *ExitPriceCache) fallbackFetch(ctx context.Context, snapshotID string, tickers []string) map[string]BigInt {
	sem := make(chan struct{}, c.fallbackN)
	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[string]BigInt, len(tickers))

	for _, ticker := range tickers {
		wg.Add(1)
		sem <- struct{}{}
		go func(ticker string) {
			defer wg.Done()
			defer func() { <-sem }()
			price, err := c.fetcher.FetchPrice(ctx, snapshotID, ticker)
			if err != nil {
				return
			}
			mu.Lock()
			out[ticker] = price
			mu.Unlock()
		}(ticker)
	}
	wg.Wait()
	return out
}

// PresentMask builds a compact bitset flagging which of the n trade indices
// have an exit price, used both by Validate and by callers that need to
// test membership of a large (10^6-scale) index set without a map lookup
// per trade.
func PresentMask(prices map[int]BigInt, n int) *bitset.BitSet {
	mask := bitset.New(uint(n))
	for i := range prices {
		if i >= 0 && i < n {
			mask.Set(uint(i))
		}
	}
	return mask
}

// Validate reports whether prices covers every index in [0, n).
func Validate(prices map[int]BigInt, n int) error {
	mask := PresentMask(prices, n)
	if mask.Count() == uint(n) {
		return nil
	}
	for i := 0; i < n; i++ {
		if !mask.Test(uint(i)) {
			return fmt.Errorf("exit prices: missing index %d of %d", i, n)
		}
	}
	return nil
}

// HashExitPrices produces a deterministic digest over the ordered price
// array, letting both settlement parties detect disagreement without
// revealing individual prices over an insecure channel.
func HashExitPrices(prices map[int]BigInt, n int) Hash {
	var buf []byte
	for i := 0; i < n; i++ {
		p, ok := prices[i]
		if !ok {
			buf = append(buf, '!')
			continue
		}
		buf = append(buf, []byte(p.Int.String())...)
		buf = append(buf, '|')
	}
	return Hash(contentKeccak(buf))
}
