package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type alwaysActiveRegistry struct{}

func (alwaysActiveRegistry) IsActiveBot(ctx context.Context, addr Address) bool { return true }

type neverActiveRegistry struct{}

func (neverActiveRegistry) IsActiveBot(ctx context.Context, addr Address) bool { return false }

func signTradesFetch(t *testing.T, id *Identity, betID, timestamp string) string {
	t.Helper()
	sig, err := SignHash(id.Private, tradesFetchDigest(betID, timestamp))
	if err != nil {
		t.Fatalf("sign trades fetch digest: %v", err)
	}
	return "0x" + hex.EncodeToString(sig)
}

func TestServerHealthAndInfo(t *testing.T) {
	id := mustIdentity(t)
	p2p := P2PDomain("bilateral-bets-p2p", "1", 1)
	s := NewServer(id, p2p, nil, nil, nil, nil, nil, "v-test")

	req := httptest.NewRequest(http.MethodGet, "/p2p/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /p2p/health, got %d", rec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %v", health["status"])
	}

	req = httptest.NewRequest(http.MethodGet, "/p2p/info", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /p2p/info, got %d", rec.Code)
	}
}

func TestServerTradesUploadAndFetch(t *testing.T) {
	id := mustIdentity(t)
	requestor := mustIdentity(t)
	p2p := P2PDomain("bilateral-bets-p2p", "1", 1)
	store := NewMemoryTradeStore()
	s := NewServer(id, p2p, alwaysActiveRegistry{}, store, nil, nil, nil, "v-test")

	body, _ := json.Marshal(tradesUploadRequest{
		BetID:  "bet-1",
		Trades: []Trade{{Ticker: "AAPL", Method: "up", EntryPrice: NewBigInt(100)}},
	})
	req := httptest.NewRequest(http.MethodPost, "/p2p/trades", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from trade upload, got %d: %s", rec.Code, rec.Body.String())
	}

	timestamp := time.Now().Format(time.RFC3339)
	req = httptest.NewRequest(http.MethodGet, "/p2p/trades/bet-1", nil)
	req.Header.Set("X-Signature", signTradesFetch(t, requestor, "bet-1", timestamp))
	req.Header.Set("X-Requestor", requestor.Address.Hex())
	req.Header.Set("X-Timestamp", timestamp)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from trade fetch, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServerTradesFetchRejectsMissingAuthHeaders(t *testing.T) {
	id := mustIdentity(t)
	p2p := P2PDomain("bilateral-bets-p2p", "1", 1)
	store := NewMemoryTradeStore()
	store.StoreTrades("bet-1", []Trade{{Ticker: "AAPL"}})
	s := NewServer(id, p2p, alwaysActiveRegistry{}, store, nil, nil, nil, "v-test")

	req := httptest.NewRequest(http.MethodGet, "/p2p/trades/bet-1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth headers, got %d", rec.Code)
	}
}

func TestServerTradesFetchRejectsForgedRequestor(t *testing.T) {
	id := mustIdentity(t)
	signer := mustIdentity(t)
	claimed := mustIdentity(t)
	p2p := P2PDomain("bilateral-bets-p2p", "1", 1)
	store := NewMemoryTradeStore()
	store.StoreTrades("bet-1", []Trade{{Ticker: "AAPL"}})
	s := NewServer(id, p2p, alwaysActiveRegistry{}, store, nil, nil, nil, "v-test")

	timestamp := time.Now().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodGet, "/p2p/trades/bet-1", nil)
	// Signed by signer but claims to be a different requestor: must be rejected
	// even though every header is individually well-formed.
	req.Header.Set("X-Signature", signTradesFetch(t, signer, "bet-1", timestamp))
	req.Header.Set("X-Requestor", claimed.Address.Hex())
	req.Header.Set("X-Timestamp", timestamp)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a signature that doesn't recover to the claimed requestor, got %d", rec.Code)
	}
}

func TestServerTradesFetchRejectsInactiveRequestor(t *testing.T) {
	id := mustIdentity(t)
	requestor := mustIdentity(t)
	p2p := P2PDomain("bilateral-bets-p2p", "1", 1)
	store := NewMemoryTradeStore()
	store.StoreTrades("bet-1", []Trade{{Ticker: "AAPL"}})
	s := NewServer(id, p2p, neverActiveRegistry{}, store, nil, nil, nil, "v-test")

	timestamp := time.Now().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodGet, "/p2p/trades/bet-1", nil)
	req.Header.Set("X-Signature", signTradesFetch(t, requestor, "bet-1", timestamp))
	req.Header.Set("X-Requestor", requestor.Address.Hex())
	req.Header.Set("X-Timestamp", timestamp)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a correctly-signed but inactive requestor, got %d", rec.Code)
	}
}

func TestServerSettlementStatusWithoutCoordinatorReturns500(t *testing.T) {
	id := mustIdentity(t)
	p2p := P2PDomain("bilateral-bets-p2p", "1", 1)
	s := NewServer(id, p2p, nil, nil, nil, nil, nil, "v-test")

	req := httptest.NewRequest(http.MethodGet, "/p2p/settlement/bet-1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 with no settlement coordinator wired, got %d", rec.Code)
	}
}
