package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type staticPriceFetcher struct {
	prices map[string]BigInt
}

func (f *staticPriceFetcher) FetchPrices(ctx context.Context, snapshotID string, tickers []string) (map[string]BigInt, error) {
	out := make(map[string]BigInt, len(tickers))
	for _, t := range tickers {
		if p, ok := f.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}

func (f *staticPriceFetcher) FetchPrice(ctx context.Context, snapshotID, ticker string) (BigInt, error) {
	return f.prices[ticker], nil
}

func testDomains() (Domain, Domain) {
	contract := ContractDomain("bilateral-bets", "1", 1, Address{0xCC})
	p2p := P2PDomain("bilateral-bets-p2p", "1", 1)
	return contract, p2p
}

func mustIdentity(t *testing.T) *Identity {
	t.Helper()
	id, _, err := NewRandomIdentity(128)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	return id
}

func TestComputeOutcomeCreatorWins(t *testing.T) {
	creator, filler := Address{0x01}, Address{0x02}
	trades := []Trade{
		{Ticker: "AAPL", Method: "up", EntryPrice: NewBigInt(100)},
		{Ticker: "MSFT", Method: "up", EntryPrice: NewBigInt(100)},
	}
	prices := map[int]BigInt{0: NewBigInt(110), 1: NewBigInt(120)}
	o := ComputeOutcome(trades, prices, creator, filler)
	if o.Winner != creator || o.IsTie {
		t.Fatalf("expected creator to win, got %+v", o)
	}
}

func TestComputeOutcomeTieWhenEvenSplit(t *testing.T) {
	creator, filler := Address{0x01}, Address{0x02}
	trades := []Trade{
		{Ticker: "AAPL", Method: "up", EntryPrice: NewBigInt(100)},
		{Ticker: "MSFT", Method: "down", EntryPrice: NewBigInt(100)},
	}
	prices := map[int]BigInt{0: NewBigInt(110), 1: NewBigInt(110)}
	o := ComputeOutcome(trades, prices, creator, filler)
	if !o.IsTie {
		t.Fatalf("expected tie with one win each, got %+v", o)
	}
}

func commitTestBet(t *testing.T, chain *MockChainAdapter, creator, filler *Identity, contract Domain, deadline time.Time) string {
	t.Helper()
	commitment := BetCommitment{
		Creator: creator.Address, Filler: filler.Address,
		CreatorAmount:      NewBigInt(100),
		FillerAmount:       NewBigInt(100),
		ResolutionDeadline: deadline,
		SignatureExpiry:    time.Now().Add(time.Hour),
	}
	creatorSig, err := SignBetCommitment(creator.Private, contract, commitment)
	if err != nil {
		t.Fatalf("sign commitment (creator): %v", err)
	}
	fillerSig, err := SignBetCommitment(filler.Private, contract, commitment)
	if err != nil {
		t.Fatalf("sign commitment (filler): %v", err)
	}
	betID, err := chain.CommitBilateralBet(context.Background(), commitment, creatorSig, fillerSig)
	if err != nil {
		t.Fatalf("commit bet: %v", err)
	}
	return betID
}

// TestSettlementHappyPathAgreement exercises a full RunSettlement against a
// counterparty HTTP server that independently recomputes the outcome and
// agrees, matching the happy-path bilateral bet scenario.
func TestSettlementHappyPathAgreement(t *testing.T) {
	contract, p2p := testDomains()
	creatorID := mustIdentity(t)
	fillerID := mustIdentity(t)

	chain := NewMockChainAdapter(0)
	chain.Fund(creatorID.Address, NewBigInt(1000))
	chain.Fund(fillerID.Address, NewBigInt(1000))
	chain.DepositToVaultFor(creatorID.Address, NewBigInt(500))
	chain.DepositToVaultFor(fillerID.Address, NewBigInt(500))

	trades := []Trade{{Ticker: "AAPL", Method: "up", EntryPrice: NewBigInt(100)}}
	betID := commitTestBet(t, chain, creatorID, fillerID, contract, time.Now().Add(-time.Minute))

	fetcher := &staticPriceFetcher{prices: map[string]BigInt{"AAPL": NewBigInt(110)}}
	fillerTrades := NewMemoryTradeStore()
	fillerTrades.StoreTrades(betID, trades)
	fillerCoord := NewSettlementCoordinator(fillerID, chain, contract, p2p, nil, nil,
		NewExitPriceCache(fetcher, time.Minute, 2), fillerTrades, nil, DefaultSettlementCoordinatorConfig())

	mux := http.NewServeMux()
	mux.HandleFunc("/p2p/propose-settlement", func(w http.ResponseWriter, r *http.Request) {
		var p SettlementProposal
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := fillerCoord.HandleIncomingProposal(r.Context(), p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	disc := NewDiscovery(chain, creatorID.Address, time.Minute, 4, time.Second)
	chain.RegisterBotDirect(fillerID.Address, srv.URL, Hash{})
	disc.FetchPeers(context.Background())

	creatorTrades := NewMemoryTradeStore()
	creatorTrades.StoreTrades(betID, trades)
	transport := NewTransport(DefaultTransportConfig(), NewBreakerRegistry(DefaultBreakerConfig(), nil), time.Minute)
	creatorCoord := NewSettlementCoordinator(creatorID, chain, contract, p2p, disc, transport,
		NewExitPriceCache(fetcher, time.Minute, 2), creatorTrades, nil, DefaultSettlementCoordinatorConfig())

	if err := creatorCoord.RunSettlement(context.Background(), betID, fillerID.Address, "snap-1"); err != nil {
		t.Fatalf("expected settlement by agreement, got error: %v", err)
	}

	bet, err := chain.GetBet(context.Background(), betID)
	if err != nil {
		t.Fatalf("get bet: %v", err)
	}
	if bet.Status != BetStatusSettled {
		t.Fatalf("expected bet settled, got status %s", bet.Status)
	}
}

// TestSettlementDisagreementEscalatesToArbitration: the counterparty computes
// a different outcome and the coordinator must request arbitration rather
// than force a result.
func TestSettlementDisagreementEscalatesToArbitration(t *testing.T) {
	contract, p2p := testDomains()
	creatorID := mustIdentity(t)
	fillerID := mustIdentity(t)

	chain := NewMockChainAdapter(0)
	chain.Fund(creatorID.Address, NewBigInt(1000))
	chain.Fund(fillerID.Address, NewBigInt(1000))
	chain.DepositToVaultFor(creatorID.Address, NewBigInt(500))
	chain.DepositToVaultFor(fillerID.Address, NewBigInt(500))

	trades := []Trade{{Ticker: "AAPL", Method: "up", EntryPrice: NewBigInt(100)}}
	betID := commitTestBet(t, chain, creatorID, fillerID, contract, time.Now().Add(-time.Minute))

	mux := http.NewServeMux()
	mux.HandleFunc("/p2p/propose-settlement", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SettlementResponse{Status: SettlementDisagree})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	disc := NewDiscovery(chain, creatorID.Address, time.Minute, 4, time.Second)
	chain.RegisterBotDirect(fillerID.Address, srv.URL, Hash{})
	disc.FetchPeers(context.Background())

	fetcher := &staticPriceFetcher{prices: map[string]BigInt{"AAPL": NewBigInt(110)}}
	creatorTrades := NewMemoryTradeStore()
	creatorTrades.StoreTrades(betID, trades)
	transport := NewTransport(DefaultTransportConfig(), NewBreakerRegistry(DefaultBreakerConfig(), nil), time.Minute)
	coord := NewSettlementCoordinator(creatorID, chain, contract, p2p, disc, transport,
		NewExitPriceCache(fetcher, time.Minute, 2), creatorTrades, nil, DefaultSettlementCoordinatorConfig())

	err := coord.RunSettlement(context.Background(), betID, fillerID.Address, "snap-1")
	if err != nil {
		t.Fatalf("expected arbitration request to succeed, got %v", err)
	}
	bet, _ := chain.GetBet(context.Background(), betID)
	if bet.Status != BetStatusInArbitration {
		t.Fatalf("expected bet escalated to arbitration, got status %s", bet.Status)
	}
}

// TestSettlementUnreachableCounterpartyEscalates covers an unreachable-peer
// settlement attempt.
func TestSettlementUnreachableCounterpartyEscalates(t *testing.T) {
	contract, p2p := testDomains()
	creatorID := mustIdentity(t)
	fillerID := mustIdentity(t)

	chain := NewMockChainAdapter(0)
	chain.Fund(creatorID.Address, NewBigInt(1000))
	chain.Fund(fillerID.Address, NewBigInt(1000))
	chain.DepositToVaultFor(creatorID.Address, NewBigInt(500))
	chain.DepositToVaultFor(fillerID.Address, NewBigInt(500))

	trades := []Trade{{Ticker: "AAPL", Method: "up", EntryPrice: NewBigInt(100)}}
	betID := commitTestBet(t, chain, creatorID, fillerID, contract, time.Now().Add(-time.Minute))

	disc := NewDiscovery(chain, creatorID.Address, time.Minute, 4, time.Second)
	// Filler is never registered with discovery: unreachable by construction.

	fetcher := &staticPriceFetcher{prices: map[string]BigInt{"AAPL": NewBigInt(110)}}
	creatorTrades := NewMemoryTradeStore()
	creatorTrades.StoreTrades(betID, trades)
	transport := NewTransport(DefaultTransportConfig(), NewBreakerRegistry(DefaultBreakerConfig(), nil), time.Minute)
	coord := NewSettlementCoordinator(creatorID, chain, contract, p2p, disc, transport,
		NewExitPriceCache(fetcher, time.Minute, 2), creatorTrades, nil, DefaultSettlementCoordinatorConfig())

	err := coord.RunSettlement(context.Background(), betID, fillerID.Address, "snap-1")
	if err == nil {
		t.Fatalf("expected an error for an unreachable counterparty")
	}
	bet, err := chain.GetBet(context.Background(), betID)
	if err != nil {
		t.Fatalf("get bet: %v", err)
	}
	if bet.Status != BetStatusInArbitration {
		t.Fatalf("expected bet escalated to arbitration, got status %s", bet.Status)
	}
}

func TestSettlementRefusesConcurrentAttemptsOnSameBet(t *testing.T) {
	contract, p2p := testDomains()
	id := mustIdentity(t)
	chain := NewMockChainAdapter(0)
	coord := NewSettlementCoordinator(id, chain, contract, p2p, nil, nil, nil, NewMemoryTradeStore(), nil, DefaultSettlementCoordinatorConfig())

	unlock, err := coord.lockBet("bet-1")
	if err != nil {
		t.Fatalf("expected first lock to succeed: %v", err)
	}
	if _, err := coord.lockBet("bet-1"); err == nil {
		t.Fatalf("expected second concurrent lock on the same bet to fail")
	}
	unlock()
	if unlock2, err := coord.lockBet("bet-1"); err != nil {
		t.Fatalf("expected lock to be available again after release: %v", err)
	} else {
		unlock2()
	}
}
