package core

// settlement.go is the settlement coordinator (spec §4.4): outcome
// computation, proposal exchange, agreement execution and arbitration
// escalation. Grounded on the teacher's gaming.go FinishGame (escrow payout
// on a winner address) for the on-chain settlement call shape, and on
// escrow.go's release-on-agreement pattern for the two-sided sign-and-submit
// flow; the single-flight-per-bet requirement (spec §5) is implemented with
// a per-bet in-flight set (lockBet) that rejects, rather than waits for, a
// second attempt on a bet that already has one outstanding.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDataIntegrity marks a settlement failure the coordinator must not
// auto-recover from (spec §7 Data-integrity class): missing trades, missing
// exit prices, or a hash mismatch.
var ErrDataIntegrity = errors.New("settlement: data integrity failure")

// SettlementReadiness is the payload for GET /p2p/settlement/{bet-id}.
type SettlementReadiness struct {
	BetID          string    `json:"bet_id"`
	HaveTrades     bool      `json:"have_trades"`
	DeadlinePassed bool      `json:"deadline_passed"`
	Status         BetStatus `json:"status"`
}

// SettlementCoordinatorConfig tunes retry/timeout knobs per spec §6.
type SettlementCoordinatorConfig struct {
	Retry                RetryPolicy
	P2PTimeout           time.Duration
	ArbitrationTimeout   time.Duration
	ProposalExpiry       time.Duration
}

// DefaultSettlementCoordinatorConfig matches spec §6's SETTLEMENT_* defaults.
func DefaultSettlementCoordinatorConfig() SettlementCoordinatorConfig {
	return SettlementCoordinatorConfig{
		Retry:              DefaultSettlementRetryPolicy(),
		P2PTimeout:         5 * time.Second,
		ArbitrationTimeout: 10 * time.Second,
		ProposalExpiry:     2 * time.Minute,
	}
}

// SettlementCoordinator drives one agent's side of the post-commit bet
// lifecycle.
type SettlementCoordinator struct {
	self       *Identity
	chain      ChainAdapter
	contract   Domain
	p2pDomain  Domain
	discovery  *Discovery
	transport  *Transport
	prices     *ExitPriceCache
	trades     TradeStore
	events     *EventLog
	cfg        SettlementCoordinatorConfig

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewSettlementCoordinator wires the coordinator's collaborators.
func NewSettlementCoordinator(self *Identity, chain ChainAdapter, contract, p2p Domain, discovery *Discovery, transport *Transport, prices *ExitPriceCache, trades TradeStore, events *EventLog, cfg SettlementCoordinatorConfig) *SettlementCoordinator {
	return &SettlementCoordinator{
		self: self, chain: chain, contract: contract, p2pDomain: p2p,
		discovery: discovery, transport: transport, prices: prices, trades: trades,
		events: events, cfg: cfg, inflight: make(map[string]struct{}),
	}
}

// lockBet enforces "at most one outstanding proposal exchange and at most
// one on-chain settlement attempt" per bet (spec §5).
func (c *SettlementCoordinator) lockBet(betID string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[betID]; busy {
		return nil, fmt.Errorf("settlement: bet %s already has an outstanding attempt", betID)
	}
	c.inflight[betID] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.inflight, betID)
		c.mu.Unlock()
	}, nil
}

// ComputeOutcome implements spec §4.4.1: tallies creator-side wins over
// valid (non-cancelled) trades and decides the winner.
func ComputeOutcome(trades []Trade, exitPrices map[int]BigInt, creator, filler Address) Outcome {
	wins := 0
	valid := 0
	for i, t := range trades {
		exit, ok := exitPrices[i]
		if !ok {
			continue
		}
		win, push := TradeDirectionWins(t.Method, t.EntryPrice, exit)
		if push {
			continue
		}
		valid++
		if win {
			wins++
		}
	}
	o := Outcome{WinsCount: wins, ValidTrades: valid}
	switch {
	case valid == 0:
		o.IsTie = true
	case wins*2 > valid:
		o.Winner = creator
	case wins*2 < valid:
		o.Winner = filler
	default:
		o.IsTie = true
	}
	return o
}

// RunSettlement executes the deadline-triggered flow of spec §4.4 for one
// bet, given the counterparty address and the exit-price snapshot ID; the
// bet's trade list is loaded from the coordinator's TradeStore.
func (c *SettlementCoordinator) RunSettlement(ctx context.Context, betID string, counterparty Address, snapshotID string) error {
	unlock, err := c.lockBet(betID)
	if err != nil {
		return err
	}
	defer unlock()

	bet, err := c.chain.GetBet(ctx, betID)
	if err != nil {
		return fmt.Errorf("settlement: load bet: %w", err)
	}
	if bet.Status != BetStatusActive {
		return fmt.Errorf("settlement: bet %s is not active (status %s)", betID, bet.Status)
	}
	if !time.Now().After(bet.Deadline) {
		return fmt.Errorf("settlement: bet %s deadline has not passed", betID)
	}

	trades, ok := c.trades.LoadTrades(betID)
	if !ok {
		if c.events != nil {
			c.events.Append(EventSettlementDisputed, "missing local trade list", map[string]any{"bet_id": betID})
		}
		return fmt.Errorf("%w: no local trade list for bet %s", ErrDataIntegrity, betID)
	}

	exitPrices := c.prices.Fetch(ctx, betID, snapshotID, trades)
	if err := Validate(exitPrices, len(trades)); err != nil {
		return fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	}
	exitHash := HashExitPrices(exitPrices, len(trades))

	creator, filler := bet.Creator, bet.Filler
	outcome := ComputeOutcome(trades, exitPrices, creator, filler)

	peer, ok := c.discovery.Lookup(counterparty)
	if !ok {
		c.escalate(ctx, betID, "counterparty unreachable: not in discovery")
		if arbErr := c.chain.RequestArbitration(ctx, betID); arbErr != nil {
			return fmt.Errorf("settlement: %w for bet %s (arbitration request failed: %v)", ErrPeerUnknown, betID, arbErr)
		}
		return fmt.Errorf("settlement: %w for bet %s", ErrPeerUnknown, betID)
	}

	ourNonce, err := c.chain.GetVaultNonce(ctx, c.self.Address)
	if err != nil {
		c.escalate(ctx, betID, "failed to read own vault nonce")
		return err
	}
	theirNonce, err := c.chain.GetVaultNonce(ctx, counterparty)
	if err != nil {
		c.escalate(ctx, betID, "failed to read counterparty vault nonce")
		return err
	}
	settlementNonce := ourNonce
	if theirNonce > settlementNonce {
		settlementNonce = theirNonce
	}

	proposal := SettlementProposal{
		BetID:           betID,
		ClaimedWinner:   outcome.Winner,
		WinsCount:       outcome.WinsCount,
		ValidTrades:     outcome.ValidTrades,
		IsTie:           outcome.IsTie,
		Proposer:        c.self.Address,
		ProposalExpiry:  time.Now().Add(c.cfg.ProposalExpiry),
		SettlementNonce: settlementNonce,
		ExitPricesHash:  &exitHash,
	}
	sig, err := SignSettlementProposal(c.self.Private, c.p2pDomain, proposal)
	if err != nil {
		return fmt.Errorf("settlement: sign proposal: %w", err)
	}
	proposal.Signature = sig

	var resp SettlementResponse
	err = c.transport.Post(ctx, counterparty.Hex(), peer.Endpoint+"/p2p/propose-settlement", proposal, &resp)
	if err != nil {
		c.escalate(ctx, betID, "proposal exchange failed: "+err.Error())
		return c.chain.RequestArbitration(ctx, betID)
	}

	switch resp.Status {
	case SettlementAgree:
		if resp.Signature == nil {
			c.escalate(ctx, betID, "agree reply missing signature")
			return c.chain.RequestArbitration(ctx, betID)
		}
		ourSig, err := SignSettlementAgreement(c.self.Private, c.contract, betID, outcome.Winner, settlementNonce)
		if err != nil {
			return fmt.Errorf("settlement: sign agreement: %w", err)
		}
		var creatorSig, fillerSig []byte
		if c.self.Address == creator {
			creatorSig, fillerSig = ourSig, resp.Signature
		} else {
			creatorSig, fillerSig = resp.Signature, ourSig
		}
		if err := c.chain.SettleByAgreement(ctx, betID, outcome.Winner, settlementNonce, creatorSig, fillerSig); err != nil {
			return fmt.Errorf("settlement: settle by agreement: %w", err)
		}
		if c.events != nil {
			c.events.Append(EventSettlementAgreed, "settled by agreement", map[string]any{"bet_id": betID, "winner": outcome.Winner.Hex()})
		}
		return nil

	case SettlementCounter:
		// Spec §4.4/§9 open question: fairness of a counter-proposal is not
		// auto-evaluated; current policy always escalates.
		c.escalate(ctx, betID, "counterparty returned a counter-proposal")
		return c.chain.RequestArbitration(ctx, betID)

	default: // SettlementDisagree or unknown
		c.escalate(ctx, betID, "counterparty disagreed with computed outcome")
		return c.chain.RequestArbitration(ctx, betID)
	}
}

func (c *SettlementCoordinator) escalate(ctx context.Context, betID, reason string) {
	if c.events != nil {
		c.events.Append(EventArbitrationFiled, reason, map[string]any{"bet_id": betID})
	}
}

// HandleIncomingProposal implements the inverse flow of spec §4.4's final
// paragraph: validate, recompute, and reply Agree (co-signing under the
// partner's settlement-nonce) or Disagree.
func (c *SettlementCoordinator) HandleIncomingProposal(ctx context.Context, p SettlementProposal) (SettlementResponse, error) {
	if time.Now().After(p.ProposalExpiry) {
		return SettlementResponse{}, fmt.Errorf("settlement: proposal for bet %s has expired", p.BetID)
	}
	signer, err := VerifySettlementProposal(c.p2pDomain, p)
	if err != nil || signer != p.Proposer {
		return SettlementResponse{}, fmt.Errorf("settlement: proposal signature invalid")
	}

	bet, err := c.chain.GetBet(ctx, p.BetID)
	if err != nil {
		return SettlementResponse{}, fmt.Errorf("settlement: load bet: %w", err)
	}
	if bet.Status != BetStatusActive {
		return SettlementResponse{}, fmt.Errorf("settlement: bet %s is not active", p.BetID)
	}
	if p.Proposer != bet.Creator && p.Proposer != bet.Filler {
		return SettlementResponse{}, fmt.Errorf("settlement: proposer is not a party to bet %s", p.BetID)
	}

	trades, ok := c.trades.LoadTrades(p.BetID)
	if !ok {
		return SettlementResponse{}, fmt.Errorf("%w: no local trade list for bet %s", ErrDataIntegrity, p.BetID)
	}
	exitPrices := c.prices.Fetch(ctx, p.BetID, p.BetID, trades)
	if err := Validate(exitPrices, len(trades)); err != nil {
		return SettlementResponse{}, fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	}
	ourOutcome := ComputeOutcome(trades, exitPrices, bet.Creator, bet.Filler)

	theirOutcome := Outcome{Winner: p.ClaimedWinner, WinsCount: p.WinsCount, ValidTrades: p.ValidTrades, IsTie: p.IsTie}
	if !ourOutcome.Equal(theirOutcome) {
		if c.events != nil {
			c.events.Append(EventSettlementDisputed, "outcome mismatch with proposal", map[string]any{"bet_id": p.BetID})
		}
		oc := ourOutcome
		return SettlementResponse{Status: SettlementDisagree, OurOutcome: &oc}, nil
	}

	sig, err := SignSettlementAgreement(c.self.Private, c.contract, p.BetID, ourOutcome.Winner, p.SettlementNonce)
	if err != nil {
		return SettlementResponse{}, fmt.Errorf("settlement: sign agreement: %w", err)
	}
	if c.events != nil {
		c.events.Append(EventSettlementAgreed, "agreed with incoming proposal", map[string]any{"bet_id": p.BetID})
	}
	return SettlementResponse{Status: SettlementAgree, Signature: sig}, nil
}

// LocalReadiness reports this agent's settlement readiness for a bet,
// served by GET /p2p/settlement/{bet-id}.
func (c *SettlementCoordinator) LocalReadiness(betID string) (SettlementReadiness, error) {
	_, haveTrades := c.trades.LoadTrades(betID)
	bet, err := c.chain.GetBet(context.Background(), betID)
	if err != nil {
		return SettlementReadiness{}, err
	}
	return SettlementReadiness{
		BetID:          betID,
		HaveTrades:     haveTrades,
		DeadlinePassed: time.Now().After(bet.Deadline),
		Status:         bet.Status,
	}, nil
}

var _ SettlementHandler = (*SettlementCoordinator)(nil)
