package core

// mock_chain_adapter.go provides an in-memory ChainAdapter used by tests and
// local development. Grounded on escrow.go's map+mutex store and Transfer
// helper style: balances move atomically under a single lock, and bets are
// keyed by a uuid-derived bet ID.

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

type mockBotRecord struct {
	Endpoint   string
	PubkeyHash Hash
}

// MockChainAdapter is a deterministic, in-process ChainAdapter for tests. It
// is not safe to use as a production adapter: it has no persistence and no
// real transaction submission.
type MockChainAdapter struct {
	mu sync.Mutex

	balances map[Address]BigInt
	vaults   map[Address]VaultBalance
	nonces   map[Address]uint64
	bots     map[Address]mockBotRecord
	bets     map[string]Bet

	feeBps int64
}

// NewMockChainAdapter constructs an empty mock adapter with the given
// protocol fee in basis points applied on settlement.
func NewMockChainAdapter(feeBps int64) *MockChainAdapter {
	return &MockChainAdapter{
		balances: make(map[Address]BigInt),
		vaults:   make(map[Address]VaultBalance),
		nonces:   make(map[Address]uint64),
		bots:     make(map[Address]mockBotRecord),
		bets:     make(map[string]Bet),
		feeBps:   feeBps,
	}
}

// Fund credits who's collateral token balance, for test setup.
func (m *MockChainAdapter) Fund(who Address, amount BigInt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[who] = m.balances[who].Add(amount)
}

func (m *MockChainAdapter) Approve(ctx context.Context, spender Address, amount BigInt) error {
	return nil
}

func (m *MockChainAdapter) Balance(ctx context.Context, who Address) (BigInt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[who], nil
}

func (m *MockChainAdapter) RegisterBot(ctx context.Context, endpoint string, pubkeyHash Hash) error {
	return nil
}

func (m *MockChainAdapter) DeregisterBot(ctx context.Context) error { return nil }

func (m *MockChainAdapter) GetBot(ctx context.Context, addr Address) (string, Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.bots[addr]
	if !ok {
		return "", Hash{}, &ChainError{Kind: ChainErrorReverted, Reason: "bot not registered"}
	}
	return rec.Endpoint, rec.PubkeyHash, nil
}

func (m *MockChainAdapter) GetAllActiveBots(ctx context.Context) ([]Address, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]Address, 0, len(m.bots))
	endpoints := make([]string, 0, len(m.bots))
	for a, r := range m.bots {
		addrs = append(addrs, a)
		endpoints = append(endpoints, r.Endpoint)
	}
	return addrs, endpoints, nil
}

// RegisterBotDirect is a test/setup helper bypassing signature verification.
func (m *MockChainAdapter) RegisterBotDirect(addr Address, endpoint string, pubkeyHash Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[addr] = mockBotRecord{Endpoint: endpoint, PubkeyHash: pubkeyHash}
}

// DeregisterBotDirect removes addr from the active bot registry.
func (m *MockChainAdapter) DeregisterBotDirect(addr Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bots, addr)
}

func (m *MockChainAdapter) DepositToVault(ctx context.Context, amount BigInt) error { return nil }

func (m *MockChainAdapter) WithdrawFromVault(ctx context.Context, amount BigInt) error { return nil }

// DepositToVaultFor is a test/setup helper crediting who's vault directly.
func (m *MockChainAdapter) DepositToVaultFor(who Address, amount BigInt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.vaults[who]
	v.Available = v.Available.Add(amount)
	v.Total = v.Total.Add(amount)
	m.vaults[who] = v
}

func (m *MockChainAdapter) GetVaultBalance(ctx context.Context, who Address) (VaultBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vaults[who], nil
}

func (m *MockChainAdapter) GetVaultNonce(ctx context.Context, who Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[who], nil
}

// BumpNonce is a test/setup helper to simulate on-chain nonce progression.
func (m *MockChainAdapter) BumpNonce(who Address, to uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to > m.nonces[who] {
		m.nonces[who] = to
	}
}

func (m *MockChainAdapter) SignBilateralCommitment(ctx context.Context, commitment BetCommitment) ([]byte, error) {
	return nil, fmt.Errorf("mock adapter: server-side signing not supported, sign locally with core.SignBetCommitment")
}

func (m *MockChainAdapter) CommitBilateralBet(ctx context.Context, commitment BetCommitment, creatorSig, fillerSig []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	creatorAvail := m.vaults[commitment.Creator]
	fillerAvail := m.vaults[commitment.Filler]
	if creatorAvail.Available.Cmp(commitment.CreatorAmount) < 0 {
		return "", &ChainError{Kind: ChainErrorInsufficientFunds, Reason: "creator vault balance too low"}
	}
	if fillerAvail.Available.Cmp(commitment.FillerAmount) < 0 {
		return "", &ChainError{Kind: ChainErrorInsufficientFunds, Reason: "filler vault balance too low"}
	}
	creatorAvail.Available = creatorAvail.Available.Sub(commitment.CreatorAmount)
	creatorAvail.Locked = creatorAvail.Locked.Add(commitment.CreatorAmount)
	fillerAvail.Available = fillerAvail.Available.Sub(commitment.FillerAmount)
	fillerAvail.Locked = fillerAvail.Locked.Add(commitment.FillerAmount)
	m.vaults[commitment.Creator] = creatorAvail
	m.vaults[commitment.Filler] = fillerAvail

	id := uuid.New().String()
	m.bets[id] = Bet{
		BetID:         id,
		TradesRoot:    commitment.TradesRoot,
		Creator:       commitment.Creator,
		Filler:        commitment.Filler,
		CreatorAmount: commitment.CreatorAmount,
		FillerAmount:  commitment.FillerAmount,
		Deadline:      commitment.ResolutionDeadline,
		Status:        BetStatusActive,
	}
	return id, nil
}

func (m *MockChainAdapter) SignSettlementAgreement(ctx context.Context, betID string, winner Address, nonce uint64) ([]byte, error) {
	return nil, fmt.Errorf("mock adapter: server-side signing not supported")
}

func (m *MockChainAdapter) SettleByAgreement(ctx context.Context, betID string, winner Address, nonce uint64, creatorSig, fillerSig []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bet, ok := m.bets[betID]
	if !ok {
		return &ChainError{Kind: ChainErrorReverted, Reason: "bet not found"}
	}
	if bet.Status != BetStatusActive {
		return &ChainError{Kind: ChainErrorReverted, Reason: "bet not active"}
	}

	total := bet.CreatorAmount.Add(bet.FillerAmount)
	feeAmount := applyFeeBps(total, m.feeBps)
	payout := total.Sub(feeAmount)

	creatorVault := m.vaults[bet.Creator]
	fillerVault := m.vaults[bet.Filler]
	creatorVault.Locked = creatorVault.Locked.Sub(bet.CreatorAmount)
	fillerVault.Locked = fillerVault.Locked.Sub(bet.FillerAmount)

	if winner == bet.Creator {
		creatorVault.Available = creatorVault.Available.Add(payout)
	} else if winner == bet.Filler {
		fillerVault.Available = fillerVault.Available.Add(payout)
	} else {
		return &ChainError{Kind: ChainErrorReverted, Reason: "winner is neither party"}
	}
	m.vaults[bet.Creator] = creatorVault
	m.vaults[bet.Filler] = fillerVault

	bet.Status = BetStatusSettled
	m.bets[betID] = bet
	return nil
}

func (m *MockChainAdapter) SignCustomPayout(ctx context.Context, betID string, creatorPayout, fillerPayout BigInt, nonce uint64) ([]byte, error) {
	return nil, fmt.Errorf("mock adapter: server-side signing not supported")
}

func (m *MockChainAdapter) CustomPayout(ctx context.Context, betID string, creatorPayout, fillerPayout BigInt, nonce uint64, creatorSig, fillerSig []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bet, ok := m.bets[betID]
	if !ok {
		return &ChainError{Kind: ChainErrorReverted, Reason: "bet not found"}
	}
	bet.Status = BetStatusCustomPayout
	m.bets[betID] = bet
	return nil
}

func (m *MockChainAdapter) RequestArbitration(ctx context.Context, betID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bet, ok := m.bets[betID]
	if !ok {
		return &ChainError{Kind: ChainErrorReverted, Reason: "bet not found"}
	}
	if bet.Status != BetStatusActive {
		return &ChainError{Kind: ChainErrorReverted, Reason: "bet not active"}
	}
	bet.Status = BetStatusInArbitration
	m.bets[betID] = bet
	return nil
}

func (m *MockChainAdapter) GetBet(ctx context.Context, betID string) (Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bet, ok := m.bets[betID]
	if !ok {
		return Bet{}, &ChainError{Kind: ChainErrorReverted, Reason: "bet not found"}
	}
	return bet, nil
}

// applyFeeBps returns floor(total * feeBps / 10000).
func applyFeeBps(total BigInt, feeBps int64) BigInt {
	if feeBps <= 0 {
		return NewBigInt(0)
	}
	var product BigInt
	product.Int.Mul(&total.Int, big.NewInt(feeBps))
	product.Int.Div(&product.Int, big.NewInt(10000))
	return product
}

var _ ChainAdapter = (*MockChainAdapter)(nil)
