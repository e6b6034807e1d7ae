package core

// chain_adapter.go is the opaque boundary to the smart-contract layer (§4.1
// of the spec). The settlement coordinator and bet lifecycle never touch a
// transport or ABI directly; they call ChainAdapter and classify failures by
// ChainErrorKind. Concrete adapters (an RPC client, a mock for tests) satisfy
// this interface.

import (
	"context"
	"errors"
	"fmt"
)

// ChainErrorKind classifies a chain adapter failure so callers know whether
// retrying, escalating or aborting is appropriate (spec §7).
type ChainErrorKind int

const (
	// ChainErrorTransient covers timeouts, connection failures and anything
	// the retry envelope of the caller should absorb.
	ChainErrorTransient ChainErrorKind = iota
	// ChainErrorInsufficientFunds covers local gas/balance shortfalls.
	ChainErrorInsufficientFunds
	// ChainErrorSignatureRejected covers signature/nonce rejection, permanent
	// for the current nonce.
	ChainErrorSignatureRejected
	// ChainErrorReverted covers a contract-level revert with an extracted
	// reason string, typically permanent for the same inputs.
	ChainErrorReverted
)

// ChainError is the typed error returned by every ChainAdapter method.
type ChainError struct {
	Kind   ChainErrorKind
	Reason string
	Err    error
}

func (e *ChainError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("chain: %s: %s", e.kindLabel(), e.Reason)
	}
	return fmt.Sprintf("chain: %s: %v", e.kindLabel(), e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

func (e *ChainError) kindLabel() string {
	switch e.Kind {
	case ChainErrorTransient:
		return "transient"
	case ChainErrorInsufficientFunds:
		return "insufficient-funds"
	case ChainErrorSignatureRejected:
		return "signature-rejected"
	case ChainErrorReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Retryable reports whether the caller's retry envelope should absorb this
// failure rather than escalate immediately.
func (e *ChainError) Retryable() bool { return e.Kind == ChainErrorTransient }

// AsChainError extracts a *ChainError from err, if any.
func AsChainError(err error) (*ChainError, bool) {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// VaultBalance is the {available, locked, total} split returned by
// getVaultBalance.
type VaultBalance struct {
	Available BigInt
	Locked    BigInt
	Total     BigInt
}

// ChainAdapter is the opaque binding to the smart-contract layer (§4.1).
// Every method's successful return implies the transaction was mined;
// implementations re-query the receipt on reconnect rather than surface a
// false negative.
type ChainAdapter interface {
	Approve(ctx context.Context, spender Address, amount BigInt) error
	Balance(ctx context.Context, who Address) (BigInt, error)

	RegisterBot(ctx context.Context, endpoint string, pubkeyHash Hash) error
	DeregisterBot(ctx context.Context) error
	GetBot(ctx context.Context, addr Address) (endpoint string, pubkeyHash Hash, err error)
	GetAllActiveBots(ctx context.Context) (addresses []Address, endpoints []string, err error)

	DepositToVault(ctx context.Context, amount BigInt) error
	WithdrawFromVault(ctx context.Context, amount BigInt) error
	GetVaultBalance(ctx context.Context, who Address) (VaultBalance, error)
	GetVaultNonce(ctx context.Context, who Address) (uint64, error)

	SignBilateralCommitment(ctx context.Context, commitment BetCommitment) ([]byte, error)
	CommitBilateralBet(ctx context.Context, commitment BetCommitment, creatorSig, fillerSig []byte) (betID string, err error)

	SignSettlementAgreement(ctx context.Context, betID string, winner Address, nonce uint64) ([]byte, error)
	SettleByAgreement(ctx context.Context, betID string, winner Address, nonce uint64, creatorSig, fillerSig []byte) error

	SignCustomPayout(ctx context.Context, betID string, creatorPayout, fillerPayout BigInt, nonce uint64) ([]byte, error)
	CustomPayout(ctx context.Context, betID string, creatorPayout, fillerPayout BigInt, nonce uint64, creatorSig, fillerSig []byte) error

	RequestArbitration(ctx context.Context, betID string) error
	GetBet(ctx context.Context, betID string) (Bet, error)
}
