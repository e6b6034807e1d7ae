package core

// types.go defines the shared data model for the bilateral betting core:
// addresses, hashes, arbitrary-precision amounts, trades, bets, settlement
// proposals and the other records threaded through chain, transport and
// settlement packages. Kept at the lowest dependency tier so every other
// file in this package may import it without cycles.

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Address is a 20-byte account identifier, mirroring an EVM account address.
type Address [20]byte

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (a Address) IsZero() bool { return a == Address{} }

// MarshalJSON renders the address as a 0x-prefixed hex string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Hex())
}

// UnmarshalJSON parses a 0x-prefixed hex string into the address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a 0x-prefixed (or bare) hex string into an Address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address: %w", err)
	}
	if len(b) != 20 {
		return Address{}, fmt.Errorf("parse address: want 20 bytes, got %d", len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// Hash is a 32-byte cryptographic digest.
type Hash [32]byte

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) MarshalJSON() ([]byte, error) { return json.Marshal(h.Hex()) }

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("parse hash: want 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return nil
}

// BigInt wraps math/big.Int so that amounts and prices serialize as decimal
// strings in JSON, never as IEEE-754 floats, across every wire boundary.
type BigInt struct {
	big.Int
}

// NewBigInt wraps an int64 value.
func NewBigInt(v int64) BigInt {
	var b BigInt
	b.SetInt64(v)
	return b
}

// ParseBigInt parses a base-10 string into a BigInt.
func ParseBigInt(s string) (BigInt, error) {
	z, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return BigInt{}, fmt.Errorf("invalid integer literal %q", s)
	}
	return BigInt{Int: *z}, nil
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Int.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	z, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid integer literal %q", s)
	}
	b.Int = *z
	return nil
}

func (b BigInt) Add(other BigInt) BigInt {
	var z big.Int
	z.Add(&b.Int, &other.Int)
	return BigInt{Int: z}
}

func (b BigInt) Sub(other BigInt) BigInt {
	var z big.Int
	z.Sub(&b.Int, &other.Int)
	return BigInt{Int: z}
}

func (b BigInt) Cmp(other BigInt) int { return b.Int.Cmp(&other.Int) }

// Trade is one leg of a bilateral portfolio. Its position in the owning
// slice, not any embedded index, identifies it.
type Trade struct {
	Ticker     string `json:"ticker"`
	Method     string `json:"method"`
	EntryPrice BigInt `json:"entry_price"`
}

// TradeDirectionWins reports whether exitPrice represents a win for the long
// side implied by method. "up*" methods win when exit > entry, "down*"
// methods win when exit < entry; an exact match is a push (no winner).
func TradeDirectionWins(method string, entry, exit BigInt) (winner bool, push bool) {
	cmp := exit.Cmp(entry)
	switch {
	case strings.HasPrefix(method, "up"):
		return cmp > 0, cmp == 0
	case strings.HasPrefix(method, "down"):
		return cmp < 0, cmp == 0
	default:
		return false, true
	}
}

// BetStatus is the on-chain lifecycle state of a Bet.
type BetStatus int

const (
	BetStatusNone BetStatus = iota
	BetStatusActive
	BetStatusSettled
	BetStatusCustomPayout
	BetStatusInArbitration
	BetStatusArbitrationSettled
)

func (s BetStatus) String() string {
	switch s {
	case BetStatusNone:
		return "None"
	case BetStatusActive:
		return "Active"
	case BetStatusSettled:
		return "Settled"
	case BetStatusCustomPayout:
		return "CustomPayout"
	case BetStatusInArbitration:
		return "InArbitration"
	case BetStatusArbitrationSettled:
		return "ArbitrationSettled"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the status admits no further settlement action.
func (s BetStatus) IsTerminal() bool {
	return s != BetStatusActive && s != BetStatusInArbitration
}

// BetCommitment is the signed bilateral intent presented to the contract.
type BetCommitment struct {
	TradesRoot         Hash      `json:"trades_root"`
	Creator            Address   `json:"creator"`
	Filler             Address   `json:"filler"`
	CreatorAmount      BigInt    `json:"creator_amount"`
	FillerAmount       BigInt    `json:"filler_amount"`
	ResolutionDeadline time.Time `json:"resolution_deadline"`
	Nonce              uint64    `json:"nonce"`
	SignatureExpiry    time.Time `json:"signature_expiry"`
}

// Bet is the locally cached view of the on-chain bet record.
type Bet struct {
	BetID         string    `json:"bet_id"`
	TradesRoot    Hash      `json:"trades_root"`
	Creator       Address   `json:"creator"`
	Filler        Address   `json:"filler"`
	CreatorAmount BigInt    `json:"creator_amount"`
	FillerAmount  BigInt    `json:"filler_amount"`
	Deadline      time.Time `json:"deadline"`
	CreatedAt     time.Time `json:"created_at"`
	Status        BetStatus `json:"status"`
}

// SettlementProposal is the transient message exchanged between the two
// parties once the deadline has passed.
type SettlementProposal struct {
	BetID           string  `json:"bet_id"`
	ClaimedWinner   Address `json:"claimed_winner"`
	WinsCount       int     `json:"wins_count"`
	ValidTrades     int     `json:"valid_trades"`
	IsTie           bool    `json:"is_tie"`
	Proposer        Address `json:"proposer"`
	Signature       []byte  `json:"signature"`
	ProposalExpiry  time.Time `json:"proposal_expiry"`
	SettlementNonce uint64  `json:"settlement_nonce"`
	ExitPricesHash  *Hash   `json:"exit_prices_hash,omitempty"`
}

// Outcome is the result of computeOutcome for one bet.
type Outcome struct {
	Winner      Address `json:"winner"`
	WinsCount   int     `json:"wins_count"`
	ValidTrades int     `json:"valid_trades"`
	IsTie       bool    `json:"is_tie"`
}

// Equal reports whether two outcomes agree on every observable field, used to
// decide Agree vs Disagree during settlement.
func (o Outcome) Equal(other Outcome) bool {
	return o.Winner == other.Winner &&
		o.WinsCount == other.WinsCount &&
		o.ValidTrades == other.ValidTrades &&
		o.IsTie == other.IsTie
}

// SettlementResponseStatus enumerates how a partner replied to a proposal.
type SettlementResponseStatus string

const (
	SettlementAgree    SettlementResponseStatus = "agree"
	SettlementDisagree SettlementResponseStatus = "disagree"
	SettlementCounter  SettlementResponseStatus = "counter"
)

// CustomPayoutOffer is the {creator-payout, filler-payout} pair carried in a
// Counter response.
type CustomPayoutOffer struct {
	CreatorPayout BigInt `json:"creator_payout"`
	FillerPayout  BigInt `json:"filler_payout"`
}

// SettlementResponse is the reply to POST /p2p/propose-settlement.
type SettlementResponse struct {
	Status         SettlementResponseStatus `json:"status"`
	Signature      []byte                   `json:"signature,omitempty"`
	OurOutcome     *Outcome                 `json:"our_outcome,omitempty"`
	CounterPayout  *CustomPayoutOffer       `json:"counter_proposal,omitempty"`
}

// PeerInfo describes one peer known to discovery.
type PeerInfo struct {
	Address         Address   `json:"address"`
	Endpoint        string    `json:"endpoint"`
	PubkeyHash      Hash      `json:"pubkey_hash"`
	LastKnownHealthy bool     `json:"last_known_healthy"`
	LastChecked     time.Time `json:"last_checked"`
}
