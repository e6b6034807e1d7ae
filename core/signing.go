package core

// signing.go implements the typed-data signature domains required by the
// spec: a contract-verifying domain {name, version, chain-id,
// verifying-contract} used for anything the chain adapter's contracts
// recover, and a P2P-only domain {name, version, chain-id} used for off-chain
// trade propositions, acceptances and settlement proposals. Hashing and
// recovery follow the same crypto.Sign/SigToPub/VerifySignature idiom the
// teacher's transaction signing used, so recovered addresses are ordinary
// secp256k1 account addresses.

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Domain binds a signature to a contract/chain context. VerifyingContract is
// nil for the P2P-only domain.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract *Address
}

// ContractDomain builds a contract-verifying typed-data domain.
func ContractDomain(name, version string, chainID int64, verifyingContract Address) Domain {
	return Domain{Name: name, Version: version, ChainID: chainID, VerifyingContract: &verifyingContract}
}

// P2PDomain builds the non-contract-verifying domain used for off-chain
// propositions, acceptances and settlement proposals.
func P2PDomain(name, version string, chainID int64) Domain {
	return Domain{Name: name, Version: version, ChainID: chainID}
}

func (d Domain) separator() Hash {
	var buf bytes.Buffer
	buf.WriteString(d.Name)
	buf.WriteByte('|')
	buf.WriteString(d.Version)
	buf.WriteByte('|')
	var chainBuf [8]byte
	binary.BigEndian.PutUint64(chainBuf[:], uint64(d.ChainID))
	buf.Write(chainBuf[:])
	buf.WriteByte('|')
	if d.VerifyingContract != nil {
		buf.Write(d.VerifyingContract[:])
	}
	return Hash(crypto.Keccak256Hash(buf.Bytes()))
}

// typedDataHash combines a domain separator with a message struct hash the
// way EIP-712 combines them, without requiring a full ABI type encoder: both
// inputs are already domain-separated digests, so the construction preserves
// the same non-malleability and cross-domain-replay properties.
func typedDataHash(domain Domain, structHash Hash) Hash {
	var buf bytes.Buffer
	buf.WriteByte(0x19)
	buf.WriteByte(0x01)
	sep := domain.separator()
	buf.Write(sep[:])
	buf.Write(structHash[:])
	return Hash(crypto.Keccak256Hash(buf.Bytes()))
}

func hashBetCommitment(c BetCommitment) Hash {
	var buf bytes.Buffer
	buf.Write(c.TradesRoot[:])
	buf.Write(c.Creator[:])
	buf.Write(c.Filler[:])
	buf.WriteString(c.CreatorAmount.Int.String())
	buf.WriteByte('|')
	buf.WriteString(c.FillerAmount.Int.String())
	buf.WriteByte('|')
	var tbuf [8]byte
	binary.BigEndian.PutUint64(tbuf[:], uint64(c.ResolutionDeadline.Unix()))
	buf.Write(tbuf[:])
	binary.BigEndian.PutUint64(tbuf[:], c.Nonce)
	buf.Write(tbuf[:])
	binary.BigEndian.PutUint64(tbuf[:], uint64(c.SignatureExpiry.Unix()))
	buf.Write(tbuf[:])
	return Hash(crypto.Keccak256Hash(buf.Bytes()))
}

func hashSettlementAgreement(betID string, winner Address, nonce uint64) Hash {
	var buf bytes.Buffer
	buf.WriteString(betID)
	buf.WriteByte('|')
	buf.Write(winner[:])
	var nbuf [8]byte
	binary.BigEndian.PutUint64(nbuf[:], nonce)
	buf.Write(nbuf[:])
	return Hash(crypto.Keccak256Hash(buf.Bytes()))
}

func hashCustomPayout(betID string, creatorPayout, fillerPayout BigInt, nonce uint64) Hash {
	var buf bytes.Buffer
	buf.WriteString(betID)
	buf.WriteByte('|')
	buf.WriteString(creatorPayout.Int.String())
	buf.WriteByte('|')
	buf.WriteString(fillerPayout.Int.String())
	buf.WriteByte('|')
	var nbuf [8]byte
	binary.BigEndian.PutUint64(nbuf[:], nonce)
	buf.Write(nbuf[:])
	return Hash(crypto.Keccak256Hash(buf.Bytes()))
}

func hashSettlementProposal(p SettlementProposal) Hash {
	var buf bytes.Buffer
	buf.WriteString(p.BetID)
	buf.WriteByte('|')
	buf.Write(p.ClaimedWinner[:])
	var ibuf [8]byte
	binary.BigEndian.PutUint64(ibuf[:], uint64(p.WinsCount))
	buf.Write(ibuf[:])
	binary.BigEndian.PutUint64(ibuf[:], uint64(p.ValidTrades))
	buf.Write(ibuf[:])
	if p.IsTie {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.BigEndian.PutUint64(ibuf[:], uint64(p.ProposalExpiry.Unix()))
	buf.Write(ibuf[:])
	binary.BigEndian.PutUint64(ibuf[:], p.SettlementNonce)
	buf.Write(ibuf[:])
	if p.ExitPricesHash != nil {
		buf.Write(p.ExitPricesHash[:])
	}
	return Hash(crypto.Keccak256Hash(buf.Bytes()))
}

// contentKeccak hashes an arbitrary payload, used to derive the digest a
// signed envelope (trade proposition/acceptance) recovers against and the
// content-hash key the transport's replay cache remembers.
func contentKeccak(data []byte) [32]byte {
	return crypto.Keccak256Hash(data)
}

// SignHash signs a 32-byte digest with priv, returning the 65-byte
// {R||S||V} signature produced by crypto.Sign.
func SignHash(priv *ecdsa.PrivateKey, digest Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// RecoverSigner recovers the signing address for digest/sig, as produced by
// SignHash.
func RecoverSigner(digest Hash, sig []byte) (Address, error) {
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return Address{}, fmt.Errorf("signing: recover: %w", err)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), digest[:], sig[:64]) {
		return Address{}, fmt.Errorf("signing: signature does not verify against recovered key")
	}
	var out Address
	copy(out[:], crypto.PubkeyToAddress(*pub).Bytes())
	return out, nil
}

// SignBetCommitment signs a BetCommitment under the contract-verifying
// domain.
func SignBetCommitment(priv *ecdsa.PrivateKey, domain Domain, c BetCommitment) ([]byte, error) {
	return SignHash(priv, typedDataHash(domain, hashBetCommitment(c)))
}

// VerifyBetCommitment recovers and returns the signer of a commitment
// signature.
func VerifyBetCommitment(domain Domain, c BetCommitment, sig []byte) (Address, error) {
	return RecoverSigner(typedDataHash(domain, hashBetCommitment(c)), sig)
}

// SignSettlementAgreement signs a (bet, winner, nonce) triple under the
// contract-verifying domain.
func SignSettlementAgreement(priv *ecdsa.PrivateKey, domain Domain, betID string, winner Address, nonce uint64) ([]byte, error) {
	return SignHash(priv, typedDataHash(domain, hashSettlementAgreement(betID, winner, nonce)))
}

// VerifySettlementAgreement recovers the signer of a settlement agreement
// signature.
func VerifySettlementAgreement(domain Domain, betID string, winner Address, nonce uint64, sig []byte) (Address, error) {
	return RecoverSigner(typedDataHash(domain, hashSettlementAgreement(betID, winner, nonce)), sig)
}

// SignCustomPayout signs a custom payout split under the contract-verifying
// domain.
func SignCustomPayout(priv *ecdsa.PrivateKey, domain Domain, betID string, creatorPayout, fillerPayout BigInt, nonce uint64) ([]byte, error) {
	return SignHash(priv, typedDataHash(domain, hashCustomPayout(betID, creatorPayout, fillerPayout, nonce)))
}

// SignSettlementProposal signs a settlement proposal under the P2P-only
// domain, and returns the signature to embed in the proposal before sending
// it over the wire.
func SignSettlementProposal(priv *ecdsa.PrivateKey, domain Domain, p SettlementProposal) ([]byte, error) {
	return SignHash(priv, typedDataHash(domain, hashSettlementProposal(p)))
}

// VerifySettlementProposal recovers the signer of a settlement proposal.
func VerifySettlementProposal(domain Domain, p SettlementProposal) (Address, error) {
	unsigned := p
	unsigned.Signature = nil
	return RecoverSigner(typedDataHash(domain, hashSettlementProposal(unsigned)), p.Signature)
}
