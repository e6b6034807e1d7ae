package core

// identity.go manages the agent's signing key. Grounded on the teacher's
// HDWallet (core/wallet.go): BIP-39 mnemonic generation and recovery are
// kept, but derivation targets a secp256k1 ECDSA key instead of ed25519 so
// the resulting address matches what the chain adapter and transport
// signatures recover against.

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"
)

// Identity is the agent's long-lived signing key and derived address.
type Identity struct {
	Private *ecdsa.PrivateKey
	Address Address
}

const seedHMACKey = "bilateral-bet seed"

// NewRandomIdentity generates a fresh BIP-39 mnemonic of the requested
// entropy (128 or 256 bits) and derives the agent's signing key from it.
// Callers must persist or securely discard the mnemonic themselves.
func NewRandomIdentity(entropyBits int) (*Identity, string, error) {
	if entropyBits != 128 && entropyBits != 256 {
		return nil, "", fmt.Errorf("identity: unsupported entropy size %d", entropyBits)
	}
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("identity: entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("identity: mnemonic: %w", err)
	}
	id, err := IdentityFromMnemonic(mnemonic)
	if err != nil {
		return nil, "", err
	}
	return id, mnemonic, nil
}

// IdentityFromMnemonic recovers the deterministic signing key for a
// previously generated (or operator-supplied) mnemonic.
func IdentityFromMnemonic(mnemonic string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("identity: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	return identityFromSeed(seed)
}

// identityFromSeed derives a secp256k1 private key from a BIP-39 seed using
// the same HMAC-SHA512 master-key construction as SLIP-0010, reduced modulo
// the curve order so the result is always a valid scalar.
func identityFromSeed(seed []byte) (*Identity, error) {
	mac := hmac.New(sha512.New, []byte(seedHMACKey))
	mac.Write(seed)
	sum := mac.Sum(nil)

	curve := crypto.S256()
	scalar := new(big.Int).SetBytes(sum[:32])
	scalar.Mod(scalar, curve.Params().N)
	if scalar.Sign() == 0 {
		return nil, fmt.Errorf("identity: derived zero scalar, regenerate seed")
	}

	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = scalar
	priv.PublicKey.X, priv.PublicKey.Y = priv.PublicKey.Curve.ScalarBaseMult(scalar.Bytes())

	var addr Address
	copy(addr[:], crypto.PubkeyToAddress(priv.PublicKey).Bytes())
	return &Identity{Private: priv, Address: addr}, nil
}

// PubkeyHash returns the content hash of the identity's uncompressed public
// key, used as the pubkey-hash advertised to the peer registry.
func (id *Identity) PubkeyHash() Hash {
	return Hash(crypto.Keccak256Hash(crypto.FromECDSAPub(&id.Private.PublicKey)))
}
