package core

import "testing"

func TestIdentityRoundTripsThroughMnemonic(t *testing.T) {
	id, mnemonic, err := NewRandomIdentity(128)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	recovered, err := IdentityFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("recover identity: %v", err)
	}
	if recovered.Address != id.Address {
		t.Fatalf("address mismatch after recovery: got %s want %s", recovered.Address, id.Address)
	}
}

func TestIdentityRejectsInvalidMnemonic(t *testing.T) {
	if _, err := IdentityFromMnemonic("not a real mnemonic phrase"); err == nil {
		t.Fatalf("expected invalid mnemonic to be rejected")
	}
}

func TestIdentityCanSignAndRecover(t *testing.T) {
	id, _, err := NewRandomIdentity(256)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	digest := Hash{0x01, 0x02, 0x03}
	sig, err := SignHash(id.Private, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != id.Address {
		t.Fatalf("recovered signer mismatch: got %s want %s", signer, id.Address)
	}
}
