package keystore

import (
	"bytes"
	"errors"
	"testing"

	"e2ee-session/internal/cryptocore"

	"github.com/99designs/keyring"
)

func TestBundleAndRecoveryRoundTrip(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	s := New(ring, "alice")

	if _, err := s.Bundle(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	bundle := &cryptocore.EncryptedKeyBundle{
		KEMPublic:          []byte{1},
		KEMEncryptedSecret: []byte{2},
		DSAPublic:          []byte{3},
		DSAEncryptedSecret: []byte{4},
		Salt:               []byte{5},
		Params:             cryptocore.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32},
	}
	if err := s.SaveBundle(bundle); err != nil {
		t.Fatalf("save bundle: %v", err)
	}
	rec := &cryptocore.RecoveryKeyData{KEMPublic: []byte{1}, KEMEncryptedSecret: []byte{6}, DSAPublic: []byte{3}, DSAEncryptedSecret: []byte{7}, Salt: []byte{8}}
	if err := s.SaveRecovery(rec); err != nil {
		t.Fatalf("save recovery: %v", err)
	}

	got, err := s.Bundle()
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if !bytes.Equal(got.DSAEncryptedSecret, bundle.DSAEncryptedSecret) || got.Params != bundle.Params {
		t.Fatalf("bundle mismatch: %+v", got)
	}
	gotRec, err := s.Recovery()
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if !bytes.Equal(gotRec.Salt, rec.Salt) {
		t.Fatalf("recovery mismatch: %+v", gotRec)
	}

	other := New(ring, "bob")
	if _, err := other.Bundle(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("accounts must not share entries, got %v", err)
	}

	if err := s.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, err := s.Recovery(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestStoresVaultOutput(t *testing.T) {
	gw := cryptocore.MustGateway(cryptocore.GatewayConfig{})
	vault, err := cryptocore.NewKeyVault(gw, cryptocore.WithArgon2Params(cryptocore.Argon2Params{Time: 1, Memory: 1024, Threads: 1}))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	bundle, err := vault.GenerateIdentity("pw")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	s := New(keyring.NewArrayKeyring(nil), "alice")
	if err := s.SaveBundle(bundle); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := s.Bundle()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	kp, err := vault.Unwrap("pw", loaded)
	if err != nil {
		t.Fatalf("unwrap stored bundle: %v", err)
	}
	defer kp.Wipe()
	if !bytes.Equal(kp.KEMPublic, bundle.KEMPublic) {
		t.Fatal("unwrapped key pair does not match stored bundle")
	}
}
