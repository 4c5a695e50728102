package cryptocore

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *KeyVault {
	t.Helper()
	v, err := NewKeyVault(testGateway(t), WithArgon2Params(fastArgon2()))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return v
}

func TestVaultWrapUnwrap(t *testing.T) {
	seededRandom(t, 30)
	v := newTestVault(t)
	kp, err := v.NewIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	bundle, err := v.Wrap("correct horse", kp)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if bundle.Params != fastArgon2() {
		t.Fatalf("params not recorded: %+v", bundle.Params)
	}
	got, err := v.Unwrap("correct horse", bundle)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got.KEMSecret, kp.KEMSecret) || !bytes.Equal(got.DSASecret, kp.DSASecret) {
		t.Fatalf("unwrapped secrets differ")
	}

	if _, err := v.Unwrap("battery staple", bundle); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := v.Unwrap("", bundle); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("empty password: got %v", err)
	}
	corrupt := *bundle
	corrupt.DSAEncryptedSecret = append([]byte(nil), bundle.DSAEncryptedSecret...)
	corrupt.DSAEncryptedSecret[30] ^= 0x80
	if _, err := v.Unwrap("correct horse", &corrupt); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("corrupt bundle: got %v", err)
	}
}

func TestVaultRejectsOutOfRangeArgon2Params(t *testing.T) {
	seededRandom(t, 36)
	v := newTestVault(t)
	bundle, err := v.GenerateIdentity("pw")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for name, mutate := range map[string]func(*Argon2Params){
		"memory":  func(p *Argon2Params) { p.Memory = 1 << 31 },
		"time":    func(p *Argon2Params) { p.Time = 1 << 20 },
		"threads": func(p *Argon2Params) { p.Threads = 255 },
		"key len": func(p *Argon2Params) { p.KeyLen = 1 << 30 },
	} {
		hostile := *bundle
		mutate(&hostile.Params)
		if _, err := v.Unwrap("pw", &hostile); !errors.Is(err, ErrAuthFailure) {
			t.Fatalf("%s: expected ErrAuthFailure, got %v", name, err)
		}
	}

	tooCostly := fastArgon2()
	tooCostly.Memory = MaxArgon2MemoryKiB + 1
	if _, err := NewKeyVault(testGateway(t), WithArgon2Params(tooCostly)); err == nil {
		t.Fatalf("expected configured memory above the bound to be rejected")
	}
}

func TestVaultChangePasswordFreshSalt(t *testing.T) {
	seededRandom(t, 31)
	v := newTestVault(t)
	bundle, err := v.GenerateIdentity("old")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	next, err := v.ChangePassword("old", "new", bundle)
	if err != nil {
		t.Fatalf("change password: %v", err)
	}
	if bytes.Equal(next.Salt, bundle.Salt) {
		t.Fatalf("salt was reused")
	}
	if _, err := v.Unwrap("old", next); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("old password still opens the new bundle: %v", err)
	}
	a, err := v.Unwrap("old", bundle)
	if err != nil {
		t.Fatalf("unwrap old: %v", err)
	}
	b, err := v.Unwrap("new", next)
	if err != nil {
		t.Fatalf("unwrap new: %v", err)
	}
	if !bytes.Equal(a.KEMSecret, b.KEMSecret) || !bytes.Equal(a.DSASecret, b.DSASecret) {
		t.Fatalf("password change altered the secrets")
	}
}

func TestRecoveryEquivalence(t *testing.T) {
	seededRandom(t, 32)
	v := newTestVault(t)
	kp, err := v.NewIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	rk, err := GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("recovery key: %v", err)
	}
	data, err := v.WrapWithRecovery(rk, kp)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := v.UnwrapWithRecovery(rk, data)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got.KEMSecret, kp.KEMSecret) || !bytes.Equal(got.DSASecret, kp.DSASecret) {
		t.Fatalf("recovered secrets differ")
	}

	other, err := GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("recovery key: %v", err)
	}
	if _, err := v.UnwrapWithRecovery(other, data); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("wrong recovery key: got %v", err)
	}
}

func TestParseRecoveryKey(t *testing.T) {
	seededRandom(t, 33)
	rk, err := GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("recovery key: %v", err)
	}
	s := rk.String()
	if len(s) != 64 {
		t.Fatalf("textual form has %d characters", len(s))
	}
	spaced := strings.ToUpper(s[:16]) + " \n" + s[16:32] + "\t" + s[32:]
	got, err := ParseRecoveryKey(spaced)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != rk {
		t.Fatalf("parsed key differs")
	}

	for _, bad := range []string{"", s[:63], s + "00", "zz" + s[2:]} {
		_, err := ParseRecoveryKey(bad)
		if !errors.Is(err, ErrInvalidRecoveryKey) || !errors.Is(err, ErrInvalidKeyLength) {
			t.Fatalf("parse %q: got %v", bad, err)
		}
	}
}

func TestReEncryptForNewPassword(t *testing.T) {
	seededRandom(t, 34)
	v := newTestVault(t)
	kp, err := v.NewIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	rk, data, err := v.RotateRecoveryKey(kp)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	bundle, recovery, err := v.ReEncryptForNewPassword(ReEncryptParams{
		NewPassword: "fresh",
		RecoveryKey: rk,
		KeyPair:     kp,
		Current:     data,
	})
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if bytes.Equal(recovery.Salt, data.Salt) {
		t.Fatalf("recovery salt was reused")
	}
	fromPassword, err := v.Unwrap("fresh", bundle)
	if err != nil {
		t.Fatalf("unwrap password: %v", err)
	}
	fromRecovery, err := v.UnwrapWithRecovery(rk, recovery)
	if err != nil {
		t.Fatalf("unwrap recovery: %v", err)
	}
	if !bytes.Equal(fromPassword.KEMSecret, fromRecovery.KEMSecret) || !bytes.Equal(fromPassword.DSASecret, fromRecovery.DSASecret) {
		t.Fatalf("password and recovery wraps disagree")
	}

	wrong, err := GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("recovery key: %v", err)
	}
	_, _, err = v.ReEncryptForNewPassword(ReEncryptParams{NewPassword: "x", RecoveryKey: wrong, KeyPair: kp, Current: data})
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("wrong recovery key: got %v", err)
	}

	stranger, err := v.NewIdentityKeyPair()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	_, _, err = v.ReEncryptForNewPassword(ReEncryptParams{NewPassword: "x", RecoveryKey: rk, KeyPair: stranger, Current: data})
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("mismatched key pair: got %v", err)
	}
}
