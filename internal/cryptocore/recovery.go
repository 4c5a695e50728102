package cryptocore

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

const (
	RecoveryKeySize = 32

	hkdfInfoRecovery = "SecuMSG-Recovery"
)

// RecoveryKey is 32 random bytes shown to the user once as 64 hex characters.
type RecoveryKey [RecoveryKeySize]byte

func GenerateRecoveryKey() (RecoveryKey, error) {
	var k RecoveryKey
	if err := readRandom(k[:]); err != nil {
		return RecoveryKey{}, cryptoErr("recovery key", err)
	}
	return k, nil
}

func (k RecoveryKey) String() string {
	return hex.EncodeToString(k[:])
}

// ParseRecoveryKey accepts the textual form: whitespace anywhere is ignored and
// hex digits may be in either case.
func ParseRecoveryKey(s string) (RecoveryKey, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	if len(cleaned) != hex.EncodedLen(RecoveryKeySize) {
		return RecoveryKey{}, ErrInvalidRecoveryKey
	}
	var k RecoveryKey
	if _, err := hex.Decode(k[:], []byte(cleaned)); err != nil {
		return RecoveryKey{}, ErrInvalidRecoveryKey
	}
	return k, nil
}

// WrapWithRecovery wraps the same secrets as the password bundle under a key
// derived directly from the recovery key and a fresh salt.
func (v *KeyVault) WrapWithRecovery(rk RecoveryKey, kp *IdentityKeyPair) (*RecoveryKeyData, error) {
	if kp == nil {
		return nil, errors.New("cryptocore: nil identity")
	}
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, cryptoErr("salt", err)
	}
	key, err := v.recoveryKey(rk, salt)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	kemCT, dsaCT, err := v.sealPair(key, kp)
	if err != nil {
		return nil, err
	}
	return &RecoveryKeyData{
		KEMPublic:          append([]byte(nil), kp.KEMPublic...),
		KEMEncryptedSecret: kemCT,
		DSAPublic:          append([]byte(nil), kp.DSAPublic...),
		DSAEncryptedSecret: dsaCT,
		Salt:               salt,
	}, nil
}

func (v *KeyVault) UnwrapWithRecovery(rk RecoveryKey, data *RecoveryKeyData) (*IdentityKeyPair, error) {
	if data == nil {
		return nil, errors.New("cryptocore: nil recovery data")
	}
	if len(data.Salt) != SaltSize {
		return nil, ErrAuthFailure
	}
	key, err := v.recoveryKey(rk, data.Salt)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	return v.openPair(key, data.KEMPublic, data.KEMEncryptedSecret, data.DSAPublic, data.DSAEncryptedSecret)
}

type ReEncryptParams struct {
	NewPassword string
	RecoveryKey RecoveryKey
	KeyPair     *IdentityKeyPair
	Current     *RecoveryKeyData
}

// ReEncryptForNewPassword is the password-reset path. The supplied recovery
// key must open Current to exactly KeyPair's secrets; then both wraps are
// regenerated with fresh salts. The recovery key itself is kept.
func (v *KeyVault) ReEncryptForNewPassword(p ReEncryptParams) (*EncryptedKeyBundle, *RecoveryKeyData, error) {
	if p.KeyPair == nil || p.Current == nil {
		return nil, nil, errors.New("cryptocore: key pair and current recovery data are required")
	}
	if p.NewPassword == "" {
		return nil, nil, ErrEmptyPassword
	}
	held, err := v.UnwrapWithRecovery(p.RecoveryKey, p.Current)
	if err != nil {
		return nil, nil, err
	}
	defer held.Wipe()
	if subtle.ConstantTimeCompare(held.KEMSecret, p.KeyPair.KEMSecret) != 1 ||
		subtle.ConstantTimeCompare(held.DSASecret, p.KeyPair.DSASecret) != 1 {
		return nil, nil, ErrAuthFailure
	}

	bundle, err := v.Wrap(p.NewPassword, p.KeyPair)
	if err != nil {
		return nil, nil, err
	}
	recovery, err := v.WrapWithRecovery(p.RecoveryKey, p.KeyPair)
	if err != nil {
		return nil, nil, err
	}
	return bundle, recovery, nil
}

// RotateRecoveryKey issues a new recovery key and a matching wrap. The old
// recovery data must be discarded by the caller.
func (v *KeyVault) RotateRecoveryKey(kp *IdentityKeyPair) (RecoveryKey, *RecoveryKeyData, error) {
	rk, err := GenerateRecoveryKey()
	if err != nil {
		return RecoveryKey{}, nil, err
	}
	data, err := v.WrapWithRecovery(rk, kp)
	if err != nil {
		return RecoveryKey{}, nil, err
	}
	return rk, data, nil
}

func (v *KeyVault) recoveryKey(rk RecoveryKey, salt []byte) ([]byte, error) {
	return v.gw.DeriveKey(rk[:], salt, []byte(hkdfInfoRecovery), SymmetricKeySize)
}
