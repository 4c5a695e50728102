package cryptocore

import (
	"errors"
	"fmt"
)

const (
	SaltSize = 16

	vaultLabelKEM = "SecuMSG-Vault|kem|"
	vaultLabelDSA = "SecuMSG-Vault|dsa|"
)

var ErrEmptyPassword = fmt.Errorf("%w: empty password", ErrAuthFailure)

// KeyVault creates identity key pairs and wraps their secret halves under a
// password-derived key or a recovery key.
type KeyVault struct {
	gw     PrimitiveGateway
	params Argon2Params
}

type VaultOption func(*KeyVault) error

// WithArgon2Params overrides the password KDF cost used for new wraps.
// Existing bundles always unwrap with the parameters recorded in them.
func WithArgon2Params(p Argon2Params) VaultOption {
	return func(v *KeyVault) error {
		if p.KeyLen == 0 {
			p.KeyLen = SymmetricKeySize
		}
		if err := p.validate(); err != nil {
			return fmt.Errorf("cryptocore: %w", err)
		}
		v.params = p
		return nil
	}
}

func NewKeyVault(gw PrimitiveGateway, opts ...VaultOption) (*KeyVault, error) {
	if gw == nil {
		return nil, errors.New("cryptocore: nil gateway")
	}
	v := &KeyVault{gw: gw, params: DefaultArgon2Params()}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *KeyVault) NewIdentityKeyPair() (*IdentityKeyPair, error) {
	kemPub, kemSec, err := v.gw.GenerateKEMKeyPair()
	if err != nil {
		return nil, err
	}
	dsaPub, dsaSec, err := v.gw.GenerateDSAKeyPair()
	if err != nil {
		wipe(kemSec)
		return nil, err
	}
	return &IdentityKeyPair{KEMPublic: kemPub, KEMSecret: kemSec, DSAPublic: dsaPub, DSASecret: dsaSec}, nil
}

// GenerateIdentity creates a fresh identity and returns it wrapped under
// password. The plaintext secrets are wiped before returning.
func (v *KeyVault) GenerateIdentity(password string) (*EncryptedKeyBundle, error) {
	kp, err := v.NewIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()
	return v.Wrap(password, kp)
}

// Wrap encrypts both secret halves of kp under a key derived from password
// and a fresh salt.
func (v *KeyVault) Wrap(password string, kp *IdentityKeyPair) (*EncryptedKeyBundle, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if kp == nil {
		return nil, errors.New("cryptocore: nil identity")
	}
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return nil, cryptoErr("salt", err)
	}
	key, err := v.passwordKey(password, salt, v.params)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	kemCT, dsaCT, err := v.sealPair(key, kp)
	if err != nil {
		return nil, err
	}
	return &EncryptedKeyBundle{
		KEMPublic:          append([]byte(nil), kp.KEMPublic...),
		KEMEncryptedSecret: kemCT,
		DSAPublic:          append([]byte(nil), kp.DSAPublic...),
		DSAEncryptedSecret: dsaCT,
		Salt:               salt,
		Params:             v.params,
	}, nil
}

// Unwrap re-derives the wrapping key from bundle's salt. A wrong password and
// a corrupted bundle are reported identically as ErrAuthFailure.
func (v *KeyVault) Unwrap(password string, bundle *EncryptedKeyBundle) (*IdentityKeyPair, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if bundle == nil {
		return nil, errors.New("cryptocore: nil key bundle")
	}
	if len(bundle.Salt) != SaltSize {
		return nil, ErrAuthFailure
	}
	params := bundle.Params
	if params.KeyLen == 0 {
		params = DefaultArgon2Params()
	}
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	key, err := v.passwordKey(password, bundle.Salt, params)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	return v.openPair(key, bundle.KEMPublic, bundle.KEMEncryptedSecret, bundle.DSAPublic, bundle.DSAEncryptedSecret)
}

// ChangePassword re-wraps the same secrets under newPassword with a fresh
// salt. Recovery data stays valid since the secrets do not change.
func (v *KeyVault) ChangePassword(oldPassword, newPassword string, bundle *EncryptedKeyBundle) (*EncryptedKeyBundle, error) {
	kp, err := v.Unwrap(oldPassword, bundle)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()
	return v.Wrap(newPassword, kp)
}

func (v *KeyVault) passwordKey(password string, salt []byte, params Argon2Params) ([]byte, error) {
	pw := []byte(password)
	defer wipe(pw)
	return v.gw.PasswordKey(pw, salt, params)
}

func (v *KeyVault) sealPair(key []byte, kp *IdentityKeyPair) ([]byte, []byte, error) {
	kemCT, err := v.gw.Seal(key, kp.KEMSecret, vaultAD(vaultLabelKEM, kp.KEMPublic))
	if err != nil {
		return nil, nil, err
	}
	dsaCT, err := v.gw.Seal(key, kp.DSASecret, vaultAD(vaultLabelDSA, kp.DSAPublic))
	if err != nil {
		return nil, nil, err
	}
	return kemCT, dsaCT, nil
}

func (v *KeyVault) openPair(key, kemPub, kemCT, dsaPub, dsaCT []byte) (*IdentityKeyPair, error) {
	kemSec, err := v.gw.Open(key, kemCT, vaultAD(vaultLabelKEM, kemPub))
	if err != nil {
		return nil, unwrapErr(err)
	}
	dsaSec, err := v.gw.Open(key, dsaCT, vaultAD(vaultLabelDSA, dsaPub))
	if err != nil {
		wipe(kemSec)
		return nil, unwrapErr(err)
	}
	return &IdentityKeyPair{
		KEMPublic: append([]byte(nil), kemPub...),
		KEMSecret: kemSec,
		DSAPublic: append([]byte(nil), dsaPub...),
		DSASecret: dsaSec,
	}, nil
}

func unwrapErr(err error) error {
	if errors.Is(err, ErrInvalidKeyLength) || errors.Is(err, ErrCryptoFailure) {
		return err
	}
	return ErrAuthFailure
}

func vaultAD(label string, public []byte) []byte {
	ad := make([]byte, 0, len(label)+len(public))
	ad = append(ad, label...)
	return append(ad, public...)
}
