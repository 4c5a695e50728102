package dto

import (
	"encoding/base64"
	"fmt"

	"e2ee-session/internal/cryptocore"
)

func encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decode(field, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return b, nil
}

// NewRegisterDeviceRequest renders a locally generated bundle for upload.
func NewRegisterDeviceRequest(userID, deviceID string, b *cryptocore.PrekeyBundle) RegisterDeviceRequest {
	return RegisterDeviceRequest{
		UserID:               userID,
		DeviceID:             deviceID,
		IdentityKey:          encode(b.Identity.KEMPublic),
		IdentitySignatureKey: encode(b.Identity.DSAPublic),
		SignedPreKey:         FromSignedPrekey(b.SignedPrekey),
		OneTimePreKeys:       FromOneTimePrekeys(b.OneTimePrekeys),
	}
}

func FromSignedPrekey(spk cryptocore.SignedPrekeyPublic) SignedPreKey {
	return SignedPreKey{KeyID: spk.ID, PublicKey: encode(spk.PublicKey), Signature: encode(spk.Signature)}
}

func FromOneTimePrekeys(keys []cryptocore.OneTimePrekeyPublic) []OneTimePreKey {
	out := make([]OneTimePreKey, len(keys))
	for i, k := range keys {
		out[i] = OneTimePreKey{KeyID: k.ID, PublicKey: encode(k.PublicKey)}
	}
	return out
}

func (s SignedPreKey) Decode() (cryptocore.SignedPrekeyPublic, error) {
	pub, err := decode("signedPreKey.publicKey", s.PublicKey)
	if err != nil {
		return cryptocore.SignedPrekeyPublic{}, err
	}
	sig, err := decode("signedPreKey.signature", s.Signature)
	if err != nil {
		return cryptocore.SignedPrekeyPublic{}, err
	}
	return cryptocore.SignedPrekeyPublic{ID: s.KeyID, PublicKey: pub, Signature: sig}, nil
}

func (o OneTimePreKey) Decode() (cryptocore.OneTimePrekeyPublic, error) {
	pub, err := decode("oneTimePreKey.publicKey", o.PublicKey)
	if err != nil {
		return cryptocore.OneTimePrekeyPublic{}, err
	}
	return cryptocore.OneTimePrekeyPublic{ID: o.KeyID, PublicKey: pub}, nil
}

// Identity decodes the two identity keys of a registration.
func (r RegisterDeviceRequest) Identity() (cryptocore.IdentityPublic, error) {
	return decodeIdentity(r.IdentityKey, r.IdentitySignatureKey)
}

// Bundle decodes a fetched bundle into the initiator's handshake input.
func (r PreKeyBundleResponse) Bundle() (*cryptocore.PrekeyBundle, error) {
	identity, err := decodeIdentity(r.IdentityKey, r.IdentitySignatureKey)
	if err != nil {
		return nil, err
	}
	spk, err := r.SignedPreKey.Decode()
	if err != nil {
		return nil, err
	}
	b := &cryptocore.PrekeyBundle{Identity: identity, SignedPrekey: spk}
	if r.OneTimePreKey != nil {
		otk, err := r.OneTimePreKey.Decode()
		if err != nil {
			return nil, err
		}
		b.OneTimePrekeys = []cryptocore.OneTimePrekeyPublic{otk}
	}
	return b, nil
}

func decodeIdentity(kem, dsa string) (cryptocore.IdentityPublic, error) {
	kemPub, err := decode("identityKey", kem)
	if err != nil {
		return cryptocore.IdentityPublic{}, err
	}
	dsaPub, err := decode("identitySignatureKey", dsa)
	if err != nil {
		return cryptocore.IdentityPublic{}, err
	}
	return cryptocore.IdentityPublic{KEMPublic: kemPub, DSAPublic: dsaPub}, nil
}
