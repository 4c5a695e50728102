package cryptocore

import (
	"errors"
	"time"
)

// PrekeyManager generates signed and one-time prekeys. It keeps no record of
// which one-time prekeys were used; that belongs to the prekey store.
type PrekeyManager struct {
	gw  PrimitiveGateway
	now func() time.Time
}

func NewPrekeyManager(gw PrimitiveGateway) *PrekeyManager {
	return &PrekeyManager{gw: gw, now: time.Now}
}

// GenerateSignedPrekey creates a fresh KEM key pair whose public half is signed
// with the identity DSA secret.
func (m *PrekeyManager) GenerateSignedPrekey(id uint32, dsaSecret []byte) (*SignedPrekey, error) {
	pub, sec, err := m.gw.GenerateKEMKeyPair()
	if err != nil {
		return nil, err
	}
	sig, err := m.gw.Sign(dsaSecret, pub)
	if err != nil {
		wipe(sec)
		return nil, err
	}
	return &SignedPrekey{
		ID:        id,
		PublicKey: pub,
		SecretKey: sec,
		Signature: sig,
		CreatedAt: m.now().UTC(),
	}, nil
}

// GenerateOneTimePrekeys returns count prekeys with ids startID, startID+1, ...
func (m *PrekeyManager) GenerateOneTimePrekeys(startID uint32, count int) ([]OneTimePrekey, error) {
	if count < 0 {
		return nil, errors.New("cryptocore: negative prekey count")
	}
	if uint64(startID)+uint64(count) > 1<<32 {
		return nil, errors.New("cryptocore: prekey id space exhausted")
	}
	out := make([]OneTimePrekey, 0, count)
	for i := 0; i < count; i++ {
		pub, sec, err := m.gw.GenerateKEMKeyPair()
		if err != nil {
			for j := range out {
				wipe(out[j].SecretKey)
			}
			return nil, err
		}
		out = append(out, OneTimePrekey{ID: startID + uint32(i), PublicKey: pub, SecretKey: sec})
	}
	return out, nil
}

func (m *PrekeyManager) VerifySignedPrekey(dsaPublic []byte, spk SignedPrekeyPublic) error {
	if !m.gw.Verify(dsaPublic, spk.PublicKey, spk.Signature) {
		return ErrInvalidPrekeySignature
	}
	return nil
}
