package cryptocore

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	hkdfInfoX3DH     = "SecuMSG-KEM-X3DH"
	keyBundleVersion = 1
)

// HandshakeEngine runs the asynchronous session setup. Initiator and
// responder sides share no state; both derive the same root key from the KEM
// shared secrets.
type HandshakeEngine struct {
	gw PrimitiveGateway
}

func NewHandshakeEngine(gw PrimitiveGateway) *HandshakeEngine {
	return &HandshakeEngine{gw: gw}
}

type InitiatorParams struct {
	OurIdentity        *IdentityKeyPair
	TheirIdentity      IdentityPublic
	TheirSignedPrekey  SignedPrekeyPublic
	TheirOneTimePrekey *OneTimePrekeyPublic
}

type ResponderParams struct {
	OurIdentity      *IdentityKeyPair
	OurSignedPrekey  *SignedPrekey
	OurOneTimePrekey *OneTimePrekey
	KeyBundle        *KeyBundle
}

type handshakeKeys struct {
	root    [32]byte
	chain   [32]byte
	confirm [32]byte
}

func (k *handshakeKeys) wipe() {
	wipe32(&k.root)
	wipe32(&k.chain)
	wipe32(&k.confirm)
}

// CreateSession encapsulates against the peer's identity, signed prekey and,
// when offered, one-time prekey. The returned state owns the sending chain.
func (h *HandshakeEngine) CreateSession(p InitiatorParams) (*RatchetState, *KeyBundle, error) {
	if p.OurIdentity == nil {
		return nil, nil, errors.New("cryptocore: nil identity")
	}
	if !h.gw.Verify(p.TheirIdentity.DSAPublic, p.TheirSignedPrekey.PublicKey, p.TheirSignedPrekey.Signature) {
		return nil, nil, ErrInvalidPrekeySignature
	}

	idCT, idSS, err := h.gw.Encapsulate(p.TheirIdentity.KEMPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encapsulate identity: %v", ErrHandshakeFailure, err)
	}
	spkCT, spkSS, err := h.gw.Encapsulate(p.TheirSignedPrekey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encapsulate signed prekey: %v", ErrHandshakeFailure, err)
	}
	secret := append(append([]byte{}, idSS...), spkSS...)
	wipe(idSS)
	wipe(spkSS)

	bundle := &KeyBundle{
		Version:                keyBundleVersion,
		Initiator:              p.OurIdentity.Public(),
		SignedPrekeyID:         p.TheirSignedPrekey.ID,
		IdentityCiphertext:     idCT,
		SignedPrekeyCiphertext: spkCT,
	}
	if p.TheirOneTimePrekey != nil {
		otkCT, otkSS, err := h.gw.Encapsulate(p.TheirOneTimePrekey.PublicKey)
		if err != nil {
			wipe(secret)
			return nil, nil, fmt.Errorf("%w: encapsulate one-time prekey: %v", ErrHandshakeFailure, err)
		}
		secret = append(secret, otkSS...)
		wipe(otkSS)
		id := p.TheirOneTimePrekey.ID
		bundle.OneTimePrekeyID = &id
		bundle.OneTimePrekeyCiphertext = otkCT
	}

	keys, err := h.deriveInitialKeys(secret, bundle.Initiator, p.TheirIdentity)
	wipe(secret)
	if err != nil {
		return nil, nil, err
	}
	defer keys.wipe()

	ratchetPub, ratchetSec, err := h.gw.GenerateKEMKeyPair()
	if err != nil {
		return nil, nil, err
	}
	bundle.RatchetPublic = ratchetPub

	transcript := bundle.transcript(p.TheirIdentity)
	bundle.Confirmation = confirmationTag(keys.confirm, transcript)
	sig, err := h.gw.Sign(p.OurIdentity.DSASecret, append(transcript, bundle.Confirmation...))
	if err != nil {
		return nil, nil, err
	}
	bundle.Signature = sig

	state := &RatchetState{
		Role:                RoleInitiator,
		RootKey:             keys.root,
		SendChain:           chainState{Key: keys.chain, Active: true},
		RatchetPublic:       ratchetPub,
		RatchetSecret:       ratchetSec,
		RemoteRatchetPublic: append([]byte(nil), p.TheirSignedPrekey.PublicKey...),
		LocalIdentity:       p.OurIdentity.Public(),
		RemoteIdentity:      p.TheirIdentity.clone(),
	}
	return state, bundle, nil
}

// AcceptSession decapsulates the initiator's ciphertexts and seeds a state
// which owns the receiving chain. The caller must consume the one-time prekey
// atomically with persisting the returned state.
func (h *HandshakeEngine) AcceptSession(p ResponderParams) (*RatchetState, error) {
	if p.OurIdentity == nil || p.OurSignedPrekey == nil {
		return nil, errors.New("cryptocore: identity and signed prekey are required")
	}
	kb := p.KeyBundle
	if kb == nil {
		return nil, fmt.Errorf("%w: nil key bundle", ErrHandshakeFailure)
	}
	if kb.Version != keyBundleVersion {
		return nil, fmt.Errorf("%w: unsupported key bundle version %d", ErrHandshakeFailure, kb.Version)
	}
	if kb.SignedPrekeyID != p.OurSignedPrekey.ID {
		return nil, fmt.Errorf("%w: signed prekey %d is not current", ErrHandshakeFailure, kb.SignedPrekeyID)
	}
	if kb.OneTimePrekeyID != nil {
		if p.OurOneTimePrekey == nil || p.OurOneTimePrekey.ID != *kb.OneTimePrekeyID {
			return nil, ErrMissingOneTimeKey
		}
	}
	ourPublic := p.OurIdentity.Public()
	transcript := kb.transcript(ourPublic)
	if !h.gw.Verify(kb.Initiator.DSAPublic, append(append([]byte{}, transcript...), kb.Confirmation...), kb.Signature) {
		return nil, fmt.Errorf("%w: initiator signature", ErrHandshakeFailure)
	}

	idSS, err := h.gw.Decapsulate(p.OurIdentity.KEMSecret, kb.IdentityCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decapsulate identity: %v", ErrHandshakeFailure, err)
	}
	spkSS, err := h.gw.Decapsulate(p.OurSignedPrekey.SecretKey, kb.SignedPrekeyCiphertext)
	if err != nil {
		wipe(idSS)
		return nil, fmt.Errorf("%w: decapsulate signed prekey: %v", ErrHandshakeFailure, err)
	}
	secret := append(append([]byte{}, idSS...), spkSS...)
	wipe(idSS)
	wipe(spkSS)
	if kb.OneTimePrekeyID != nil {
		otkSS, err := h.gw.Decapsulate(p.OurOneTimePrekey.SecretKey, kb.OneTimePrekeyCiphertext)
		if err != nil {
			wipe(secret)
			return nil, fmt.Errorf("%w: decapsulate one-time prekey: %v", ErrHandshakeFailure, err)
		}
		secret = append(secret, otkSS...)
		wipe(otkSS)
	}

	keys, err := h.deriveInitialKeys(secret, kb.Initiator, ourPublic)
	wipe(secret)
	if err != nil {
		return nil, err
	}
	defer keys.wipe()
	if !hmac.Equal(confirmationTag(keys.confirm, transcript), kb.Confirmation) {
		return nil, fmt.Errorf("%w: key confirmation mismatch", ErrHandshakeFailure)
	}

	return &RatchetState{
		Role:                RoleResponder,
		RootKey:             keys.root,
		RecvChain:           chainState{Key: keys.chain, Active: true},
		RatchetPublic:       append([]byte(nil), p.OurSignedPrekey.PublicKey...),
		RatchetSecret:       append([]byte(nil), p.OurSignedPrekey.SecretKey...),
		RemoteRatchetPublic: append([]byte(nil), kb.RatchetPublic...),
		LocalIdentity:       ourPublic,
		RemoteIdentity:      kb.Initiator.clone(),
	}, nil
}

func (h *HandshakeEngine) deriveInitialKeys(secret []byte, initiator, responder IdentityPublic) (*handshakeKeys, error) {
	info := append([]byte(hkdfInfoX3DH), initiator.Bytes()...)
	info = append(info, responder.Bytes()...)
	okm, err := h.gw.DeriveKey(secret, nil, info, 96)
	if err != nil {
		return nil, err
	}
	defer wipe(okm)
	keys := &handshakeKeys{}
	copy(keys.root[:], okm[:32])
	copy(keys.chain[:], okm[32:64])
	copy(keys.confirm[:], okm[64:])
	return keys, nil
}

func confirmationTag(key [32]byte, transcript []byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(transcript)
	return mac.Sum(nil)
}
