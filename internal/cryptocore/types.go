package cryptocore

import (
	"time"

	"github.com/google/uuid"
)

type SessionRole int

const (
	RoleInitiator SessionRole = iota
	RoleResponder
)

func (r SessionRole) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// IdentityKeyPair is the long-term identity of the local user. The secret
// halves only ever leave this package wrapped.
type IdentityKeyPair struct {
	KEMPublic []byte
	KEMSecret []byte
	DSAPublic []byte
	DSASecret []byte
}

func (k *IdentityKeyPair) Public() IdentityPublic {
	return IdentityPublic{
		KEMPublic: append([]byte(nil), k.KEMPublic...),
		DSAPublic: append([]byte(nil), k.DSAPublic...),
	}
}

// Wipe zeroes the secret halves.
func (k *IdentityKeyPair) Wipe() {
	if k == nil {
		return
	}
	wipe(k.KEMSecret)
	wipe(k.DSASecret)
}

type IdentityPublic struct {
	KEMPublic []byte `json:"kemPublic"`
	DSAPublic []byte `json:"dsaPublic"`
}

// Bytes is the canonical encoding used for fingerprints and transcripts.
func (p IdentityPublic) Bytes() []byte {
	out := make([]byte, 0, len(p.DSAPublic)+len(p.KEMPublic))
	out = append(out, p.DSAPublic...)
	return append(out, p.KEMPublic...)
}

type EncryptedKeyBundle struct {
	KEMPublic          []byte       `json:"kemPublic"`
	KEMEncryptedSecret []byte       `json:"kemEncryptedSecret"`
	DSAPublic          []byte       `json:"dsaPublic"`
	DSAEncryptedSecret []byte       `json:"dsaEncryptedSecret"`
	Salt               []byte       `json:"salt"`
	Params             Argon2Params `json:"params"`
}

// RecoveryKeyData is a second wrapping of the same secrets as the password
// bundle. The public halves are carried so recovery works without the bundle.
type RecoveryKeyData struct {
	KEMPublic          []byte `json:"kemPublic"`
	KEMEncryptedSecret []byte `json:"recoveryKemEncryptedSecret"`
	DSAPublic          []byte `json:"dsaPublic"`
	DSAEncryptedSecret []byte `json:"recoveryDsaEncryptedSecret"`
	Salt               []byte `json:"recoverySalt"`
}

type SignedPrekey struct {
	ID        uint32
	PublicKey []byte
	SecretKey []byte
	Signature []byte
	CreatedAt time.Time
}

func (s *SignedPrekey) Public() SignedPrekeyPublic {
	return SignedPrekeyPublic{ID: s.ID, PublicKey: s.PublicKey, Signature: s.Signature}
}

type SignedPrekeyPublic struct {
	ID        uint32 `json:"id"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

type OneTimePrekey struct {
	ID        uint32
	PublicKey []byte
	SecretKey []byte
}

func (o *OneTimePrekey) Public() OneTimePrekeyPublic {
	return OneTimePrekeyPublic{ID: o.ID, PublicKey: o.PublicKey}
}

type OneTimePrekeyPublic struct {
	ID        uint32 `json:"id"`
	PublicKey []byte `json:"publicKey"`
}

// PrekeyBundle is the public material a peer needs to start a session.
type PrekeyBundle struct {
	Identity       IdentityPublic       `json:"identity"`
	SignedPrekey   SignedPrekeyPublic   `json:"signedPrekey"`
	OneTimePrekeys []OneTimePrekeyPublic `json:"oneTimePrekeys,omitempty"`
}

// KeyBundle is the initiator's handshake output delivered to the responder.
type KeyBundle struct {
	Version                 uint32
	Initiator               IdentityPublic
	SignedPrekeyID          uint32
	OneTimePrekeyID         *uint32
	IdentityCiphertext      []byte
	SignedPrekeyCiphertext  []byte
	OneTimePrekeyCiphertext []byte
	RatchetPublic           []byte
	Confirmation            []byte
	Signature               []byte
}

type chainState struct {
	Key    [32]byte
	Index  uint32
	Active bool
}

type skippedEntry struct {
	RatchetPublic []byte
	N             uint32
	Key           [32]byte
}

// evictionMark records that skipped keys up to and including UpTo were
// evicted for the chain of RatchetPublic.
type evictionMark struct {
	RatchetPublic []byte
	UpTo          uint32
}

// RatchetState is the full double-ratchet state of one conversation. Engine
// calls never mutate a state they are given.
type RatchetState struct {
	Role                SessionRole
	RootKey             [32]byte
	SendChain           chainState
	RecvChain           chainState
	RatchetPublic       []byte
	RatchetSecret       []byte
	RemoteRatchetPublic []byte
	PN                  uint32
	LocalIdentity       IdentityPublic
	RemoteIdentity      IdentityPublic

	skipped []skippedEntry
	evicted []evictionMark
	retired [][]byte
}

// SkippedKeys returns the number of cached skipped message keys.
func (s *RatchetState) SkippedKeys() int { return len(s.skipped) }

func (s *RatchetState) Clone() *RatchetState {
	if s == nil {
		return nil
	}
	c := *s
	c.RatchetPublic = append([]byte(nil), s.RatchetPublic...)
	c.RatchetSecret = append([]byte(nil), s.RatchetSecret...)
	c.RemoteRatchetPublic = append([]byte(nil), s.RemoteRatchetPublic...)
	c.LocalIdentity = s.LocalIdentity.clone()
	c.RemoteIdentity = s.RemoteIdentity.clone()
	c.skipped = make([]skippedEntry, len(s.skipped))
	for i, e := range s.skipped {
		c.skipped[i] = skippedEntry{RatchetPublic: append([]byte(nil), e.RatchetPublic...), N: e.N, Key: e.Key}
	}
	c.evicted = make([]evictionMark, len(s.evicted))
	for i, m := range s.evicted {
		c.evicted[i] = evictionMark{RatchetPublic: append([]byte(nil), m.RatchetPublic...), UpTo: m.UpTo}
	}
	c.retired = make([][]byte, len(s.retired))
	for i, r := range s.retired {
		c.retired[i] = append([]byte(nil), r...)
	}
	return &c
}

func (p IdentityPublic) clone() IdentityPublic {
	return IdentityPublic{
		KEMPublic: append([]byte(nil), p.KEMPublic...),
		DSAPublic: append([]byte(nil), p.DSAPublic...),
	}
}

type MessageHeader struct {
	SenderRatchetPublic []byte
	RatchetCiphertext   []byte
	PreviousChainLength uint32
	MessageNumber       uint32
}

type Message struct {
	Header     MessageHeader
	Ciphertext []byte
}

type EncryptResult struct {
	Message    Message
	NewState   *RatchetState
	MessageKey [32]byte
}

type DecryptResult struct {
	Plaintext []byte
	NewState  *RatchetState
}

type groupKey struct {
	Iteration uint32
	Key       [32]byte
}

// SenderKeyState is one sender's chain in a group. The owner advances it on
// every send; receivers hold a copy advanced by AdvanceAfterDecrypt.
type SenderKeyState struct {
	ChainID   uuid.UUID
	ChainKey  [32]byte
	Iteration uint32

	messageKeys []groupKey

	// evictedBelow is one past the highest iteration dropped from messageKeys
	// by the cache bound.
	evictedBelow uint32
}

func (s *SenderKeyState) Clone() *SenderKeyState {
	if s == nil {
		return nil
	}
	c := *s
	c.messageKeys = append([]groupKey(nil), s.messageKeys...)
	return &c
}

// CachedIterations returns the iterations whose message keys are still held.
func (s *SenderKeyState) CachedIterations() []uint32 {
	out := make([]uint32, len(s.messageKeys))
	for i, k := range s.messageKeys {
		out[i] = k.Iteration
	}
	return out
}

type GroupEncryptResult struct {
	Ciphertext []byte
	ChainID    uuid.UUID
	Iteration  uint32
	NewState   *SenderKeyState
}
