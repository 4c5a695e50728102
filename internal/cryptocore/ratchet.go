package cryptocore

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
)

const (
	hkdfInfoRatchet = "SecuMSG-DR"
	hkdfInfoAEAD    = "SecuMSG-AEAD"

	DefaultMaxSkip        = 1000
	defaultMaxRetiredKeys = 16
	maxEvictionMarks      = 32
)

// RatchetEngine advances double-ratchet states. It is stateless: every call
// takes a state snapshot and returns a new one, leaving the input untouched.
type RatchetEngine struct {
	gw         PrimitiveGateway
	maxSkip    int
	maxRetired int
}

type RatchetOption func(*RatchetEngine) error

// WithMaxSkip bounds the skipped message key cache and the largest gap a
// single message may open in a receiving chain.
func WithMaxSkip(n int) RatchetOption {
	return func(r *RatchetEngine) error {
		if n < 1 {
			return fmt.Errorf("cryptocore: max skip must be positive, got %d", n)
		}
		r.maxSkip = n
		return nil
	}
}

// WithMaxRetiredKeys bounds how many previous peer ratchet keys are
// remembered for classifying late messages.
func WithMaxRetiredKeys(n int) RatchetOption {
	return func(r *RatchetEngine) error {
		if n < 1 {
			return fmt.Errorf("cryptocore: max retired keys must be positive, got %d", n)
		}
		r.maxRetired = n
		return nil
	}
}

func NewRatchetEngine(gw PrimitiveGateway, opts ...RatchetOption) (*RatchetEngine, error) {
	if gw == nil {
		return nil, errors.New("cryptocore: nil gateway")
	}
	r := &RatchetEngine{gw: gw, maxSkip: DefaultMaxSkip, maxRetired: defaultMaxRetiredKeys}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Encrypt derives the next sending message key. When the local party does not
// own a sending chain, a KEM ratchet step against the peer's ratchet key runs
// first and its ciphertext travels in the header.
func (r *RatchetEngine) Encrypt(state *RatchetState, plaintext []byte) (*EncryptResult, error) {
	if state == nil {
		return nil, errors.New("cryptocore: nil ratchet state")
	}
	s := state.Clone()

	var ratchetCT []byte
	if !s.SendChain.Active {
		ct, err := r.stepSending(s)
		if err != nil {
			return nil, err
		}
		ratchetCT = ct
	}
	if s.SendChain.Index == math.MaxUint32 {
		return nil, cryptoErr("send chain", errors.New("message counter exhausted"))
	}

	mk, next := kdfChain(s.SendChain.Key)
	n := s.SendChain.Index
	s.SendChain.Key = next
	s.SendChain.Index++

	header := MessageHeader{
		SenderRatchetPublic: append([]byte(nil), s.RatchetPublic...),
		RatchetCiphertext:   ratchetCT,
		PreviousChainLength: s.PN,
		MessageNumber:       n,
	}
	ciphertext, err := r.sealMessage(mk, plaintext, header.associatedData())
	if err != nil {
		return nil, err
	}
	return &EncryptResult{
		Message:    Message{Header: header, Ciphertext: ciphertext},
		NewState:   s,
		MessageKey: mk,
	}, nil
}

// Decrypt opens msg against state. Nothing derived while processing msg is
// kept unless the message authenticates.
func (r *RatchetEngine) Decrypt(state *RatchetState, msg *Message) (*DecryptResult, error) {
	if state == nil {
		return nil, errors.New("cryptocore: nil ratchet state")
	}
	if msg == nil {
		return nil, errors.New("cryptocore: nil message")
	}
	h := msg.Header
	if len(h.SenderRatchetPublic) == 0 {
		return nil, ErrInvalidRemoteKey
	}
	ad := h.associatedData()
	s := state.Clone()

	if mk, ok := s.takeSkipped(h.SenderRatchetPublic, h.MessageNumber); ok {
		plaintext, err := r.openMessage(mk, msg.Ciphertext, ad)
		if err != nil {
			return nil, err
		}
		return &DecryptResult{Plaintext: plaintext, NewState: s}, nil
	}

	if !bytes.Equal(h.SenderRatchetPublic, s.RemoteRatchetPublic) {
		if s.isRetired(h.SenderRatchetPublic) {
			return nil, s.staleErr(h.SenderRatchetPublic, h.MessageNumber)
		}
		if len(h.RatchetCiphertext) == 0 {
			return nil, ErrMissingRatchetCiphertext
		}
		if s.RecvChain.Active {
			if err := r.skipTo(s, h.PreviousChainLength); err != nil {
				return nil, err
			}
		}
		if err := r.stepReceiving(s, h); err != nil {
			return nil, err
		}
	}

	if !s.RecvChain.Active {
		return nil, ErrInvalidRemoteKey
	}
	if h.MessageNumber < s.RecvChain.Index {
		return nil, s.staleErr(h.SenderRatchetPublic, h.MessageNumber)
	}
	if err := r.skipTo(s, h.MessageNumber); err != nil {
		return nil, err
	}
	if s.RecvChain.Index == math.MaxUint32 {
		return nil, cryptoErr("receive chain", errors.New("message counter exhausted"))
	}
	mk, next := kdfChain(s.RecvChain.Key)
	s.RecvChain.Key = next
	s.RecvChain.Index++

	plaintext, err := r.openMessage(mk, msg.Ciphertext, ad)
	if err != nil {
		return nil, err
	}
	return &DecryptResult{Plaintext: plaintext, NewState: s}, nil
}

// DecryptWithMessageKey opens msg with a per-message key that was delivered
// out of band. The header must be the one the key was sealed under.
func (r *RatchetEngine) DecryptWithMessageKey(messageKey []byte, msg *Message) ([]byte, error) {
	if len(messageKey) != 32 {
		return nil, keyLengthErr("message key", len(messageKey), 32)
	}
	if msg == nil {
		return nil, errors.New("cryptocore: nil message")
	}
	var mk [32]byte
	copy(mk[:], messageKey)
	defer wipe32(&mk)
	return r.openMessage(mk, msg.Ciphertext, msg.Header.associatedData())
}

func (r *RatchetEngine) stepSending(s *RatchetState) ([]byte, error) {
	if len(s.RemoteRatchetPublic) == 0 {
		return nil, ErrInvalidRemoteKey
	}
	pub, sec, err := r.gw.GenerateKEMKeyPair()
	if err != nil {
		return nil, err
	}
	ct, ss, err := r.gw.Encapsulate(s.RemoteRatchetPublic)
	if err != nil {
		wipe(sec)
		return nil, err
	}
	root, chain, err := r.kdfRoot(s.RootKey, ss)
	wipe(ss)
	if err != nil {
		wipe(sec)
		return nil, err
	}
	s.RootKey = root
	s.PN = s.SendChain.Index
	s.SendChain = chainState{Key: chain, Active: true}
	wipe(s.RatchetSecret)
	s.RatchetPublic = pub
	s.RatchetSecret = sec
	return ct, nil
}

func (r *RatchetEngine) stepReceiving(s *RatchetState, h MessageHeader) error {
	ss, err := r.gw.Decapsulate(s.RatchetSecret, h.RatchetCiphertext)
	if err != nil {
		return fmt.Errorf("%w: ratchet ciphertext: %v", ErrDecryptionFailed, err)
	}
	root, chain, err := r.kdfRoot(s.RootKey, ss)
	wipe(ss)
	if err != nil {
		return err
	}
	s.retire(s.RemoteRatchetPublic, r.maxRetired)
	s.RootKey = root
	s.RemoteRatchetPublic = append([]byte(nil), h.SenderRatchetPublic...)
	s.RecvChain = chainState{Key: chain, Active: true}
	s.SendChain.Active = false
	return nil
}

// skipTo caches message keys of the current receiving chain up to but not
// including until.
func (r *RatchetEngine) skipTo(s *RatchetState, until uint32) error {
	if until <= s.RecvChain.Index {
		return nil
	}
	if int64(until)-int64(s.RecvChain.Index) > int64(r.maxSkip) {
		return fmt.Errorf("%w: gap of %d exceeds window %d", ErrMessageTooOld, until-s.RecvChain.Index, r.maxSkip)
	}
	for s.RecvChain.Index < until {
		mk, next := kdfChain(s.RecvChain.Key)
		s.storeSkipped(s.RemoteRatchetPublic, s.RecvChain.Index, mk, r.maxSkip)
		s.RecvChain.Key = next
		s.RecvChain.Index++
	}
	return nil
}

func (r *RatchetEngine) kdfRoot(root [32]byte, shared []byte) ([32]byte, [32]byte, error) {
	okm, err := r.gw.DeriveKey(shared, root[:], []byte(hkdfInfoRatchet), 64)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	defer wipe(okm)
	var newRoot, chain [32]byte
	copy(newRoot[:], okm[:32])
	copy(chain[:], okm[32:])
	return newRoot, chain, nil
}

func (r *RatchetEngine) sealMessage(mk [32]byte, plaintext, ad []byte) ([]byte, error) {
	key, err := r.gw.DeriveKey(mk[:], nil, []byte(hkdfInfoAEAD), SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	return r.gw.Seal(key, plaintext, ad)
}

func (r *RatchetEngine) openMessage(mk [32]byte, ciphertext, ad []byte) ([]byte, error) {
	key, err := r.gw.DeriveKey(mk[:], nil, []byte(hkdfInfoAEAD), SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	plaintext, err := r.gw.Open(key, ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// kdfChain returns the message key and the next chain key.
func kdfChain(chain [32]byte) ([32]byte, [32]byte) {
	var mk, next [32]byte
	copy(mk[:], hmacSHA256(chain[:], []byte{0x01}))
	copy(next[:], hmacSHA256(chain[:], []byte{0x02}))
	return mk, next
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (s *RatchetState) storeSkipped(pub []byte, n uint32, key [32]byte, limit int) {
	s.skipped = append(s.skipped, skippedEntry{RatchetPublic: append([]byte(nil), pub...), N: n, Key: key})
	for len(s.skipped) > limit {
		oldest := s.skipped[0]
		s.markEvicted(oldest.RatchetPublic, oldest.N)
		wipe32(&s.skipped[0].Key)
		s.skipped = s.skipped[1:]
	}
}

func (s *RatchetState) takeSkipped(pub []byte, n uint32) ([32]byte, bool) {
	for i, e := range s.skipped {
		if e.N == n && bytes.Equal(e.RatchetPublic, pub) {
			key := e.Key
			s.skipped = append(s.skipped[:i:i], s.skipped[i+1:]...)
			return key, true
		}
	}
	return [32]byte{}, false
}

func (s *RatchetState) markEvicted(pub []byte, n uint32) {
	for i := range s.evicted {
		if bytes.Equal(s.evicted[i].RatchetPublic, pub) {
			if n > s.evicted[i].UpTo {
				s.evicted[i].UpTo = n
			}
			return
		}
	}
	s.evicted = append(s.evicted, evictionMark{RatchetPublic: append([]byte(nil), pub...), UpTo: n})
	if len(s.evicted) > maxEvictionMarks {
		s.evicted = s.evicted[len(s.evicted)-maxEvictionMarks:]
	}
}

// staleErr classifies a message whose key is no longer derivable: evicted
// keys are too old, anything else was already consumed.
func (s *RatchetState) staleErr(pub []byte, n uint32) error {
	for _, m := range s.evicted {
		if bytes.Equal(m.RatchetPublic, pub) && n <= m.UpTo {
			return fmt.Errorf("%w: message %d evicted from skipped key cache", ErrMessageTooOld, n)
		}
	}
	return ErrDuplicateMessage
}

func (s *RatchetState) retire(pub []byte, limit int) {
	if len(pub) == 0 {
		return
	}
	s.retired = append(s.retired, append([]byte(nil), pub...))
	if len(s.retired) > limit {
		s.retired = s.retired[len(s.retired)-limit:]
	}
}

func (s *RatchetState) isRetired(pub []byte) bool {
	for _, r := range s.retired {
		if bytes.Equal(r, pub) {
			return true
		}
	}
	return false
}
