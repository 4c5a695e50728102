package cryptocore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	ratchetStateVersion = 1
	senderKeyVersion    = 1
	messageVersion      = 1
)

// MarshalRatchetState encodes s as an opaque versioned blob.
func MarshalRatchetState(s *RatchetState) ([]byte, error) {
	if s == nil {
		return nil, errors.New("cryptocore: nil ratchet state")
	}
	var e encoder
	e.uint(1, ratchetStateVersion)
	e.uint(2, uint64(s.Role))
	e.bytes(3, s.RootKey[:])
	e.message(4, func(c *encoder) { encodeChain(c, s.SendChain) })
	e.message(5, func(c *encoder) { encodeChain(c, s.RecvChain) })
	e.bytes(6, s.RatchetPublic)
	e.bytes(7, s.RatchetSecret)
	e.bytes(8, s.RemoteRatchetPublic)
	e.uint(9, uint64(s.PN))
	e.message(10, func(c *encoder) { encodeIdentity(c, s.LocalIdentity) })
	e.message(11, func(c *encoder) { encodeIdentity(c, s.RemoteIdentity) })
	for _, sk := range s.skipped {
		e.message(12, func(c *encoder) {
			c.bytes(1, sk.RatchetPublic)
			c.uint(2, uint64(sk.N))
			c.bytes(3, sk.Key[:])
		})
	}
	for _, m := range s.evicted {
		e.message(13, func(c *encoder) {
			c.bytes(1, m.RatchetPublic)
			c.uint(2, uint64(m.UpTo))
		})
	}
	for _, r := range s.retired {
		e.bytes(14, r)
	}
	return e.b, nil
}

func UnmarshalRatchetState(b []byte) (*RatchetState, error) {
	s := &RatchetState{}
	seenVersion := false
	err := decodeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			seenVersion = true
			return checkVersion(f, ratchetStateVersion)
		case 2:
			s.Role = SessionRole(f.value)
		case 3:
			s.RootKey, err = f.key32()
		case 4:
			s.SendChain, err = decodeChain(f.raw)
		case 5:
			s.RecvChain, err = decodeChain(f.raw)
		case 6:
			s.RatchetPublic = f.bytes()
		case 7:
			s.RatchetSecret = f.bytes()
		case 8:
			s.RemoteRatchetPublic = f.bytes()
		case 9:
			s.PN, err = f.uint32()
		case 10:
			s.LocalIdentity, err = decodeIdentity(f.raw)
		case 11:
			s.RemoteIdentity, err = decodeIdentity(f.raw)
		case 12:
			var sk skippedEntry
			err = decodeFields(f.raw, func(g field) error {
				var err error
				switch g.num {
				case 1:
					sk.RatchetPublic = g.bytes()
				case 2:
					sk.N, err = g.uint32()
				case 3:
					sk.Key, err = g.key32()
				}
				return err
			})
			s.skipped = append(s.skipped, sk)
		case 13:
			var m evictionMark
			err = decodeFields(f.raw, func(g field) error {
				var err error
				switch g.num {
				case 1:
					m.RatchetPublic = g.bytes()
				case 2:
					m.UpTo, err = g.uint32()
				}
				return err
			})
			s.evicted = append(s.evicted, m)
		case 14:
			s.retired = append(s.retired, f.bytes())
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !seenVersion {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidState)
	}
	return s, nil
}

func encodeChain(e *encoder, c chainState) {
	e.bytes(1, c.Key[:])
	e.uint(2, uint64(c.Index))
	e.bool(3, c.Active)
}

func decodeChain(b []byte) (chainState, error) {
	var c chainState
	err := decodeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			c.Key, err = f.key32()
		case 2:
			c.Index, err = f.uint32()
		case 3:
			c.Active = f.value != 0
		}
		return err
	})
	return c, err
}

func encodeIdentity(e *encoder, p IdentityPublic) {
	e.bytes(1, p.KEMPublic)
	e.bytes(2, p.DSAPublic)
}

func decodeIdentity(b []byte) (IdentityPublic, error) {
	var p IdentityPublic
	err := decodeFields(b, func(f field) error {
		switch f.num {
		case 1:
			p.KEMPublic = f.bytes()
		case 2:
			p.DSAPublic = f.bytes()
		}
		return nil
	})
	return p, err
}

func MarshalSenderKeyState(s *SenderKeyState) ([]byte, error) {
	if s == nil {
		return nil, errors.New("cryptocore: nil sender key state")
	}
	var e encoder
	e.uint(1, senderKeyVersion)
	e.bytes(2, s.ChainID[:])
	e.bytes(3, s.ChainKey[:])
	e.uint(4, uint64(s.Iteration))
	for _, k := range s.messageKeys {
		e.message(5, func(c *encoder) {
			c.uint(1, uint64(k.Iteration))
			c.bytes(2, k.Key[:])
		})
	}
	e.uint(6, uint64(s.evictedBelow))
	return e.b, nil
}

func UnmarshalSenderKeyState(b []byte) (*SenderKeyState, error) {
	s := &SenderKeyState{}
	seenVersion := false
	err := decodeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			seenVersion = true
			return checkVersion(f, senderKeyVersion)
		case 2:
			s.ChainID, err = uuid.FromBytes(f.raw)
			if err != nil {
				err = fmt.Errorf("%w: chain id: %v", ErrInvalidState, err)
			}
		case 3:
			s.ChainKey, err = f.key32()
		case 4:
			s.Iteration, err = f.uint32()
		case 5:
			var k groupKey
			err = decodeFields(f.raw, func(g field) error {
				var err error
				switch g.num {
				case 1:
					k.Iteration, err = g.uint32()
				case 2:
					k.Key, err = g.key32()
				}
				return err
			})
			s.messageKeys = append(s.messageKeys, k)
		case 6:
			s.evictedBelow, err = f.uint32()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !seenVersion {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidState)
	}
	return s, nil
}

// MarshalKeyBundle encodes the handshake output for delivery to the peer.
func MarshalKeyBundle(kb *KeyBundle) ([]byte, error) {
	if kb == nil {
		return nil, errors.New("cryptocore: nil key bundle")
	}
	e := kb.encodeTranscriptFields()
	e.bytes(9, kb.Confirmation)
	e.bytes(10, kb.Signature)
	return e.b, nil
}

func UnmarshalKeyBundle(b []byte) (*KeyBundle, error) {
	kb := &KeyBundle{}
	err := decodeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			kb.Version, err = f.uint32()
		case 2:
			kb.Initiator, err = decodeIdentity(f.raw)
		case 3:
			kb.SignedPrekeyID, err = f.uint32()
		case 4:
			var id uint32
			id, err = f.uint32()
			kb.OneTimePrekeyID = &id
		case 5:
			kb.IdentityCiphertext = f.bytes()
		case 6:
			kb.SignedPrekeyCiphertext = f.bytes()
		case 7:
			kb.OneTimePrekeyCiphertext = f.bytes()
		case 8:
			kb.RatchetPublic = f.bytes()
		case 9:
			kb.Confirmation = f.bytes()
		case 10:
			kb.Signature = f.bytes()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	return kb, nil
}

func (kb *KeyBundle) encodeTranscriptFields() *encoder {
	e := &encoder{}
	e.uint(1, uint64(kb.Version))
	e.message(2, func(c *encoder) { encodeIdentity(c, kb.Initiator) })
	e.uint(3, uint64(kb.SignedPrekeyID))
	if kb.OneTimePrekeyID != nil {
		e.uint(4, uint64(*kb.OneTimePrekeyID))
	}
	e.bytes(5, kb.IdentityCiphertext)
	e.bytes(6, kb.SignedPrekeyCiphertext)
	e.bytes(7, kb.OneTimePrekeyCiphertext)
	e.bytes(8, kb.RatchetPublic)
	return e
}

// transcript binds every handshake field and the responder identity.
func (kb *KeyBundle) transcript(responder IdentityPublic) []byte {
	e := kb.encodeTranscriptFields()
	e.message(15, func(c *encoder) { encodeIdentity(c, responder) })
	return e.b
}

// associatedData binds every header field to the message ciphertext.
func (h MessageHeader) associatedData() []byte {
	var e encoder
	e.uint(1, messageVersion)
	e.bytes(2, h.SenderRatchetPublic)
	e.bytes(3, h.RatchetCiphertext)
	e.uint(4, uint64(h.PreviousChainLength))
	e.uint(5, uint64(h.MessageNumber))
	return e.b
}

// MarshalMessage encodes a ratchet message for transport.
func MarshalMessage(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cryptocore: nil message")
	}
	var e encoder
	e.uint(1, messageVersion)
	e.bytes(2, m.Header.SenderRatchetPublic)
	e.bytes(3, m.Header.RatchetCiphertext)
	e.uint(4, uint64(m.Header.PreviousChainLength))
	e.uint(5, uint64(m.Header.MessageNumber))
	e.bytes(6, m.Ciphertext)
	return e.b, nil
}

func UnmarshalMessage(b []byte) (*Message, error) {
	m := &Message{}
	err := decodeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			return checkVersion(f, messageVersion)
		case 2:
			m.Header.SenderRatchetPublic = f.bytes()
		case 3:
			m.Header.RatchetCiphertext = f.bytes()
		case 4:
			m.Header.PreviousChainLength, err = f.uint32()
		case 5:
			m.Header.MessageNumber, err = f.uint32()
		case 6:
			m.Ciphertext = f.bytes()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
