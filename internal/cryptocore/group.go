package cryptocore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

const (
	DefaultMaxMessageKeys = 1000

	groupADLabel = "SecuMSG-Group|"
)

// GroupChainEngine implements sender-key group messaging. Each member owns one
// forward-only symmetric chain and distributes its SenderKeyState to the other
// members over pairwise sessions.
type GroupChainEngine struct {
	gw      PrimitiveGateway
	maxKeys int
}

type GroupOption func(*GroupChainEngine) error

// WithMaxMessageKeys bounds both the cached out-of-order keys and the largest
// forward gap a single message may open.
func WithMaxMessageKeys(n int) GroupOption {
	return func(g *GroupChainEngine) error {
		if n < 1 {
			return fmt.Errorf("cryptocore: max message keys must be positive, got %d", n)
		}
		g.maxKeys = n
		return nil
	}
}

func NewGroupChainEngine(gw PrimitiveGateway, opts ...GroupOption) (*GroupChainEngine, error) {
	if gw == nil {
		return nil, errors.New("cryptocore: nil gateway")
	}
	g := &GroupChainEngine{gw: gw, maxKeys: DefaultMaxMessageKeys}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

type randomSource struct{}

func (randomSource) Read(p []byte) (int, error) {
	if err := readRandom(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CreateState starts a new sender chain at iteration 0.
func (g *GroupChainEngine) CreateState() (*SenderKeyState, error) {
	id, err := uuid.NewRandomFromReader(randomSource{})
	if err != nil {
		return nil, cryptoErr("chain id", err)
	}
	s := &SenderKeyState{ChainID: id}
	if err := readRandom(s.ChainKey[:]); err != nil {
		return nil, cryptoErr("chain key", err)
	}
	return s, nil
}

// Encrypt consumes the owner's current iteration.
func (g *GroupChainEngine) Encrypt(state *SenderKeyState, plaintext []byte) (*GroupEncryptResult, error) {
	if state == nil {
		return nil, errors.New("cryptocore: nil sender key state")
	}
	if state.Iteration == math.MaxUint32 {
		return nil, cryptoErr("sender chain", errors.New("iteration counter exhausted"))
	}
	s := state.Clone()
	it := s.Iteration
	mk, next := kdfChain(s.ChainKey)
	defer wipe32(&mk)
	s.ChainKey = next
	s.Iteration++

	ct, err := g.seal(mk, plaintext, groupAD(s.ChainID, it))
	if err != nil {
		return nil, err
	}
	return &GroupEncryptResult{Ciphertext: ct, ChainID: s.ChainID, Iteration: it, NewState: s}, nil
}

// Decrypt opens a group message without changing state. Call
// AdvanceAfterDecrypt with the same iteration to commit the consumption.
func (g *GroupChainEngine) Decrypt(state *SenderKeyState, chainID uuid.UUID, iteration uint32, ciphertext []byte) ([]byte, error) {
	if state == nil {
		return nil, errors.New("cryptocore: nil sender key state")
	}
	if chainID != state.ChainID {
		return nil, ErrChainMismatch
	}
	mk, err := g.messageKey(state, iteration)
	if err != nil {
		return nil, err
	}
	defer wipe32(&mk)
	return g.open(mk, ciphertext, groupAD(chainID, iteration))
}

// AdvanceAfterDecrypt returns the state with iteration marked consumed. Keys
// for skipped iterations are cached; the oldest are evicted beyond the bound.
func (g *GroupChainEngine) AdvanceAfterDecrypt(state *SenderKeyState, iteration uint32) (*SenderKeyState, error) {
	if state == nil {
		return nil, errors.New("cryptocore: nil sender key state")
	}
	s := state.Clone()
	if iteration < s.Iteration {
		for i, k := range s.messageKeys {
			if k.Iteration == iteration {
				s.messageKeys = append(s.messageKeys[:i:i], s.messageKeys[i+1:]...)
				return s, nil
			}
		}
		return nil, s.consumedErr(iteration)
	}
	if err := g.checkGap(s, iteration); err != nil {
		return nil, err
	}
	for s.Iteration < iteration {
		mk, next := kdfChain(s.ChainKey)
		s.cacheKey(s.Iteration, mk, g.maxKeys)
		s.ChainKey = next
		s.Iteration++
	}
	_, next := kdfChain(s.ChainKey)
	s.ChainKey = next
	s.Iteration = iteration + 1
	return s, nil
}

// EncryptWithKey seals data under a caller-held symmetric key.
func (g *GroupChainEngine) EncryptWithKey(key, data []byte) ([]byte, error) {
	return g.gw.Seal(key, data, nil)
}

func (g *GroupChainEngine) DecryptWithKey(key, data []byte) ([]byte, error) {
	return g.gw.Open(key, data, nil)
}

func (g *GroupChainEngine) messageKey(s *SenderKeyState, iteration uint32) ([32]byte, error) {
	if iteration < s.Iteration {
		for _, k := range s.messageKeys {
			if k.Iteration == iteration {
				return k.Key, nil
			}
		}
		return [32]byte{}, s.consumedErr(iteration)
	}
	if err := g.checkGap(s, iteration); err != nil {
		return [32]byte{}, err
	}
	ck := s.ChainKey
	for i := s.Iteration; i < iteration; i++ {
		_, ck = kdfChain(ck)
	}
	mk, _ := kdfChain(ck)
	return mk, nil
}

func (g *GroupChainEngine) checkGap(s *SenderKeyState, iteration uint32) error {
	if iteration == ^uint32(0) {
		return cryptoErr("sender chain", errors.New("iteration counter exhausted"))
	}
	if int64(iteration)-int64(s.Iteration) > int64(g.maxKeys) {
		return fmt.Errorf("%w: iteration %d is %d ahead of %d", ErrMessageTooOld, iteration, iteration-s.Iteration, s.Iteration)
	}
	return nil
}

func (g *GroupChainEngine) seal(mk [32]byte, plaintext, ad []byte) ([]byte, error) {
	key, err := g.gw.DeriveKey(mk[:], nil, []byte(hkdfInfoAEAD), SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	return g.gw.Seal(key, plaintext, ad)
}

func (g *GroupChainEngine) open(mk [32]byte, ciphertext, ad []byte) ([]byte, error) {
	key, err := g.gw.DeriveKey(mk[:], nil, []byte(hkdfInfoAEAD), SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	plaintext, err := g.gw.Open(key, ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (s *SenderKeyState) cacheKey(iteration uint32, key [32]byte, limit int) {
	s.messageKeys = append(s.messageKeys, groupKey{Iteration: iteration, Key: key})
	for len(s.messageKeys) > limit {
		if s.messageKeys[0].Iteration >= s.evictedBelow {
			s.evictedBelow = s.messageKeys[0].Iteration + 1
		}
		wipe32(&s.messageKeys[0].Key)
		s.messageKeys = s.messageKeys[1:]
	}
}

func (s *SenderKeyState) consumedErr(iteration uint32) error {
	if iteration < s.evictedBelow {
		return fmt.Errorf("%w: iteration %d evicted from key cache", ErrMessageTooOld, iteration)
	}
	return fmt.Errorf("%w: iteration %d", ErrIterationAlreadyConsumed, iteration)
}

func groupAD(chainID uuid.UUID, iteration uint32) []byte {
	ad := make([]byte, 0, len(groupADLabel)+len(chainID)+4)
	ad = append(ad, groupADLabel...)
	ad = append(ad, chainID[:]...)
	return binary.BigEndian.AppendUint32(ad, iteration)
}
