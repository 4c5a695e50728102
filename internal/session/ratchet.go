package session

import (
	"context"
	"errors"
	"fmt"

	"e2ee-session/internal/cryptocore"
	"e2ee-session/internal/observability/metrics"
	"e2ee-session/internal/store"
)

type AcceptParams struct {
	OurIdentity *cryptocore.IdentityKeyPair
	KeyBundle   *cryptocore.KeyBundle
}

// CreateInitialRatchetSession runs the initiator handshake against a peer
// bundle and stores the new state for conversationID, replacing any earlier
// session. The returned KeyBundle must reach the peer.
func (m *Manager) CreateInitialRatchetSession(ctx context.Context, conversationID string, p cryptocore.InitiatorParams) (*cryptocore.KeyBundle, error) {
	var kb *cryptocore.KeyBundle
	_, err := m.lanes.Do(ctx, conversationID, func(_ context.Context, _ []byte) ([]byte, error) {
		state, bundle, err := m.handshake.CreateSession(p)
		if err != nil {
			return nil, err
		}
		blob, err := cryptocore.MarshalRatchetState(state)
		if err != nil {
			return nil, err
		}
		kb = bundle
		return blob, nil
	})
	metrics.HandshakesTotal.WithLabelValues(cryptocore.RoleInitiator.String(), metrics.Result(err)).Inc()
	if err != nil {
		m.log.WarnContext(ctx, "create session failed", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	m.log.InfoContext(ctx, "session created", "conversation_id", conversationID, "one_time_prekey", kb.OneTimePrekeyID != nil)
	return kb, nil
}

// AcceptRatchetSession runs the responder handshake. When the bundle names a
// one-time prekey, consuming that key and storing the new state commit
// together; a second acceptance of the same key fails with a handshake error.
func (m *Manager) AcceptRatchetSession(ctx context.Context, conversationID string, p AcceptParams) error {
	if p.KeyBundle == nil {
		return fmt.Errorf("%w: nil key bundle", cryptocore.ErrHandshakeFailure)
	}
	kb := p.KeyBundle

	op := func(ctx context.Context, _ []byte) ([]byte, error) {
		spk, err := m.prekeys.SignedPrekey(ctx, kb.SignedPrekeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: signed prekey %d: %v", cryptocore.ErrHandshakeFailure, kb.SignedPrekeyID, err)
		}
		params := cryptocore.ResponderParams{OurIdentity: p.OurIdentity, OurSignedPrekey: spk, KeyBundle: kb}
		if kb.OneTimePrekeyID != nil {
			otk, err := m.prekeys.OneTimePrekey(ctx, *kb.OneTimePrekeyID)
			switch {
			case errors.Is(err, store.ErrRecordNotFound):
				return nil, fmt.Errorf("%w: id %d", cryptocore.ErrMissingOneTimeKey, *kb.OneTimePrekeyID)
			case errors.Is(err, cryptocore.ErrHandshakeFailure):
				return nil, err
			case err != nil:
				return nil, fmt.Errorf("load one-time prekey: %w", err)
			}
			params.OurOneTimePrekey = otk
		}
		state, err := m.handshake.AcceptSession(params)
		if err != nil {
			return nil, err
		}
		return cryptocore.MarshalRatchetState(state)
	}

	save := func(ctx context.Context, id string, blob []byte) error {
		if kb.OneTimePrekeyID == nil {
			return m.states.Save(ctx, id, blob)
		}
		return m.prekeys.ConsumeOneTimePrekey(ctx, *kb.OneTimePrekeyID, func(ctx context.Context) error {
			return m.states.Save(ctx, id, blob)
		})
	}

	_, err := m.lanes.DoWithSave(ctx, conversationID, op, save)
	metrics.HandshakesTotal.WithLabelValues(cryptocore.RoleResponder.String(), metrics.Result(err)).Inc()
	if err != nil {
		m.log.WarnContext(ctx, "accept session failed", "conversation_id", conversationID, "error", err)
		return err
	}
	m.log.InfoContext(ctx, "session accepted", "conversation_id", conversationID)
	return nil
}

// Sealed is an outgoing ratchet message with the key it was sealed under.
// MessageKey opens only Message; it can be wrapped with EncryptForRecipient
// for devices outside the session.
type Sealed struct {
	Message    *cryptocore.Message
	MessageKey []byte
}

// RatchetEncrypt seals plaintext with the next sending key of the
// conversation. Concurrent calls get distinct, increasing message numbers.
func (m *Manager) RatchetEncrypt(ctx context.Context, conversationID string, plaintext []byte) (*Sealed, error) {
	var out *Sealed
	_, err := m.lanes.Do(ctx, conversationID, func(_ context.Context, current []byte) ([]byte, error) {
		state, err := m.loadRatchet(current)
		if err != nil {
			return nil, err
		}
		res, err := m.ratchet.Encrypt(state, plaintext)
		if err != nil {
			return nil, err
		}
		blob, err := cryptocore.MarshalRatchetState(res.NewState)
		if err != nil {
			return nil, err
		}
		out = &Sealed{Message: &res.Message, MessageKey: append([]byte(nil), res.MessageKey[:]...)}
		return blob, nil
	})
	metrics.RatchetOpsTotal.WithLabelValues("encrypt", metrics.Result(err)).Inc()
	if err != nil {
		m.log.WarnContext(ctx, "ratchet encrypt failed", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	return out, nil
}

// RatchetDecrypt opens msg. A message that cannot be read leaves the
// conversation state untouched.
func (m *Manager) RatchetDecrypt(ctx context.Context, conversationID string, msg *cryptocore.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	var plaintext []byte
	_, err := m.lanes.Do(ctx, conversationID, func(_ context.Context, current []byte) ([]byte, error) {
		state, err := m.loadRatchet(current)
		if err != nil {
			return nil, err
		}
		res, err := m.ratchet.Decrypt(state, msg)
		if err != nil {
			return nil, err
		}
		blob, err := cryptocore.MarshalRatchetState(res.NewState)
		if err != nil {
			return nil, err
		}
		plaintext = res.Plaintext
		return blob, nil
	})
	metrics.RatchetOpsTotal.WithLabelValues("decrypt", metrics.Result(err)).Inc()
	if err != nil {
		if m.Undecryptable(err) {
			m.log.InfoContext(ctx, "message undecryptable", "conversation_id", conversationID,
				"message_number", msg.Header.MessageNumber, "error", err)
		} else {
			m.log.WarnContext(ctx, "ratchet decrypt failed", "conversation_id", conversationID, "error", err)
		}
		return nil, err
	}
	return plaintext, nil
}

// ConversationSafetyNumber returns the safety number of the identities bound
// into the conversation's session.
func (m *Manager) ConversationSafetyNumber(ctx context.Context, conversationID string) (string, error) {
	var number string
	_, err := m.lanes.Do(ctx, conversationID, func(_ context.Context, current []byte) ([]byte, error) {
		state, err := m.loadRatchet(current)
		if err != nil {
			return nil, err
		}
		number = m.GenerateSafetyNumber(state.LocalIdentity, state.RemoteIdentity)
		return nil, nil
	})
	return number, err
}

// CloseConversation drops queued operations. One already running completes.
func (m *Manager) CloseConversation(conversationID string) {
	m.lanes.Close(conversationID)
}

// DeleteConversation closes the conversation and destroys its state.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := m.lanes.Delete(ctx, conversationID); err != nil {
		return err
	}
	m.log.InfoContext(ctx, "conversation deleted", "conversation_id", conversationID)
	return nil
}

func (m *Manager) loadRatchet(blob []byte) (*cryptocore.RatchetState, error) {
	if blob == nil {
		return nil, ErrNoSession
	}
	return cryptocore.UnmarshalRatchetState(blob)
}
