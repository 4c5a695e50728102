package session

import (
	"context"
	"fmt"

	"e2ee-session/internal/cryptocore"
	"e2ee-session/internal/observability/metrics"

	"github.com/google/uuid"
)

func senderKeyLane(groupID, senderID string) string {
	return "group/" + groupID + "/" + senderID
}

// CreateSenderKeyState starts the local member's chain for groupID and stores
// it under senderID. The returned state is what the other members import.
func (m *Manager) CreateSenderKeyState(ctx context.Context, groupID, senderID string) (*cryptocore.SenderKeyState, error) {
	var created *cryptocore.SenderKeyState
	_, err := m.lanes.Do(ctx, senderKeyLane(groupID, senderID), func(_ context.Context, _ []byte) ([]byte, error) {
		state, err := m.group.CreateState()
		if err != nil {
			return nil, err
		}
		created = state
		return cryptocore.MarshalSenderKeyState(state)
	})
	metrics.GroupOpsTotal.WithLabelValues("create", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	m.log.InfoContext(ctx, "sender key created", "group_id", groupID, "sender_id", senderID, "chain_id", created.ChainID)
	return created, nil
}

// ImportSenderKeyState stores a sender key received from another member.
func (m *Manager) ImportSenderKeyState(ctx context.Context, groupID, senderID string, state *cryptocore.SenderKeyState) error {
	if state == nil {
		return fmt.Errorf("%w: nil sender key state", ErrInvalidArgument)
	}
	_, err := m.lanes.Do(ctx, senderKeyLane(groupID, senderID), func(_ context.Context, _ []byte) ([]byte, error) {
		return cryptocore.MarshalSenderKeyState(state)
	})
	metrics.GroupOpsTotal.WithLabelValues("import", metrics.Result(err)).Inc()
	return err
}

// SenderKeyState returns a copy of the stored state, for distribution.
func (m *Manager) SenderKeyState(ctx context.Context, groupID, senderID string) (*cryptocore.SenderKeyState, error) {
	var out *cryptocore.SenderKeyState
	_, err := m.lanes.Do(ctx, senderKeyLane(groupID, senderID), func(_ context.Context, current []byte) ([]byte, error) {
		state, err := loadSenderKey(current)
		out = state
		return nil, err
	})
	return out, err
}

func (m *Manager) EncryptGroupMessage(ctx context.Context, groupID, senderID string, plaintext []byte) (*cryptocore.GroupEncryptResult, error) {
	var out *cryptocore.GroupEncryptResult
	_, err := m.lanes.Do(ctx, senderKeyLane(groupID, senderID), func(_ context.Context, current []byte) ([]byte, error) {
		state, err := loadSenderKey(current)
		if err != nil {
			return nil, err
		}
		res, err := m.group.Encrypt(state, plaintext)
		if err != nil {
			return nil, err
		}
		out = res
		return cryptocore.MarshalSenderKeyState(res.NewState)
	})
	metrics.GroupOpsTotal.WithLabelValues("encrypt", metrics.Result(err)).Inc()
	if err != nil {
		m.log.WarnContext(ctx, "group encrypt failed", "group_id", groupID, "error", err)
		return nil, err
	}
	return out, nil
}

// DecryptGroupMessage opens a group message without consuming its iteration.
// Call UpdateSenderKeyStateAfterDecrypt once the plaintext is accepted.
func (m *Manager) DecryptGroupMessage(ctx context.Context, groupID, senderID string, chainID uuid.UUID, iteration uint32, ciphertext []byte) ([]byte, error) {
	var plaintext []byte
	_, err := m.lanes.Do(ctx, senderKeyLane(groupID, senderID), func(_ context.Context, current []byte) ([]byte, error) {
		state, err := loadSenderKey(current)
		if err != nil {
			return nil, err
		}
		plaintext, err = m.group.Decrypt(state, chainID, iteration, ciphertext)
		return nil, err
	})
	metrics.GroupOpsTotal.WithLabelValues("decrypt", metrics.Result(err)).Inc()
	if err != nil {
		m.log.InfoContext(ctx, "group message undecryptable", "group_id", groupID, "sender_id", senderID,
			"iteration", iteration, "error", err)
		return nil, err
	}
	return plaintext, nil
}

func (m *Manager) UpdateSenderKeyStateAfterDecrypt(ctx context.Context, groupID, senderID string, iteration uint32) error {
	_, err := m.lanes.Do(ctx, senderKeyLane(groupID, senderID), func(_ context.Context, current []byte) ([]byte, error) {
		state, err := loadSenderKey(current)
		if err != nil {
			return nil, err
		}
		next, err := m.group.AdvanceAfterDecrypt(state, iteration)
		if err != nil {
			return nil, err
		}
		return cryptocore.MarshalSenderKeyState(next)
	})
	metrics.GroupOpsTotal.WithLabelValues("advance", metrics.Result(err)).Inc()
	return err
}

// DeleteSenderKeyState forgets a member's chain, e.g. after they leave.
func (m *Manager) DeleteSenderKeyState(ctx context.Context, groupID, senderID string) error {
	return m.lanes.Delete(ctx, senderKeyLane(groupID, senderID))
}

func loadSenderKey(blob []byte) (*cryptocore.SenderKeyState, error) {
	if blob == nil {
		return nil, ErrNoSenderKey
	}
	return cryptocore.UnmarshalSenderKeyState(blob)
}
