package session

import (
	"context"
	"fmt"
	"math"

	"e2ee-session/internal/cryptocore"
	"e2ee-session/internal/store"
)

// PublishPrekeys generates a new signed prekey and count one-time prekeys,
// stores their secrets and returns the public bundle to upload.
func (m *Manager) PublishPrekeys(ctx context.Context, identity *cryptocore.IdentityKeyPair, count int) (*cryptocore.PrekeyBundle, error) {
	if identity == nil {
		return nil, fmt.Errorf("%w: nil identity", ErrInvalidArgument)
	}
	spk, err := m.RotateSignedPrekey(ctx, identity)
	if err != nil {
		return nil, err
	}
	otks, err := m.ReplenishOneTimePrekeys(ctx, count)
	if err != nil {
		return nil, err
	}
	return &cryptocore.PrekeyBundle{
		Identity:       identity.Public(),
		SignedPrekey:   *spk,
		OneTimePrekeys: otks,
	}, nil
}

// RotateSignedPrekey replaces the published signed prekey. Earlier signed
// prekeys stay loadable so in-flight handshakes still complete.
func (m *Manager) RotateSignedPrekey(ctx context.Context, identity *cryptocore.IdentityKeyPair) (*cryptocore.SignedPrekeyPublic, error) {
	if identity == nil {
		return nil, fmt.Errorf("%w: nil identity", ErrInvalidArgument)
	}
	latest, err := m.prekeys.LatestSignedPrekeyID(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest signed prekey: %w", err)
	}
	if latest == math.MaxUint32 {
		return nil, fmt.Errorf("signed prekey: %w", store.ErrPrekeyIDsExhausted)
	}
	spk, err := m.prekeyGen.GenerateSignedPrekey(latest+1, identity.DSASecret)
	if err != nil {
		return nil, err
	}
	if err := m.prekeys.PutSignedPrekey(ctx, spk); err != nil {
		return nil, fmt.Errorf("store signed prekey: %w", err)
	}
	m.log.InfoContext(ctx, "signed prekey rotated", "key_id", spk.ID)
	pub := spk.Public()
	return &pub, nil
}

// ReplenishOneTimePrekeys generates count fresh one-time prekeys with ids
// following every key generated before.
func (m *Manager) ReplenishOneTimePrekeys(ctx context.Context, count int) ([]cryptocore.OneTimePrekeyPublic, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative prekey count", ErrInvalidArgument)
	}
	if count == 0 {
		return nil, nil
	}
	start, err := m.prekeys.NextOneTimePrekeyID(ctx)
	if err != nil {
		return nil, fmt.Errorf("next one-time prekey id: %w", err)
	}
	keys, err := m.prekeyGen.GenerateOneTimePrekeys(start, count)
	if err != nil {
		return nil, err
	}
	if err := m.prekeys.PutOneTimePrekeys(ctx, keys); err != nil {
		return nil, fmt.Errorf("store one-time prekeys: %w", err)
	}
	out := make([]cryptocore.OneTimePrekeyPublic, len(keys))
	for i := range keys {
		out[i] = keys[i].Public()
	}
	m.log.InfoContext(ctx, "one-time prekeys generated", "first_id", start, "count", count)
	return out, nil
}
