// Package directory is the key-distribution service: it stores the public
// prekey bundles of devices and hands each one-time prekey out at most once.
package directory

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"e2ee-session/internal/domain"
	"e2ee-session/internal/dto"
	"e2ee-session/internal/store"
	"e2ee-session/internal/tokens"

	"github.com/google/uuid"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrDeviceNotFound = errors.New("device not found")
	// ErrUnauthorized is a token that does not grant access to the resource.
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
)

// Verifier checks signed prekey signatures. cryptocore.Gateway satisfies it.
type Verifier interface {
	Verify(public, message, signature []byte) bool
}

type Service struct {
	store    *store.Store
	verifier Verifier
	signer   *tokens.Signer
	tokenTTL time.Duration
}

func New(st *store.Store, verifier Verifier, signer *tokens.Signer, tokenTTL time.Duration) *Service {
	return &Service{store: st, verifier: verifier, signer: signer, tokenTTL: tokenTTL}
}

func (s *Service) RegisterDevice(ctx context.Context, req dto.RegisterDeviceRequest) (dto.RegisterDeviceResponse, error) {
	if req.IdentityKey == "" || req.IdentitySignatureKey == "" || req.SignedPreKey.PublicKey == "" || req.SignedPreKey.Signature == "" {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: missing key material", ErrInvalidRequest)
	}
	identity, err := req.Identity()
	if err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.verifySignedPreKey(identity.DSAPublic, req.SignedPreKey); err != nil {
		return dto.RegisterDeviceResponse{}, err
	}

	userID, err := parseOrGenerate(req.UserID)
	if err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: invalid userId", ErrInvalidRequest)
	}
	deviceID, err := parseOrGenerate(req.DeviceID)
	if err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: invalid deviceId", ErrInvalidRequest)
	}

	createdAt := req.SignedPreKey.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	otks, err := oneTimePreKeys(deviceID, req.OneTimePreKeys)
	if err != nil {
		return dto.RegisterDeviceResponse{}, err
	}

	var added int64
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		existing, err := tx.Devices().Get(ctx, deviceID)
		switch {
		case err == nil && existing.UserID != userID:
			return fmt.Errorf("%w: device belongs to another user", ErrConflict)
		case err != nil && !errors.Is(err, store.ErrRecordNotFound):
			return err
		}
		if err := tx.Users().Ensure(ctx, userID); err != nil {
			return err
		}
		keys := store.PublishedKeys{
			Identity: domain.IdentityKey{KEMPublicKey: req.IdentityKey, DSAPublicKey: req.IdentitySignatureKey},
			Signed:   signedPreKey(deviceID, req.SignedPreKey, createdAt),
		}
		if err := tx.Devices().Publish(ctx, domain.Device{ID: deviceID, UserID: userID}, keys); err != nil {
			return err
		}
		added, err = tx.OneTimePreKeys().AddBatch(ctx, otks)
		return err
	})
	if err != nil {
		return dto.RegisterDeviceResponse{}, err
	}

	token, exp, err := s.signer.Sign(deviceID.String(), userID.String(), s.tokenTTL)
	if err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("issue token: %w", err)
	}
	return dto.RegisterDeviceResponse{
		UserID:         userID.String(),
		DeviceID:       deviceID.String(),
		OneTimePreKeys: int(added),
		AccessToken:    token,
		ExpiresAt:      exp,
	}, nil
}

// GetPreKeyBundle returns the device's bundle and claims its oldest unused
// one-time prekey, if any remain.
func (s *Service) GetPreKeyBundle(ctx context.Context, deviceID uuid.UUID) (dto.PreKeyBundleResponse, error) {
	var (
		keys *store.PublishedKeys
		otk  *domain.OneTimePreKey
	)

	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		if keys, err = tx.Devices().Keys(ctx, deviceID); err != nil {
			return deviceErr(err)
		}
		otk, err = tx.OneTimePreKeys().ConsumeNext(ctx, deviceID)
		return err
	})
	if err != nil {
		return dto.PreKeyBundleResponse{}, err
	}

	resp := dto.PreKeyBundleResponse{
		DeviceID:             deviceID.String(),
		IdentityKey:          keys.Identity.KEMPublicKey,
		IdentitySignatureKey: keys.Identity.DSAPublicKey,
		SignedPreKey: dto.SignedPreKey{
			KeyID:     keys.Signed.KeyID,
			PublicKey: keys.Signed.PublicKey,
			Signature: keys.Signed.Signature,
			CreatedAt: keys.Signed.CreatedAt,
		},
	}
	if otk != nil {
		resp.OneTimePreKey = &dto.OneTimePreKey{KeyID: otk.KeyID, PublicKey: otk.PublicKey}
	}
	return resp, nil
}

// RotateSignedPreKey replaces the device's signed prekey. The new signature
// must verify under the identity key registered for the device.
func (s *Service) RotateSignedPreKey(ctx context.Context, deviceID uuid.UUID, req dto.RotateSignedPreKeyRequest) (dto.RotateSignedPreKeyResponse, error) {
	if req.SignedPreKey.PublicKey == "" || req.SignedPreKey.Signature == "" {
		return dto.RotateSignedPreKeyResponse{}, fmt.Errorf("%w: missing signed prekey", ErrInvalidRequest)
	}
	createdAt := req.SignedPreKey.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	otks, err := oneTimePreKeys(deviceID, req.OneTimePreKeys)
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, err
	}

	var added int64
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		current, err := tx.Devices().Keys(ctx, deviceID)
		if err != nil {
			return deviceErr(err)
		}
		dsaPub, err := base64.StdEncoding.DecodeString(current.Identity.DSAPublicKey)
		if err != nil {
			return fmt.Errorf("stored identity key: %w", err)
		}
		if err := s.verifySignedPreKey(dsaPub, req.SignedPreKey); err != nil {
			return err
		}
		if err := tx.Devices().ReplaceSignedPreKey(ctx, signedPreKey(deviceID, req.SignedPreKey, createdAt)); err != nil {
			return err
		}
		added, err = tx.OneTimePreKeys().AddBatch(ctx, otks)
		return err
	})
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, err
	}

	return dto.RotateSignedPreKeyResponse{
		DeviceID: deviceID.String(),
		SignedPreKey: dto.SignedPreKey{
			KeyID:     req.SignedPreKey.KeyID,
			PublicKey: req.SignedPreKey.PublicKey,
			Signature: req.SignedPreKey.Signature,
			CreatedAt: createdAt,
		},
		AddedOneTimeKeys: added,
	}, nil
}

func (s *Service) UploadOneTimePreKeys(ctx context.Context, deviceID uuid.UUID, req dto.UploadOneTimePreKeysRequest) (dto.UploadOneTimePreKeysResponse, error) {
	if len(req.OneTimePreKeys) == 0 {
		return dto.UploadOneTimePreKeysResponse{}, fmt.Errorf("%w: no one-time prekeys", ErrInvalidRequest)
	}
	otks, err := oneTimePreKeys(deviceID, req.OneTimePreKeys)
	if err != nil {
		return dto.UploadOneTimePreKeysResponse{}, err
	}
	resp := dto.UploadOneTimePreKeysResponse{DeviceID: deviceID.String()}
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Devices().Get(ctx, deviceID); err != nil {
			return deviceErr(err)
		}
		var err error
		if resp.Added, err = tx.OneTimePreKeys().AddBatch(ctx, otks); err != nil {
			return err
		}
		resp.Available, err = tx.OneTimePreKeys().CountAvailable(ctx, deviceID)
		return err
	})
	if err != nil {
		return dto.UploadOneTimePreKeysResponse{}, err
	}
	return resp, nil
}

func (s *Service) CountOneTimePreKeys(ctx context.Context, deviceID uuid.UUID) (dto.OneTimePreKeyCountResponse, error) {
	if _, err := s.store.Devices().Get(ctx, deviceID); err != nil {
		return dto.OneTimePreKeyCountResponse{}, deviceErr(err)
	}
	n, err := s.store.OneTimePreKeys().CountAvailable(ctx, deviceID)
	if err != nil {
		return dto.OneTimePreKeyCountResponse{}, err
	}
	return dto.OneTimePreKeyCountResponse{DeviceID: deviceID.String(), Available: n}, nil
}

func (s *Service) DeleteUserData(ctx context.Context, userID uuid.UUID) (map[string]int64, error) {
	var deleted map[string]int64
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		deleted, err = tx.Users().Delete(ctx, userID)
		return err
	})
	return deleted, err
}

func (s *Service) verifySignedPreKey(dsaPublic []byte, spk dto.SignedPreKey) error {
	decoded, err := spk.Decode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !s.verifier.Verify(dsaPublic, decoded.PublicKey, decoded.Signature) {
		return fmt.Errorf("%w: signed prekey signature does not verify", ErrInvalidRequest)
	}
	return nil
}

func deviceErr(err error) error {
	if errors.Is(err, store.ErrRecordNotFound) {
		return ErrDeviceNotFound
	}
	return err
}

func signedPreKey(deviceID uuid.UUID, spk dto.SignedPreKey, createdAt time.Time) domain.SignedPreKey {
	return domain.SignedPreKey{
		DeviceID:  deviceID,
		KeyID:     spk.KeyID,
		PublicKey: spk.PublicKey,
		Signature: spk.Signature,
		CreatedAt: createdAt,
	}
}

func oneTimePreKeys(deviceID uuid.UUID, in []dto.OneTimePreKey) ([]domain.OneTimePreKey, error) {
	out := make([]domain.OneTimePreKey, 0, len(in))
	for _, k := range in {
		if k.PublicKey == "" {
			return nil, fmt.Errorf("%w: one-time prekey missing publicKey", ErrInvalidRequest)
		}
		if _, err := k.Decode(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		out = append(out, domain.OneTimePreKey{
			ID:        uuid.New(),
			DeviceID:  deviceID,
			KeyID:     k.KeyID,
			PublicKey: k.PublicKey,
		})
	}
	return out, nil
}

func parseOrGenerate(id string) (uuid.UUID, error) {
	if id == "" {
		return uuid.New(), nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, err
	}
	return parsed, nil
}
