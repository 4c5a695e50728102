package store

import (
	"context"

	"e2ee-session/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceStore holds a device row together with the identity key and signed
// prekey it publishes. One-time prekeys live in OneTimePreKeyStore.
type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

// PublishedKeys is the long-lived half of a device's prekey bundle.
type PublishedKeys struct {
	Identity domain.IdentityKey
	Signed   domain.SignedPreKey
}

func (d *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := conn(ctx, d.db).First(&device, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &device, nil
}

// Publish registers device and replaces the keys it publishes. The owning
// user row must exist.
func (d *DeviceStore) Publish(ctx context.Context, device domain.Device, keys PublishedKeys) error {
	db := conn(ctx, d.db)
	keys.Identity.DeviceID = device.ID
	keys.Signed.DeviceID = device.ID
	if err := upsert(db, &device, "id", "user_id"); err != nil {
		return err
	}
	if err := upsert(db, &keys.Identity, "device_id", "kem_public_key", "dsa_public_key", "updated_at"); err != nil {
		return err
	}
	return d.ReplaceSignedPreKey(ctx, keys.Signed)
}

// ReplaceSignedPreKey makes spk the device's only signed prekey.
func (d *DeviceStore) ReplaceSignedPreKey(ctx context.Context, spk domain.SignedPreKey) error {
	return upsert(conn(ctx, d.db), &spk, "device_id", "key_id", "public_key", "signature", "created_at")
}

// Keys returns the identity key and current signed prekey of a device.
func (d *DeviceStore) Keys(ctx context.Context, id uuid.UUID) (*PublishedKeys, error) {
	db := conn(ctx, d.db)
	var keys PublishedKeys
	if err := db.First(&keys.Identity, "device_id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	if err := db.First(&keys.Signed, "device_id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &keys, nil
}

// upsert inserts value or overwrites cols of the row conflicting on key.
func upsert(db *gorm.DB, value any, key string, cols ...string) error {
	return mapErr(db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: key}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(value).Error)
}
