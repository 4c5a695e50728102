package store

import (
	"context"
	"time"

	"e2ee-session/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OneTimePreKeyStore struct{ db *gorm.DB }

func (s *Store) OneTimePreKeys() *OneTimePreKeyStore { return &OneTimePreKeyStore{db: s.DB} }

// AddBatch inserts keys; a key id the device already published is ignored.
func (o *OneTimePreKeyStore) AddBatch(ctx context.Context, keys []domain.OneTimePreKey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res := conn(ctx, o.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&keys)
	return res.RowsAffected, mapErr(res.Error)
}

// ConsumeNext claims the oldest unconsumed key of deviceID. It returns nil
// when the device has none left. Concurrent claimers skip rows locked by each
// other on postgres.
func (o *OneTimePreKeyStore) ConsumeNext(ctx context.Context, deviceID uuid.UUID) (*domain.OneTimePreKey, error) {
	db := conn(ctx, o.db)
	for {
		var key domain.OneTimePreKey
		q := db
		if db.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		err := q.Where("device_id = ? AND consumed_at IS NULL", deviceID).
			Order("created_at ASC, key_id ASC").
			First(&key).Error
		if err != nil {
			if mapErr(err) == ErrRecordNotFound {
				return nil, nil
			}
			return nil, err
		}
		now := time.Now().UTC()
		res := db.Model(&domain.OneTimePreKey{}).
			Where("id = ? AND consumed_at IS NULL", key.ID).
			Update("consumed_at", now)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			key.ConsumedAt = &now
			return &key, nil
		}
		// Lost the row to a concurrent claimer; try the next one.
	}
}

func (o *OneTimePreKeyStore) CountAvailable(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	var n int64
	err := conn(ctx, o.db).Model(&domain.OneTimePreKey{}).
		Where("device_id = ? AND consumed_at IS NULL", deviceID).
		Count(&n).Error
	return n, err
}
