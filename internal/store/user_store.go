package store

import (
	"context"

	"e2ee-session/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserStore struct{ db *gorm.DB }

func (s *Store) Users() *UserStore { return &UserStore{db: s.DB} }

func (u *UserStore) Ensure(ctx context.Context, id uuid.UUID) error {
	user := domain.User{ID: id}
	return mapErr(conn(ctx, u.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&user).Error)
}

// Delete removes the user and every key published by its devices. It
// returns the number of rows removed per table.
func (u *UserStore) Delete(ctx context.Context, id uuid.UUID) (map[string]int64, error) {
	db := conn(ctx, u.db)
	deleted := map[string]int64{}

	var deviceIDs []uuid.UUID
	if err := db.Model(&domain.Device{}).Where("user_id = ?", id).Pluck("id", &deviceIDs).Error; err != nil {
		return nil, err
	}
	if len(deviceIDs) > 0 {
		for label, model := range map[string]any{
			"identityKeys":   &domain.IdentityKey{},
			"signedPreKeys":  &domain.SignedPreKey{},
			"oneTimePreKeys": &domain.OneTimePreKey{},
		} {
			res := db.Where("device_id IN ?", deviceIDs).Delete(model)
			if res.Error != nil {
				return nil, res.Error
			}
			deleted[label] = res.RowsAffected
		}
	}
	res := db.Where("user_id = ?", id).Delete(&domain.Device{})
	if res.Error != nil {
		return nil, res.Error
	}
	deleted["devices"] = res.RowsAffected

	res = db.Where("id = ?", id).Delete(&domain.User{})
	if res.Error != nil {
		return nil, res.Error
	}
	deleted["users"] = res.RowsAffected
	return deleted, nil
}
