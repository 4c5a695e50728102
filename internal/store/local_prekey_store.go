package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"e2ee-session/internal/cryptocore"
	"e2ee-session/internal/domain"

	"gorm.io/gorm"
)

var (
	// ErrPrekeyConsumed is returned when a one-time prekey was already used
	// by an earlier handshake.
	ErrPrekeyConsumed = fmt.Errorf("%w: one-time prekey already consumed", cryptocore.ErrHandshakeFailure)
	// ErrPrekeyIDsExhausted is returned once the highest prekey id is in use.
	ErrPrekeyIDsExhausted = errors.New("prekey id space exhausted")
)

// LocalPrekeyStore keeps the secret halves of this device's prekeys.
type LocalPrekeyStore struct{ db *gorm.DB }

func (s *Store) LocalPrekeys() *LocalPrekeyStore { return &LocalPrekeyStore{db: s.DB} }

func (l *LocalPrekeyStore) PutSignedPrekey(ctx context.Context, spk *cryptocore.SignedPrekey) error {
	row := domain.LocalSignedPrekey{
		ID:        spk.ID,
		PublicKey: spk.PublicKey,
		SecretKey: spk.SecretKey,
		Signature: spk.Signature,
		CreatedAt: spk.CreatedAt,
	}
	return mapErr(conn(ctx, l.db).Create(&row).Error)
}

func (l *LocalPrekeyStore) SignedPrekey(ctx context.Context, id uint32) (*cryptocore.SignedPrekey, error) {
	var row domain.LocalSignedPrekey
	if err := conn(ctx, l.db).First(&row, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &cryptocore.SignedPrekey{
		ID:        row.ID,
		PublicKey: row.PublicKey,
		SecretKey: row.SecretKey,
		Signature: row.Signature,
		CreatedAt: row.CreatedAt,
	}, nil
}

// LatestSignedPrekeyID returns the highest signed prekey id, or 0 when none
// was generated yet.
func (l *LocalPrekeyStore) LatestSignedPrekeyID(ctx context.Context) (uint32, error) {
	return maxID(conn(ctx, l.db).Model(&domain.LocalSignedPrekey{}))
}

func (l *LocalPrekeyStore) PutOneTimePrekeys(ctx context.Context, keys []cryptocore.OneTimePrekey) error {
	if len(keys) == 0 {
		return nil
	}
	rows := make([]domain.LocalOneTimePrekey, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, domain.LocalOneTimePrekey{ID: k.ID, PublicKey: k.PublicKey, SecretKey: k.SecretKey})
	}
	return mapErr(conn(ctx, l.db).Create(&rows).Error)
}

// OneTimePrekey returns an unconsumed one-time prekey.
func (l *LocalPrekeyStore) OneTimePrekey(ctx context.Context, id uint32) (*cryptocore.OneTimePrekey, error) {
	var row domain.LocalOneTimePrekey
	err := conn(ctx, l.db).First(&row, "id = ?", id).Error
	if err != nil {
		return nil, mapErr(err)
	}
	if row.ConsumedAt != nil {
		return nil, ErrPrekeyConsumed
	}
	return &cryptocore.OneTimePrekey{ID: row.ID, PublicKey: row.PublicKey, SecretKey: row.SecretKey}, nil
}

// ConsumeOneTimePrekey marks id consumed and then runs fn in the same
// transaction. Exactly one of any number of concurrent callers for the same id
// succeeds; the others get ErrPrekeyConsumed. The secret is wiped on commit.
func (l *LocalPrekeyStore) ConsumeOneTimePrekey(ctx context.Context, id uint32, fn func(ctx context.Context) error) error {
	return conn(ctx, l.db).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.LocalOneTimePrekey{}).
			Where("id = ? AND consumed_at IS NULL", id).
			Updates(map[string]any{"consumed_at": time.Now().UTC(), "secret_key": []byte{0}})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			var n int64
			if err := tx.Model(&domain.LocalOneTimePrekey{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrRecordNotFound
			}
			return ErrPrekeyConsumed
		}
		if fn == nil {
			return nil
		}
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// NextOneTimePrekeyID returns one past the highest one-time prekey id ever
// generated.
func (l *LocalPrekeyStore) NextOneTimePrekeyID(ctx context.Context) (uint32, error) {
	id, err := maxID(conn(ctx, l.db).Model(&domain.LocalOneTimePrekey{}))
	if err != nil {
		return 0, err
	}
	if id == math.MaxUint32 {
		return 0, ErrPrekeyIDsExhausted
	}
	return id + 1, nil
}

func (l *LocalPrekeyStore) CountAvailable(ctx context.Context) (int64, error) {
	var n int64
	err := conn(ctx, l.db).Model(&domain.LocalOneTimePrekey{}).Where("consumed_at IS NULL").Count(&n).Error
	return n, err
}

// PruneSignedPrekeys drops signed prekeys older than keep, except the newest.
func (l *LocalPrekeyStore) PruneSignedPrekeys(ctx context.Context, keep time.Duration) (int64, error) {
	latest, err := l.LatestSignedPrekeyID(ctx)
	if err != nil {
		return 0, err
	}
	res := conn(ctx, l.db).
		Where("id <> ? AND created_at < ?", latest, time.Now().UTC().Add(-keep)).
		Delete(&domain.LocalSignedPrekey{})
	return res.RowsAffected, res.Error
}

func maxID(q *gorm.DB) (uint32, error) {
	var id sql.NullInt64
	if err := q.Select("MAX(id)").Row().Scan(&id); err != nil {
		return 0, err
	}
	return uint32(id.Int64), nil
}
