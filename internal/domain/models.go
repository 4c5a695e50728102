package domain

import (
	"time"

	"github.com/google/uuid"
)

// Directory side: public key material published per device.

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type Device struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

type IdentityKey struct {
	DeviceID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	KEMPublicKey string    `gorm:"type:text;not null"`
	DSAPublicKey string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}

type SignedPreKey struct {
	DeviceID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	KeyID     uint32    `gorm:"not null"`
	PublicKey string    `gorm:"type:text;not null"`
	Signature string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type OneTimePreKey struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	DeviceID   uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:idx_otk_device_key"`
	KeyID      uint32     `gorm:"not null;uniqueIndex:idx_otk_device_key"`
	PublicKey  string     `gorm:"type:text;not null"`
	ConsumedAt *time.Time `gorm:"default:null"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"`
}

// Device side: secrets held by the local client.

type LocalSignedPrekey struct {
	ID        uint32    `gorm:"primaryKey;autoIncrement:false"`
	PublicKey []byte    `gorm:"not null"`
	SecretKey []byte    `gorm:"not null"`
	Signature []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type LocalOneTimePrekey struct {
	ID         uint32     `gorm:"primaryKey;autoIncrement:false"`
	PublicKey  []byte     `gorm:"not null"`
	SecretKey  []byte     `gorm:"not null"`
	ConsumedAt *time.Time `gorm:"default:null"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"`
}

// ConversationState holds the serialized ratchet or sender key state of one
// conversation lane.
type ConversationState struct {
	ConversationID string    `gorm:"primaryKey"`
	State          []byte    `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

// DirectoryModels are the tables of the key directory.
func DirectoryModels() []any {
	return []any{&User{}, &Device{}, &IdentityKey{}, &SignedPreKey{}, &OneTimePreKey{}}
}

// LocalModels are the tables of a client device.
func LocalModels() []any {
	return []any{&LocalSignedPrekey{}, &LocalOneTimePrekey{}, &ConversationState{}}
}
