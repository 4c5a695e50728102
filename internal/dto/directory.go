// Package dto holds the JSON bodies of the directory API. Key material
// travels as standard base64 and is decoded with the helpers in convert.go.
package dto

import "time"

// SignedPreKey is a medium-term KEM key signed by the device identity.
type SignedPreKey struct {
	KeyID     uint32    `json:"keyId"`
	PublicKey string    `json:"publicKey"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
}

// OneTimePreKey is handed out by the directory at most once.
type OneTimePreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// RegisterDeviceRequest publishes a device. Empty ids are generated.
type RegisterDeviceRequest struct {
	UserID               string          `json:"userId"`
	DeviceID             string          `json:"deviceId"`
	IdentityKey          string          `json:"identityKey"`
	IdentitySignatureKey string          `json:"identitySignatureKey"`
	SignedPreKey         SignedPreKey    `json:"signedPreKey"`
	OneTimePreKeys       []OneTimePreKey `json:"oneTimePreKeys"`
}

// RegisterDeviceResponse carries the bearer token for the device's
// authenticated endpoints.
type RegisterDeviceResponse struct {
	UserID         string    `json:"userId"`
	DeviceID       string    `json:"deviceId"`
	OneTimePreKeys int       `json:"oneTimePreKeys"`
	AccessToken    string    `json:"accessToken"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// PreKeyBundleResponse is what an initiator needs to open a session. It has
// no OneTimePreKey once the device's supply is exhausted.
type PreKeyBundleResponse struct {
	DeviceID             string         `json:"deviceId"`
	IdentityKey          string         `json:"identityKey"`
	IdentitySignatureKey string         `json:"identitySignatureKey"`
	SignedPreKey         SignedPreKey   `json:"signedPreKey"`
	OneTimePreKey        *OneTimePreKey `json:"oneTimePreKey,omitempty"`
}

type UploadOneTimePreKeysRequest struct {
	OneTimePreKeys []OneTimePreKey `json:"oneTimePreKeys"`
}

type UploadOneTimePreKeysResponse struct {
	DeviceID  string `json:"deviceId"`
	Added     int64  `json:"added"`
	Available int64  `json:"available"`
}

type OneTimePreKeyCountResponse struct {
	DeviceID  string `json:"deviceId"`
	Available int64  `json:"available"`
}

// RotateSignedPreKeyRequest may top up one-time prekeys in the same call.
type RotateSignedPreKeyRequest struct {
	SignedPreKey   SignedPreKey    `json:"signedPreKey"`
	OneTimePreKeys []OneTimePreKey `json:"oneTimePreKeys,omitempty"`
}

type RotateSignedPreKeyResponse struct {
	DeviceID         string       `json:"deviceId"`
	SignedPreKey     SignedPreKey `json:"signedPreKey"`
	AddedOneTimeKeys int64        `json:"addedOneTimePreKeys"`
}

type DeleteUserResponse struct {
	UserID  string           `json:"userId"`
	Deleted map[string]int64 `json:"deleted"`
}
