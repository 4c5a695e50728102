// Package tokens issues and verifies the EdDSA access tokens the key
// directory hands to registered devices.
package tokens

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identify one device of one user.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Signer issues device tokens and verifies the ones it issued.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	KeyID   string
	Issuer  string
}

// NewFromBase64 decodes privB64 as either a 32-byte ed25519 seed or a full
// 64-byte private key. An empty privB64 yields a random key, so tokens do
// not survive a restart.
func NewFromBase64(privB64, kid, iss string) (*Signer, error) {
	if privB64 == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		return newSigner(priv, kid, iss), nil
	}
	raw, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return newSigner(ed25519.NewKeyFromSeed(raw), kid, iss), nil
	case ed25519.PrivateKeySize:
		return newSigner(ed25519.PrivateKey(raw), kid, iss), nil
	default:
		return nil, fmt.Errorf("signing key is %d bytes, want %d or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

func newSigner(priv ed25519.PrivateKey, kid, iss string) *Signer {
	return &Signer{private: priv, public: priv.Public().(ed25519.PublicKey), KeyID: kid, Issuer: iss}
}

// Sign issues a token for deviceID of userID.
func (s *Signer) Sign(deviceID, userID string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   deviceID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.KeyID
	signed, err := t.SignedString(s.private)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses raw and checks signature, issuer and expiry.
func (s *Signer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if kid, _ := token.Header["kid"].(string); kid != s.KeyID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return s.public, nil
	},
		jwt.WithIssuer(s.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return claims, nil
}

// PublicJWK is the verification key as an OKP JSON Web Key.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}

// JWKS is the key set served at the directory's jwks endpoint.
func (s *Signer) JWKS() map[string]any {
	return map[string]any{"keys": []map[string]any{s.PublicJWK()}}
}
