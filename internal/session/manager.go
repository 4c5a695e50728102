// Package session is the boundary of the messaging core. A Manager wires the
// cryptographic engines to persistent state and runs every state mutation of
// a conversation through one serialized lane.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"e2ee-session/internal/cryptocore"
	"e2ee-session/internal/serializer"
)

var (
	ErrNoSession       = errors.New("session: no session for conversation")
	ErrNoSenderKey     = errors.New("session: no sender key state")
	ErrInvalidArgument = errors.New("session: invalid argument")
)

// PrekeyStore holds the secret halves of the local device's prekeys.
type PrekeyStore interface {
	PutSignedPrekey(ctx context.Context, spk *cryptocore.SignedPrekey) error
	SignedPrekey(ctx context.Context, id uint32) (*cryptocore.SignedPrekey, error)
	LatestSignedPrekeyID(ctx context.Context) (uint32, error)
	PutOneTimePrekeys(ctx context.Context, keys []cryptocore.OneTimePrekey) error
	OneTimePrekey(ctx context.Context, id uint32) (*cryptocore.OneTimePrekey, error)
	// ConsumeOneTimePrekey marks id used and runs fn in the same
	// transaction. It fails for every caller but one.
	ConsumeOneTimePrekey(ctx context.Context, id uint32, fn func(ctx context.Context) error) error
	NextOneTimePrekeyID(ctx context.Context) (uint32, error)
}

type Config struct {
	Gateway cryptocore.PrimitiveGateway
	States  serializer.StateStore
	Prekeys PrekeyStore
	Logger  *slog.Logger

	// MaxSkip bounds skipped message keys per conversation. Zero means
	// cryptocore.DefaultMaxSkip.
	MaxSkip int
	// SenderKeyWindow bounds cached group message keys. Zero means
	// cryptocore.DefaultMaxMessageKeys.
	SenderKeyWindow int
	// Argon2 overrides the password KDF cost for new wraps.
	Argon2 *cryptocore.Argon2Params
}

type Manager struct {
	gw        cryptocore.PrimitiveGateway
	vault     *cryptocore.KeyVault
	prekeyGen *cryptocore.PrekeyManager
	handshake *cryptocore.HandshakeEngine
	ratchet   *cryptocore.RatchetEngine
	group     *cryptocore.GroupChainEngine

	states  serializer.StateStore
	prekeys PrekeyStore
	lanes   *serializer.Serializer
	log     *slog.Logger
}

func New(cfg Config) (*Manager, error) {
	if cfg.Gateway == nil || cfg.States == nil || cfg.Prekeys == nil {
		return nil, fmt.Errorf("%w: gateway, state store and prekey store are required", ErrInvalidArgument)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var vaultOpts []cryptocore.VaultOption
	if cfg.Argon2 != nil {
		vaultOpts = append(vaultOpts, cryptocore.WithArgon2Params(*cfg.Argon2))
	}
	vault, err := cryptocore.NewKeyVault(cfg.Gateway, vaultOpts...)
	if err != nil {
		return nil, err
	}

	var ratchetOpts []cryptocore.RatchetOption
	if cfg.MaxSkip > 0 {
		ratchetOpts = append(ratchetOpts, cryptocore.WithMaxSkip(cfg.MaxSkip))
	}
	ratchet, err := cryptocore.NewRatchetEngine(cfg.Gateway, ratchetOpts...)
	if err != nil {
		return nil, err
	}

	var groupOpts []cryptocore.GroupOption
	if cfg.SenderKeyWindow > 0 {
		groupOpts = append(groupOpts, cryptocore.WithMaxMessageKeys(cfg.SenderKeyWindow))
	}
	group, err := cryptocore.NewGroupChainEngine(cfg.Gateway, groupOpts...)
	if err != nil {
		return nil, err
	}

	return &Manager{
		gw:        cfg.Gateway,
		vault:     vault,
		prekeyGen: cryptocore.NewPrekeyManager(cfg.Gateway),
		handshake: cryptocore.NewHandshakeEngine(cfg.Gateway),
		ratchet:   ratchet,
		group:     group,
		states:    cfg.States,
		prekeys:   cfg.Prekeys,
		lanes:     serializer.New(cfg.States, serializer.WithLogger(log)),
		log:       log,
	}, nil
}

// Undecryptable reports whether err marks a single message as unreadable.
// The session stays usable and the caller shows a placeholder.
func (m *Manager) Undecryptable(err error) bool {
	return cryptocore.IsUndecryptable(err)
}

// GenerateKeys creates a new identity and returns it wrapped under password.
func (m *Manager) GenerateKeys(ctx context.Context, password string) (*cryptocore.EncryptedKeyBundle, error) {
	bundle, err := m.vault.GenerateIdentity(password)
	if err != nil {
		m.log.WarnContext(ctx, "generate identity failed", "error", err)
		return nil, err
	}
	m.log.InfoContext(ctx, "identity generated")
	return bundle, nil
}

func (m *Manager) DecryptKeys(password string, bundle *cryptocore.EncryptedKeyBundle) (*cryptocore.IdentityKeyPair, error) {
	return m.vault.Unwrap(password, bundle)
}

func (m *Manager) ChangePassword(oldPassword, newPassword string, bundle *cryptocore.EncryptedKeyBundle) (*cryptocore.EncryptedKeyBundle, error) {
	return m.vault.ChangePassword(oldPassword, newPassword, bundle)
}

func (m *Manager) GenerateRecoveryKey() (cryptocore.RecoveryKey, error) {
	return cryptocore.GenerateRecoveryKey()
}

func (m *Manager) EncryptKeysWithRecovery(rk cryptocore.RecoveryKey, kp *cryptocore.IdentityKeyPair) (*cryptocore.RecoveryKeyData, error) {
	return m.vault.WrapWithRecovery(rk, kp)
}

func (m *Manager) DecryptKeysWithRecovery(rk cryptocore.RecoveryKey, data *cryptocore.RecoveryKeyData) (*cryptocore.IdentityKeyPair, error) {
	return m.vault.UnwrapWithRecovery(rk, data)
}

func (m *Manager) ReEncryptKeysForNewPassword(p cryptocore.ReEncryptParams) (*cryptocore.EncryptedKeyBundle, *cryptocore.RecoveryKeyData, error) {
	return m.vault.ReEncryptForNewPassword(p)
}

func (m *Manager) RotateRecoveryKey(kp *cryptocore.IdentityKeyPair) (cryptocore.RecoveryKey, *cryptocore.RecoveryKeyData, error) {
	return m.vault.RotateRecoveryKey(kp)
}

func (m *Manager) EncryptWithKey(key, data []byte) ([]byte, error) {
	return m.group.EncryptWithKey(key, data)
}

func (m *Manager) DecryptWithKey(key, data []byte) ([]byte, error) {
	return m.group.DecryptWithKey(key, data)
}

func (m *Manager) EncryptForRecipient(recipientKEMPublic, data []byte) ([]byte, error) {
	return cryptocore.EncryptForRecipient(m.gw, recipientKEMPublic, data)
}

func (m *Manager) DecryptFromSender(mySecretKey, data []byte) ([]byte, error) {
	return cryptocore.DecryptFromSender(m.gw, mySecretKey, data)
}

// DecryptWithMessageKey opens msg with a key taken from Sealed.MessageKey.
// No conversation state is read or written.
func (m *Manager) DecryptWithMessageKey(messageKey []byte, msg *cryptocore.Message) ([]byte, error) {
	return m.ratchet.DecryptWithMessageKey(messageKey, msg)
}

func (m *Manager) GenerateSafetyNumber(our, their cryptocore.IdentityPublic) string {
	return cryptocore.GenerateSafetyNumber(our.Bytes(), their.Bytes())
}
