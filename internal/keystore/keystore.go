// Package keystore keeps the wrapped identity of the local device in the
// platform keyring. Only password- or recovery-wrapped secrets are stored.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"

	"e2ee-session/internal/cryptocore"

	"github.com/99designs/keyring"
)

const (
	bundleKey   = "identity-bundle"
	recoveryKey = "identity-recovery"
)

var ErrNotFound = errors.New("keystore: identity not found")

// IdentityStore stores the EncryptedKeyBundle and RecoveryKeyData of one
// account, namespaced by account name.
type IdentityStore struct {
	ring    keyring.Keyring
	account string
}

type Config struct {
	ServiceName string
	// Backend restricts the keyring to one backend, e.g. "file" on headless
	// hosts. Empty lets keyring pick the platform default.
	Backend string
	FileDir string
	// FilePassword unlocks the file backend.
	FilePassword string
}

func Open(cfg Config, account string) (*IdentityStore, error) {
	kc := keyring.Config{
		ServiceName:      cfg.ServiceName,
		FileDir:          cfg.FileDir,
		FilePasswordFunc: keyring.FixedStringPrompt(cfg.FilePassword),
	}
	if cfg.Backend != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	}
	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return New(ring, account), nil
}

func New(ring keyring.Keyring, account string) *IdentityStore {
	return &IdentityStore{ring: ring, account: account}
}

func (s *IdentityStore) SaveBundle(b *cryptocore.EncryptedKeyBundle) error {
	return s.put(bundleKey, "identity key bundle", b)
}

func (s *IdentityStore) Bundle() (*cryptocore.EncryptedKeyBundle, error) {
	var b cryptocore.EncryptedKeyBundle
	if err := s.get(bundleKey, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *IdentityStore) SaveRecovery(r *cryptocore.RecoveryKeyData) error {
	return s.put(recoveryKey, "identity recovery data", r)
}

func (s *IdentityStore) Recovery() (*cryptocore.RecoveryKeyData, error) {
	var r cryptocore.RecoveryKeyData
	if err := s.get(recoveryKey, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Remove deletes both entries. Missing entries are ignored.
func (s *IdentityStore) Remove() error {
	for _, k := range []string{bundleKey, recoveryKey} {
		if err := s.ring.Remove(s.itemKey(k)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("failed to remove %s: %w", k, err)
		}
	}
	return nil
}

func (s *IdentityStore) put(name, label string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", label, err)
	}
	err = s.ring.Set(keyring.Item{
		Key:   s.itemKey(name),
		Data:  data,
		Label: label,
	})
	if err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", label, err)
	}
	return nil
}

func (s *IdentityStore) get(name string, v any) error {
	item, err := s.ring.Get(s.itemKey(name))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s from keyring: %w", name, err)
	}
	if err := json.Unmarshal(item.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

func (s *IdentityStore) itemKey(name string) string {
	return s.account + "/" + name
}
