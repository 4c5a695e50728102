package cryptocore

import (
	"errors"
	"fmt"
)

// Failure classes. Every error returned by this package matches exactly one of
// these with errors.Is, except replay and ordering errors which are reported as
// undecryptable.
var (
	ErrCryptoFailure            = errors.New("cryptocore: primitive failure")
	ErrAuthFailure              = errors.New("cryptocore: authentication failed")
	ErrHandshakeFailure         = errors.New("cryptocore: handshake failed")
	ErrMessageTooOld            = errors.New("cryptocore: message too old")
	ErrIterationAlreadyConsumed = errors.New("cryptocore: iteration already consumed")
	ErrInvalidKeyLength         = errors.New("cryptocore: invalid key length")
)

var (
	ErrDecryptionFailed         = fmt.Errorf("%w: message authentication failed", ErrAuthFailure)
	ErrInvalidPrekeySignature   = fmt.Errorf("%w: invalid prekey signature", ErrHandshakeFailure)
	ErrMissingOneTimeKey        = fmt.Errorf("%w: missing one-time prekey", ErrHandshakeFailure)
	ErrInvalidRecoveryKey       = fmt.Errorf("%w: recovery key must be 64 hex characters", ErrInvalidKeyLength)
	ErrDuplicateMessage         = errors.New("cryptocore: duplicate message")
	ErrMissingRatchetCiphertext = errors.New("cryptocore: ratchet step without ciphertext")
	ErrInvalidRemoteKey         = errors.New("cryptocore: invalid remote ratchet key")
	ErrChainMismatch            = errors.New("cryptocore: sender chain mismatch")
	ErrInvalidState             = errors.New("cryptocore: invalid state blob")
)

// IsUndecryptable reports whether err means a single message cannot be read
// while the session itself stays usable. Callers render these as an explicit
// "unable to decrypt" marker.
func IsUndecryptable(err error) bool {
	switch {
	case errors.Is(err, ErrMessageTooOld),
		errors.Is(err, ErrIterationAlreadyConsumed),
		errors.Is(err, ErrDuplicateMessage),
		errors.Is(err, ErrDecryptionFailed),
		errors.Is(err, ErrMissingRatchetCiphertext),
		errors.Is(err, ErrInvalidRemoteKey),
		errors.Is(err, ErrChainMismatch):
		return true
	}
	return false
}

func cryptoErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCryptoFailure, op, err)
}

func keyLengthErr(name string, got, want int) error {
	return fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalidKeyLength, name, got, want)
}
