package cryptocore

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/dilithium/mode5"
	circled25519 "github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const SymmetricKeySize = chacha20poly1305.KeySize

// PrimitiveGateway is the boundary to the primitive implementations. It holds
// no state; implementations must be safe for concurrent use.
type PrimitiveGateway interface {
	GenerateKEMKeyPair() (public, secret []byte, err error)
	Encapsulate(public []byte) (ciphertext, shared []byte, err error)
	Decapsulate(secret, ciphertext []byte) ([]byte, error)
	KEMCiphertextSize() int

	GenerateDSAKeyPair() (public, secret []byte, err error)
	Sign(secret, message []byte) ([]byte, error)
	Verify(public, message, signature []byte) bool

	// Seal encrypts with a fresh random nonce which is prepended to the output.
	Seal(key, plaintext, ad []byte) ([]byte, error)
	Open(key, ciphertext, ad []byte) ([]byte, error)

	DeriveKey(secret, salt, info []byte, size int) ([]byte, error)
	PasswordKey(password, salt []byte, params Argon2Params) ([]byte, error)
}

// Argon2Params are the Argon2id cost parameters for password wrapping.
type Argon2Params struct {
	Time    uint32 `json:"t"`
	Memory  uint32 `json:"m"`
	Threads uint8  `json:"p"`
	KeyLen  uint32 `json:"l"`
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 1, KeyLen: SymmetricKeySize}
}

// Bounds on Argon2 parameters, applied to configured values and to values read
// back from stored bundles.
const (
	MaxArgon2Time      = 16
	MaxArgon2MemoryKiB = 1 << 20
	MaxArgon2Threads   = 16
)

func (p Argon2Params) validate() error {
	switch {
	case p.Time == 0 || p.Time > MaxArgon2Time:
		return fmt.Errorf("argon2 time %d outside 1..%d", p.Time, MaxArgon2Time)
	case p.Memory == 0 || p.Memory > MaxArgon2MemoryKiB:
		return fmt.Errorf("argon2 memory %d KiB outside 1..%d", p.Memory, MaxArgon2MemoryKiB)
	case p.Threads == 0 || p.Threads > MaxArgon2Threads:
		return fmt.Errorf("argon2 threads %d outside 1..%d", p.Threads, MaxArgon2Threads)
	case p.KeyLen != SymmetricKeySize:
		return fmt.Errorf("argon2 key length %d, want %d", p.KeyLen, SymmetricKeySize)
	}
	return nil
}

const (
	KEMKyber768  = "kyber768"
	KEMKyber1024 = "kyber1024"
	DSAEd25519   = "ed25519"
	DSADilithium = "dilithium5"
)

type GatewayConfig struct {
	KEM string
	DSA string
}

// Gateway is the default PrimitiveGateway: a circl KEM and signature scheme,
// XChaCha20-Poly1305, HKDF-SHA256 and Argon2id.
type Gateway struct {
	kem kem.Scheme
	dsa sign.Scheme
}

var _ PrimitiveGateway = (*Gateway)(nil)

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	g := &Gateway{}
	switch cfg.KEM {
	case "", KEMKyber1024:
		g.kem = kyber1024.Scheme()
	case KEMKyber768:
		g.kem = kyber768.Scheme()
	default:
		return nil, fmt.Errorf("cryptocore: unknown kem scheme %q", cfg.KEM)
	}
	switch cfg.DSA {
	case "", DSAEd25519:
		g.dsa = circled25519.Scheme()
	case DSADilithium:
		g.dsa = mode5.Scheme()
	default:
		return nil, fmt.Errorf("cryptocore: unknown signature scheme %q", cfg.DSA)
	}
	return g, nil
}

// MustGateway is NewGateway for static configurations known to be valid.
func MustGateway(cfg GatewayConfig) *Gateway {
	g, err := NewGateway(cfg)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *Gateway) GenerateKEMKeyPair() ([]byte, []byte, error) {
	seed, err := randomBytes(g.kem.SeedSize())
	if err != nil {
		return nil, nil, cryptoErr("kem seed", err)
	}
	defer wipe(seed)
	pk, sk := g.kem.DeriveKeyPair(seed)
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, cryptoErr("marshal kem public", err)
	}
	sec, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, cryptoErr("marshal kem secret", err)
	}
	return pub, sec, nil
}

func (g *Gateway) Encapsulate(public []byte) ([]byte, []byte, error) {
	if len(public) != g.kem.PublicKeySize() {
		return nil, nil, keyLengthErr("kem public key", len(public), g.kem.PublicKeySize())
	}
	pk, err := g.kem.UnmarshalBinaryPublicKey(public)
	if err != nil {
		return nil, nil, cryptoErr("unmarshal kem public", err)
	}
	seed, err := randomBytes(g.kem.EncapsulationSeedSize())
	if err != nil {
		return nil, nil, cryptoErr("encapsulation seed", err)
	}
	defer wipe(seed)
	ct, ss, err := g.kem.EncapsulateDeterministically(pk, seed)
	if err != nil {
		return nil, nil, cryptoErr("encapsulate", err)
	}
	return ct, ss, nil
}

func (g *Gateway) Decapsulate(secret, ciphertext []byte) ([]byte, error) {
	if len(secret) != g.kem.PrivateKeySize() {
		return nil, keyLengthErr("kem secret key", len(secret), g.kem.PrivateKeySize())
	}
	if len(ciphertext) != g.kem.CiphertextSize() {
		return nil, cryptoErr("decapsulate", fmt.Errorf("ciphertext is %d bytes, want %d", len(ciphertext), g.kem.CiphertextSize()))
	}
	sk, err := g.kem.UnmarshalBinaryPrivateKey(secret)
	if err != nil {
		return nil, cryptoErr("unmarshal kem secret", err)
	}
	ss, err := g.kem.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, cryptoErr("decapsulate", err)
	}
	return ss, nil
}

func (g *Gateway) KEMCiphertextSize() int { return g.kem.CiphertextSize() }

func (g *Gateway) GenerateDSAKeyPair() ([]byte, []byte, error) {
	seed, err := randomBytes(g.dsa.SeedSize())
	if err != nil {
		return nil, nil, cryptoErr("dsa seed", err)
	}
	defer wipe(seed)
	pk, sk := g.dsa.DeriveKey(seed)
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, cryptoErr("marshal dsa public", err)
	}
	sec, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, cryptoErr("marshal dsa secret", err)
	}
	return pub, sec, nil
}

func (g *Gateway) Sign(secret, message []byte) ([]byte, error) {
	if len(secret) != g.dsa.PrivateKeySize() {
		return nil, keyLengthErr("dsa secret key", len(secret), g.dsa.PrivateKeySize())
	}
	sk, err := g.dsa.UnmarshalBinaryPrivateKey(secret)
	if err != nil {
		return nil, cryptoErr("unmarshal dsa secret", err)
	}
	return g.dsa.Sign(sk, message, nil), nil
}

func (g *Gateway) Verify(public, message, signature []byte) bool {
	if len(public) != g.dsa.PublicKeySize() || len(signature) != g.dsa.SignatureSize() {
		return false
	}
	pk, err := g.dsa.UnmarshalBinaryPublicKey(public)
	if err != nil {
		return false
	}
	return g.dsa.Verify(pk, message, signature, nil)
}

func (g *Gateway) Seal(key, plaintext, ad []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, keyLengthErr("aead key", len(key), SymmetricKeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cryptoErr("aead init", err)
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if err := readRandom(out); err != nil {
		return nil, cryptoErr("aead nonce", err)
	}
	return aead.Seal(out, out[:aead.NonceSize()], plaintext, ad), nil
}

func (g *Gateway) Open(key, ciphertext, ad []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, keyLengthErr("aead key", len(key), SymmetricKeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, cryptoErr("aead init", err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (g *Gateway) DeriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, cryptoErr("hkdf", err)
	}
	return out, nil
}

func (g *Gateway) PasswordKey(password, salt []byte, params Argon2Params) ([]byte, error) {
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		return nil, cryptoErr("argon2id", fmt.Errorf("invalid parameters %+v", params))
	}
	if params.KeyLen != SymmetricKeySize {
		return nil, keyLengthErr("argon2id output", int(params.KeyLen), SymmetricKeySize)
	}
	return argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, params.KeyLen), nil
}
