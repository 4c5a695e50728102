package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"e2ee-session/internal/cryptocore"
)

type Config struct {
	Environment string
	LogLevel    string
	Addr        string
	DatabaseURL string
	CORSOrigins []string

	// BundleRateLimit is the bundle fetches allowed per client IP and minute.
	BundleRateLimit int

	// StateBackend is one of memory, gorm or badger.
	StateBackend string
	BadgerPath   string

	MaxSkippedKeys  int
	SenderKeyWindow int
	KEMScheme       string
	DSAScheme       string
	Argon2          cryptocore.Argon2Params

	TokenSigningKey string
	TokenKeyID      string
	TokenTTL        time.Duration
	TokenIssuer     string

	KeyringService string
	KeyringDir     string
	KeyringBackend string
	// KeyringPassword unlocks the file keyring backend.
	KeyringPassword string

	DirectoryURL string
}

func Load() Config {
	argon := cryptocore.DefaultArgon2Params()
	argon.Time = uint32(envPositive("ARGON2_TIME", int(argon.Time)))
	argon.Memory = uint32(envPositive("ARGON2_MEMORY_KIB", int(argon.Memory)))
	argon.Threads = uint8(envPositive("ARGON2_THREADS", int(argon.Threads)))

	backend := strings.ToLower(getenv("STATE_BACKEND", "gorm"))
	switch backend {
	case "memory", "gorm", "badger":
	default:
		slog.Warn("config: unknown state backend, defaulting", "value", backend, "default", "gorm")
		backend = "gorm"
	}

	return Config{
		Environment: getenv("ENVIRONMENT", "dev"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		Addr:        getenv("ADDR", ":8082"),
		DatabaseURL: getenv("DATABASE_URL", "session.db"),
		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),

		BundleRateLimit: envInt("BUNDLE_RATE_LIMIT", 60),

		StateBackend: backend,
		BadgerPath:   getenv("BADGER_PATH", "states.badger"),

		MaxSkippedKeys:  envPositive("MAX_SKIPPED_KEYS", cryptocore.DefaultMaxSkip),
		SenderKeyWindow: envPositive("SENDER_KEY_WINDOW", cryptocore.DefaultMaxMessageKeys),
		KEMScheme:       getenv("KEM_SCHEME", cryptocore.KEMKyber1024),
		DSAScheme:       getenv("DSA_SCHEME", cryptocore.DSAEd25519),
		Argon2:          argon,

		TokenSigningKey: os.Getenv("TOKEN_SIGNING_KEY"),
		TokenKeyID:      getenv("TOKEN_KEY_ID", "directory-1"),
		TokenTTL:        envDuration("TOKEN_TTL", 24*time.Hour),
		TokenIssuer:     getenv("TOKEN_ISSUER", "e2ee-session-directory"),

		KeyringService:  getenv("KEYRING_SERVICE", "e2ee-session"),
		KeyringDir:      getenv("KEYRING_DIR", ""),
		KeyringBackend:  getenv("KEYRING_BACKEND", ""),
		KeyringPassword: os.Getenv("KEYRING_FILE_PASSWORD"),

		// Matches the default Addr; override when the directory runs elsewhere.
		DirectoryURL: getenv("DIRECTORY_URL", "http://localhost:8082"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envPositive(key string, fallback int) int {
	n := envInt(key, fallback)
	if n <= 0 {
		slog.Warn("config: non-positive value, using default", "key", key, "value", n, "default", fallback)
		return fallback
	}
	return n
}

// envDuration accepts Go duration strings ("90s", "12h").
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			return d
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", fallback.String())
	}
	return fallback
}
