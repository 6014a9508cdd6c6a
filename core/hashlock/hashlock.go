package hashlock

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

// Size is the length in bytes of every hashlock commitment.
const Size = 32

const (
	// SecretSize is the length of secrets produced by NewSecret.
	SecretSize = 32
	// MaxSecretSize bounds accepted secrets so claim payloads stay small.
	MaxSecretSize = 64
)

var (
	ErrSecretLength     = errors.New("hashlock: secret must be between 1 and 64 bytes")
	ErrInvalidHash      = errors.New("hashlock: invalid hash encoding")
	ErrUnknownAlgorithm = errors.New("hashlock: unknown algorithm")
)

// Hash is a hashlock commitment shared by both legs of a swap.
type Hash [Size]byte

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == Hash{} }

// Hex returns the 0x-prefixed lowercase hex encoding.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// MarshalText encodes the hash as 0x-prefixed hex.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// UnmarshalText decodes a hex encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 32-byte hex string with or without the 0x prefix.
func ParseHash(value string) (Hash, error) {
	var h Hash
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != Size {
		return h, fmt.Errorf("%w: %q", ErrInvalidHash, value)
	}
	copy(h[:], raw)
	return h, nil
}

// Algorithm selects the digest used to derive commitments.
type Algorithm uint8

const (
	SHA256 Algorithm = iota
	Keccak256
	BLAKE3
)

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case Keccak256:
		return "keccak256"
	case BLAKE3:
		return "blake3"
	default:
		return "unknown"
	}
}

// ParseAlgorithm maps a configuration string onto an Algorithm. The empty
// string selects SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sha256", "sha-256":
		return SHA256, nil
	case "keccak256", "keccak":
		return Keccak256, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, name)
	}
}

// Codec commits and verifies secrets with a fixed algorithm. The zero value
// uses SHA256.
type Codec struct {
	Algorithm Algorithm
}

// Commit derives the commitment for secret.
func (c Codec) Commit(secret []byte) Hash {
	var out Hash
	switch c.Algorithm {
	case Keccak256:
		copy(out[:], ethcrypto.Keccak256(secret))
	case BLAKE3:
		out = blake3.Sum256(secret)
	default:
		out = sha256.Sum256(secret)
	}
	return out
}

// Verify reports whether secret opens h. The comparison runs in constant time
// so repeated claim attempts leak nothing about partial matches.
func (c Codec) Verify(secret []byte, h Hash) bool {
	if len(secret) == 0 || len(secret) > MaxSecretSize {
		return false
	}
	computed := c.Commit(secret)
	return subtle.ConstantTimeCompare(computed[:], h[:]) == 1
}

var defaultCodec = Codec{Algorithm: SHA256}

// Commit returns the SHA-256 commitment of secret.
func Commit(secret []byte) Hash { return defaultCodec.Commit(secret) }

// Verify checks secret against a SHA-256 commitment in constant time.
func Verify(secret []byte, h Hash) bool { return defaultCodec.Verify(secret, h) }

// ValidateSecret enforces the accepted secret length.
func ValidateSecret(secret []byte) error {
	if len(secret) == 0 || len(secret) > MaxSecretSize {
		return ErrSecretLength
	}
	return nil
}

// NewSecret draws a fresh random secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("hashlock: generate secret: %w", err)
	}
	return secret, nil
}

// ParseSecret decodes a hex encoded secret, with or without the 0x prefix.
func ParseSecret(value string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, fmt.Errorf("hashlock: decode secret: %w", err)
	}
	if err := ValidateSecret(raw); err != nil {
		return nil, err
	}
	return raw, nil
}
