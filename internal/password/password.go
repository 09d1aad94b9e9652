// Package password produces and verifies Argon2id password hashes and
// enforces the password strength policy applied on writes.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Hasher hashes plaintext credentials and verifies candidates against a
// stored encoding. IsHash lets callers pass pre-hashed values through
// unchanged.
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(plain, encoded string) bool
	IsHash(s string) bool
}

// Params are the Argon2id cost parameters.
type Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams completes a single hash well under a second on commodity
// hardware while staying within the RFC 9106 recommended ranges.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  1,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

type argon2Hasher struct {
	params Params
}

// NewArgon2 returns the production Hasher.
func NewArgon2(p Params) Hasher {
	return &argon2Hasher{params: p}
}

func (h *argon2Hasher) Hash(plain string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plain), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.Memory, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func (h *argon2Hasher) Verify(plain, encoded string) bool {
	params, salt, key, err := decode(encoded)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(plain), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1
}

func (h *argon2Hasher) IsHash(s string) bool {
	return strings.HasPrefix(s, "$argon2id$")
}

func decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, nil, nil, fmt.Errorf("malformed argon2id encoding")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, err
	}
	if version != argon2.Version {
		return Params{}, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}
	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, err
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, err
	}
	return p, salt, key, nil
}

// CheckStrength enforces the write-time password policy: 8-128 characters
// with at least one lowercase letter, uppercase letter, digit, and special
// character.
func CheckStrength(plain string) error {
	if len(plain) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	if len(plain) > 128 {
		return fmt.Errorf("password must be at most 128 characters")
	}
	var lower, upper, digit, special bool
	for _, r := range plain {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			special = true
		}
	}
	switch {
	case !lower:
		return fmt.Errorf("password must contain a lowercase letter")
	case !upper:
		return fmt.Errorf("password must contain an uppercase letter")
	case !digit:
		return fmt.Errorf("password must contain a digit")
	case !special:
		return fmt.Errorf("password must contain a special character")
	}
	return nil
}
