package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Verification happens once per token exchange, not per
// request, so the memory cost can stay high without slowing the hot path.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// apiKeyPrefix marks spotherd keys so a leaked one is recognizable in scans.
const apiKeyPrefix = "shd_"

// GenerateAPIKey returns a new random agent API key. The raw key is shown to
// the operator exactly once; only its Argon2id hash is stored.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIKey derives the stored form of an API key: base64(salt)$base64(hash)
// with a fresh random salt.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := deriveKey(apiKey, salt)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(hash), nil
}

// VerifyAPIKey checks an API key against a stored hash in constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	salt, expected, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	computed := deriveKey(apiKey, salt)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

// DummyVerify burns the same Argon2id work as a real verification. Auth
// failure paths that never touched a stored hash call it so response timing
// does not reveal whether an agent id exists.
func DummyVerify() {
	deriveKey("dummy", make([]byte, saltLen))
}

func deriveKey(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func decodeHash(encoded string) (salt, hash []byte, err error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	if salt, err = base64.RawStdEncoding.DecodeString(saltPart); err != nil {
		return nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	if hash, err = base64.RawStdEncoding.DecodeString(hashPart); err != nil {
		return nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	return salt, hash, nil
}
