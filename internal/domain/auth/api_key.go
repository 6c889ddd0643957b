package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when an API key is unknown or expired.
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// APIKeyService validates API keys against a fixed set loaded from config.
type APIKeyService struct {
	// bySHA256 indexes keys stored as SHA-256 for direct lookup.
	bySHA256 map[string]*APIKey
	// slow holds Argon2id keys, which must be verified one by one.
	slow []*APIKey
	now  func() time.Time
}

// NewAPIKeyService indexes keys. A key with an unrecognized hash is an error.
func NewAPIKeyService(keys []APIKey) (*APIKeyService, error) {
	s := &APIKeyService{bySHA256: make(map[string]*APIKey), now: time.Now}
	for i := range keys {
		k := &keys[i]
		switch DetectHashType(k.Hash) {
		case "sha256":
			s.bySHA256[strings.ToLower(strings.TrimPrefix(k.Hash, "sha256:"))] = k
		case "argon2id":
			s.slow = append(s.slow, k)
		default:
			return nil, fmt.Errorf("api key %q: %w", k.Name, ErrUnknownHashType)
		}
	}
	return s, nil
}

// Len returns the number of configured keys.
func (s *APIKeyService) Len() int {
	return len(s.bySHA256) + len(s.slow)
}

// Validate checks a raw API key and returns the associated identity.
func (s *APIKeyService) Validate(_ context.Context, rawKey string) (*Identity, error) {
	if rawKey == "" {
		return nil, ErrInvalidKey
	}
	if k, ok := s.bySHA256[HashKey(rawKey)]; ok {
		return s.resolve(k)
	}
	for _, candidate := range s.slow {
		match, err := VerifyKey(rawKey, candidate.Hash)
		if err != nil {
			continue
		}
		if match {
			return s.resolve(candidate)
		}
	}
	return nil, ErrInvalidKey
}

func (s *APIKeyService) resolve(k *APIKey) (*Identity, error) {
	if k.IsExpired(s.now().UTC()) {
		return nil, ErrInvalidKey
	}
	return k.identity(), nil
}

// HashKey returns the SHA-256 hex hash of the raw key.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// argon2idParams defines OWASP minimum parameters for Argon2id.
// Memory: 46 MiB, Iterations: 1, Parallelism: 1
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB (OWASP minimum: 46 MiB)
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format.
// The hash includes a random salt and uses OWASP minimum parameters.
// Format: $argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType identifies the hash algorithm used for a stored hash.
// Returns "argon2id" for PHC format, "sha256" for prefixed or bare hex,
// "unknown" for unrecognized formats.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	// Legacy bare SHA-256 hex is exactly 64 hex characters
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

// isHexString checks if a string contains only valid hexadecimal characters.
func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyKey verifies a raw key against a stored hash.
// Supports Argon2id (PHC format), SHA-256 prefixed, and legacy bare SHA-256 hex.
// Returns (true, nil) if match, (false, nil) if no match,
// (false, ErrUnknownHashType) for unrecognized hash formats.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	hashType := DetectHashType(storedHash)

	switch hashType {
	case "argon2id":
		match, err := safeArgon2idCompare(rawKey, storedHash)
		if err != nil {
			return false, err
		}
		return match, nil

	case "sha256":
		// Extract the actual hash value
		var expectedHash string
		if strings.HasPrefix(storedHash, "sha256:") {
			expectedHash = strings.TrimPrefix(storedHash, "sha256:")
		} else {
			expectedHash = storedHash // legacy bare hex
		}

		// Compute hash of provided key
		computedHash := HashKey(rawKey)

		// Use constant-time comparison to prevent timing attacks
		match := subtle.ConstantTimeCompare([]byte(computedHash), []byte(expectedHash)) == 1
		return match, nil

	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic recovery.
// The underlying argon2 library panics on malformed Argon2id hashes with invalid
// parameters (e.g., t=0 rounds, p=0 parallelism). This function catches those panics
// and converts them to errors instead, ensuring VerifyKey never panics.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
