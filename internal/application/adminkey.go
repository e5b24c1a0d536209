package application

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidKeyHash         = errors.New("invalid admin key hash format")
	ErrIncompatibleKeyVersion = errors.New("incompatible admin key hash version")
)

type Argon2idParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

var DefaultArgon2idParams = Argon2idParams{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// CreateKeyHash derives the encoded argon2id hash stored as admin.key_hash.
func CreateKeyHash(key string, params Argon2idParams) (string, error) {
	if key == "" {
		return "", errors.New("admin key must not be empty")
	}
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	// Format is $argon2id$v=19$m=...,t=...,p=...$salt$hash
	format := "$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s"
	return fmt.Sprintf(format, argon2.Version, params.Memory, params.Iterations, params.Parallelism, b64Salt, b64Hash), nil
}

// VerifyKey checks key against an encoded hash, returning ErrUnauthorized on mismatch.
func VerifyKey(encodedHash, key string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrInvalidKeyHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyHash, err)
	}
	if version != argon2.Version {
		return ErrIncompatibleKeyVersion
	}

	var params Argon2idParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyHash, err)
	}

	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyHash, err)
	}

	comparisonHash := argon2.IDKey([]byte(key), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(decodedHash)))
	if subtle.ConstantTimeCompare(decodedHash, comparisonHash) == 1 {
		return nil
	}
	return ErrUnauthorized
}

// AdminKey guards the enrollment API. A zero AdminKey accepts every caller.
type AdminKey struct {
	hash string
}

// NewAdminKey validates the configured hash. An empty hash disables the check.
func NewAdminKey(encodedHash string) (AdminKey, error) {
	encodedHash = strings.TrimSpace(encodedHash)
	if encodedHash == "" {
		return AdminKey{}, nil
	}
	if parts := strings.Split(encodedHash, "$"); len(parts) != 6 || parts[1] != "argon2id" {
		return AdminKey{}, ErrInvalidKeyHash
	}
	return AdminKey{hash: encodedHash}, nil
}

// Enabled reports whether a key is required.
func (k AdminKey) Enabled() bool {
	return k.hash != ""
}

// Verify accepts key when no hash is configured or when it matches.
func (k AdminKey) Verify(key string) error {
	if !k.Enabled() {
		return nil
	}
	if key == "" {
		return ErrUnauthorized
	}
	return VerifyKey(k.hash, key)
}
