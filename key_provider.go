package vaultfs

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// KDF kinds recorded in the vault parameter file.
const (
	KDFArgon2id = "argon2id"
	KDFScrypt   = "scrypt"
	KDFStatic   = "static"
)

// KDFSpec is the serializable description of a key derivation function.
// It is written to the parameter file when a vault is created and read
// back on open, so a vault always re-derives with the parameters it was
// created with regardless of current defaults.
type KDFSpec struct {
	Kind     string          `json:"kind"`
	Argon2id *Argon2idParams `json:"argon2id,omitempty"`
	Scrypt   *ScryptParams   `json:"scrypt,omitempty"`
}

// KeyProvider supplies the key-encryption key that seals the vault's
// master keys. Implementations hold the secret (normally a password);
// the derivation parameters travel separately as a KDFSpec so that
// opening an old vault uses the vault's recorded parameters.
type KeyProvider interface {
	// Spec returns the KDF specification to record for a new vault.
	Spec() KDFSpec

	// DeriveKey derives the key-encryption key for the given spec and
	// salt.
	DeriveKey(spec KDFSpec, salt []byte) ([]byte, error)

	// GenerateSalt returns a fresh random salt sized for this provider.
	GenerateSalt() ([]byte, error)
}

// PasswordKeyProvider derives the key-encryption key from a password
// with Argon2id or scrypt.
type PasswordKeyProvider struct {
	password []byte
	spec     KDFSpec
	saltSize int
}

// NewPasswordKeyProvider creates a password provider using Argon2id
// (recommended). Zero fields of params receive defaults.
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}
	if params.KeySize == 0 {
		params.KeySize = KeySize
	}
	return &PasswordKeyProvider{
		password: password,
		spec:     KDFSpec{Kind: KDFArgon2id, Argon2id: &params},
		saltSize: params.SaltSize,
	}
}

// NewScryptKeyProvider creates a password provider using scrypt. Zero
// fields of params receive defaults.
func NewScryptKeyProvider(password []byte, params ScryptParams) *PasswordKeyProvider {
	if params.N == 0 {
		params.N = 1 << 18
	}
	if params.R == 0 {
		params.R = 8
	}
	if params.P == 0 {
		params.P = 1
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}
	if params.KeySize == 0 {
		params.KeySize = KeySize
	}
	return &PasswordKeyProvider{
		password: password,
		spec:     KDFSpec{Kind: KDFScrypt, Scrypt: &params},
		saltSize: params.SaltSize,
	}
}

// Spec returns the provider's KDF specification.
func (p *PasswordKeyProvider) Spec() KDFSpec {
	return p.spec
}

// DeriveKey derives the key-encryption key from the password using the
// given spec and salt.
func (p *PasswordKeyProvider) DeriveKey(spec KDFSpec, salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	switch spec.Kind {
	case KDFArgon2id:
		params := spec.Argon2id
		if params == nil {
			return nil, errors.New("argon2id parameters missing from spec")
		}
		key := argon2.IDKey(
			p.password,
			salt,
			params.Iterations,
			params.Memory,
			params.Parallelism,
			uint32(params.KeySize),
		)
		return key, nil

	case KDFScrypt:
		params := spec.Scrypt
		if params == nil {
			return nil, errors.New("scrypt parameters missing from spec")
		}
		key, err := scrypt.Key(p.password, salt, params.N, params.R, params.P, params.KeySize)
		if err != nil {
			return nil, fmt.Errorf("scrypt derivation failed: %w", err)
		}
		return key, nil

	default:
		return nil, fmt.Errorf("unsupported KDF kind: %q", spec.Kind)
	}
}

// GenerateSalt returns a fresh random salt.
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	salt := make([]byte, p.saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// StaticKeyProvider supplies a fixed 32-byte key-encryption key. Useful
// when keys come from a key file or hardware token rather than a
// password, and in tests.
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider wraps an existing 32-byte key.
func NewStaticKeyProvider(key []byte) (*StaticKeyProvider, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: static key must be %d bytes, got %d",
			ErrInvalidKey, KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &StaticKeyProvider{key: k}, nil
}

// Spec returns the static KDF specification.
func (p *StaticKeyProvider) Spec() KDFSpec {
	return KDFSpec{Kind: KDFStatic}
}

// DeriveKey returns a copy of the static key; spec and salt are ignored
// beyond the kind check.
func (p *StaticKeyProvider) DeriveKey(spec KDFSpec, salt []byte) ([]byte, error) {
	if spec.Kind != KDFStatic {
		return nil, fmt.Errorf("static key provider cannot derive for KDF kind %q", spec.Kind)
	}
	key := make([]byte, KeySize)
	copy(key, p.key)
	return key, nil
}

// GenerateSalt returns a salt for format uniformity; the static
// derivation never uses it.
func (p *StaticKeyProvider) GenerateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
