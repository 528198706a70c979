package vaultfs

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// aeadEngine wraps AES-GCM with a caller-chosen nonce size. Session keys
// are 16 bytes (AES-128); the vault's master keys never encrypt content
// directly.
type aeadEngine struct {
	aead cipher.AEAD
}

// newAEADEngine creates an AES-GCM engine for the given session key and
// nonce size.
func newAEADEngine(key []byte, nonceSize int) (*aeadEngine, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%w: session key must be %d bytes, got %d",
			ErrInvalidKey, SessionKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &aeadEngine{aead: aead}, nil
}

// Seal encrypts plaintext in place of dst, returning dst with the
// ciphertext and tag appended.
func (e *aeadEngine) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	return e.aead.Seal(dst, nonce, plaintext, additionalData)
}

// Open verifies and decrypts ciphertext (which includes the trailing
// tag). A nil error guarantees authenticity.
func (e *aeadEngine) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	return e.aead.Open(dst, nonce, ciphertext, additionalData)
}

// NonceSize returns the configured nonce size in bytes.
func (e *aeadEngine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes).
func (e *aeadEngine) Overhead() int {
	return e.aead.Overhead()
}

// newECBBlock returns an AES block cipher under the 32-byte master key,
// used to encrypt single 16-byte blocks in ECB mode. Used only for deterministic per-file derivations (session key, padding)
// where the input is itself a random, unique file ID. cipher.Block is
// safe for concurrent use, so one shared instance replaces the
// thread-local ECB contexts a re-keying AES implementation would need.
func newECBBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d",
			ErrInvalidKey, KeySize, len(key))
	}
	return aes.NewCipher(key)
}

// wipe overwrites sensitive key material before the buffer is released.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// isAllZero reports whether every byte of b is zero. Hot path for hole
// detection; kept branch-simple for the compiler.
func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
