package vaultfs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// FilenameEncryptor translates between the names the caller sees and the
// names stored on the base filesystem.
type FilenameEncryptor interface {
	// EncryptFilename encrypts a single path component.
	EncryptFilename(plaintext string) (string, error)

	// DecryptFilename decrypts a single path component.
	DecryptFilename(ciphertext string) (string, error)

	// EncryptPath encrypts a full path component by component.
	EncryptPath(plaintext string) (string, error)

	// DecryptPath decrypts a full path component by component.
	DecryptPath(ciphertext string) (string, error)
}

// noOpFilenameEncryptor passes filenames through unchanged, for vaults
// created with PlainNames.
type noOpFilenameEncryptor struct{}

func (n *noOpFilenameEncryptor) EncryptFilename(plaintext string) (string, error) {
	return plaintext, nil
}

func (n *noOpFilenameEncryptor) DecryptFilename(ciphertext string) (string, error) {
	return ciphertext, nil
}

func (n *noOpFilenameEncryptor) EncryptPath(plaintext string) (string, error) {
	return plaintext, nil
}

func (n *noOpFilenameEncryptor) DecryptPath(ciphertext string) (string, error) {
	return ciphertext, nil
}

// sivFilenameEncryptor encrypts each path component deterministically
// with AES-SIV and encodes the result as unpadded URL-safe base64.
// Determinism is what makes path lookup possible without a name index;
// the cost is that equal names encrypt equally within one vault.
type sivFilenameEncryptor struct {
	siv       *sivCipher
	separator string
}

// newSIVFilenameEncryptor builds a filename encryptor from the vault's
// 32-byte name master key.
func newSIVFilenameEncryptor(nameMasterKey []byte, separator string) (*sivFilenameEncryptor, error) {
	sivKey, err := deriveFilenameKey(nameMasterKey)
	if err != nil {
		return nil, err
	}
	defer wipe(sivKey)

	siv, err := newSIVCipher(sivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIV cipher: %w", err)
	}
	return &sivFilenameEncryptor{siv: siv, separator: separator}, nil
}

// deriveFilenameKey expands the 32-byte name master key into the 64-byte
// SIV key with two HMAC-SHA256 invocations under distinct labels.
func deriveFilenameKey(masterKey []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: name master key must be %d bytes, got %d",
			ErrInvalidKey, KeySize, len(masterKey))
	}
	key := make([]byte, 0, 64)
	for _, label := range []string{"siv-mac", "siv-ctr"} {
		mac := hmac.New(sha256.New, masterKey)
		mac.Write([]byte(label))
		key = mac.Sum(key)
	}
	return key, nil
}

var filenameEncoding = base64.URLEncoding.WithPadding(base64.NoPadding)

func (e *sivFilenameEncryptor) EncryptFilename(plaintext string) (string, error) {
	if plaintext == "" || plaintext == "." || plaintext == ".." {
		return plaintext, nil
	}
	ciphertext, err := e.siv.seal([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt filename: %w", err)
	}
	return filenameEncoding.EncodeToString(ciphertext), nil
}

func (e *sivFilenameEncryptor) DecryptFilename(ciphertext string) (string, error) {
	if ciphertext == "" || ciphertext == "." || ciphertext == ".." {
		return ciphertext, nil
	}
	data, err := filenameEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode filename: %w", err)
	}
	plaintext, err := e.siv.open(data)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt filename: %w", err)
	}
	return string(plaintext), nil
}

func (e *sivFilenameEncryptor) EncryptPath(plaintext string) (string, error) {
	return e.translatePath(plaintext, e.EncryptFilename)
}

func (e *sivFilenameEncryptor) DecryptPath(ciphertext string) (string, error) {
	return e.translatePath(ciphertext, e.DecryptFilename)
}

// translatePath applies fn to every path component, leaving separators
// and the leading/trailing structure untouched.
func (e *sivFilenameEncryptor) translatePath(p string, fn func(string) (string, error)) (string, error) {
	if p == "" {
		return p, nil
	}
	parts := strings.Split(p, e.separator)
	for i, part := range parts {
		translated, err := fn(part)
		if err != nil {
			return "", err
		}
		parts[i] = translated
	}
	return strings.Join(parts, e.separator), nil
}
