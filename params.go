package vaultfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"
)

// ParamsFileName is the vault parameter file, stored inside the vault
// root next to the ciphertext. It contains only public parameters and
// the wrapped master keys; nothing in it is usable without the password.
const ParamsFileName = ".vaultfs.json"

// paramsVersion is the current parameter file version.
const paramsVersion = 1

// masterKeys holds the vault's three independent 32-byte master keys.
type masterKeys struct {
	content []byte
	padding []byte
	name    []byte
}

// wipe clears all key material.
func (m *masterKeys) wipe() {
	wipe(m.content)
	wipe(m.padding)
	wipe(m.name)
}

// vaultParams is the JSON document persisted as the parameter file.
type vaultParams struct {
	Version        int     `json:"version"`
	Format         string  `json:"format"`
	BlockSize      int     `json:"block_size"`
	IVSize         int     `json:"iv_size"`
	MaxPaddingSize int     `json:"max_padding_size"`
	PlainNames     bool    `json:"plain_names,omitempty"`
	KDF            KDFSpec `json:"kdf"`
	Salt           []byte  `json:"salt"`
	Nonce          []byte  `json:"nonce"`
	WrappedKeys    []byte  `json:"wrapped_keys"`
}

// newMasterKeys generates three fresh random master keys.
func newMasterKeys() (*masterKeys, error) {
	m := &masterKeys{
		content: make([]byte, KeySize),
		padding: make([]byte, KeySize),
		name:    make([]byte, KeySize),
	}
	for _, k := range [][]byte{m.content, m.padding, m.name} {
		if _, err := rand.Read(k); err != nil {
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
	}
	return m, nil
}

// kekAEAD builds the AES-256-GCM instance that seals the master-key
// blob under the password-derived key-encryption key.
func kekAEAD(kek []byte) (cipher.AEAD, error) {
	if len(kek) != KeySize {
		return nil, fmt.Errorf("%w: key-encryption key must be %d bytes, got %d",
			ErrInvalidKey, KeySize, len(kek))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal wraps the concatenated master keys under the key-encryption key.
func (m *masterKeys) seal(kek, nonce []byte) ([]byte, error) {
	aead, err := kekAEAD(kek)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, 3*KeySize)
	blob = append(blob, m.content...)
	blob = append(blob, m.padding...)
	blob = append(blob, m.name...)
	wrapped := aead.Seal(nil, nonce, blob, nil)
	wipe(blob)
	return wrapped, nil
}

// unsealMasterKeys unwraps the master-key blob. A tag failure means a
// wrong password or a tampered parameter file; the two cases are
// indistinguishable by design.
func unsealMasterKeys(kek, nonce, wrapped []byte) (*masterKeys, error) {
	aead, err := kekAEAD(kek)
	if err != nil {
		return nil, err
	}
	blob, err := aead.Open(nil, nonce, wrapped, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	if len(blob) != 3*KeySize {
		return nil, ErrWrongPassword
	}
	m := &masterKeys{
		content: blob[0:KeySize],
		padding: blob[KeySize : 2*KeySize],
		name:    blob[2*KeySize : 3*KeySize],
	}
	return m, nil
}

// writeParams marshals and writes the parameter file. A temporary file
// plus rename keeps a crashed rewrite from destroying the only copy of
// the wrapped keys.
func writeParams(base absfs.FileSystem, root string, p *vaultParams) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	target := path.Join(root, ParamsFileName)
	tmp := target + ".tmp"

	f, err := base.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return NewIOError("create", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return NewIOError("write", tmp, err)
	}
	if err := f.Close(); err != nil {
		return NewIOError("close", tmp, err)
	}
	if err := base.Rename(tmp, target); err != nil {
		return NewIOError("rename", target, err)
	}
	return nil
}

// readParams loads and parses the parameter file.
func readParams(base absfs.FileSystem, root string) (*vaultParams, error) {
	target := path.Join(root, ParamsFileName)
	f, err := base.OpenFile(target, os.O_RDONLY, 0)
	if err != nil {
		return nil, NewIOError("open", target, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, NewIOError("read", target, err)
	}
	p := &vaultParams{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse parameter file: %w", err)
	}
	if p.Version != paramsVersion {
		return nil, fmt.Errorf("unsupported parameter file version %d", p.Version)
	}
	return p, nil
}

// createParams generates master keys, wraps them under the provider's
// key, and writes the parameter file for a new vault.
func createParams(base absfs.FileSystem, root string, config *Config) (*masterKeys, *vaultParams, error) {
	keys, err := newMasterKeys()
	if err != nil {
		return nil, nil, err
	}

	spec := config.KeyProvider.Spec()
	salt, err := config.KeyProvider.GenerateSalt()
	if err != nil {
		return nil, nil, err
	}
	kek, err := config.KeyProvider.DeriveKey(spec, salt)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(kek)

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	wrapped, err := keys.seal(kek, nonce)
	if err != nil {
		return nil, nil, err
	}

	p := &vaultParams{
		Version:        paramsVersion,
		Format:         config.Format.String(),
		BlockSize:      config.blockSize(),
		IVSize:         config.ivSize(),
		MaxPaddingSize: config.MaxPaddingSize,
		PlainNames:     config.PlainNames,
		KDF:            spec,
		Salt:           salt,
		Nonce:          nonce,
		WrappedKeys:    wrapped,
	}
	if err := writeParams(base, root, p); err != nil {
		return nil, nil, err
	}
	return keys, p, nil
}

// openParams reads the parameter file and unwraps the master keys with
// the provider's secret and the recorded KDF parameters.
func openParams(base absfs.FileSystem, root string, provider KeyProvider) (*masterKeys, *vaultParams, error) {
	p, err := readParams(base, root)
	if err != nil {
		return nil, nil, err
	}
	kek, err := provider.DeriveKey(p.KDF, p.Salt)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(kek)

	keys, err := unsealMasterKeys(kek, p.Nonce, p.WrappedKeys)
	if err != nil {
		return nil, nil, err
	}
	return keys, p, nil
}

// ChangePassword rewraps the vault's master keys under a new provider's
// key. Only the parameter file is rewritten; no file content is touched.
func ChangePassword(base absfs.FileSystem, root string, oldProvider, newProvider KeyProvider) error {
	keys, p, err := openParams(base, root, oldProvider)
	if err != nil {
		return err
	}
	defer keys.wipe()

	spec := newProvider.Spec()
	salt, err := newProvider.GenerateSalt()
	if err != nil {
		return err
	}
	kek, err := newProvider.DeriveKey(spec, salt)
	if err != nil {
		return err
	}
	defer wipe(kek)

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	wrapped, err := keys.seal(kek, nonce)
	if err != nil {
		return err
	}

	p.KDF = spec
	p.Salt = salt
	p.Nonce = nonce
	p.WrappedKeys = wrapped
	return writeParams(base, root, p)
}
