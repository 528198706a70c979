package vaultfs

import (
	"bytes"
	"testing"

	"github.com/absfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastKDFConfig returns a config with Argon2id parameters small enough
// for tests.
func fastKDFConfig(password string) *Config {
	return &Config{
		KeyProvider: NewPasswordKeyProvider([]byte(password), Argon2idParams{
			Memory:      8 * 1024,
			Iterations:  1,
			Parallelism: 1,
		}),
	}
}

func TestParamsRoundTrip(t *testing.T) {
	base, err := memfs.NewFS()
	require.NoError(t, err)
	require.NoError(t, base.MkdirAll("/vault", 0700))

	config := fastKDFConfig("open sesame")
	config.BlockSize = 1024
	config.IVSize = 12
	config.MaxPaddingSize = 32

	keys, params, err := createParams(base, "/vault", config)
	require.NoError(t, err)
	assert.Equal(t, 1024, params.BlockSize)
	assert.Equal(t, 32, params.MaxPaddingSize)

	// Reopening with the right password recovers the same master keys.
	reKeys, reParams, err := openParams(base, "/vault", config.KeyProvider)
	require.NoError(t, err)
	assert.Equal(t, keys.content, reKeys.content)
	assert.Equal(t, keys.padding, reKeys.padding)
	assert.Equal(t, keys.name, reKeys.name)
	assert.Equal(t, params.BlockSize, reParams.BlockSize)
	assert.Equal(t, KDFArgon2id, reParams.KDF.Kind)
}

func TestParamsWrongPassword(t *testing.T) {
	base, err := memfs.NewFS()
	require.NoError(t, err)
	require.NoError(t, base.MkdirAll("/vault", 0700))

	_, _, err = createParams(base, "/vault", fastKDFConfig("right"))
	require.NoError(t, err)

	_, _, err = openParams(base, "/vault", fastKDFConfig("wrong").KeyProvider)
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestParamsScrypt(t *testing.T) {
	base, err := memfs.NewFS()
	require.NoError(t, err)
	require.NoError(t, base.MkdirAll("/vault", 0700))

	config := &Config{
		KeyProvider: NewScryptKeyProvider([]byte("scrypted"), ScryptParams{
			N: 1 << 10, R: 8, P: 1,
		}),
	}
	keys, params, err := createParams(base, "/vault", config)
	require.NoError(t, err)
	assert.Equal(t, KDFScrypt, params.KDF.Kind)

	reKeys, _, err := openParams(base, "/vault", config.KeyProvider)
	require.NoError(t, err)
	assert.Equal(t, keys.content, reKeys.content)
}

func TestChangePassword(t *testing.T) {
	base, err := memfs.NewFS()
	require.NoError(t, err)
	require.NoError(t, base.MkdirAll("/vault", 0700))

	oldConfig := fastKDFConfig("old password")
	keys, _, err := createParams(base, "/vault", oldConfig)
	require.NoError(t, err)

	newProvider := fastKDFConfig("new password").KeyProvider
	require.NoError(t, ChangePassword(base, "/vault", oldConfig.KeyProvider, newProvider))

	// The old password no longer opens the vault, the new one does, and
	// the master keys are unchanged.
	_, _, err = openParams(base, "/vault", oldConfig.KeyProvider)
	assert.ErrorIs(t, err, ErrWrongPassword)

	reKeys, _, err := openParams(base, "/vault", newProvider)
	require.NoError(t, err)
	assert.Equal(t, keys.content, reKeys.content)
	assert.Equal(t, keys.padding, reKeys.padding)
	assert.Equal(t, keys.name, reKeys.name)
}

func TestChangePasswordWrongOld(t *testing.T) {
	base, err := memfs.NewFS()
	require.NoError(t, err)
	require.NoError(t, base.MkdirAll("/vault", 0700))

	_, _, err = createParams(base, "/vault", fastKDFConfig("actual"))
	require.NoError(t, err)

	err = ChangePassword(base, "/vault",
		fastKDFConfig("guess").KeyProvider,
		fastKDFConfig("new").KeyProvider)
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestStaticKeyProvider(t *testing.T) {
	key := bytes.Repeat([]byte{0x55}, KeySize)
	provider, err := NewStaticKeyProvider(key)
	require.NoError(t, err)

	base, err := memfs.NewFS()
	require.NoError(t, err)
	require.NoError(t, base.MkdirAll("/vault", 0700))

	keys, _, err := createParams(base, "/vault", &Config{KeyProvider: provider})
	require.NoError(t, err)

	reKeys, _, err := openParams(base, "/vault", provider)
	require.NoError(t, err)
	assert.Equal(t, keys.content, reKeys.content)

	_, err = NewStaticKeyProvider(key[:16])
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestParamsFileIsCiphertextOnly(t *testing.T) {
	base, err := memfs.NewFS()
	require.NoError(t, err)
	require.NoError(t, base.MkdirAll("/vault", 0700))

	keys, _, err := createParams(base, "/vault", fastKDFConfig("pw"))
	require.NoError(t, err)

	f, err := base.OpenFile("/vault/"+ParamsFileName, 0, 0)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 1<<16)
	n, _ := f.Read(buf)
	content := buf[:n]

	// The raw master keys must never appear in the parameter file.
	assert.NotContains(t, string(content), string(keys.content))
	assert.NotContains(t, string(content), string(keys.name))
}
