package vaultfs

// Format selects how a vault lays out its metadata on the base filesystem.
type Format uint8

const (
	// FormatLite keeps the base filesystem's own directory hierarchy and
	// encrypts file contents and names in place.
	FormatLite Format = iota
	// FormatFull additionally stores directory listings in encrypted
	// on-disk B-trees, hiding the shape of the tree from the host.
	FormatFull
)

// String returns the string representation of the format
func (f Format) String() string {
	switch f {
	case FormatLite:
		return "lite"
	case FormatFull:
		return "full"
	default:
		return "unknown"
	}
}

const (
	// KeySize is the size of each master key in bytes
	KeySize = 32

	// FileIDSize is the size of the random per-file ID
	FileIDSize = 16

	// SessionKeySize is the size of the derived per-file AES key
	SessionKeySize = 16

	// TagSize is the AES-GCM authentication tag size
	TagSize = 16

	// DefaultBlockSize is the default plaintext block size for content
	// encryption
	DefaultBlockSize = 4096

	// DefaultIVSize is the default per-block IV size (standard GCM nonce)
	DefaultIVSize = 12

	// MinBlockSize is the minimum allowed content block size (small, for
	// testing)
	MinBlockSize = 64

	// MaxBlockSize is the maximum allowed content block size
	MaxBlockSize = 16 * 1024 * 1024

	// MaxPaddingLimit bounds the configurable max padding size
	MaxPaddingLimit = 1 << 20
)

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g. 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	SaltSize    int    // Salt size in bytes (default 32)
	KeySize     int    // Derived key size in bytes (default 32)
}

// ScryptParams contains parameters for scrypt key derivation
type ScryptParams struct {
	N        int // CPU/memory cost, power of two (default 1<<18)
	R        int // Block size parameter (default 8)
	P        int // Parallelization parameter (default 1)
	SaltSize int // Salt size in bytes (default 32)
	KeySize  int // Derived key size in bytes (default 32)
}

// Config contains configuration for an encrypted vault.
type Config struct {
	// Format selects the vault layout. FormatLite is the default.
	Format Format

	// KeyProvider supplies the password-derived key-encryption key.
	KeyProvider KeyProvider

	// BlockSize is the plaintext block size for file content encryption.
	// Zero means DefaultBlockSize. Part of the on-disk format.
	BlockSize int

	// IVSize is the per-block IV size. Zero means DefaultIVSize. Part of
	// the on-disk format.
	IVSize int

	// MaxPaddingSize enables per-file random padding of up to this many
	// bytes, obscuring exact file sizes. Zero disables padding.
	MaxPaddingSize int

	// PlainNames disables filename encryption when true.
	PlainNames bool

	// SkipVerification accepts streams whose header fails authentication.
	// Only useful for data recovery; never enable it in normal operation.
	SkipVerification bool
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.KeyProvider == nil {
		return ErrNilKeyProvider
	}
	if c.Format != FormatLite && c.Format != FormatFull {
		return NewValidationError("Format", c.Format, "unknown vault format")
	}
	if c.BlockSize != 0 {
		if c.BlockSize < MinBlockSize || c.BlockSize > MaxBlockSize {
			return NewValidationError("BlockSize", c.BlockSize,
				"block size must be between MinBlockSize and MaxBlockSize")
		}
	}
	if c.IVSize != 0 {
		if c.IVSize < 12 || c.IVSize > 32 {
			return NewValidationError("IVSize", c.IVSize, "IV size must be between 12 and 32 bytes")
		}
	}
	if c.MaxPaddingSize < 0 || c.MaxPaddingSize > MaxPaddingLimit {
		return NewValidationError("MaxPaddingSize", c.MaxPaddingSize,
			"max padding size must be between 0 and MaxPaddingLimit")
	}
	return nil
}

// blockSize returns the effective content block size
func (c *Config) blockSize() int {
	if c.BlockSize == 0 {
		return DefaultBlockSize
	}
	return c.BlockSize
}

// ivSize returns the effective per-block IV size
func (c *Config) ivSize() int {
	if c.IVSize == 0 {
		return DefaultIVSize
	}
	return c.IVSize
}
