package vaultfs

import (
	"crypto/cipher"
	"fmt"
	"math/big"
)

// StreamOpener holds the vault's content and padding master keys and the
// content-format parameters, and derives everything per-file from the
// file's random 16-byte ID. Openers are immutable after construction and
// safe for concurrent use by any number of goroutines.
type StreamOpener struct {
	contentECB cipher.Block
	paddingECB cipher.Block

	blockSize        int
	ivSize           int
	maxPaddingSize   int
	skipVerification bool
}

// NewStreamOpener constructs a StreamOpener from the two 32-byte master
// keys and the content-format parameters. paddingMasterKey may be nil
// when maxPaddingSize is zero.
func NewStreamOpener(contentMasterKey, paddingMasterKey []byte,
	blockSize, ivSize, maxPaddingSize int, skipVerification bool) (*StreamOpener, error) {

	if blockSize < MinBlockSize || blockSize > MaxBlockSize {
		return nil, NewValidationError("blockSize", blockSize, "invalid content block size")
	}
	if ivSize < 12 || ivSize > 32 {
		return nil, NewValidationError("ivSize", ivSize, "invalid IV size")
	}
	if maxPaddingSize < 0 || maxPaddingSize > MaxPaddingLimit {
		return nil, NewValidationError("maxPaddingSize", maxPaddingSize, "invalid max padding size")
	}

	contentECB, err := newECBBlock(contentMasterKey)
	if err != nil {
		return nil, fmt.Errorf("content master key: %w", err)
	}

	o := &StreamOpener{
		contentECB:       contentECB,
		blockSize:        blockSize,
		ivSize:           ivSize,
		maxPaddingSize:   maxPaddingSize,
		skipVerification: skipVerification,
	}

	if maxPaddingSize > 0 {
		paddingECB, err := newECBBlock(paddingMasterKey)
		if err != nil {
			return nil, fmt.Errorf("padding master key: %w", err)
		}
		o.paddingECB = paddingECB
	}

	return o, nil
}

// ComputeSessionKey derives the per-file AES-128 session key by
// encrypting the file ID under the content master key. A single ECB
// block: deterministic, and unique as long as IDs are unique.
func (o *StreamOpener) ComputeSessionKey(id []byte) ([]byte, error) {
	if len(id) != FileIDSize {
		return nil, NewValidationError("id", len(id), "file ID must be 16 bytes")
	}
	key := make([]byte, SessionKeySize)
	o.contentECB.Encrypt(key, id)
	return key, nil
}

// ComputePadding derives the per-file padding length in [0,
// maxPaddingSize] from the file ID. Returns 0 when padding is disabled.
func (o *StreamOpener) ComputePadding(id []byte) (int, error) {
	if o.maxPaddingSize == 0 {
		return 0, nil
	}
	if len(id) != FileIDSize {
		return 0, NewValidationError("id", len(id), "file ID must be 16 bytes")
	}
	var block [FileIDSize]byte
	o.paddingECB.Encrypt(block[:], id)

	// The 16-byte ECB output is taken as one unsigned integer and
	// reduced mod (max + 1); the bias from the reduction is negligible
	// against 2^128.
	v := new(big.Int).SetBytes(block[:])
	m := big.NewInt(int64(o.maxPaddingSize) + 1)
	return int(v.Mod(v, m).Int64()), nil
}

// Open acquires the stream's exclusive lock, reads or fabricates the
// encrypted header, and returns a CryptStream bound to the derived
// session key and padding. The lock is released before returning; the
// caller serializes subsequent I/O through its own locking.
func (o *StreamOpener) Open(s Stream) (*CryptStream, error) {
	if err := s.Lock(true); err != nil {
		return nil, err
	}
	defer s.Unlock()

	return openCryptStream(s, o)
}

// BlockSize returns the plaintext block size this opener creates streams
// with.
func (o *StreamOpener) BlockSize() int { return o.blockSize }

// IVSize returns the per-block IV size.
func (o *StreamOpener) IVSize() int { return o.ivSize }
