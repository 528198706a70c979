package vaultfs

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// CryptStream is an authenticated-encryption view of a backing Stream.
// Offsets and sizes on this interface are plaintext quantities; the
// backing stream holds a header, optional padding, and one slot of
// ivSize+blockSize+TagSize bytes per plaintext block:
//
//	[IV | ivSize][ID | 16][TAG | 16]          header, empty plaintext
//	[padding]                                 unspecified bytes
//	[IV | ivSize][CT | <=blockSize][TAG | 16] block 0
//	[IV | ivSize][CT | <=blockSize][TAG | 16] block 1
//	...
//
// Only the final block may be short. A block whose stored IV is all zero
// is a hole: it reads as zeros and is never decrypted. Each block's tag
// authenticates the block index and the file ID, so blocks cannot be
// transplanted between positions or between files.
//
// CryptStream implements Stream, so it can itself back a PagedStream.
// It is not safe for concurrent use; callers serialize via Lock/Unlock.
type CryptStream struct {
	base   Stream
	engine *aeadEngine
	id     [FileIDSize]byte

	blockSize int64
	ivSize    int64
	slotSize  int64
	dataStart int64 // header + padding

	// When header verification was skipped, reads tolerate unverifiable
	// blocks by zero-filling them instead of failing.
	unverified bool
}

// maxStreamSize bounds offset arithmetic well below int64 overflow even
// after the plaintext-to-physical expansion.
const maxStreamSize = 1 << 56

// openCryptStream reads or fabricates the header of s and binds a
// CryptStream to the derived session key. The caller holds the stream
// lock.
func openCryptStream(s Stream, o *StreamOpener) (*CryptStream, error) {
	ivSize := int64(o.ivSize)
	headerSize := ivSize + FileIDSize + TagSize

	physSize, err := s.Size()
	if err != nil {
		return nil, err
	}

	header := make([]byte, headerSize)
	fresh := physSize == 0
	if !fresh {
		n, err := s.ReadAt(header, 0)
		if err != nil {
			return nil, err
		}
		if int64(n) < headerSize {
			return nil, newIntegrityError("", -1, "stream too short to hold a header")
		}
		// An all-zero header IV means the slot was reserved but never
		// initialised; fabricate lazily as for an empty stream.
		fresh = isAllZero(header[:ivSize])
	}

	cs := &CryptStream{
		base:      s,
		blockSize: int64(o.blockSize),
		ivSize:    ivSize,
		slotSize:  ivSize + int64(o.blockSize) + TagSize,
	}

	if fresh {
		id := uuid.New()
		copy(cs.id[:], id[:])

		sessionKey, err := o.ComputeSessionKey(cs.id[:])
		if err != nil {
			return nil, err
		}
		cs.engine, err = newAEADEngine(sessionKey, o.ivSize)
		wipe(sessionKey)
		if err != nil {
			return nil, err
		}

		iv := make([]byte, ivSize)
		if err := randomIV(iv); err != nil {
			return nil, err
		}
		copy(header, iv)
		copy(header[ivSize:], cs.id[:])
		// The header carries no plaintext; the tag binds the ID so the
		// session key provably matches the stored ID.
		cs.engine.Seal(header[:ivSize+FileIDSize], iv, nil, cs.id[:])
		if err := s.WriteAt(header, 0); err != nil {
			return nil, err
		}
	} else {
		copy(cs.id[:], header[ivSize:ivSize+FileIDSize])

		sessionKey, err := o.ComputeSessionKey(cs.id[:])
		if err != nil {
			return nil, err
		}
		cs.engine, err = newAEADEngine(sessionKey, o.ivSize)
		wipe(sessionKey)
		if err != nil {
			return nil, err
		}

		iv := header[:ivSize]
		tag := header[ivSize+FileIDSize:]
		if _, err := cs.engine.Open(nil, iv, tag, cs.id[:]); err != nil {
			if !o.skipVerification {
				return nil, newIntegrityError("", -1, "header authentication failed")
			}
			logger.Warnf("vaultfs: accepting unverified stream header for file id %x", cs.id)
			cs.unverified = true
		}
	}

	padding, err := o.ComputePadding(cs.id[:])
	if err != nil {
		return nil, err
	}
	cs.dataStart = headerSize + int64(padding)

	return cs, nil
}

// ID returns the stream's random 16-byte file ID.
func (cs *CryptStream) ID() [FileIDSize]byte {
	return cs.id
}

// Size returns the logical plaintext size, derived from the physical size
// of the backing stream.
func (cs *CryptStream) Size() (int64, error) {
	physSize, err := cs.base.Size()
	if err != nil {
		return 0, err
	}
	body := physSize - cs.dataStart
	if body <= 0 {
		return 0, nil
	}
	full := body / cs.slotSize
	rem := body % cs.slotSize
	if rem == 0 {
		return full * cs.blockSize, nil
	}
	last := rem - cs.ivSize - TagSize
	if last <= 0 {
		return 0, newIntegrityError("", -1,
			fmt.Sprintf("physical size %d does not match the block layout", physSize))
	}
	return full*cs.blockSize + last, nil
}

func (cs *CryptStream) slotOffset(index int64) int64 {
	return cs.dataStart + index*cs.slotSize
}

// blockAAD builds the associated data binding a block to its index and
// this file: index as 8 bytes little-endian, then the 16-byte ID.
func (cs *CryptStream) blockAAD(index int64) []byte {
	aad := make([]byte, 8+FileIDSize)
	binary.LittleEndian.PutUint64(aad, uint64(index))
	copy(aad[8:], cs.id[:])
	return aad
}

// readBlock decrypts block index into dst, whose length must equal the
// block's current plaintext length. Hole blocks zero-fill dst.
func (cs *CryptStream) readBlock(index int64, dst []byte) error {
	slot := make([]byte, cs.ivSize+int64(len(dst))+TagSize)
	n, err := cs.base.ReadAt(slot, cs.slotOffset(index))
	if err != nil {
		return err
	}
	if n < len(slot) {
		return newIntegrityError("", index, "block slot shorter than the layout requires")
	}

	iv := slot[:cs.ivSize]
	if isAllZero(iv) {
		// Hole: never decrypted, reads as zeros.
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}

	plain, err := cs.engine.Open(dst[:0], iv, slot[cs.ivSize:], cs.blockAAD(index))
	if err != nil {
		if cs.unverified {
			logger.Warnf("vaultfs: zero-filling unverifiable block %d of file id %x", index, cs.id)
			for i := range dst {
				dst[i] = 0
			}
			return nil
		}
		return newIntegrityError("", index, "block authentication failed")
	}
	if len(plain) != len(dst) {
		return newIntegrityError("", index, "decrypted block has unexpected length")
	}
	return nil
}

// writeBlock encrypts plain as block index under a fresh random IV and
// stores the full slot.
func (cs *CryptStream) writeBlock(index int64, plain []byte) error {
	slot := make([]byte, cs.ivSize, cs.ivSize+int64(len(plain))+TagSize)
	if err := randomIV(slot[:cs.ivSize]); err != nil {
		return err
	}
	slot = cs.engine.Seal(slot, slot[:cs.ivSize], plain, cs.blockAAD(index))
	return cs.base.WriteAt(slot, cs.slotOffset(index))
}

// ReadAt reads up to len(p) plaintext bytes starting at off. The returned
// count is less than len(p) only when the end of the stream is reached.
func (cs *CryptStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > maxStreamSize {
		return 0, &OutOfRangeError{Operation: "read", Offset: off, Length: int64(len(p))}
	}
	if len(p) == 0 {
		return 0, nil
	}
	size, err := cs.Size()
	if err != nil {
		return 0, err
	}
	if off >= size {
		return 0, nil
	}
	if max := size - off; int64(len(p)) > max {
		p = p[:max]
	}

	scratch := make([]byte, cs.blockSize)
	total := 0
	for total < len(p) {
		pos := off + int64(total)
		index := pos / cs.blockSize
		start := pos % cs.blockSize

		blockLen := size - index*cs.blockSize
		if blockLen > cs.blockSize {
			blockLen = cs.blockSize
		}
		if err := cs.readBlock(index, scratch[:blockLen]); err != nil {
			return total, err
		}
		total += copy(p[total:], scratch[start:blockLen])
	}
	return total, nil
}

// WriteAt writes len(p) plaintext bytes at off, growing the stream as
// needed. Gaps created by writing past the end are left as holes.
func (cs *CryptStream) WriteAt(p []byte, off int64) error {
	if off < 0 || off > maxStreamSize-int64(len(p)) {
		return &OutOfRangeError{Operation: "write", Offset: off, Length: int64(len(p))}
	}
	if len(p) == 0 {
		return nil
	}
	size, err := cs.Size()
	if err != nil {
		return err
	}
	if off > size {
		// Materialize the gap as holes first so the block layout stays
		// contiguous.
		if err := cs.resizeLocked(off, size); err != nil {
			return err
		}
		size = off
	}

	scratch := make([]byte, cs.blockSize)
	written := 0
	for written < len(p) {
		pos := off + int64(written)
		index := pos / cs.blockSize
		start := pos % cs.blockSize

		n := cs.blockSize - start
		if rest := int64(len(p) - written); n > rest {
			n = rest
		}
		end := start + n

		if start == 0 && n == cs.blockSize {
			if err := cs.writeBlock(index, p[written:written+int(n)]); err != nil {
				return err
			}
		} else {
			existing := size - index*cs.blockSize
			if existing < 0 {
				existing = 0
			} else if existing > cs.blockSize {
				existing = cs.blockSize
			}
			blockLen := existing
			if end > blockLen {
				blockLen = end
			}
			for i := existing; i < blockLen; i++ {
				scratch[i] = 0
			}
			if existing > 0 {
				if err := cs.readBlock(index, scratch[:existing]); err != nil {
					return err
				}
			}
			copy(scratch[start:end], p[written:written+int(n)])
			if err := cs.writeBlock(index, scratch[:blockLen]); err != nil {
				return err
			}
		}

		written += int(n)
		if newEnd := index*cs.blockSize + end; newEnd > size {
			size = newEnd
		}
	}
	return nil
}

// Resize changes the logical size. Shrinking truncates the backing
// stream at the matching slot boundary, re-encrypting a final partial
// block when the cut lands inside one. Growing extends the backing
// stream with zeros, which materializes as holes.
func (cs *CryptStream) Resize(size int64) error {
	if size < 0 || size > maxStreamSize {
		return &OutOfRangeError{Operation: "resize", Offset: size}
	}
	cur, err := cs.Size()
	if err != nil {
		return err
	}
	return cs.resizeLocked(size, cur)
}

func (cs *CryptStream) resizeLocked(size, cur int64) error {
	if size == cur {
		return nil
	}
	if size < cur {
		return cs.shrink(size, cur)
	}
	return cs.grow(size, cur)
}

// physicalSize returns the backing-stream size encoding the given
// logical size.
func (cs *CryptStream) physicalSize(size int64) int64 {
	full := size / cs.blockSize
	rem := size % cs.blockSize
	phys := cs.dataStart + full*cs.slotSize
	if rem > 0 {
		phys += cs.ivSize + rem + TagSize
	}
	return phys
}

func (cs *CryptStream) shrink(size, cur int64) error {
	rem := size % cs.blockSize
	if rem != 0 {
		index := size / cs.blockSize
		hole, err := cs.isHole(index)
		if err != nil {
			return err
		}
		if !hole {
			// The cut lands inside a real block: re-encrypt the kept
			// prefix at its new, shorter length.
			kept := make([]byte, rem)
			blockLen := cur - index*cs.blockSize
			if blockLen > cs.blockSize {
				blockLen = cs.blockSize
			}
			scratch := make([]byte, blockLen)
			if err := cs.readBlock(index, scratch); err != nil {
				return err
			}
			copy(kept, scratch)
			if err := cs.writeBlock(index, kept); err != nil {
				return err
			}
		}
		// A hole block needs no rewrite: truncating its zero slot keeps
		// it a hole of the shorter length.
	}
	return cs.base.Resize(cs.physicalSize(size))
}

func (cs *CryptStream) grow(size, cur int64) error {
	oldRem := cur % cs.blockSize
	if oldRem != 0 {
		index := cur / cs.blockSize
		// The previously-final partial block must be re-encoded at its
		// grown length before any block can follow it.
		newLen := size - index*cs.blockSize
		if newLen > cs.blockSize {
			newLen = cs.blockSize
		}
		hole, err := cs.isHole(index)
		if err != nil {
			return err
		}
		if !hole {
			scratch := make([]byte, newLen)
			if err := cs.readBlock(index, scratch[:oldRem]); err != nil {
				return err
			}
			for i := oldRem; i < newLen; i++ {
				scratch[i] = 0
			}
			if err := cs.writeBlock(index, scratch); err != nil {
				return err
			}
		}
	}
	// Everything beyond is zeros on the backing stream: holes.
	return cs.base.Resize(cs.physicalSize(size))
}

// isHole reports whether block index is stored as a hole.
func (cs *CryptStream) isHole(index int64) (bool, error) {
	iv := make([]byte, cs.ivSize)
	n, err := cs.base.ReadAt(iv, cs.slotOffset(index))
	if err != nil {
		return false, err
	}
	if int64(n) < cs.ivSize {
		return false, newIntegrityError("", index, "block slot shorter than the layout requires")
	}
	return isAllZero(iv), nil
}

// Flush forwards to the backing stream; no block is rewritten.
func (cs *CryptStream) Flush() error {
	return cs.base.Flush()
}

// Fsync forwards to the backing stream.
func (cs *CryptStream) Fsync() error {
	return cs.base.Fsync()
}

// IsSparse reflects the backing stream's capability; hole blocks cost no
// physical space exactly when the backing stream keeps zero ranges
// sparse.
func (cs *CryptStream) IsSparse() bool {
	return cs.base.IsSparse()
}

// Lock acquires the backing stream's lock.
func (cs *CryptStream) Lock(exclusive bool) error {
	return cs.base.Lock(exclusive)
}

// Unlock releases the backing stream's lock.
func (cs *CryptStream) Unlock() {
	cs.base.Unlock()
}

// randomIV fills iv with random bytes, retrying in the astronomically
// unlikely case the result is all zero (the hole marker).
func randomIV(iv []byte) error {
	for {
		if _, err := rand.Read(iv); err != nil {
			return fmt.Errorf("failed to generate IV: %w", err)
		}
		if !isAllZero(iv) {
			return nil
		}
	}
}
