package vaultfs

import (
	"io"
	"sync"

	"github.com/absfs/absfs"
)

// Stream is the random-access byte stream everything in this package is
// layered on. Offsets are plaintext offsets for encrypted implementations
// and physical offsets for raw ones; either way the contract is the same.
//
// ReadAt returns the number of bytes read, which is less than len(p) only
// when the end of the stream was reached. WriteAt extends the stream as
// needed. Implementations are not required to be safe for concurrent use;
// callers serialize through Lock/Unlock.
type Stream interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) error
	Resize(size int64) error
	Size() (int64, error)
	Flush() error
	Fsync() error
	IsSparse() bool

	// Lock acquires the stream's lock, exclusively when exclusive is
	// true. Unlock releases it. Locks do not nest.
	Lock(exclusive bool) error
	Unlock()
}

// fileStream adapts an absfs.File to the Stream interface. The lock is a
// process-local mutex: absfs carries no advisory file locking, and the
// single-process writer model only needs mutual exclusion between
// goroutines sharing the stream.
type fileStream struct {
	f  absfs.File
	mu sync.Mutex
}

// NewFileStream wraps an open absfs.File as a Stream.
func NewFileStream(f absfs.File) Stream {
	return &fileStream{f: f}
}

func (s *fileStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &OutOfRangeError{Operation: "read", Offset: off, Length: int64(len(p))}
	}
	n, err := s.f.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, NewIOError("read", s.f.Name(), err)
	}
	return n, nil
}

func (s *fileStream) WriteAt(p []byte, off int64) error {
	if off < 0 {
		return &OutOfRangeError{Operation: "write", Offset: off, Length: int64(len(p))}
	}
	if _, err := s.f.WriteAt(p, off); err != nil {
		return NewIOError("write", s.f.Name(), err)
	}
	return nil
}

func (s *fileStream) Resize(size int64) error {
	if size < 0 {
		return &OutOfRangeError{Operation: "resize", Offset: size}
	}
	if err := s.f.Truncate(size); err != nil {
		return NewIOError("resize", s.f.Name(), err)
	}
	return nil
}

func (s *fileStream) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, NewIOError("stat", s.f.Name(), err)
	}
	return info.Size(), nil
}

func (s *fileStream) Flush() error {
	return nil
}

func (s *fileStream) Fsync() error {
	if err := s.f.Sync(); err != nil {
		return NewIOError("fsync", s.f.Name(), err)
	}
	return nil
}

func (s *fileStream) IsSparse() bool {
	// The backing filesystem decides whether zero ranges occupy space;
	// absfs gives no way to ask, so report the portable assumption.
	return true
}

func (s *fileStream) Lock(exclusive bool) error {
	s.mu.Lock()
	return nil
}

func (s *fileStream) Unlock() {
	s.mu.Unlock()
}

// memStream is an in-memory Stream used by tests and by callers that need
// a scratch directory stream without touching a filesystem.
type memStream struct {
	buf []byte
	mu  sync.Mutex
}

// NewMemStream returns an empty in-memory Stream.
func NewMemStream() Stream {
	return &memStream{}
}

func (s *memStream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, &OutOfRangeError{Operation: "read", Offset: off, Length: int64(len(p))}
	}
	if off >= int64(len(s.buf)) {
		return 0, nil
	}
	return copy(p, s.buf[off:]), nil
}

func (s *memStream) WriteAt(p []byte, off int64) error {
	if off < 0 {
		return &OutOfRangeError{Operation: "write", Offset: off, Length: int64(len(p))}
	}
	if end := off + int64(len(p)); end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:], p)
	return nil
}

func (s *memStream) Resize(size int64) error {
	if size < 0 {
		return &OutOfRangeError{Operation: "resize", Offset: size}
	}
	if size <= int64(len(s.buf)) {
		s.buf = s.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, s.buf)
	s.buf = grown
	return nil
}

func (s *memStream) Size() (int64, error) { return int64(len(s.buf)), nil }
func (s *memStream) Flush() error         { return nil }
func (s *memStream) Fsync() error         { return nil }
func (s *memStream) IsSparse() bool       { return false }

func (s *memStream) Lock(exclusive bool) error {
	s.mu.Lock()
	return nil
}

func (s *memStream) Unlock() {
	s.mu.Unlock()
}
