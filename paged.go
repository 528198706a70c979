package vaultfs

// PagedStream partitions a Stream into fixed-size pages addressed by a
// non-negative page number. Reading a page that lies wholly or partly
// beyond the end of the stream zero-fills the missing bytes; writing past
// the end extends the stream in page increments.
type PagedStream struct {
	base     Stream
	pageSize int
}

// NewPagedStream wraps base with page-granular addressing. pageSize must
// be positive; it is part of whatever on-disk format the caller builds on
// top.
func NewPagedStream(base Stream, pageSize int) *PagedStream {
	if pageSize <= 0 {
		panic("vaultfs: page size must be positive")
	}
	return &PagedStream{base: base, pageSize: pageSize}
}

// PageSize returns the configured page size.
func (ps *PagedStream) PageSize() int {
	return ps.pageSize
}

// ReadPage fills buf with the contents of the given page. buf must be
// exactly one page long. Bytes beyond the end of the backing stream read
// as zeros.
func (ps *PagedStream) ReadPage(page uint32, buf []byte) error {
	if len(buf) != ps.pageSize {
		return &OutOfRangeError{Operation: "read page", Offset: int64(page), Length: int64(len(buf))}
	}
	n, err := ps.base.ReadAt(buf, int64(page)*int64(ps.pageSize))
	if err != nil {
		return err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WritePage stores buf as the given page, extending the stream if the
// page lies beyond its current end. buf must be exactly one page long.
func (ps *PagedStream) WritePage(page uint32, buf []byte) error {
	if len(buf) != ps.pageSize {
		return &OutOfRangeError{Operation: "write page", Offset: int64(page), Length: int64(len(buf))}
	}
	return ps.base.WriteAt(buf, int64(page)*int64(ps.pageSize))
}

// NumPages returns the number of pages the backing stream currently
// holds, counting a trailing partial page as a full one.
func (ps *PagedStream) NumPages() (uint32, error) {
	size, err := ps.base.Size()
	if err != nil {
		return 0, err
	}
	pages := size / int64(ps.pageSize)
	if size%int64(ps.pageSize) != 0 {
		pages++
	}
	return uint32(pages), nil
}

// Resize truncates or extends the backing stream to exactly pages pages.
func (ps *PagedStream) Resize(pages uint32) error {
	return ps.base.Resize(int64(pages) * int64(ps.pageSize))
}

// Flush forwards to the backing stream.
func (ps *PagedStream) Flush() error {
	return ps.base.Flush()
}

// Fsync forwards to the backing stream.
func (ps *PagedStream) Fsync() error {
	return ps.base.Fsync()
}
