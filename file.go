package vaultfs

import (
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"
)

// encryptedFile is the absfs.File view of one encrypted regular file.
// Every operation takes the per-file exclusive lock around the crypt
// stream and its backing file, matching the single-writer model: the
// stream and the raw file change together or not at all.
type encryptedFile struct {
	base   absfs.File
	stream *CryptStream
	name   string // caller-visible path
	flags  int
	offset int64
}

// newEncryptedFile opens the crypt stream over an already-open base
// file. The base file must be readable; OpenFile arranges that.
func newEncryptedFile(base absfs.File, v *VaultFS, name string, flags int) (*encryptedFile, error) {
	stream, err := v.opener.Open(NewFileStream(base))
	if err != nil {
		return nil, err
	}
	f := &encryptedFile{
		base:   base,
		stream: stream,
		name:   name,
		flags:  flags,
	}
	if flags&os.O_APPEND != 0 {
		size, err := f.sizeLocked()
		if err != nil {
			return nil, err
		}
		f.offset = size
	}
	return f, nil
}

func (f *encryptedFile) sizeLocked() (int64, error) {
	if err := f.stream.Lock(true); err != nil {
		return 0, err
	}
	defer f.stream.Unlock()
	return f.stream.Size()
}

// Name returns the caller-visible name of the file
func (f *encryptedFile) Name() string {
	return f.name
}

// Read reads decrypted bytes from the current offset
func (f *encryptedFile) Read(p []byte) (int, error) {
	if err := f.stream.Lock(true); err != nil {
		return 0, err
	}
	defer f.stream.Unlock()

	n, err := f.stream.ReadAt(p, f.offset)
	f.offset += int64(n)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadAt reads decrypted bytes from a specific offset
func (f *encryptedFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.stream.Lock(true); err != nil {
		return 0, err
	}
	defer f.stream.Unlock()

	n, err := f.stream.ReadAt(p, off)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Write writes at the current offset, encrypting in place
func (f *encryptedFile) Write(p []byte) (int, error) {
	if err := f.stream.Lock(true); err != nil {
		return 0, err
	}
	defer f.stream.Unlock()

	if f.flags&os.O_APPEND != 0 {
		size, err := f.stream.Size()
		if err != nil {
			return 0, err
		}
		f.offset = size
	}
	if err := f.stream.WriteAt(p, f.offset); err != nil {
		return 0, err
	}
	f.offset += int64(len(p))
	return len(p), nil
}

// WriteAt writes at a specific offset
func (f *encryptedFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.stream.Lock(true); err != nil {
		return 0, err
	}
	defer f.stream.Unlock()

	if err := f.stream.WriteAt(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString writes a string at the current offset
func (f *encryptedFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Seek sets the offset for the next Read or Write
func (f *encryptedFile) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.offset + offset
	case io.SeekEnd:
		size, err := f.sizeLocked()
		if err != nil {
			return 0, err
		}
		pos = size + offset
	default:
		return 0, &OutOfRangeError{Operation: "seek", Offset: offset}
	}
	if pos < 0 {
		return 0, &OutOfRangeError{Operation: "seek", Offset: pos}
	}
	f.offset = pos
	return pos, nil
}

// Truncate changes the logical size of the file
func (f *encryptedFile) Truncate(size int64) error {
	if err := f.stream.Lock(true); err != nil {
		return err
	}
	defer f.stream.Unlock()
	return f.stream.Resize(size)
}

// Sync flushes the stream and syncs the base file to stable storage
func (f *encryptedFile) Sync() error {
	if err := f.stream.Lock(true); err != nil {
		return err
	}
	defer f.stream.Unlock()
	if err := f.stream.Flush(); err != nil {
		return err
	}
	return f.stream.Fsync()
}

// Close flushes and closes the base file. Blocks are written through on
// every Write, so close-time work is just the flush handshake.
func (f *encryptedFile) Close() error {
	if err := f.stream.Lock(true); err != nil {
		return err
	}
	flushErr := f.stream.Flush()
	f.stream.Unlock()

	closeErr := f.base.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Stat returns file information with the logical size
func (f *encryptedFile) Stat() (os.FileInfo, error) {
	info, err := f.base.Stat()
	if err != nil {
		return nil, err
	}
	size, err := f.sizeLocked()
	if err != nil {
		return nil, err
	}
	return &vaultFileInfo{FileInfo: info, name: path.Base(f.name), size: size}, nil
}

// Readdir on a regular file delegates to the base file's behavior
func (f *encryptedFile) Readdir(n int) ([]os.FileInfo, error) {
	return f.base.Readdir(n)
}

// Readdirnames on a regular file delegates to the base file's behavior
func (f *encryptedFile) Readdirnames(n int) ([]string, error) {
	return f.base.Readdirnames(n)
}

// dirFile is the absfs.File view of a directory inside the vault: reads
// and writes are rejected by the base file, and directory listings are
// translated back to plaintext names.
type dirFile struct {
	base    absfs.File
	fs      *VaultFS
	name    string
	encPath string // the directory's path on the base filesystem
}

func newDirFile(base absfs.File, fs *VaultFS, name, encPath string) *dirFile {
	return &dirFile{base: base, fs: fs, name: name, encPath: encPath}
}

func (d *dirFile) Name() string                        { return d.name }
func (d *dirFile) Read(p []byte) (int, error)          { return d.base.Read(p) }
func (d *dirFile) ReadAt(p []byte, off int64) (int, error) {
	return d.base.ReadAt(p, off)
}
func (d *dirFile) Write(p []byte) (int, error) { return d.base.Write(p) }
func (d *dirFile) WriteAt(p []byte, off int64) (int, error) {
	return d.base.WriteAt(p, off)
}
func (d *dirFile) WriteString(s string) (int, error) { return d.base.WriteString(s) }
func (d *dirFile) Seek(offset int64, whence int) (int64, error) {
	return d.base.Seek(offset, whence)
}
func (d *dirFile) Truncate(size int64) error { return d.base.Truncate(size) }
func (d *dirFile) Sync() error               { return d.base.Sync() }
func (d *dirFile) Close() error              { return d.base.Close() }

func (d *dirFile) Stat() (os.FileInfo, error) {
	info, err := d.base.Stat()
	if err != nil {
		return nil, err
	}
	return &vaultFileInfo{FileInfo: info, name: path.Base(d.name), size: info.Size()}, nil
}

// Readdir lists the directory with decrypted names and logical sizes.
// The "." and ".." entries, the parameter file at the root, and entries
// that do not decrypt (foreign files dropped into the ciphertext tree)
// are skipped.
func (d *dirFile) Readdir(n int) ([]os.FileInfo, error) {
	infos, err := d.base.Readdir(n)
	if err != nil {
		return nil, err
	}
	out := make([]os.FileInfo, 0, len(infos))
	for _, info := range infos {
		if info.Name() == ParamsFileName || info.Name() == "." || info.Name() == ".." {
			continue
		}
		plain, err := d.fs.names.DecryptFilename(info.Name())
		if err != nil {
			logger.Debugf("vaultfs: skipping undecryptable directory entry %q", info.Name())
			continue
		}
		size := info.Size()
		if !info.IsDir() {
			size, err = d.fs.logicalSize(path.Join(d.encPath, info.Name()), info.Size())
			if err != nil {
				logger.Debugf("vaultfs: skipping unreadable directory entry %q: %v", info.Name(), err)
				continue
			}
		}
		out = append(out, &vaultFileInfo{FileInfo: info, name: plain, size: size})
	}
	return out, nil
}

// Readdirnames lists the directory's decrypted entry names.
func (d *dirFile) Readdirnames(n int) ([]string, error) {
	names, err := d.base.Readdirnames(n)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == ParamsFileName || name == "." || name == ".." {
			continue
		}
		plain, err := d.fs.names.DecryptFilename(name)
		if err != nil {
			logger.Debugf("vaultfs: skipping undecryptable directory entry %q", name)
			continue
		}
		out = append(out, plain)
	}
	return out, nil
}
