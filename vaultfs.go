package vaultfs

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/absfs/absfs"
)

// VaultFS implements absfs.FileSystem with transparent encryption. File
// contents go through per-file AEAD block streams, filenames through the
// vault's filename encryptor. Everything under the vault root on the
// base filesystem is ciphertext except the parameter file.
type VaultFS struct {
	base   absfs.FileSystem
	root   string
	opener *StreamOpener
	names  FilenameEncryptor
	format Format

	blockSize      int
	ivSize         int
	maxPaddingSize int
}

// Create initializes a new vault rooted at root on the base filesystem
// and returns it opened. It fails if a vault already exists there.
func Create(base absfs.FileSystem, root string, config *Config) (*VaultFS, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := base.MkdirAll(root, 0700); err != nil {
		return nil, NewIOError("mkdir", root, err)
	}
	if _, err := base.Stat(path.Join(root, ParamsFileName)); err == nil {
		return nil, ErrVaultExists
	}

	keys, params, err := createParams(base, root, config)
	if err != nil {
		return nil, err
	}
	return build(base, root, keys, params, config.SkipVerification)
}

// Open opens an existing vault rooted at root. The config's KeyProvider
// supplies the password; the on-disk format parameters come from the
// vault's parameter file, not from the config.
func Open(base absfs.FileSystem, root string, config *Config) (*VaultFS, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}
	if config == nil {
		return nil, ErrNilConfig
	}
	if config.KeyProvider == nil {
		return nil, ErrNilKeyProvider
	}

	keys, params, err := openParams(base, root, config.KeyProvider)
	if err != nil {
		return nil, err
	}
	return build(base, root, keys, params, config.SkipVerification)
}

// build wires the opener and filename encryptor from unwrapped master
// keys and the persisted parameters. The master keys are consumed: the
// opener keeps only derived cipher state, and the raw key bytes are
// wiped before returning.
func build(base absfs.FileSystem, root string, keys *masterKeys, params *vaultParams, skipVerification bool) (*VaultFS, error) {
	defer keys.wipe()

	opener, err := NewStreamOpener(keys.content, keys.padding,
		params.BlockSize, params.IVSize, params.MaxPaddingSize, skipVerification)
	if err != nil {
		return nil, err
	}

	var names FilenameEncryptor
	if params.PlainNames {
		names = &noOpFilenameEncryptor{}
	} else {
		names, err = newSIVFilenameEncryptor(keys.name, string(base.Separator()))
		if err != nil {
			return nil, err
		}
	}

	format := FormatLite
	if params.Format == FormatFull.String() {
		format = FormatFull
	}

	logger.Infof("vaultfs: opened %s-format vault at %s (block size %d, iv size %d)",
		format, root, params.BlockSize, params.IVSize)

	return &VaultFS{
		base:           base,
		root:           root,
		opener:         opener,
		names:          names,
		format:         format,
		blockSize:      params.BlockSize,
		ivSize:         params.IVSize,
		maxPaddingSize: params.MaxPaddingSize,
	}, nil
}

// Opener exposes the vault's stream opener for hosts that manage streams
// directly, such as a full-format directory dispatcher.
func (v *VaultFS) Opener() *StreamOpener {
	return v.opener
}

// Format returns the vault's format tag.
func (v *VaultFS) Format() Format {
	return v.format
}

// translatePath maps a caller-visible path to its location on the base
// filesystem: each component encrypted, rooted under the vault root.
func (v *VaultFS) translatePath(plaintext string) (string, error) {
	encrypted, err := v.names.EncryptPath(plaintext)
	if err != nil {
		return "", err
	}
	return path.Join(v.root, encrypted), nil
}

// Separator returns the path separator for the underlying filesystem
func (v *VaultFS) Separator() uint8 {
	return v.base.Separator()
}

// ListSeparator returns the list separator for the underlying filesystem
func (v *VaultFS) ListSeparator() uint8 {
	return v.base.ListSeparator()
}

// Chdir changes the current working directory
func (v *VaultFS) Chdir(dir string) error {
	encryptedPath, err := v.translatePath(dir)
	if err != nil {
		return err
	}
	return v.base.Chdir(encryptedPath)
}

// Getwd returns the current working directory
func (v *VaultFS) Getwd() (string, error) {
	wd, err := v.base.Getwd()
	if err != nil {
		return "", err
	}
	rel := trimPathPrefix(wd, v.root)
	return v.names.DecryptPath(rel)
}

// trimPathPrefix removes the vault root from a base-filesystem path.
func trimPathPrefix(p, root string) string {
	if len(p) >= len(root) && p[:len(root)] == root {
		p = p[len(root):]
	}
	if p == "" {
		return "/"
	}
	return p
}

// TempDir returns the temporary directory path
func (v *VaultFS) TempDir() string {
	return v.base.TempDir()
}

// Open opens a file for reading with transparent decryption
func (v *VaultFS) Open(name string) (absfs.File, error) {
	return v.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file for writing with transparent
// encryption
func (v *VaultFS) Create(name string) (absfs.File, error) {
	return v.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens a file with the specified flags and permissions
func (v *VaultFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	encryptedPath, err := v.translatePath(name)
	if err != nil {
		return nil, err
	}

	// Directories pass through: their entries are translated on Readdir.
	if info, err := v.base.Stat(encryptedPath); err == nil && info.IsDir() {
		baseFile, err := v.base.OpenFile(encryptedPath, flag, perm)
		if err != nil {
			return nil, err
		}
		return newDirFile(baseFile, v, name, encryptedPath), nil
	}

	// The block format needs reads for read-modify-write even on
	// write-only opens, and append ordering is handled here, not by the
	// base file.
	baseFlag := flag &^ os.O_APPEND
	if baseFlag&os.O_WRONLY != 0 {
		baseFlag = (baseFlag &^ os.O_WRONLY) | os.O_RDWR
	}

	baseFile, err := v.base.OpenFile(encryptedPath, baseFlag, perm)
	if err != nil {
		return nil, err
	}

	encFile, err := newEncryptedFile(baseFile, v, name, flag)
	if err != nil {
		baseFile.Close()
		return nil, err
	}
	return encFile, nil
}

// Mkdir creates a directory
func (v *VaultFS) Mkdir(name string, perm os.FileMode) error {
	encryptedPath, err := v.translatePath(name)
	if err != nil {
		return err
	}
	return v.base.Mkdir(encryptedPath, perm)
}

// MkdirAll creates a directory and any necessary parents
func (v *VaultFS) MkdirAll(name string, perm os.FileMode) error {
	encryptedPath, err := v.translatePath(name)
	if err != nil {
		return err
	}
	return v.base.MkdirAll(encryptedPath, perm)
}

// Remove removes a file or empty directory
func (v *VaultFS) Remove(name string) error {
	encryptedPath, err := v.translatePath(name)
	if err != nil {
		return err
	}
	return v.base.Remove(encryptedPath)
}

// RemoveAll removes a path and any children it contains
func (v *VaultFS) RemoveAll(p string) error {
	encryptedPath, err := v.translatePath(p)
	if err != nil {
		return err
	}
	return v.base.RemoveAll(encryptedPath)
}

// Rename renames a file or directory
func (v *VaultFS) Rename(oldpath, newpath string) error {
	encryptedOld, err := v.translatePath(oldpath)
	if err != nil {
		return err
	}
	encryptedNew, err := v.translatePath(newpath)
	if err != nil {
		return err
	}
	return v.base.Rename(encryptedOld, encryptedNew)
}

// Stat returns file information with the decrypted name and logical size
func (v *VaultFS) Stat(name string) (os.FileInfo, error) {
	encryptedPath, err := v.translatePath(name)
	if err != nil {
		return nil, err
	}
	info, err := v.base.Stat(encryptedPath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return &vaultFileInfo{FileInfo: info, name: path.Base(name), size: info.Size()}, nil
	}
	size, err := v.logicalSize(encryptedPath, info.Size())
	if err != nil {
		return nil, err
	}
	return &vaultFileInfo{FileInfo: info, name: path.Base(name), size: size}, nil
}

// logicalSize computes a file's plaintext size from its physical size.
// With padding enabled the padding length depends on the file ID, so the
// header has to be read; without padding it is pure arithmetic.
func (v *VaultFS) logicalSize(encryptedPath string, physSize int64) (int64, error) {
	if physSize == 0 {
		return 0, nil
	}
	if v.maxPaddingSize > 0 {
		f, err := v.base.OpenFile(encryptedPath, os.O_RDONLY, 0)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		cs, err := v.opener.Open(NewFileStream(f))
		if err != nil {
			return 0, err
		}
		return cs.Size()
	}

	headerSize := int64(v.ivSize) + FileIDSize + TagSize
	slotSize := int64(v.ivSize) + int64(v.blockSize) + TagSize
	body := physSize - headerSize
	if body <= 0 {
		return 0, nil
	}
	full := body / slotSize
	rem := body % slotSize
	if rem == 0 {
		return full * int64(v.blockSize), nil
	}
	last := rem - int64(v.ivSize) - TagSize
	if last < 0 {
		return 0, newIntegrityError(encryptedPath, -1, "physical size does not match the block layout")
	}
	return full*int64(v.blockSize) + last, nil
}

// Chmod changes the mode of a file
func (v *VaultFS) Chmod(name string, mode os.FileMode) error {
	encryptedPath, err := v.translatePath(name)
	if err != nil {
		return err
	}
	return v.base.Chmod(encryptedPath, mode)
}

// Chtimes changes the access and modification times of a file
func (v *VaultFS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	encryptedPath, err := v.translatePath(name)
	if err != nil {
		return err
	}
	return v.base.Chtimes(encryptedPath, atime, mtime)
}

// Chown changes the owner and group of a file
func (v *VaultFS) Chown(name string, uid, gid int) error {
	encryptedPath, err := v.translatePath(name)
	if err != nil {
		return err
	}
	return v.base.Chown(encryptedPath, uid, gid)
}

// Truncate changes the logical size of a named file
func (v *VaultFS) Truncate(name string, size int64) error {
	f, err := v.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if terr := f.Truncate(size); terr != nil {
		f.Close()
		return terr
	}
	return f.Close()
}

// vaultFileInfo overrides the name and size of a base FileInfo with the
// caller-visible values.
type vaultFileInfo struct {
	os.FileInfo
	name string
	size int64
}

func (i *vaultFileInfo) Name() string {
	return i.name
}

func (i *vaultFileInfo) Size() int64 {
	return i.size
}
