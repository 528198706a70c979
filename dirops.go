package vaultfs

import (
	"sync"
)

// Entry type values stored in directory entries. The B-tree itself treats
// the type as opaque; these are the values the full format uses.
const (
	EntryTypeRegular uint32 = iota
	EntryTypeDirectory
	EntryTypeSymlink
)

// Directory is the full format's directory object: a B-tree listing kept
// on an encrypted stream, so the directory pages on disk are themselves
// ciphertext. All operations hold the directory's exclusive lock and the
// underlying stream's lock for their duration, in that order.
type Directory struct {
	mu     sync.Mutex
	tree   *BtreeDirectory
	stream *CryptStream
}

// OpenDirectory opens (or initializes) the directory stored on s,
// encrypting its pages through opener.
func OpenDirectory(opener *StreamOpener, s Stream) (*Directory, error) {
	cs, err := opener.Open(s)
	if err != nil {
		return nil, err
	}

	if err := cs.Lock(true); err != nil {
		return nil, err
	}
	defer cs.Unlock()

	tree, err := NewBtreeDirectory(NewPagedStream(cs, DirBlockSize))
	if err != nil {
		return nil, err
	}
	return &Directory{tree: tree, stream: cs}, nil
}

// lock acquires the directory lock and then the stream lock, releasing
// both through the returned function. Lock order matters: directory
// before stream, always.
func (d *Directory) lock() (func(), error) {
	d.mu.Lock()
	if err := d.stream.Lock(true); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	return func() {
		d.stream.Unlock()
		d.mu.Unlock()
	}, nil
}

// Get looks up name in the directory.
func (d *Directory) Get(name string) (DirID, uint32, bool, error) {
	unlock, err := d.lock()
	if err != nil {
		return DirID{}, 0, false, err
	}
	defer unlock()
	return d.tree.Get(name)
}

// Add inserts an entry, returning false if the name already exists.
func (d *Directory) Add(name string, id DirID, typ uint32) (bool, error) {
	unlock, err := d.lock()
	if err != nil {
		return false, err
	}
	defer unlock()
	return d.tree.Add(name, id, typ)
}

// Remove deletes an entry, returning its (id, type) when it existed.
func (d *Directory) Remove(name string) (DirID, uint32, bool, error) {
	unlock, err := d.lock()
	if err != nil {
		return DirID{}, 0, false, err
	}
	defer unlock()
	return d.tree.Remove(name)
}

// Iterate yields every entry in ascending name order.
func (d *Directory) Iterate(cb func(name string, id DirID, typ uint32) error) error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return d.tree.Iterate(cb)
}

// Flush writes back all dirty B-tree nodes and the header.
func (d *Directory) Flush() error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return d.tree.Flush()
}

// Fsync flushes and then syncs the backing stream to stable storage.
func (d *Directory) Fsync() error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := d.tree.Flush(); err != nil {
		return err
	}
	return d.stream.Fsync()
}

// Validate runs both structural self-checks.
func (d *Directory) Validate() error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := d.tree.ValidateBtreeStructure(); err != nil {
		return err
	}
	return d.tree.ValidateFreeList()
}

// Close flushes the node cache and drops it. Flush failures cannot be
// returned to anyone who can act on them once the directory is going
// away, so they are logged and swallowed.
func (d *Directory) Close() error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := d.tree.Flush(); err != nil {
		logger.Errorf("vaultfs: best-effort directory flush on close failed: %v", err)
	}
	d.tree.ClearCache()
	return nil
}
