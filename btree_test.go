package vaultfs

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestTree builds a BtreeDirectory over an in-memory stream with a
// reduced arity so splits and merges happen after a handful of inserts.
func newTestTree(t *testing.T, maxEntries int) (*BtreeDirectory, Stream) {
	t.Helper()

	mem := NewMemStream()
	d, err := NewBtreeDirectory(NewPagedStream(mem, DirBlockSize))
	require.NoError(t, err)
	if maxEntries > 0 {
		d.maxEntries = maxEntries
	}
	return d, mem
}

func testDirID(name string) DirID {
	var id DirID
	copy(id[:], name)
	return id
}

// checkTree asserts both structural validators pass.
func checkTree(t *testing.T, d *BtreeDirectory) {
	t.Helper()
	require.NoError(t, d.ValidateBtreeStructure(), "B-tree structure invalid")
	require.NoError(t, d.ValidateFreeList(), "free list invalid")
}

func collectNames(t *testing.T, d *BtreeDirectory) []string {
	t.Helper()
	var names []string
	require.NoError(t, d.Iterate(func(name string, id DirID, typ uint32) error {
		names = append(names, name)
		return nil
	}))
	return names
}

func TestBtreeAddGet(t *testing.T) {
	d, _ := newTestTree(t, 4)

	added, err := d.Add("hello", testDirID("id-hello"), EntryTypeRegular)
	require.NoError(t, err)
	assert.True(t, added)

	id, typ, found, err := d.Get("hello")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testDirID("id-hello"), id)
	assert.Equal(t, EntryTypeRegular, typ)

	_, _, found, err = d.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBtreeDuplicateAdd(t *testing.T) {
	d, _ := newTestTree(t, 4)

	added, err := d.Add("name", testDirID("a"), EntryTypeRegular)
	require.NoError(t, err)
	require.True(t, added)

	added, err = d.Add("name", testDirID("b"), EntryTypeDirectory)
	require.NoError(t, err)
	assert.False(t, added, "second add of the same name must be rejected")

	// The original entry must be untouched.
	id, typ, found, err := d.Get("name")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testDirID("a"), id)
	assert.Equal(t, EntryTypeRegular, typ)
}

func TestBtreeNameTooLong(t *testing.T) {
	d, _ := newTestTree(t, 4)

	long := make([]byte, MaxFilenameLength+1)
	for i := range long {
		long[i] = 'x'
	}

	_, err := d.Add(string(long), DirID{}, EntryTypeRegular)
	assert.True(t, IsNameTooLongError(err))

	_, _, _, err = d.Get(string(long))
	assert.True(t, IsNameTooLongError(err))

	_, _, _, err = d.Remove(string(long))
	assert.True(t, IsNameTooLongError(err))

	// A name of exactly the limit is fine.
	ok, err := d.Add(string(long[:MaxFilenameLength]), DirID{}, EntryTypeRegular)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBtreeSplitShape(t *testing.T) {
	// With maxEntries=4, the fifth insert splits the root: one root with
	// a single separator and two leaves.
	d, _ := newTestTree(t, 4)

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		added, err := d.Add(name, testDirID(name), EntryTypeRegular)
		require.NoError(t, err)
		require.True(t, added)
		checkTree(t, d)
	}

	root, err := d.rootNode()
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Len(t, root.entries, 1, "root should hold exactly the promoted separator")
	require.Len(t, root.children, 2, "root should have exactly two leaves")
	for _, c := range root.children {
		child, err := d.retrieveNode(root.page, c)
		require.NoError(t, err)
		assert.True(t, child.isLeaf())
	}

	// Continue to h: iteration stays sorted throughout.
	for _, name := range []string{"f", "g", "h"} {
		_, err := d.Add(name, testDirID(name), EntryTypeRegular)
		require.NoError(t, err)
		checkTree(t, d)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h"}, collectNames(t, d))
}

func TestBtreeRemoveAll(t *testing.T) {
	d, mem := newTestTree(t, 4)

	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, name := range names {
		_, err := d.Add(name, testDirID(name), EntryTypeRegular)
		require.NoError(t, err)
	}

	for _, name := range names {
		id, _, found, err := d.Remove(name)
		require.NoError(t, err)
		require.True(t, found, "remove(%q) did not find the entry", name)
		assert.Equal(t, testDirID(name), id)
		checkTree(t, d)
	}

	assert.True(t, d.Empty(), "tree should be empty after removing every entry")
	assert.Empty(t, collectNames(t, d))

	// Every page is now either reclaimed by shrinking or on the free
	// list: header + free pages account for the whole stream.
	require.NoError(t, d.Flush())
	physSize, err := mem.Size()
	require.NoError(t, err)
	pages := physSize / DirBlockSize
	assert.Equal(t, int64(d.FreeCount())+1, pages,
		"stream should hold exactly the header plus the free pages")
}

func TestBtreeAddRemoveIdempotence(t *testing.T) {
	d, _ := newTestTree(t, 4)
	rng := mrand.New(mrand.NewSource(7))

	const n = 200
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("file-%04d-%06d", i, rng.Intn(1000000))
	}

	inserted := rng.Perm(n)
	for step, idx := range inserted {
		added, err := d.Add(names[idx], testDirID(names[idx]), EntryTypeRegular)
		require.NoError(t, err)
		require.True(t, added)
		if step%17 == 0 {
			checkTree(t, d)
		}
	}
	checkTree(t, d)

	// Everything is retrievable and iteration is sorted.
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, collectNames(t, d))

	removed := rng.Perm(n)
	for step, idx := range removed {
		id, _, found, err := d.Remove(names[idx])
		require.NoError(t, err)
		require.True(t, found, "remove(%q) missing", names[idx])
		assert.Equal(t, testDirID(names[idx]), id)
		if step%17 == 0 {
			checkTree(t, d)
		}
	}
	checkTree(t, d)
	assert.True(t, d.Empty())
}

func TestBtreeIterationOrder(t *testing.T) {
	d, _ := newTestTree(t, 4)
	rng := mrand.New(mrand.NewSource(99))

	names := make([]string, 64)
	for i := range names {
		names[i] = fmt.Sprintf("%06x", rng.Intn(1<<24))
	}
	for _, name := range names {
		// Duplicates in the random draw return false; that is fine.
		_, err := d.Add(name, testDirID(name), EntryTypeRegular)
		require.NoError(t, err)
	}

	got := collectNames(t, d)
	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, got, "iteration must yield ascending byte order")
}

func TestBtreePersistence(t *testing.T) {
	mem := NewMemStream()
	d, err := NewBtreeDirectory(NewPagedStream(mem, DirBlockSize))
	require.NoError(t, err)
	d.maxEntries = 4

	names := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"}
	for _, name := range names {
		_, err := d.Add(name, testDirID(name), EntryTypeDirectory)
		require.NoError(t, err)
	}
	require.NoError(t, d.Flush())

	// A fresh directory over the same stream sees the same map.
	reopened, err := NewBtreeDirectory(NewPagedStream(mem, DirBlockSize))
	require.NoError(t, err)
	reopened.maxEntries = 4
	checkTree(t, reopened)

	for _, name := range names {
		id, typ, found, err := reopened.Get(name)
		require.NoError(t, err)
		require.True(t, found, "entry %q lost across flush/reopen", name)
		assert.Equal(t, testDirID(name), id)
		assert.Equal(t, EntryTypeDirectory, typ)
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, collectNames(t, reopened))
}

func TestBtreeCorruptPageDetected(t *testing.T) {
	mem := NewMemStream()
	d, err := NewBtreeDirectory(NewPagedStream(mem, DirBlockSize))
	require.NoError(t, err)
	d.maxEntries = 4

	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		_, err := d.Add(name, testDirID(name), EntryTypeRegular)
		require.NoError(t, err)
	}
	require.NoError(t, d.Flush())

	// Corrupt the node flag of page 1 on disk, then look up through a
	// fresh directory so the read actually hits the corrupted image.
	mem.(*memStream).buf[1*DirBlockSize] = 0x07

	reopened, err := NewBtreeDirectory(NewPagedStream(mem, DirBlockSize))
	require.NoError(t, err)
	reopened.maxEntries = 4

	_, _, _, err = reopened.Get("a")
	assert.True(t, IsCorruptedDirectoryError(err),
		"lookup through a corrupted page returned %v", err)
}

func TestBtreeFreeListReuse(t *testing.T) {
	d, _ := newTestTree(t, 4)

	for i := 0; i < 50; i++ {
		_, err := d.Add(fmt.Sprintf("n%03d", i), DirID{}, EntryTypeRegular)
		require.NoError(t, err)
	}
	for i := 0; i < 40; i++ {
		_, _, found, err := d.Remove(fmt.Sprintf("n%03d", i))
		require.NoError(t, err)
		require.True(t, found)
	}
	checkTree(t, d)
	freed := d.FreeCount()

	// Growth after shrinking must consume the free list before
	// extending the stream.
	for i := 50; i < 60; i++ {
		_, err := d.Add(fmt.Sprintf("n%03d", i), DirID{}, EntryTypeRegular)
		require.NoError(t, err)
	}
	checkTree(t, d)
	assert.LessOrEqual(t, d.FreeCount(), freed,
		"allocation should pop the free list before growing the stream")
}

func TestBtreeOnEncryptedStream(t *testing.T) {
	// The directory pages can live on a CryptStream: the full format's
	// directories are ciphertext on disk.
	opener := testOpener(t, 4096, 12, 0)
	mem := NewMemStream()

	dir, err := OpenDirectory(opener, mem)
	require.NoError(t, err)

	names := []string{"one", "two", "three", "four", "five"}
	for _, name := range names {
		added, err := dir.Add(name, testDirID(name), EntryTypeRegular)
		require.NoError(t, err)
		require.True(t, added)
	}
	require.NoError(t, dir.Flush())
	require.NoError(t, dir.Validate())

	// None of the plaintext names appear in the backing bytes.
	raw := mem.(*memStream).buf
	for _, name := range names {
		assert.NotContains(t, string(raw), name,
			"plaintext name leaked into the encrypted directory stream")
	}

	// Reopen and read back.
	reopened, err := OpenDirectory(opener, mem)
	require.NoError(t, err)
	for _, name := range names {
		_, _, found, err := reopened.Get(name)
		require.NoError(t, err)
		assert.True(t, found)
	}
	require.NoError(t, reopened.Close())
}

func TestDirectoryRemoveReturnsEntry(t *testing.T) {
	opener := testOpener(t, 4096, 12, 0)
	dir, err := OpenDirectory(opener, NewMemStream())
	require.NoError(t, err)

	var id DirID
	_, err = rand.Read(id[:])
	require.NoError(t, err)

	added, err := dir.Add("victim", id, EntryTypeSymlink)
	require.NoError(t, err)
	require.True(t, added)

	gotID, gotType, found, err := dir.Remove("victim")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, gotID)
	assert.Equal(t, EntryTypeSymlink, gotType)

	_, _, found, err = dir.Get("victim")
	require.NoError(t, err)
	assert.False(t, found)
}
