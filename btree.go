package vaultfs

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Directory B-tree on-disk format. These constants are part of the format:
// changing any of them breaks every existing vault.
const (
	// DirBlockSize is the page size of directory streams
	DirBlockSize = 4096

	// MaxFilenameLength is the longest filename a directory entry can hold
	MaxFilenameLength = 255

	// DirIDSize is the size of the file ID stored in a directory entry
	DirIDSize = 32

	// InvalidPage is the sentinel page number meaning "no such page"
	InvalidPage = uint32(0xFFFFFFFF)

	// BtreeMaxDepth bounds every traversal; exceeding it means the page
	// graph contains a cycle
	BtreeMaxDepth = 32

	// dirEntrySize is the serialized size of one entry:
	// NUL-padded name, 32-byte id, 32-bit type
	dirEntrySize = MaxFilenameLength + 1 + DirIDSize + 4

	// nodeHeaderSize is flag(4) + child count(2) + entry count(2)
	nodeHeaderSize = 8
)

// MaxNumEntries is the largest number of entries a node can hold in one
// DirBlockSize page: header, one child pointer per entry plus one, and
// the entries themselves must all fit.
const MaxNumEntries = (DirBlockSize - nodeHeaderSize - 4) / (dirEntrySize + 4)

// DirID identifies the object a directory entry points at.
type DirID [DirIDSize]byte

// DirEntry is one (filename, id, type) triple. Type is an opaque 32-bit
// value; this package never interprets it.
type DirEntry struct {
	Name string
	ID   DirID
	Type uint32
}

// btreeNode is the in-memory image of one tree page. Nodes live only in
// the directory's cache, keyed by page number; parent is a back-reference
// by page number, never a pointer, so the cache cannot form cycles.
type btreeNode struct {
	page    uint32
	parent  uint32
	children []uint32
	entries  []DirEntry
	dirty    bool
}

func (n *btreeNode) isLeaf() bool {
	return len(n.children) == 0
}

func (n *btreeNode) markDirty() {
	n.dirty = true
}

// freePage is the payload of a free-list cell.
type freePage struct {
	next uint32
	prev uint32
}

// BtreeDirectory is a persistent sorted map from filename to (id, type)
// over a block-paged stream. Page 0 holds the header; every other page is
// either a tree node or a free-list cell. Not safe for concurrent use;
// the owning directory object serializes access.
type BtreeDirectory struct {
	stream *PagedStream

	rootPage  uint32
	freeHead  uint32
	freeCount uint32
	hdrDirty  bool

	maxEntries int
	cache      map[uint32]*btreeNode
}

// NewBtreeDirectory opens the directory stored on ps, initializing the
// header page when the stream is empty. The page size must be large
// enough for at least a few entries per node.
func NewBtreeDirectory(ps *PagedStream) (*BtreeDirectory, error) {
	maxEntries := (ps.PageSize() - nodeHeaderSize - 4) / (dirEntrySize + 4)
	if maxEntries < 4 {
		return nil, NewValidationError("pageSize", ps.PageSize(),
			"page too small to hold a usable B-tree node")
	}

	d := &BtreeDirectory{
		stream:     ps,
		rootPage:   InvalidPage,
		freeHead:   InvalidPage,
		maxEntries: maxEntries,
		cache:      make(map[uint32]*btreeNode),
	}

	pages, err := ps.NumPages()
	if err != nil {
		return nil, err
	}
	if pages == 0 {
		// Fresh directory: materialize the header page so page numbers
		// handed out by allocatePage always start at 1.
		if err := d.writeHeader(); err != nil {
			return nil, err
		}
		return d, nil
	}

	buf := make([]byte, ps.PageSize())
	if err := ps.ReadPage(0, buf); err != nil {
		return nil, err
	}
	d.rootPage = binary.LittleEndian.Uint32(buf[0:])
	d.freeHead = binary.LittleEndian.Uint32(buf[4:])
	d.freeCount = binary.LittleEndian.Uint32(buf[8:])
	return d, nil
}

func (d *BtreeDirectory) writeHeader() error {
	buf := make([]byte, d.stream.PageSize())
	binary.LittleEndian.PutUint32(buf[0:], d.rootPage)
	binary.LittleEndian.PutUint32(buf[4:], d.freeHead)
	binary.LittleEndian.PutUint32(buf[8:], d.freeCount)
	if err := d.stream.WritePage(0, buf); err != nil {
		return err
	}
	d.hdrDirty = false
	return nil
}

// Free-list cells

func (d *BtreeDirectory) readFreePage(num uint32) (freePage, error) {
	if num == InvalidPage {
		return freePage{}, newCorruptedDirectoryError(num, "free-list walk reached an invalid page")
	}
	buf := make([]byte, d.stream.PageSize())
	if err := d.stream.ReadPage(num, buf); err != nil {
		return freePage{}, err
	}
	if binary.LittleEndian.Uint32(buf[0:]) != 0 {
		return freePage{}, newCorruptedDirectoryError(num, "page on the free list is not a free cell")
	}
	return freePage{
		next: binary.LittleEndian.Uint32(buf[4:]),
		prev: binary.LittleEndian.Uint32(buf[8:]),
	}, nil
}

func (d *BtreeDirectory) writeFreePage(num uint32, fp freePage) error {
	buf := make([]byte, d.stream.PageSize())
	binary.LittleEndian.PutUint32(buf[4:], fp.next)
	binary.LittleEndian.PutUint32(buf[8:], fp.prev)
	return d.stream.WritePage(num, buf)
}

// allocatePage pops the free-list head, or grows the stream by one page
// when the list is empty.
func (d *BtreeDirectory) allocatePage() (uint32, error) {
	if d.freeHead == InvalidPage {
		pages, err := d.stream.NumPages()
		if err != nil {
			return InvalidPage, err
		}
		if err := d.stream.Resize(pages + 1); err != nil {
			return InvalidPage, err
		}
		return pages, nil
	}

	pg := d.freeHead
	fp, err := d.readFreePage(pg)
	if err != nil {
		return InvalidPage, err
	}
	d.freeCount--
	d.freeHead = fp.next
	d.hdrDirty = true
	if fp.next != InvalidPage {
		next, err := d.readFreePage(fp.next)
		if err != nil {
			return InvalidPage, err
		}
		next.prev = InvalidPage
		if err := d.writeFreePage(fp.next, next); err != nil {
			return InvalidPage, err
		}
	}
	return pg, nil
}

// deallocatePage returns a page to the allocator: the tail page shrinks
// the stream, any other page is pushed onto the free list.
func (d *BtreeDirectory) deallocatePage(num uint32) error {
	pages, err := d.stream.NumPages()
	if err != nil {
		return err
	}
	if num+1 == pages {
		return d.stream.Resize(num)
	}

	fp := freePage{next: d.freeHead, prev: InvalidPage}
	if err := d.writeFreePage(num, fp); err != nil {
		return err
	}
	if d.freeHead != InvalidPage {
		head, err := d.readFreePage(d.freeHead)
		if err != nil {
			return err
		}
		head.prev = num
		if err := d.writeFreePage(d.freeHead, head); err != nil {
			return err
		}
	}
	d.freeHead = num
	d.freeCount++
	d.hdrDirty = true
	return nil
}

// Node (de)serialization

func (d *BtreeDirectory) decodeNode(num uint32, buf []byte, n *btreeNode) error {
	flag := binary.LittleEndian.Uint32(buf[0:])
	if flag == 0 {
		// A page that was never written as a node (freshly allocated or
		// recycled free cell) decodes as an empty node.
		return nil
	}
	if flag != 1 {
		return newCorruptedDirectoryError(num, "unexpected block flag")
	}
	childCount := int(binary.LittleEndian.Uint16(buf[4:]))
	entryCount := int(binary.LittleEndian.Uint16(buf[6:]))
	need := nodeHeaderSize + 4*childCount + dirEntrySize*entryCount
	if need > len(buf) {
		return newCorruptedDirectoryError(num, "node counts exceed the page size")
	}

	off := nodeHeaderSize
	n.children = make([]uint32, childCount)
	for i := range n.children {
		n.children[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	n.entries = make([]DirEntry, entryCount)
	for i := range n.entries {
		name := buf[off : off+MaxFilenameLength+1]
		if idx := bytes.IndexByte(name, 0); idx >= 0 {
			name = name[:idx]
		}
		n.entries[i].Name = string(name)
		off += MaxFilenameLength + 1
		copy(n.entries[i].ID[:], buf[off:off+DirIDSize])
		off += DirIDSize
		n.entries[i].Type = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	return nil
}

func (d *BtreeDirectory) encodeNode(n *btreeNode, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:], 1)
	binary.LittleEndian.PutUint16(buf[4:], uint16(len(n.children)))
	binary.LittleEndian.PutUint16(buf[6:], uint16(len(n.entries)))

	off := nodeHeaderSize
	for _, c := range n.children {
		binary.LittleEndian.PutUint32(buf[off:], c)
		off += 4
	}
	for i := range n.entries {
		e := &n.entries[i]
		if len(e.Name) > MaxFilenameLength {
			return &NameTooLongError{Name: e.Name}
		}
		copy(buf[off:], e.Name)
		off += MaxFilenameLength + 1
		copy(buf[off:], e.ID[:])
		off += DirIDSize
		binary.LittleEndian.PutUint32(buf[off:], e.Type)
		off += 4
	}
	return nil
}

func (d *BtreeDirectory) readNode(num uint32, n *btreeNode) error {
	if num == InvalidPage {
		return newCorruptedDirectoryError(num, "attempted to read an invalid page")
	}
	buf := make([]byte, d.stream.PageSize())
	if err := d.stream.ReadPage(num, buf); err != nil {
		return err
	}
	return d.decodeNode(num, buf, n)
}

func (d *BtreeDirectory) writeNode(num uint32, n *btreeNode) error {
	if num == InvalidPage {
		return newCorruptedDirectoryError(num, "attempted to write an invalid page")
	}
	buf := make([]byte, d.stream.PageSize())
	if err := d.encodeNode(n, buf); err != nil {
		return err
	}
	return d.stream.WritePage(num, buf)
}

// Node cache

// retrieveNode returns the cached node for num, loading it from disk on a
// miss. When parent is known, a cache hit must agree on the parent page.
func (d *BtreeDirectory) retrieveNode(parent, num uint32) (*btreeNode, error) {
	if n, ok := d.cache[num]; ok {
		if parent != InvalidPage && parent != n.parent {
			return nil, newCorruptedDirectoryError(num, "cached node disagrees about its parent")
		}
		return n, nil
	}
	n := &btreeNode{page: num, parent: parent}
	if err := d.readNode(num, n); err != nil {
		return nil, err
	}
	d.cache[num] = n
	return n, nil
}

// retrieveExistingNode returns only cache hits. Rebalancing uses it for
// parents, which a preceding find is guaranteed to have loaded.
func (d *BtreeDirectory) retrieveExistingNode(num uint32) *btreeNode {
	return d.cache[num]
}

func (d *BtreeDirectory) rootNode() (*btreeNode, error) {
	if d.rootPage == InvalidPage {
		return nil, nil
	}
	return d.retrieveNode(InvalidPage, d.rootPage)
}

// delNode deallocates a node's page and drops it from the cache.
func (d *BtreeDirectory) delNode(n *btreeNode) error {
	if n == nil {
		return nil
	}
	if err := d.deallocatePage(n.page); err != nil {
		return err
	}
	delete(d.cache, n.page)
	return nil
}

// adjustChildrenInCache repoints the cached children of n at the given
// parent page. Children not in the cache pick up the change lazily the
// next time they are loaded under their new parent.
func (d *BtreeDirectory) adjustChildrenInCache(n *btreeNode, parent uint32) {
	for _, c := range n.children {
		if child, ok := d.cache[c]; ok {
			child.parent = parent
		}
	}
}

// lowerBound returns the index of the first entry whose name is >= name.
func lowerBound(entries []DirEntry, name string) int {
	return sort.Search(len(entries), func(i int) bool {
		return entries[i].Name >= name
	})
}

// findNode descends from the root to the node that holds name, or to the
// leaf where name would be inserted. Depth is bounded: exceeding
// BtreeMaxDepth means the page graph loops.
func (d *BtreeDirectory) findNode(name string) (*btreeNode, int, bool, error) {
	n, err := d.rootNode()
	if err != nil || n == nil {
		return nil, 0, false, err
	}
	for i := 0; i < BtreeMaxDepth; i++ {
		idx := lowerBound(n.entries, name)
		if idx < len(n.entries) && n.entries[idx].Name == name {
			return n, idx, true, nil
		}
		if n.isLeaf() {
			return n, idx, false, nil
		}
		if idx >= len(n.children) {
			return nil, 0, false, newCorruptedDirectoryError(n.page, "child count does not cover the descent position")
		}
		n, err = d.retrieveNode(n.page, n.children[idx])
		if err != nil {
			return nil, 0, false, err
		}
	}
	return nil, 0, false, newCorruptedDirectoryError(InvalidPage, "maximum depth exceeded; the tree contains a loop")
}

// Get looks up name and returns its (id, type), with found reporting
// whether the entry exists.
func (d *BtreeDirectory) Get(name string) (id DirID, typ uint32, found bool, err error) {
	if len(name) > MaxFilenameLength {
		return id, 0, false, &NameTooLongError{Name: name}
	}
	n, idx, found, err := d.findNode(name)
	if err != nil || !found {
		return id, 0, false, err
	}
	e := &n.entries[idx]
	return e.ID, e.Type, true, nil
}

// Add inserts name with the given id and type. It returns false without
// modifying the tree when the name is already present.
func (d *BtreeDirectory) Add(name string, id DirID, typ uint32) (bool, error) {
	if len(name) > MaxFilenameLength {
		return false, &NameTooLongError{Name: name}
	}
	n, _, found, err := d.findNode(name)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	entry := DirEntry{Name: name, ID: id, Type: typ}
	if n == nil {
		pg, err := d.allocatePage()
		if err != nil {
			return false, err
		}
		d.rootPage = pg
		d.hdrDirty = true
		root, err := d.rootNode()
		if err != nil {
			return false, err
		}
		root.entries = append(root.entries, entry)
		root.markDirty()
		return true, nil
	}
	if err := d.insertAndBalance(n, entry, InvalidPage, 0); err != nil {
		return false, err
	}
	return true, nil
}

// insertAndBalance inserts e into n and splits overflowing nodes upward,
// promoting the middle entry into the parent each time. Assumes every
// ancestor of n is resident in the cache, which the preceding findNode
// guarantees.
func (d *BtreeDirectory) insertAndBalance(n *btreeNode, e DirEntry, additionalChild uint32, depth int) error {
	if depth >= BtreeMaxDepth {
		return newCorruptedDirectoryError(n.page, "rebalance recursion exceeded the maximum depth")
	}
	idx := lowerBound(n.entries, e.Name)
	if additionalChild != InvalidPage && !n.isLeaf() {
		n.children = append(n.children, 0)
		copy(n.children[idx+2:], n.children[idx+1:])
		n.children[idx+1] = additionalChild
	}
	n.entries = append(n.entries, DirEntry{})
	copy(n.entries[idx+1:], n.entries[idx:])
	n.entries[idx] = e
	n.markDirty()

	if len(n.entries) <= d.maxEntries {
		return nil
	}

	// Split: the middle entry moves up, the upper halves move into a
	// freshly allocated sibling.
	pg, err := d.allocatePage()
	if err != nil {
		return err
	}
	sibling, err := d.retrieveNode(n.parent, pg)
	if err != nil {
		return err
	}
	middle := len(n.entries) / 2
	promoted := n.entries[middle]

	if !n.isLeaf() {
		sibling.children = append(sibling.children[:0], n.children[middle+1:]...)
		n.children = n.children[:middle+1]
		d.adjustChildrenInCache(sibling, sibling.page)
	}
	sibling.entries = append(sibling.entries[:0], n.entries[middle+1:]...)
	n.entries = n.entries[:middle]
	n.markDirty()
	sibling.markDirty()

	if n.parent == InvalidPage {
		newRootPage, err := d.allocatePage()
		if err != nil {
			return err
		}
		root, err := d.retrieveNode(InvalidPage, newRootPage)
		if err != nil {
			return err
		}
		root.children = append(root.children, n.page, sibling.page)
		root.entries = append(root.entries, promoted)
		root.markDirty()
		d.rootPage = newRootPage
		d.hdrDirty = true
		n.parent = newRootPage
		sibling.parent = newRootPage
		return nil
	}

	parent := d.retrieveExistingNode(n.parent)
	if parent == nil {
		return newCorruptedDirectoryError(n.parent, "parent missing from cache during rebalance")
	}
	return d.insertAndBalance(parent, promoted, sibling.page, depth+1)
}

// replaceWithSubEntry removes the entry at index from n. For an internal
// node the entry is swapped with its in-order predecessor, the rightmost
// entry of the left subtree's leaf, and removed there. Returns the leaf
// that lost an entry, the starting point for rebalancing.
func (d *BtreeDirectory) replaceWithSubEntry(n *btreeNode, index, depth int) (*btreeNode, error) {
	if depth >= BtreeMaxDepth {
		return nil, newCorruptedDirectoryError(n.page, "predecessor descent exceeded the maximum depth")
	}
	if n.isLeaf() {
		n.entries = append(n.entries[:index], n.entries[index+1:]...)
		n.markDirty()
		return n, nil
	}
	lchild, err := d.retrieveNode(n.page, n.children[index])
	if err != nil {
		return nil, err
	}
	for i := 0; !lchild.isLeaf(); i++ {
		if i >= BtreeMaxDepth {
			return nil, newCorruptedDirectoryError(lchild.page, "predecessor descent exceeded the maximum depth")
		}
		lchild, err = d.retrieveNode(lchild.page, lchild.children[len(lchild.children)-1])
		if err != nil {
			return nil, err
		}
	}
	if len(lchild.entries) == 0 {
		return nil, newCorruptedDirectoryError(lchild.page, "empty leaf on the predecessor path")
	}
	n.entries[index] = lchild.entries[len(lchild.entries)-1]
	lchild.entries = lchild.entries[:len(lchild.entries)-1]
	n.markDirty()
	lchild.markDirty()
	return lchild, nil
}

// findSibling locates an adjacent sibling of node under parent. It
// returns the parent entry index separating the pair and whether the
// sibling sits to the right of node.
func (d *BtreeDirectory) findSibling(parent, node *btreeNode) (int, *btreeNode, bool, error) {
	if parent.page != node.parent {
		return 0, nil, false, newCorruptedDirectoryError(node.page, "node disagrees with its parent during rebalance")
	}
	pos := -1
	for i, c := range parent.children {
		if c == node.page {
			pos = i
			break
		}
	}
	if pos < 0 {
		return 0, nil, false, newCorruptedDirectoryError(parent.page, "parent does not list the node as a child")
	}
	if pos+1 == len(parent.children) {
		sib, err := d.retrieveNode(parent.page, parent.children[pos-1])
		return pos - 1, sib, false, err
	}
	sib, err := d.retrieveNode(parent.page, parent.children[pos+1])
	return pos, sib, true, err
}

// rotate redistributes the entries of two adjacent siblings evenly,
// routing them through the parent separator at entryIndex.
func (d *BtreeDirectory) rotate(left, right, parent *btreeNode, entryIndex int) {
	temp := make([]DirEntry, 0, len(left.entries)+len(right.entries)+1)
	temp = append(temp, left.entries...)
	temp = append(temp, parent.entries[entryIndex])
	temp = append(temp, right.entries...)

	middle := len(temp) / 2
	parent.entries[entryIndex] = temp[middle]
	left.entries = append(left.entries[:0], temp[:middle]...)
	right.entries = append(right.entries[:0], temp[middle+1:]...)

	if !left.isLeaf() && !right.isLeaf() {
		children := make([]uint32, 0, len(left.children)+len(right.children))
		children = append(children, left.children...)
		children = append(children, right.children...)
		left.children = append(left.children[:0], children[:middle+1]...)
		right.children = append(right.children[:0], children[middle+1:]...)
		d.adjustChildrenInCache(left, left.page)
		d.adjustChildrenInCache(right, right.page)
	}
	left.markDirty()
	right.markDirty()
	parent.markDirty()
}

// merge folds right and the separating parent entry into left, then
// frees right's page.
func (d *BtreeDirectory) merge(left, right, parent *btreeNode, entryIndex int) error {
	left.entries = append(left.entries, parent.entries[entryIndex])
	parent.entries = append(parent.entries[:entryIndex], parent.entries[entryIndex+1:]...)
	for i, c := range parent.children {
		if c == right.page {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	left.entries = append(left.entries, right.entries...)
	d.adjustChildrenInCache(right, left.page)
	left.children = append(left.children, right.children...)
	left.markDirty()
	parent.markDirty()
	return d.delNode(right)
}

// balanceUp restores the minimum-occupancy invariant from n towards the
// root, merging with or rotating against an adjacent sibling at each
// underfull level. Assumes every ancestor of n is resident in the cache.
func (d *BtreeDirectory) balanceUp(n *btreeNode, depth int) error {
	if depth >= BtreeMaxDepth {
		return newCorruptedDirectoryError(n.page, "rebalance recursion exceeded the maximum depth")
	}

	if n.parent == InvalidPage && len(n.entries) == 0 {
		if len(n.children) == 0 {
			// The tree is empty: drop the root entirely.
			d.rootPage = InvalidPage
			d.hdrDirty = true
			return d.delNode(n)
		}
		if len(n.children) != 1 {
			return newCorruptedDirectoryError(n.page, "empty root with more than one child")
		}
		d.adjustChildrenInCache(n, InvalidPage)
		d.rootPage = n.children[0]
		d.hdrDirty = true
		return d.delNode(n)
	}
	if n.parent == InvalidPage || len(n.entries) >= d.maxEntries/2 {
		return nil
	}

	parent := d.retrieveExistingNode(n.parent)
	if parent == nil {
		return newCorruptedDirectoryError(n.parent, "parent missing from cache during rebalance")
	}

	entryIndex, sibling, siblingOnRight, err := d.findSibling(parent, n)
	if err != nil {
		return err
	}

	left, right := n, sibling
	if !siblingOnRight {
		left, right = sibling, n
	}
	if len(n.entries)+len(sibling.entries) < d.maxEntries {
		if err := d.merge(left, right, parent, entryIndex); err != nil {
			return err
		}
	} else {
		d.rotate(left, right, parent, entryIndex)
	}
	return d.balanceUp(parent, depth+1)
}

// Remove deletes name from the tree, returning the removed (id, type).
// found is false when the name was not present.
func (d *BtreeDirectory) Remove(name string) (id DirID, typ uint32, found bool, err error) {
	if len(name) > MaxFilenameLength {
		return id, 0, false, &NameTooLongError{Name: name}
	}
	n, idx, found, err := d.findNode(name)
	if err != nil || !found {
		return id, 0, false, err
	}
	id = n.entries[idx].ID
	typ = n.entries[idx].Type

	leaf, err := d.replaceWithSubEntry(n, idx, 0)
	if err != nil {
		return id, 0, false, err
	}
	if err := d.balanceUp(leaf, 0); err != nil {
		return id, 0, false, err
	}
	return id, typ, true, nil
}

// Iterate walks the tree in order, calling cb for every entry in
// ascending byte order of names. Returning an error from cb stops the
// walk and propagates the error.
func (d *BtreeDirectory) Iterate(cb func(name string, id DirID, typ uint32) error) error {
	root, err := d.rootNode()
	if err != nil || root == nil {
		return err
	}
	return d.iterateNode(root, cb, 0)
}

func (d *BtreeDirectory) iterateNode(n *btreeNode, cb func(string, DirID, uint32) error, depth int) error {
	if depth >= BtreeMaxDepth {
		return newCorruptedDirectoryError(n.page, "iteration exceeded the maximum depth")
	}
	if n.isLeaf() {
		for i := range n.entries {
			e := &n.entries[i]
			if err := cb(e.Name, e.ID, e.Type); err != nil {
				return err
			}
		}
		return nil
	}
	if len(n.children) != len(n.entries)+1 {
		return newCorruptedDirectoryError(n.page, "child count does not match entry count")
	}
	for i := range n.entries {
		child, err := d.retrieveNode(n.page, n.children[i])
		if err != nil {
			return err
		}
		if err := d.iterateNode(child, cb, depth+1); err != nil {
			return err
		}
		e := &n.entries[i]
		if err := cb(e.Name, e.ID, e.Type); err != nil {
			return err
		}
	}
	child, err := d.retrieveNode(n.page, n.children[len(n.children)-1])
	if err != nil {
		return err
	}
	return d.iterateNode(child, cb, depth+1)
}

// Flush writes every dirty cached node back to the stream and updates
// the header if it changed.
func (d *BtreeDirectory) Flush() error {
	for _, n := range d.cache {
		if !n.dirty {
			continue
		}
		if err := d.writeNode(n.page, n); err != nil {
			return err
		}
		n.dirty = false
	}
	if d.hdrDirty {
		if err := d.writeHeader(); err != nil {
			return err
		}
	}
	return d.stream.Flush()
}

// ClearCache drops every cached node. Callers must Flush first or lose
// pending mutations.
func (d *BtreeDirectory) ClearCache() {
	d.cache = make(map[uint32]*btreeNode)
}

// ValidateFreeList checks the free list: exactly freeCount cells,
// back-links consistent, terminated by InvalidPage.
func (d *BtreeDirectory) ValidateFreeList() error {
	pg := d.freeHead
	prev := InvalidPage
	for i := uint32(0); i < d.freeCount; i++ {
		fp, err := d.readFreePage(pg)
		if err != nil {
			return err
		}
		if fp.prev != prev {
			return newCorruptedDirectoryError(pg, "free cell back-link does not match the walk")
		}
		prev = pg
		pg = fp.next
	}
	if pg != InvalidPage {
		return newCorruptedDirectoryError(pg, "free list longer than the recorded count")
	}
	return nil
}

// ValidateBtreeStructure checks sortedness, occupancy bounds and
// separator ordering across the whole tree.
func (d *BtreeDirectory) ValidateBtreeStructure() error {
	root, err := d.rootNode()
	if err != nil || root == nil {
		return err
	}
	return d.validateNode(root, 0)
}

func (d *BtreeDirectory) validateNode(n *btreeNode, depth int) error {
	if depth > BtreeMaxDepth {
		return newCorruptedDirectoryError(n.page, "validation exceeded the maximum depth")
	}
	for i := 1; i < len(n.entries); i++ {
		if n.entries[i-1].Name >= n.entries[i].Name {
			return newCorruptedDirectoryError(n.page, "entries are not sorted")
		}
	}
	if n.parent != InvalidPage &&
		(len(n.entries) < d.maxEntries/2 || len(n.entries) > d.maxEntries) {
		return newCorruptedDirectoryError(n.page, "node occupancy outside the permitted bounds")
	}
	if n.isLeaf() {
		return nil
	}
	if len(n.children) != len(n.entries)+1 {
		return newCorruptedDirectoryError(n.page, "child count does not match entry count")
	}
	for i := range n.entries {
		e := &n.entries[i]
		lchild, err := d.retrieveNode(n.page, n.children[i])
		if err != nil {
			return err
		}
		rchild, err := d.retrieveNode(n.page, n.children[i+1])
		if err != nil {
			return err
		}
		if err := d.validateNode(lchild, depth + 1); err != nil {
			return err
		}
		if err := d.validateNode(rchild, depth + 1); err != nil {
			return err
		}
		if len(lchild.entries) == 0 || len(rchild.entries) == 0 {
			return newCorruptedDirectoryError(n.page, "internal node has an empty child")
		}
		if e.Name <= lchild.entries[len(lchild.entries)-1].Name ||
			e.Name >= rchild.entries[0].Name {
			return newCorruptedDirectoryError(n.page, "separator does not order its children")
		}
	}
	return nil
}

// FreeCount returns the number of pages currently on the free list.
func (d *BtreeDirectory) FreeCount() uint32 {
	return d.freeCount
}

// Empty reports whether the tree holds no entries.
func (d *BtreeDirectory) Empty() bool {
	return d.rootPage == InvalidPage
}
