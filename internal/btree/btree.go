package btree

import (
	"bytes"
	"fmt"

	"github.com/arborstore/arbor/internal/errs"
	"github.com/arborstore/arbor/internal/pnum"
)

// ErrValueTooLarge is returned when a key or value exceeds the engine's
// absolute size ceiling (spec.md's 2 GiB MAX_VALUE_SIZE; see DESIGN.md).
var ErrValueTooLarge = errs.ErrValueTooLarge

// MaxEntrySize is the absolute ceiling on a single key or value, beyond
// which even an overflow chain is refused.
const MaxEntrySize = 1 << 31

// Tree is a copy-on-write B-tree over an abstract page store. It never
// touches the allocator or backend directly; getPage/newPage/delPage are
// supplied by the caller (a table handle bound to a write or read
// transaction), which is what lets the same Tree implementation serve
// user tables, the master table and the freed-tree alike.
type Tree struct {
	root     pnum.PageNumber
	pageSize uint32

	getPage func(pnum.PageNumber) []byte
	newPage func([]byte) pnum.PageNumber
	delPage func(pnum.PageNumber)
}

// New constructs a Tree rooted at root (which may be pnum.Zero for an
// empty tree).
func New(root pnum.PageNumber, pageSize uint32,
	get func(pnum.PageNumber) []byte,
	newFn func([]byte) pnum.PageNumber,
	del func(pnum.PageNumber),
) *Tree {
	return &Tree{root: root, pageSize: pageSize, getPage: get, newPage: newFn, delPage: del}
}

// Root returns the current root page number.
func (t *Tree) Root() pnum.PageNumber { return t.root }

func (t *Tree) node(pn pnum.PageNumber) node { return node(t.getPage(pn)) }

// lookupLE returns the index of the last entry whose key is <= key (the
// first entry, index 0, is a routing sentinel in internal nodes and is
// always treated as <=).
func (t *Tree) lookupLE(n node, key []byte) uint16 {
	nkeys := n.nkeys()
	found := uint16(0)
	for i := uint16(1); i < nkeys; i++ {
		cmp := bytes.Compare(t.materializeKey(n.getRaw(i)), key)
		if cmp <= 0 {
			found = i
		}
		if cmp >= 0 {
			break
		}
	}
	return found
}

// Get looks up key, returning its value and true if present.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	if t.root.IsNull() {
		return nil, false
	}
	return t.get(t.node(t.root), key)
}

func (t *Tree) get(n node, key []byte) ([]byte, bool) {
	idx := t.lookupLE(n, key)
	switch n.kind() {
	case typeLeaf:
		e := n.getRaw(idx)
		if bytes.Equal(key, t.materializeKey(e)) {
			return t.materializeVal(e), true
		}
		return nil, false
	case typeInternal:
		child := t.node(n.getPtr(idx))
		return t.get(child, key)
	default:
		panic("btree: bad node kind")
	}
}

func checkEntrySize(key, val []byte) error {
	if len(key) > MaxEntrySize {
		return fmt.Errorf("btree: key of %d bytes: %w", len(key), ErrValueTooLarge)
	}
	if len(val) > MaxEntrySize {
		return fmt.Errorf("btree: value of %d bytes: %w", len(val), ErrValueTooLarge)
	}
	return nil
}

// Insert adds or replaces key's value, returning the previous value (if
// any were replaced) and whether a replacement occurred.
func (t *Tree) Insert(key, val []byte) ([]byte, bool, error) {
	if err := checkEntrySize(key, val); err != nil {
		return nil, false, err
	}
	if t.root.IsNull() {
		root := make(node, t.pageSize)
		root.setHeader(typeLeaf, 2)
		// entry 0 is the routing sentinel covering the whole key space.
		appendRaw(root, 0, pnum.Zero, rawEntry{})
		appendRaw(root, 1, pnum.Zero, t.storeEntry(key, val))
		t.root = t.newPage(root)
		return nil, false, nil
	}

	var oldVal []byte
	var replaced bool
	newRoot := t.insert(t.node(t.root), key, val, &oldVal, &replaced)
	nsplit, parts := splitNode(newRoot, t.pageSize)
	t.delPage(t.root)

	if nsplit > 1 {
		root := make(node, t.pageSize)
		root.setHeader(typeInternal, nsplit)
		for i := uint16(0); i < nsplit; i++ {
			k := t.materializeKey(parts[i].getRaw(0))
			appendRaw(root, i, t.newPage(parts[i]), rawEntry{key: k})
		}
		t.root = t.newPage(root)
	} else {
		t.root = t.newPage(parts[0])
	}
	return oldVal, replaced, nil
}

// insert returns a (possibly oversized, up to 2 pages) node reflecting
// key/val inserted under n.
func (t *Tree) insert(n node, key, val []byte, oldVal *[]byte, replaced *bool) node {
	out := make(node, 2*t.pageSize)
	idx := t.lookupLE(n, key)

	switch n.kind() {
	case typeLeaf:
		existing := n.getRaw(idx)
		if bytes.Equal(key, t.materializeKey(existing)) {
			*oldVal = t.materializeVal(existing)
			*replaced = true
			out.setHeader(typeLeaf, n.nkeys())
			appendRange(out, n, 0, 0, idx)
			appendRaw(out, idx, pnum.Zero, t.storeEntry(key, val))
			appendRange(out, n, idx+1, idx+1, n.nkeys()-(idx+1))
			t.freeEntryOverflows(existing)
		} else {
			out.setHeader(typeLeaf, n.nkeys()+1)
			appendRange(out, n, 0, 0, idx+1)
			appendRaw(out, idx+1, pnum.Zero, t.storeEntry(key, val))
			appendRange(out, n, idx+2, idx+1, n.nkeys()-(idx+1))
		}
	case typeInternal:
		childPtr := n.getPtr(idx)
		childResult := t.insert(t.node(childPtr), key, val, oldVal, replaced)
		nsplit, parts := splitNode(childResult, t.pageSize)
		t.delPage(childPtr)
		replaceChild(out, n, idx, t, parts[:nsplit]...)
	default:
		panic("btree: bad node kind")
	}
	return out
}

// replaceChild rewrites out as old with the single child link at idx
// replaced by the (already split, 1-3) newKids, committing each to a page
// number via t.newPage.
func replaceChild(out, old node, idx uint16, t *Tree, newKids ...node) {
	inc := uint16(len(newKids))
	out.setHeader(typeInternal, old.nkeys()+inc-1)
	appendRange(out, old, 0, 0, idx)
	for i, kid := range newKids {
		ptr := t.newPage(kid)
		k := t.materializeKey(kid.getRaw(0))
		appendRaw(out, idx+uint16(i), ptr, rawEntry{key: k})
	}
	appendRange(out, old, idx+inc, idx+1, old.nkeys()-(idx+1))
}

// splitNode splits n (which may occupy up to 2 pages) into 1-3
// page-sized nodes.
func splitNode(n node, pageSize uint32) (uint16, [3]node) {
	if n.nbytes() <= uint16(pageSize) {
		return 1, [3]node{n[:pageSize]}
	}
	left := make(node, 2*pageSize)
	right := make(node, pageSize)
	splitTwo(left, right, n, pageSize)
	if left.nbytes() <= uint16(pageSize) {
		return 2, [3]node{left[:pageSize], right}
	}
	leftLeft := make(node, pageSize)
	middle := make(node, pageSize)
	splitTwo(leftLeft, middle, left, pageSize)
	return 3, [3]node{leftLeft, middle, right}
}

// splitTwo divides old's entries between left and right, filling left to
// roughly three quarters of a page.
func splitTwo(left, right, old node, pageSize uint32) {
	nkeys := old.nkeys()
	nleft := uint16(0)
	target := uint16(pageSize) * 3 / 4
	for i := uint16(0); i < nkeys; i++ {
		nleft = i + 1
		if old.kvPos(nleft) >= target {
			break
		}
	}
	left.setHeader(old.kind(), nleft)
	appendRange(left, old, 0, 0, nleft)
	right.setHeader(old.kind(), nkeys-nleft)
	appendRange(right, old, 0, nleft, nkeys-nleft)
}

// Delete removes key, returning true if it was present.
func (t *Tree) Delete(key []byte) bool {
	if t.root.IsNull() {
		return false
	}
	updated := t.delete(t.node(t.root), key)
	if updated == nil {
		return false
	}
	t.delPage(t.root)
	if updated.kind() == typeInternal && updated.nkeys() == 1 {
		t.root = updated.getPtr(0)
	} else {
		t.root = t.newPage(updated)
	}
	return true
}

func (t *Tree) delete(n node, key []byte) node {
	idx := t.lookupLE(n, key)
	switch n.kind() {
	case typeLeaf:
		e := n.getRaw(idx)
		if !bytes.Equal(key, t.materializeKey(e)) {
			return nil
		}
		out := make(node, t.pageSize)
		out.setHeader(typeLeaf, n.nkeys()-1)
		appendRange(out, n, 0, 0, idx)
		appendRange(out, n, idx, idx+1, n.nkeys()-(idx+1))
		t.freeEntryOverflows(e)
		return out
	case typeInternal:
		return t.deleteInternal(n, idx, key)
	default:
		panic("btree: bad node kind")
	}
}

func (t *Tree) deleteInternal(n node, idx uint16, key []byte) node {
	childPtr := n.getPtr(idx)
	updated := t.delete(t.node(childPtr), key)
	if updated == nil {
		return nil
	}
	t.delPage(childPtr)
	out := make(node, t.pageSize)

	dir, sibling := t.shouldMerge(n, idx, updated)
	switch {
	case dir < 0:
		merged := make(node, t.pageSize)
		mergeNodes(merged, sibling, updated)
		t.delPage(n.getPtr(idx - 1))
		replaceTwoChildren(out, n, idx-1, t.newPage(merged), t.materializeKey(merged.getRaw(0)))
	case dir > 0:
		merged := make(node, t.pageSize)
		mergeNodes(merged, updated, sibling)
		t.delPage(n.getPtr(idx + 1))
		replaceTwoChildren(out, n, idx, t.newPage(merged), t.materializeKey(merged.getRaw(0)))
	case updated.nkeys() == 0:
		out.setHeader(typeInternal, 0)
	default:
		replaceChild(out, n, idx, t, updated)
	}
	return out
}

// shouldMerge decides whether an underfull child should be merged with a
// sibling. The left sibling is tried first; ties (both siblings equally
// eligible) resolve left. If neither sibling can absorb the child without
// exceeding a page, the child is left underfull rather than merged — the
// tree tolerates underfull non-root nodes rather than forcing a
// redistribution rebalance.
func (t *Tree) shouldMerge(n node, idx uint16, updated node) (int, node) {
	if updated.nbytes() > uint16(t.pageSize)/4 {
		return 0, nil
	}
	if idx > 0 {
		sibling := t.node(n.getPtr(idx - 1))
		if sibling.nbytes()+updated.nbytes()-headerSize <= uint16(t.pageSize) {
			return -1, sibling
		}
	}
	if idx+1 < n.nkeys() {
		sibling := t.node(n.getPtr(idx + 1))
		if sibling.nbytes()+updated.nbytes()-headerSize <= uint16(t.pageSize) {
			return 1, sibling
		}
	}
	return 0, nil
}

func mergeNodes(out, left, right node) {
	out.setHeader(left.kind(), left.nkeys()+right.nkeys())
	appendRange(out, left, 0, 0, left.nkeys())
	appendRange(out, right, left.nkeys(), 0, right.nkeys())
}

func replaceTwoChildren(out, old node, idx uint16, ptr pnum.PageNumber, key []byte) {
	out.setHeader(typeInternal, old.nkeys()-1)
	appendRange(out, old, 0, 0, idx)
	appendRaw(out, idx, ptr, rawEntry{key: key})
	appendRange(out, old, idx+1, idx+2, old.nkeys()-(idx+2))
}

// Len walks the tree and counts its leaf entries. Cheap trees should
// prefer a cached count maintained by the caller (as the master table
// does); Len exists for integrity checking and tests.
//
// The globally leftmost leaf carries one extra, permanent entry at index
// 0: the -infinity routing sentinel planted when the tree was first
// created (see Insert). It never represents a stored key, so the count
// excludes it wherever it appears, which is only down the leftmost
// spine of the tree.
func (t *Tree) Len() uint64 {
	if t.root.IsNull() {
		return 0
	}
	return t.countLeaves(t.node(t.root), true)
}

func (t *Tree) countLeaves(n node, leftmost bool) uint64 {
	switch n.kind() {
	case typeLeaf:
		if n.nkeys() == 0 {
			return 0
		}
		if leftmost {
			return uint64(n.nkeys() - 1)
		}
		return uint64(n.nkeys())
	case typeInternal:
		var total uint64
		for i := uint16(0); i < n.nkeys(); i++ {
			total += t.countLeaves(t.node(n.getPtr(i)), leftmost && i == 0)
		}
		return total
	default:
		panic("btree: bad node kind")
	}
}

// Stats reports structural information used by spec.md's integrity check
// and operator tooling.
type Stats struct {
	Height     int
	LeafPages  uint64
	InnerPages uint64
	Entries    uint64
}

// ComputeStats walks the whole tree once, gathering Stats.
func (t *Tree) ComputeStats() Stats {
	if t.root.IsNull() {
		return Stats{}
	}
	var s Stats
	t.walkStats(t.node(t.root), 1, true, &s)
	return s
}

func (t *Tree) walkStats(n node, depth int, leftmost bool, s *Stats) {
	if depth > s.Height {
		s.Height = depth
	}
	switch n.kind() {
	case typeLeaf:
		s.LeafPages++
		switch {
		case n.nkeys() == 0:
		case leftmost:
			s.Entries += uint64(n.nkeys() - 1)
		default:
			s.Entries += uint64(n.nkeys())
		}
	case typeInternal:
		s.InnerPages++
		for i := uint16(0); i < n.nkeys(); i++ {
			t.walkStats(t.node(n.getPtr(i)), depth+1, leftmost && i == 0, s)
		}
	}
}

// Walk invokes visit for every page number reachable from the root,
// internal nodes before their children, reporting whether each page is a
// leaf (as opposed to an internal node or an overflow chain page) so
// callers outside this package never need the unexported node type. Used
// by the integrity checker and by compaction to free a rewritten table's
// old pages.
func (t *Tree) Walk(visit func(pn pnum.PageNumber, leaf bool)) {
	if t.root.IsNull() {
		return
	}
	t.walk(t.root, visit)
}

func (t *Tree) walk(pn pnum.PageNumber, visit func(pnum.PageNumber, bool)) {
	n := t.node(pn)
	if n.kind() == typeInternal {
		visit(pn, false)
		for i := uint16(0); i < n.nkeys(); i++ {
			t.walk(n.getPtr(i), visit)
		}
		return
	}
	visit(pn, true)
	for i := uint16(0); i < n.nkeys(); i++ {
		e := n.getRaw(i)
		if e.flags&flagKeyOverflow != 0 {
			_, head := decodeDescriptor(e.key)
			t.walkOverflow(head, visit)
		}
		if e.flags&flagValOverflow != 0 {
			_, head := decodeDescriptor(e.val)
			t.walkOverflow(head, visit)
		}
	}
}

func (t *Tree) walkOverflow(head pnum.PageNumber, visit func(pnum.PageNumber, bool)) {
	pn := head
	for !pn.IsNull() {
		raw := t.getPage(pn)
		visit(pn, false)
		pn = pnum.PageNumber(leUint64(raw))
	}
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
