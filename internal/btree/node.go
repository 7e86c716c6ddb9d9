// Package btree implements spec.md §4.3: the copy-on-write B-tree that
// backs every user table, the master table, and the freed-tree.
//
// The node layout is a direct generalization of the teacher's
// pkg/btree/node.go (header + pointer array + offset array + packed KV
// area). Two things change to fit spec.md: pointers are pnum.PageNumber
// rather than raw mmap offsets, and an oversize key or value is replaced
// inline by a small fixed-size descriptor pointing at a chain of overflow
// pages (see overflow.go) instead of being rejected outright.
package btree

import (
	"encoding/binary"

	"github.com/arborstore/arbor/internal/pnum"
)

type nodeType uint16

const (
	typeInternal nodeType = 1
	typeLeaf     nodeType = 2
)

// headerSize is the type+nkeys prefix common to every node.
const headerSize = 4

// descriptorSize is the fixed width of an overflow descriptor stored
// inline in place of a key or value that is too large to embed directly:
// an 8-byte logical length followed by the 8-byte page number of the
// first page in its overflow chain.
const descriptorSize = 16

// Inline size ceilings. A key or value at or under its ceiling is stored
// directly in the node; anything larger is spilled to an overflow chain
// and replaced by a descriptor. Kept well under a quarter of the default
// page size so a handful of entries always fit in one node.
const (
	MaxInlineKeySize   = 512
	MaxInlineValueSize = 512
)

const (
	flagKeyOverflow byte = 1 << 0
	flagValOverflow byte = 1 << 1
)

// node is a single page's worth (or, transiently during a split, up to
// two pages') of B-tree bytes.
type node []byte

func (n node) kind() nodeType {
	return nodeType(binary.LittleEndian.Uint16(n[0:2]))
}

func (n node) nkeys() uint16 {
	return binary.LittleEndian.Uint16(n[2:4])
}

func (n node) setHeader(t nodeType, nkeys uint16) {
	binary.LittleEndian.PutUint16(n[0:2], uint16(t))
	binary.LittleEndian.PutUint16(n[2:4], nkeys)
}

func (n node) getPtr(idx uint16) pnum.PageNumber {
	if idx >= n.nkeys() {
		panic("btree: getPtr index out of range")
	}
	pos := headerSize + 8*idx
	return pnum.PageNumber(binary.LittleEndian.Uint64(n[pos:]))
}

func (n node) setPtr(idx uint16, p pnum.PageNumber) {
	if idx >= n.nkeys() {
		panic("btree: setPtr index out of range")
	}
	pos := headerSize + 8*idx
	binary.LittleEndian.PutUint64(n[pos:], uint64(p))
}

func (n node) offsetPos(idx uint16) uint16 {
	if idx < 1 || idx > n.nkeys() {
		panic("btree: offset index out of range")
	}
	return headerSize + 8*n.nkeys() + 2*(idx-1)
}

func (n node) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n[n.offsetPos(idx):])
}

func (n node) setOffset(idx uint16, off uint16) {
	binary.LittleEndian.PutUint16(n[n.offsetPos(idx):], off)
}

func (n node) kvPos(idx uint16) uint16 {
	if idx > n.nkeys() {
		panic("btree: kv index out of range")
	}
	return headerSize + 8*n.nkeys() + 2*n.nkeys() + n.getOffset(idx)
}

// rawEntry is what's physically stored at an index: possibly-descriptor
// key/value bytes plus the overflow flags that say how to interpret them.
type rawEntry struct {
	flags byte
	key   []byte
	val   []byte
}

func (n node) getRaw(idx uint16) rawEntry {
	if idx >= n.nkeys() {
		panic("btree: getRaw index out of range")
	}
	pos := n.kvPos(idx)
	flags := n[pos]
	klen := binary.LittleEndian.Uint16(n[pos+1:])
	vlen := binary.LittleEndian.Uint16(n[pos+3:])
	key := n[pos+5:][:klen]
	val := n[pos+5+klen:][:vlen]
	return rawEntry{flags: flags, key: key, val: val}
}

func (n node) nbytes() uint16 {
	return n.kvPos(n.nkeys())
}

// entrySize returns the number of bytes an entry with the given raw
// (already-possibly-descriptor) key/value will occupy in the KV area.
func entrySize(key, val []byte) uint16 {
	return 5 + uint16(len(key)) + uint16(len(val))
}

func appendRaw(dst node, idx uint16, ptr pnum.PageNumber, e rawEntry) {
	dst.setPtr(idx, ptr)
	pos := dst.kvPos(idx)
	dst[pos] = e.flags
	binary.LittleEndian.PutUint16(dst[pos+1:], uint16(len(e.key)))
	binary.LittleEndian.PutUint16(dst[pos+3:], uint16(len(e.val)))
	copy(dst[pos+5:], e.key)
	copy(dst[pos+5+uint16(len(e.key)):], e.val)
	dst.setOffset(idx+1, dst.getOffset(idx)+entrySize(e.key, e.val))
}

// appendRange copies n consecutive entries starting at srcIdx in src to
// dstIdx in dst, including child pointers for internal nodes.
func appendRange(dst, src node, dstIdx, srcIdx, n uint16) {
	if n == 0 {
		return
	}
	for i := uint16(0); i < n; i++ {
		dst.setPtr(dstIdx+i, src.getPtr(srcIdx+i))
	}
	dstBegin := dst.getOffset(dstIdx)
	srcBegin := src.getOffset(srcIdx)
	for i := uint16(1); i <= n; i++ {
		dst.setOffset(dstIdx+i, dstBegin+src.getOffset(srcIdx+i)-srcBegin)
	}
	begin := src.kvPos(srcIdx)
	end := src.kvPos(srcIdx + n)
	copy(dst[dst.kvPos(dstIdx):], src[begin:end])
}

func encodeDescriptor(totalLen uint64, head pnum.PageNumber) []byte {
	buf := make([]byte, descriptorSize)
	binary.LittleEndian.PutUint64(buf[0:8], totalLen)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(head))
	return buf
}

func decodeDescriptor(buf []byte) (totalLen uint64, head pnum.PageNumber) {
	return binary.LittleEndian.Uint64(buf[0:8]), pnum.PageNumber(binary.LittleEndian.Uint64(buf[8:16]))
}
