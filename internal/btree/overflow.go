package btree

import (
	"encoding/binary"

	"github.com/arborstore/arbor/internal/pnum"
)

// overflowHeaderSize is the next-pointer plus this-page payload length
// prefixing every page in an overflow chain.
const overflowHeaderSize = 12

// writeOverflow splits data across a chain of pages, each sized to the
// tree's page size, and returns the page number of the chain's head.
// Pages are written tail-first so each one can record its successor.
func (t *Tree) writeOverflow(data []byte) pnum.PageNumber {
	capacity := int(t.pageSize) - overflowHeaderSize
	var next pnum.PageNumber
	offset := len(data)
	for offset > 0 {
		chunkLen := capacity
		if chunkLen > offset {
			chunkLen = offset
		}
		start := offset - chunkLen
		buf := make([]byte, t.pageSize)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(next))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(chunkLen))
		copy(buf[overflowHeaderSize:], data[start:offset])
		next = t.newPage(buf)
		offset = start
	}
	return next
}

// readOverflow reconstructs the original byte slice from a chain head and
// the descriptor's recorded total length.
func (t *Tree) readOverflow(head pnum.PageNumber, totalLen uint64) []byte {
	out := make([]byte, totalLen)
	pos := uint64(0)
	pn := head
	for !pn.IsNull() {
		page := t.getPage(pn)
		next := pnum.PageNumber(binary.LittleEndian.Uint64(page[0:8]))
		chunkLen := binary.LittleEndian.Uint32(page[8:12])
		copy(out[pos:], page[overflowHeaderSize:overflowHeaderSize+chunkLen])
		pos += uint64(chunkLen)
		pn = next
	}
	return out
}

// freeOverflow releases every page in a chain.
func (t *Tree) freeOverflow(head pnum.PageNumber) {
	pn := head
	for !pn.IsNull() {
		page := t.getPage(pn)
		next := pnum.PageNumber(binary.LittleEndian.Uint64(page[0:8]))
		t.delPage(pn)
		pn = next
	}
}

// materialize turns a raw stored key or value (inline bytes, or an
// overflow descriptor) back into its logical bytes.
func (t *Tree) materializeKey(e rawEntry) []byte {
	if e.flags&flagKeyOverflow == 0 {
		return e.key
	}
	totalLen, head := decodeDescriptor(e.key)
	return t.readOverflow(head, totalLen)
}

func (t *Tree) materializeVal(e rawEntry) []byte {
	if e.flags&flagValOverflow == 0 {
		return e.val
	}
	totalLen, head := decodeDescriptor(e.val)
	return t.readOverflow(head, totalLen)
}

// storeEntry converts a logical key/value pair into its raw, on-page
// representation, spilling to overflow chains as needed. Any previous
// overflow chains referenced by an entry being replaced are NOT freed
// here; callers free the old entry explicitly once they know the
// replacement succeeded (see Tree.Insert).
func (t *Tree) storeEntry(key, val []byte) rawEntry {
	var e rawEntry
	if len(key) > MaxInlineKeySize {
		head := t.writeOverflow(key)
		e.key = encodeDescriptor(uint64(len(key)), head)
		e.flags |= flagKeyOverflow
	} else {
		e.key = key
	}
	if len(val) > MaxInlineValueSize {
		head := t.writeOverflow(val)
		e.val = encodeDescriptor(uint64(len(val)), head)
		e.flags |= flagValOverflow
	} else {
		e.val = val
	}
	return e
}

// freeEntryOverflows releases any overflow chains referenced by a raw
// entry being discarded (an updated or deleted leaf KV).
func (t *Tree) freeEntryOverflows(e rawEntry) {
	if e.flags&flagKeyOverflow != 0 {
		_, head := decodeDescriptor(e.key)
		t.freeOverflow(head)
	}
	if e.flags&flagValOverflow != 0 {
		_, head := decodeDescriptor(e.val)
		t.freeOverflow(head)
	}
}
