package arbor

import (
	"encoding/binary"

	"github.com/arborstore/arbor/internal/pnum"
)

// freedTreeKey encodes a transaction id as an 8-byte big-endian key so
// the freed-tree (itself an ordinary btree.Tree) orders its entries by
// commit order, letting reclamation walk it from oldest to newest.
func freedTreeKey(txnID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, txnID)
	return buf
}

func decodeFreedTreeKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

// encodePageList serializes a batch of page numbers queued for deferred
// freeing under one transaction id.
func encodePageList(pages []pnum.PageNumber) []byte {
	buf := make([]byte, 8*len(pages))
	for i, pn := range pages {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(pn))
	}
	return buf
}

func decodePageList(buf []byte) []pnum.PageNumber {
	n := len(buf) / 8
	pages := make([]pnum.PageNumber, n)
	for i := 0; i < n; i++ {
		pages[i] = pnum.PageNumber(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return pages
}
