package pagefile

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/arborstore/arbor/internal/pnum"
)

// GodPageSize is the fixed on-disk size of a god page; it fits comfortably
// inside one base page at the default page size.
const GodPageSize = 96

// GodPage is spec.md §4.1's commit slot: the root pointers and allocator
// snapshot a reader or recovery needs to reconstruct a consistent view of
// the database as of one transaction.
type GodPage struct {
	Slot               int
	TransactionID      uint64
	UserMasterRoot     pnum.PageNumber
	UserMasterLength   uint64
	SystemMasterRoot   pnum.PageNumber
	FreedTreeRoot      pnum.PageNumber
	NumRegions         uint32
	FileLength         uint64
	TwoPhaseCommitDone bool
}

// Encode serializes the god page, including its trailing checksum.
func (g GodPage) Encode() []byte {
	buf := make([]byte, GodPageSize)
	copy(buf[0:4], godMagic[:])
	buf[4] = byte(g.Slot)
	if g.TwoPhaseCommitDone {
		buf[5] = 1
	}
	binary.LittleEndian.PutUint64(buf[8:16], g.TransactionID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(g.UserMasterRoot))
	binary.LittleEndian.PutUint64(buf[24:32], g.UserMasterLength)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(g.SystemMasterRoot))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(g.FreedTreeRoot))
	binary.LittleEndian.PutUint32(buf[48:52], g.NumRegions)
	binary.LittleEndian.PutUint64(buf[56:64], g.FileLength)

	sum := xxhash.Sum64(buf[:80])
	binary.LittleEndian.PutUint64(buf[80:88], sum)
	return buf
}

// DecodeGodPage parses and validates a god page. A checksum mismatch
// (including an all-zero, never-written slot) returns ErrInvalidData; the
// caller treats that as "this slot is not a candidate" rather than a fatal
// error, since one slot is always unwritten on a freshly created database.
func DecodeGodPage(buf []byte) (GodPage, error) {
	if len(buf) < GodPageSize {
		return GodPage{}, fmt.Errorf("pagefile: god page too short: %d bytes", len(buf))
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != godMagic {
		return GodPage{}, fmt.Errorf("pagefile: %w: bad god page magic", ErrInvalidData)
	}
	want := binary.LittleEndian.Uint64(buf[80:88])
	got := xxhash.Sum64(buf[:80])
	if want != got {
		return GodPage{}, fmt.Errorf("pagefile: %w: god page checksum mismatch", ErrInvalidData)
	}
	return GodPage{
		Slot:               int(buf[4]),
		TwoPhaseCommitDone:  buf[5] == 1,
		TransactionID:       binary.LittleEndian.Uint64(buf[8:16]),
		UserMasterRoot:      pnum.PageNumber(binary.LittleEndian.Uint64(buf[16:24])),
		UserMasterLength:    binary.LittleEndian.Uint64(buf[24:32]),
		SystemMasterRoot:    pnum.PageNumber(binary.LittleEndian.Uint64(buf[32:40])),
		FreedTreeRoot:       pnum.PageNumber(binary.LittleEndian.Uint64(buf[40:48])),
		NumRegions:          binary.LittleEndian.Uint32(buf[48:52]),
		FileLength:          binary.LittleEndian.Uint64(buf[56:64]),
	}, nil
}
