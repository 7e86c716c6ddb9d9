// Package pagefile implements spec.md §4.1/§6.2: the primary header, the
// two alternating god pages (commit slots) and the region/bitmap layout
// that the allocator reads and writes.
//
// Grounded in the teacher's meta-page handling (pkg/storage/kv.go
// readMeta/writeMeta/saveMeta) generalized from a single meta page to two
// alternating god pages plus region headers, per spec.md's dual-slot
// shadow-paging design. Checksums use xxhash64 (github.com/cespare/xxhash/v2),
// a dependency already pulled transitively into the teacher's stack via
// prometheus/common and promoted here to a direct, load-bearing use.
package pagefile

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/arborstore/arbor/internal/errs"
)

// ErrInvalidData re-exports the shared sentinel so callers outside this
// package can match it with errors.Is without importing internal/errs.
var ErrInvalidData = errs.ErrInvalidData

// DefaultPageSize is the base page size in bytes, matching the teacher's
// BTREE_PAGE_SIZE.
const DefaultPageSize = 4096

// DefaultRegionPages is the number of base pages per region when a
// Builder doesn't override it. Kept small (1 MiB regions at the default
// page size) so tests exercise multi-region growth without huge files.
const DefaultRegionPages = 256

var primaryMagic = [4]byte{'A', 'R', 'B', '1'}
var godMagic = [4]byte{'G', 'O', 'D', 'P'}

// PrimaryHeaderSize is the on-disk size of the primary header; it always
// occupies page 0 regardless of configured page size.
const PrimaryHeaderSize = 32

// PrimaryHeader is the fixed layout at file offset 0.
type PrimaryHeader struct {
	FormatVersion uint8
	PageSize      uint32
	RegionPages   uint32
}

// Encode serializes the header into a PrimaryHeaderSize-byte buffer
// whose last 8 bytes hold an xxhash64 checksum of the first 24.
func (h PrimaryHeader) Encode() []byte {
	buf := make([]byte, PrimaryHeaderSize)
	copy(buf[0:4], primaryMagic[:])
	buf[4] = h.FormatVersion
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.RegionPages)
	sum := xxhash.Sum64(buf[:24])
	binary.LittleEndian.PutUint64(buf[24:32], sum)
	return buf
}

// DecodePrimaryHeader validates and parses a primary header.
func DecodePrimaryHeader(buf []byte) (PrimaryHeader, error) {
	if len(buf) < PrimaryHeaderSize {
		return PrimaryHeader{}, fmt.Errorf("pagefile: primary header too short: %d bytes", len(buf))
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != primaryMagic {
		return PrimaryHeader{}, fmt.Errorf("pagefile: %w: bad magic", ErrInvalidData)
	}
	want := binary.LittleEndian.Uint64(buf[24:32])
	got := xxhash.Sum64(buf[:24])
	if want != got {
		return PrimaryHeader{}, fmt.Errorf("pagefile: %w: primary header checksum mismatch", ErrInvalidData)
	}
	return PrimaryHeader{
		FormatVersion: buf[4],
		PageSize:      binary.LittleEndian.Uint32(buf[8:12]),
		RegionPages:   binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// GodPageOffset returns the absolute byte offset of god-page slot 0 or 1.
func GodPageOffset(pageSize uint32, slot int) uint64 {
	return uint64(pageSize) * uint64(1+slot)
}

// FirstRegionOffset is the byte offset where region 0 begins: page 0 is
// the primary header, pages 1 and 2 are the god pages, region data
// follows at page 3.
func FirstRegionOffset(pageSize uint32) uint64 {
	return uint64(pageSize) * 3
}
