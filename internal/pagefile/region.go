package pagefile

import "encoding/binary"

// RegionHeaderSize is the fixed metadata prefix of a region: region id and
// live-page count, followed immediately by the allocation bitmap. Both
// live inside the region's first base page.
const RegionHeaderSize = 8

// RegionByteSize returns the total number of bytes a region occupies: one
// base page reserved for the header+bitmap, plus regionPages base pages of
// payload.
func RegionByteSize(pageSize uint32, regionPages uint32) uint64 {
	return uint64(pageSize) * uint64(1+regionPages)
}

// RegionOffset returns the absolute byte offset of region index's metadata
// page (header + bitmap).
func RegionOffset(pageSize uint32, regionPages uint32, index uint32) uint64 {
	return FirstRegionOffset(pageSize) + uint64(index)*RegionByteSize(pageSize, regionPages)
}

// RegionDataOffset returns the absolute byte offset of region index's
// payload area, where base-page 0 of that region begins.
func RegionDataOffset(pageSize uint32, regionPages uint32, index uint32) uint64 {
	return RegionOffset(pageSize, regionPages, index) + uint64(pageSize)
}

// BitmapBytes returns the number of bytes needed to hold one bit per base
// page in a region.
func BitmapBytes(regionPages uint32) int {
	return int((regionPages + 7) / 8)
}

// RegionHeader is the small fixed record at the start of a region's
// metadata page.
type RegionHeader struct {
	RegionID  uint32
	UsedCount uint32
}

// EncodeRegionHeader writes the header into the front of a metadata-page
// buffer; the bitmap is expected to follow immediately in the same buffer.
func EncodeRegionHeader(buf []byte, h RegionHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.RegionID)
	binary.LittleEndian.PutUint32(buf[4:8], h.UsedCount)
}

// DecodeRegionHeader reads the header from the front of a metadata-page
// buffer.
func DecodeRegionHeader(buf []byte) RegionHeader {
	return RegionHeader{
		RegionID:  binary.LittleEndian.Uint32(buf[0:4]),
		UsedCount: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Bitmap is a thin helper over a byte slice addressed one bit per base
// page. It does not own its storage, so callers can operate directly on
// copy-on-write working buffers.
type Bitmap []byte

func (b Bitmap) Get(i uint32) bool {
	return b[i/8]&(1<<(i%8)) != 0
}

func (b Bitmap) Set(i uint32, v bool) {
	if v {
		b[i/8] |= 1 << (i % 8)
	} else {
		b[i/8] &^= 1 << (i % 8)
	}
}

// FindFreeRun scans for `n` consecutive clear bits starting no earlier
// than `from`, returning the starting bit index, or ok=false if no such
// run exists within `total` bits.
func (b Bitmap) FindFreeRun(total uint32, from uint32, n uint32) (start uint32, ok bool) {
	run := uint32(0)
	runStart := from
	for i := from; i < total; i++ {
		if !b.Get(i) {
			if run == 0 {
				runStart = i
			}
			run++
			if run == n {
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// SetRun marks n consecutive bits starting at start to v.
func (b Bitmap) SetRun(start, n uint32, v bool) {
	for i := start; i < start+n; i++ {
		b.Set(i, v)
	}
}
