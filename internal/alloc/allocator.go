// Package alloc implements spec.md §4.2: the page allocator. Regions are
// fixed-size allocation arenas; each has a bitmap with one bit per base
// page. The file grows in whole regions via Grow.
//
// Grounded in the teacher's pkg/storage/freelist.go (an unrolled-linked-list
// free list) generalized to a bitmap-per-region allocator per spec.md, plus
// pkg/storage/kv.go's pageAlloc/pageAppend/extendMmap for the grow-on-demand
// shape.
//
// Simplification recorded in DESIGN.md: although pnum.PageNumber can
// address a multi-base-page "order" per spec.md §4.1, this allocator only
// ever hands out order-0 (single base page) pages. Oversize B-tree values
// use a linear chain of order-0 pages instead (spec.md §4.3's other
// sanctioned option), which keeps the bitmap a flat one-bit-per-page
// structure.
package alloc

import (
	"fmt"

	"github.com/arborstore/arbor/internal/backend"
	"github.com/arborstore/arbor/internal/errs"
	"github.com/arborstore/arbor/internal/pagefile"
	"github.com/arborstore/arbor/internal/pnum"
)

// ErrOutOfSpace is returned by Allocate when Grow cannot make room.
var ErrOutOfSpace = errs.ErrOutOfSpace

type region struct {
	header pagefile.RegionHeader
	bitmap pagefile.Bitmap
}

func (r *region) clone() *region {
	bm := make(pagefile.Bitmap, len(r.bitmap))
	copy(bm, r.bitmap)
	return &region{header: r.header, bitmap: bm}
}

// Allocator manages the set of regions backing a database file.
type Allocator struct {
	be          backend.Backend
	pageSize    uint32
	regionPages uint32

	committed []*region

	inTxn   bool
	working map[uint32]*region // region index -> CoW copy, populated lazily
}

// Open constructs an allocator over numRegions existing regions, reading
// each region's header+bitmap from the backend.
func Open(be backend.Backend, pageSize, regionPages, numRegions uint32) (*Allocator, error) {
	a := &Allocator{be: be, pageSize: pageSize, regionPages: regionPages}
	for i := uint32(0); i < numRegions; i++ {
		buf := make([]byte, pagefile.RegionHeaderSize+pagefile.BitmapBytes(regionPages))
		if err := be.ReadAt(pagefile.RegionOffset(pageSize, regionPages, i), buf); err != nil {
			return nil, fmt.Errorf("alloc: read region %d: %w", i, err)
		}
		h := pagefile.DecodeRegionHeader(buf)
		bm := make(pagefile.Bitmap, pagefile.BitmapBytes(regionPages))
		copy(bm, buf[pagefile.RegionHeaderSize:])
		a.committed = append(a.committed, &region{header: h, bitmap: bm})
	}
	return a, nil
}

// New constructs an allocator with zero regions; the first Allocate call
// will Grow the file.
func New(be backend.Backend, pageSize, regionPages uint32) *Allocator {
	return &Allocator{be: be, pageSize: pageSize, regionPages: regionPages}
}

// NumRegions reports how many regions currently exist (committed count;
// stable across a write transaction except for newly grown regions, which
// are appended to both committed and working on Grow).
func (a *Allocator) NumRegions() uint32 {
	return uint32(len(a.committed))
}

// BeginWrite starts a write transaction's view over the allocator: all
// mutation from here happens in copy-on-write working bitmaps.
func (a *Allocator) BeginWrite() {
	a.inTxn = true
	a.working = make(map[uint32]*region)
}

func (a *Allocator) regionFor(idx uint32) *region {
	if a.inTxn {
		if r, ok := a.working[idx]; ok {
			return r
		}
		r := a.committed[idx].clone()
		a.working[idx] = r
		return r
	}
	return a.committed[idx]
}

// Allocate returns a fresh, previously-unused page number, growing the
// file by one region if no existing region has room.
func (a *Allocator) Allocate() (pnum.PageNumber, error) {
	if !a.inTxn {
		panic("alloc: Allocate called outside a write transaction")
	}
	for idx := uint32(0); idx < uint32(len(a.committed)); idx++ {
		r := a.regionFor(idx)
		// Offset 0 of region 0 would encode as pnum.Zero, the null page.
		from := uint32(0)
		if idx == 0 {
			from = 1
		}
		if start, ok := r.bitmap.FindFreeRun(a.regionPages, from, 1); ok {
			r.bitmap.Set(start, true)
			r.header.UsedCount++
			return pnum.New(idx, uint64(start), 0), nil
		}
	}
	if err := a.Grow(); err != nil {
		return pnum.Zero, err
	}
	idx := uint32(len(a.committed)) - 1
	r := a.regionFor(idx)
	from := uint32(0)
	if idx == 0 {
		from = 1
	}
	start, ok := r.bitmap.FindFreeRun(a.regionPages, from, 1)
	if !ok {
		return pnum.Zero, fmt.Errorf("alloc: %w: freshly grown region has no room", ErrOutOfSpace)
	}
	r.bitmap.Set(start, true)
	r.header.UsedCount++
	return pnum.New(idx, uint64(start), 0), nil
}

// Free clears the bit for pn. Callers are responsible for ensuring it is
// safe to do so now (see the transaction manager's pending-free queue);
// the allocator itself has no notion of reader snapshots.
func (a *Allocator) Free(pn pnum.PageNumber) {
	if !a.inTxn {
		panic("alloc: Free called outside a write transaction")
	}
	r := a.regionFor(pn.Region())
	if !r.bitmap.Get(uint32(pn.Offset())) {
		panic(fmt.Sprintf("alloc: double free of %s", pn))
	}
	r.bitmap.Set(uint32(pn.Offset()), false)
	r.header.UsedCount--
}

// IsAllocated reports whether pn is marked used in the current view
// (working bitmap during a write transaction, committed otherwise).
func (a *Allocator) IsAllocated(pn pnum.PageNumber) bool {
	if pn.IsNull() {
		return false
	}
	if int(pn.Region()) >= len(a.committed) {
		return false
	}
	r := a.regionFor(pn.Region())
	return r.bitmap.Get(uint32(pn.Offset()))
}

// Grow extends the backing file by one region.
func (a *Allocator) Grow() error {
	idx := uint32(len(a.committed))
	newLen, err := a.be.Len()
	if err != nil {
		return err
	}
	regionEnd := pagefile.RegionOffset(a.pageSize, a.regionPages, idx) + pagefile.RegionByteSize(a.pageSize, a.regionPages)
	if regionEnd > newLen {
		if err := a.be.SetLen(regionEnd); err != nil {
			return fmt.Errorf("alloc: grow: %w", err)
		}
	}
	r := &region{
		header: pagefile.RegionHeader{RegionID: idx},
		bitmap: make(pagefile.Bitmap, pagefile.BitmapBytes(a.regionPages)),
	}
	a.committed = append(a.committed, r)
	if a.inTxn {
		a.working[idx] = r.clone()
	}
	return nil
}

// CommitWrite persists every touched region's header+bitmap and makes the
// working snapshot the new committed state.
func (a *Allocator) CommitWrite() error {
	for idx, r := range a.working {
		buf := make([]byte, pagefile.RegionHeaderSize+len(r.bitmap))
		pagefile.EncodeRegionHeader(buf, r.header)
		copy(buf[pagefile.RegionHeaderSize:], r.bitmap)
		if err := a.be.WriteAt(pagefile.RegionOffset(a.pageSize, a.regionPages, idx), buf); err != nil {
			return fmt.Errorf("alloc: commit region %d: %w", idx, err)
		}
		a.committed[idx] = r
	}
	a.working = nil
	a.inTxn = false
	return nil
}

// AbortWrite discards the working snapshot, including any regions grown
// during the aborted transaction. Their file space stays on disk,
// unreferenced; the next Grow reuses the same region index and offset,
// extending the file only if that region's end lies past its current
// length.
func (a *Allocator) AbortWrite(regionsBeforeTxn int) {
	if len(a.committed) > regionsBeforeTxn {
		a.committed = a.committed[:regionsBeforeTxn]
	}
	a.working = nil
	a.inTxn = false
}

// WorkingSnapshot is an opaque capture of a write transaction's
// in-progress region state, produced by SnapshotWorking and consumed by
// RestoreWorking to implement savepoint rollback.
type WorkingSnapshot map[uint32]*region

// SnapshotWorking returns a deep copy of the current working-region set,
// for a write transaction's savepoint. The allocator must already be in
// a write transaction.
func (a *Allocator) SnapshotWorking() WorkingSnapshot {
	snap := make(WorkingSnapshot, len(a.working))
	for idx, r := range a.working {
		snap[idx] = r.clone()
	}
	return snap
}

// RestoreWorking replaces the current working-region set with a
// previously captured snapshot, rolling back every allocation and free
// made since the snapshot was taken (within the same write transaction).
// Regions grown after the snapshot are dropped from the committed slice
// too, mirroring AbortWrite's handling of a grow that never committed.
func (a *Allocator) RestoreWorking(snap WorkingSnapshot, regionsAtSnapshot int) {
	if len(a.committed) > regionsAtSnapshot {
		a.committed = a.committed[:regionsAtSnapshot]
	}
	restored := make(map[uint32]*region, len(snap))
	for idx, r := range snap {
		restored[idx] = r.clone()
	}
	a.working = restored
}

// AllocatedPageCount returns the total number of base pages currently
// marked used, across all regions, in the committed state.
func (a *Allocator) AllocatedPageCount() uint64 {
	var total uint64
	for _, r := range a.committed {
		for i := uint32(0); i < a.regionPages; i++ {
			if r.bitmap.Get(i) {
				total++
			}
		}
	}
	return total
}

// TotalPageCapacity returns the number of base pages available across all
// existing regions (used + free).
func (a *Allocator) TotalPageCapacity() uint64 {
	return uint64(len(a.committed)) * uint64(a.regionPages)
}

// PageSize returns the configured base page size.
func (a *Allocator) PageSize() uint32 { return a.pageSize }

// RegionPages returns the configured base pages per region.
func (a *Allocator) RegionPages() uint32 { return a.regionPages }

// PageOffset returns the absolute byte offset of pn's single base page.
func (a *Allocator) PageOffset(pn pnum.PageNumber) uint64 {
	return pagefile.RegionDataOffset(a.pageSize, a.regionPages, pn.Region()) + pn.Offset()*uint64(a.pageSize)
}

// TrimTrailingFreeRegions drops whole regions off the tail of the file
// that are entirely free, shrinking the backend to match. It must be
// called at the start of a write transaction, before any Allocate/Free in
// that transaction, since it reads (and mutates) committed region state
// directly rather than going through the working copy-on-write path.
func (a *Allocator) TrimTrailingFreeRegions() (int, error) {
	n := 0
	for len(a.committed) > 0 {
		last := a.committed[len(a.committed)-1]
		if last.header.UsedCount != 0 {
			break
		}
		a.committed = a.committed[:len(a.committed)-1]
		if a.working != nil {
			delete(a.working, uint32(len(a.committed)))
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	newLen := pagefile.RegionOffset(a.pageSize, a.regionPages, uint32(len(a.committed)))
	if err := a.be.SetLen(newLen); err != nil {
		return 0, fmt.Errorf("alloc: trim trailing regions: %w", err)
	}
	return n, nil
}
