package arbor

import (
	"fmt"

	"github.com/arborstore/arbor/internal/alloc"
	"github.com/arborstore/arbor/internal/backend"
	"github.com/arborstore/arbor/internal/pnum"
)

// pageIO is the page cache a single write transaction uses to stage
// copy-on-write pages before they're flushed to the backend at commit
// time. It plays the role of the teacher's KV.page (flushed count + temp
// slice + updates map in pkg/storage/kv.go), adapted to region/bitmap
// allocation: every "new" page is a fresh allocator slot rather than an
// appended offset, and every page committed-at-transaction-start is
// immutable, so there is no in-place "updates" map, only "dirty" pages
// awaiting their first flush.
type pageIO struct {
	be    backend.Backend
	alloc *alloc.Allocator

	dirty           map[pnum.PageNumber][]byte
	allocatedThisTx map[pnum.PageNumber]bool
	pendingFree     []pnum.PageNumber
}

func newPageIO(be backend.Backend, a *alloc.Allocator) *pageIO {
	return &pageIO{
		be:              be,
		alloc:           a,
		dirty:           make(map[pnum.PageNumber][]byte),
		allocatedThisTx: make(map[pnum.PageNumber]bool),
	}
}

// get returns pn's current bytes: the in-memory dirty copy if this
// transaction already wrote it, otherwise a read-through to the backend.
func (p *pageIO) get(pn pnum.PageNumber) []byte {
	if buf, ok := p.dirty[pn]; ok {
		return buf
	}
	buf := make([]byte, p.alloc.PageSize())
	if err := p.be.ReadAt(p.alloc.PageOffset(pn), buf); err != nil {
		panic(fmt.Sprintf("pageio: read %s: %v", pn, err))
	}
	return buf
}

// new allocates a fresh page, stages content, and records that this
// transaction owns it (so a same-transaction free can reclaim it
// immediately instead of deferring to the freed-tree).
func (p *pageIO) new(content []byte) pnum.PageNumber {
	pn, err := p.alloc.Allocate()
	if err != nil {
		panic(fmt.Sprintf("pageio: allocate: %v", err))
	}
	buf := make([]byte, p.alloc.PageSize())
	copy(buf, content)
	p.dirty[pn] = buf
	p.allocatedThisTx[pn] = true
	return pn
}

// del releases pn. A page allocated earlier in this same transaction is
// unwound immediately (it was never visible to any reader); a page that
// predates this transaction cannot be reused yet, since an existing read
// snapshot's god page may still reference it, so it's queued for the
// freed-tree instead.
func (p *pageIO) del(pn pnum.PageNumber) {
	if p.allocatedThisTx[pn] {
		p.alloc.Free(pn)
		delete(p.dirty, pn)
		delete(p.allocatedThisTx, pn)
		return
	}
	p.pendingFree = append(p.pendingFree, pn)
}

// reclaim physically frees pn in the allocator. Unlike del, it never
// defers to the pending-free queue: it is only safe to call once no live
// reader snapshot can possibly still reference pn, which reclaimFreedTree
// has already established by the time it calls this.
func (p *pageIO) reclaim(pn pnum.PageNumber) {
	delete(p.dirty, pn)
	delete(p.allocatedThisTx, pn)
	p.alloc.Free(pn)
}

// takePendingFree drains and returns the pages queued by del this round,
// so the commit pipeline can fold them into the freed-tree.
func (p *pageIO) takePendingFree() []pnum.PageNumber {
	out := p.pendingFree
	p.pendingFree = nil
	return out
}

// pageIOSnapshot is an opaque capture of a pageIO's in-progress state,
// the page-cache half of a write transaction's savepoint (see
// alloc.WorkingSnapshot for the allocator's half).
type pageIOSnapshot struct {
	dirty           map[pnum.PageNumber][]byte
	allocatedThisTx map[pnum.PageNumber]bool
	pendingFree     []pnum.PageNumber
}

func (p *pageIO) snapshot() pageIOSnapshot {
	dirty := make(map[pnum.PageNumber][]byte, len(p.dirty))
	for pn, buf := range p.dirty {
		cp := make([]byte, len(buf))
		copy(cp, buf)
		dirty[pn] = cp
	}
	allocated := make(map[pnum.PageNumber]bool, len(p.allocatedThisTx))
	for pn := range p.allocatedThisTx {
		allocated[pn] = true
	}
	pending := make([]pnum.PageNumber, len(p.pendingFree))
	copy(pending, p.pendingFree)
	return pageIOSnapshot{dirty: dirty, allocatedThisTx: allocated, pendingFree: pending}
}

func (p *pageIO) restore(snap pageIOSnapshot) {
	// Copy so later writes never alter snap, which may be restored again.
	cp := (&pageIO{dirty: snap.dirty, allocatedThisTx: snap.allocatedThisTx, pendingFree: snap.pendingFree}).snapshot()
	p.dirty = cp.dirty
	p.allocatedThisTx = cp.allocatedThisTx
	p.pendingFree = cp.pendingFree
}

// flush writes every dirty page to the backend.
func (p *pageIO) flush() error {
	for pn, buf := range p.dirty {
		if err := p.be.WriteAt(p.alloc.PageOffset(pn), buf); err != nil {
			return fmt.Errorf("pageio: write %s: %w", pn, err)
		}
	}
	p.dirty = make(map[pnum.PageNumber][]byte)
	return nil
}
