// Package arbor implements an embedded, single-file, ACID key-value
// store: ordered tables and ordered multimaps over opaque byte keys and
// values, backed by a copy-on-write B-tree and dual god-page shadow
// paging for crash-atomic commits.
//
// Grounded in the teacher's pkg/storage/kv.go (Open/Close, meta page
// read/write, the page cache) generalized from a single meta page and a
// flat free list to two alternating god pages and a region/bitmap
// allocator (internal/alloc, internal/pagefile), which is what lets
// concurrent read snapshots (spec.md's MVCC readers) keep working while
// a writer commits.
package arbor

import (
	"fmt"
	"sync"
	"time"

	"github.com/arborstore/arbor/internal/alloc"
	"github.com/arborstore/arbor/internal/backend"
	"github.com/arborstore/arbor/internal/btree"
	"github.com/arborstore/arbor/internal/logger"
	"github.com/arborstore/arbor/internal/master"
	"github.com/arborstore/arbor/internal/metrics"
	"github.com/arborstore/arbor/internal/pagefile"
	"github.com/arborstore/arbor/internal/pnum"
)

// Durability selects how aggressively a write transaction's commit is
// flushed to stable storage.
type Durability int

const (
	// DurabilityImmediate fsyncs data pages and then the god page before
	// Commit returns, so a committed transaction survives a crash.
	DurabilityImmediate Durability = iota
	// DurabilityNone skips both fsyncs; a crash may lose the commit
	// (but never corrupts the file, since the previous god page is
	// untouched until the new one is fully written).
	DurabilityNone
)

// Database is a single open storage engine instance, bound to one
// backend. It is safe for concurrent use: one write transaction and any
// number of read transactions may be open at once.
type Database struct {
	be          backend.Backend
	pageSize    uint32
	regionPages uint32
	alloc       *alloc.Allocator

	log     *logger.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex // serializes write transactions; the engine has one writer

	stateMu   sync.Mutex // guards the fields below
	slot      int
	current   pagefile.GodPage
	nextTxnID uint64

	activeReaders map[uint64]int

	poisoned bool

	carryoverPendingFree []pnum.PageNumber

	// nextSavepointSeq hands out monotonic ids shared by two namespaces:
	// an ephemeral savepoint's ordering sequence (scoped to the write
	// transaction that created it, see transaction.go) and a persistent
	// savepoint's durable id. Both only need "unique and increasing",
	// not a single shared meaning, so one counter serves both.
	nextSavepointSeq uint64
}

// Builder configures a Database before Create or Open.
type Builder struct {
	PageSize    uint32
	RegionPages uint32
	Durability  Durability
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
}

// NewBuilder returns a Builder populated with the engine's defaults.
func NewBuilder() *Builder {
	return &Builder{
		PageSize:    pagefile.DefaultPageSize,
		RegionPages: pagefile.DefaultRegionPages,
		Durability:  DurabilityImmediate,
	}
}

func (b *Builder) logger() *logger.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return logger.NewLogger(logger.Config{Level: "info"})
}

// Create initializes a brand-new database file on be, which must be
// empty (zero length).
func (b *Builder) Create(be backend.Backend) (*Database, error) {
	pageSize := b.PageSize
	if pageSize == 0 {
		pageSize = pagefile.DefaultPageSize
	}
	regionPages := b.RegionPages
	if regionPages == 0 {
		regionPages = pagefile.DefaultRegionPages
	}

	size, err := be.Len()
	if err != nil {
		return nil, err
	}
	if size != 0 {
		return nil, fmt.Errorf("arbor: Create requires an empty backend (length %d)", size)
	}

	header := pagefile.PrimaryHeader{FormatVersion: 1, PageSize: pageSize, RegionPages: regionPages}
	if err := be.SetLen(pagefile.FirstRegionOffset(pageSize)); err != nil {
		return nil, err
	}
	if err := be.WriteAt(0, header.Encode()); err != nil {
		return nil, err
	}

	db := &Database{
		be:            be,
		pageSize:      pageSize,
		regionPages:   regionPages,
		alloc:         alloc.New(be, pageSize, regionPages),
		log:           b.logger(),
		metrics:       b.Metrics,
		activeReaders: make(map[uint64]int),
	}

	// Transaction 0 is the empty database: no user tables, no freed
	// pages, an empty freed-tree. Write it directly into slot 0.
	god := pagefile.GodPage{
		Slot:               0,
		TransactionID:       0,
		UserMasterRoot:      pnum.Zero,
		SystemMasterRoot:    pnum.Zero,
		FreedTreeRoot:       pnum.Zero,
		NumRegions:          0,
		FileLength:          size,
		TwoPhaseCommitDone:  true,
	}
	if err := db.writeGodPage(god); err != nil {
		return nil, err
	}
	if err := be.SyncData(); err != nil {
		return nil, err
	}
	db.current = god
	db.slot = 0
	db.nextTxnID = 1

	return db, nil
}

// Open recovers an existing database file from be.
func (b *Builder) Open(be backend.Backend) (*Database, error) {
	size, err := be.Len()
	if err != nil {
		return nil, err
	}
	if size < pagefile.FirstRegionOffset(pagefile.DefaultPageSize) {
		return nil, fmt.Errorf("arbor: %w: file too short to contain a primary header", ErrInvalidData)
	}

	hdrBuf := make([]byte, pagefile.PrimaryHeaderSize)
	if err := be.ReadAt(0, hdrBuf); err != nil {
		return nil, err
	}
	header, err := pagefile.DecodePrimaryHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	god, slot, err := recoverGodPage(be, header.PageSize)
	if err != nil {
		return nil, err
	}

	a, err := alloc.Open(be, header.PageSize, header.RegionPages, god.NumRegions)
	if err != nil {
		return nil, err
	}

	db := &Database{
		be:            be,
		pageSize:      header.PageSize,
		regionPages:   header.RegionPages,
		alloc:         a,
		log:           b.logger(),
		metrics:       b.Metrics,
		activeReaders: make(map[uint64]int),
		current:       god,
		slot:          slot,
		nextTxnID:     god.TransactionID + 1,
	}
	// Re-pin every recorded persistent savepoint and resume id numbering
	// after the highest one.
	get := func(pn pnum.PageNumber) []byte {
		buf := make([]byte, header.PageSize)
		if err := be.ReadAt(a.PageOffset(pn), buf); err != nil {
			panic(fmt.Sprintf("arbor: open: read %s: %v", pn, err))
		}
		return buf
	}
	c := btree.New(god.SystemMasterRoot, header.PageSize, get, nil, nil).NewCursor()
	for ok := c.SeekGE([]byte{'s'}); ok && len(c.Key()) > 0 && c.Key()[0] == 's'; ok = c.Next() {
		if p, err := decodePersistentSavepoint(c.Val()); err == nil {
			db.activeReaders[p.TxnID]++
			db.nextSavepointSeq = max(db.nextSavepointSeq, p.ID)
		}
	}
	return db, nil
}

// recoverGodPage reads both god-page slots and returns the valid one
// with the higher transaction id (spec.md §4.4's recovery rule); a tie
// resolves to slot 0.
func recoverGodPage(be backend.Backend, pageSize uint32) (pagefile.GodPage, int, error) {
	var gods [2]pagefile.GodPage
	var valid [2]bool
	for slot := 0; slot < 2; slot++ {
		buf := make([]byte, pagefile.GodPageSize)
		if err := be.ReadAt(pagefile.GodPageOffset(pageSize, slot), buf); err != nil {
			return pagefile.GodPage{}, 0, err
		}
		g, err := pagefile.DecodeGodPage(buf)
		if err == nil {
			gods[slot] = g
			valid[slot] = true
		}
	}
	switch {
	case valid[0] && valid[1]:
		if gods[1].TransactionID > gods[0].TransactionID {
			return gods[1], 1, nil
		}
		return gods[0], 0, nil
	case valid[0]:
		return gods[0], 0, nil
	case valid[1]:
		return gods[1], 1, nil
	default:
		return pagefile.GodPage{}, 0, fmt.Errorf("arbor: %w: no valid god page found", ErrInvalidData)
	}
}

func (db *Database) writeGodPage(g pagefile.GodPage) error {
	return db.be.WriteAt(pagefile.GodPageOffset(db.pageSize, g.Slot), g.Encode())
}

// Close flushes any outstanding DurabilityNone commits to stable storage
// and releases the backend's resources. A None-durability commit only
// skips the per-commit fsync; a clean Close still syncs once so normal
// process exit never loses it, the way only a hard crash (not a graceful
// shutdown) is allowed to roll back a non-durable commit.
func (db *Database) Close() error {
	if err := db.be.SyncData(); err != nil {
		return err
	}
	return db.be.Close()
}

// Stats summarizes the database's current size and page utilization for
// spec.md's integrity-check/operator tooling.
type Stats struct {
	FileSizeBytes    uint64
	UsedPages        uint64
	TotalPages       uint64
	PageSize         uint32
	Regions          uint32
	CurrentTxnID     uint64
}

// Stats returns a snapshot of the database's page-level statistics.
func (db *Database) Stats() (Stats, error) {
	size, err := db.be.Len()
	if err != nil {
		return Stats{}, err
	}
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	return Stats{
		FileSizeBytes: size,
		UsedPages:     db.alloc.AllocatedPageCount(),
		TotalPages:    db.alloc.TotalPageCapacity(),
		PageSize:      db.pageSize,
		Regions:       db.alloc.NumRegions(),
		CurrentTxnID:  db.current.TransactionID,
	}, nil
}

// newMasterTable builds a master.Table bound to a particular snapshot's
// roots and the given page callbacks.
func newMasterTable(root pnum.PageNumber, pageSize uint32,
	get func(pnum.PageNumber) []byte, newFn func([]byte) pnum.PageNumber, del func(pnum.PageNumber),
) *master.Table {
	return master.New(btree.New(root, pageSize, get, newFn, del))
}

func newFreedTree(root pnum.PageNumber, pageSize uint32,
	get func(pnum.PageNumber) []byte, newFn func([]byte) pnum.PageNumber, del func(pnum.PageNumber),
) *btree.Tree {
	return btree.New(root, pageSize, get, newFn, del)
}

func nowFn() time.Time { return time.Now() }
