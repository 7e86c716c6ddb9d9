package arbor

import (
	"fmt"
	"time"

	"github.com/arborstore/arbor/internal/alloc"
	"github.com/arborstore/arbor/internal/btree"
	"github.com/arborstore/arbor/internal/master"
	"github.com/arborstore/arbor/internal/pagefile"
	"github.com/arborstore/arbor/internal/pnum"
)

// WriteTransaction is the single writer's handle: every table mutation,
// savepoint, and the final Commit or Abort go through it. Only one
// WriteTransaction may be open at a time (Database.writeMu enforces
// this), matching spec.md's single-writer model.
type WriteTransaction struct {
	db         *Database
	durability Durability
	txnID      uint64

	io *pageIO

	userMaster   *master.Table
	systemMaster *master.Table
	freedTree    *btree.Tree

	regionsAtStart int

	// baseTxnID/baseRoots are the last-committed snapshot this
	// transaction started from, used by PersistentSavepoint to pin and
	// record an already-durable state (see savepoint.go) distinct from
	// this transaction's own in-flight, not-yet-committed roots.
	baseTxnID        uint64
	baseUserRoot     pnum.PageNumber
	baseSystemRoot   pnum.PageNumber
	baseFreedRoot    pnum.PageNumber

	openTables map[string]struct{}

	// nextSeq and lastRestoredSeq track ephemeral-savepoint ordering
	// within this transaction only (see savepoint.go); nextSeq is
	// written back to db.nextSavepointSeq on commit.
	nextSeq         uint64
	lastRestoredSeq uint64

	// persistentPins records every db.activeReaders pin this transaction
	// added via PersistentSavepoint, so Abort can undo them: an aborted
	// transaction's system-master record never reaches a committed root,
	// so the pin it registered must not outlive it.
	persistentPins []uint64

	dirtyCount int

	// persistentSavepointTouched is set the first time this transaction
	// creates, restores, or deletes a persistent savepoint; once set,
	// SetDurability refuses an Immediate->None downgrade.
	persistentSavepointTouched bool

	done bool
}

// SetDurability changes this transaction's commit durability. Upgrading
// from DurabilityNone to DurabilityImmediate is always allowed. Downgrading
// from DurabilityImmediate to DurabilityNone is refused with
// ErrPersistentSavepointModified once this transaction has created,
// restored, or deleted a persistent savepoint: the savepoint's record
// already assumes every write up to that point is durable, and relaxing
// durability afterward would let a crash silently break that promise.
func (tx *WriteTransaction) SetDurability(d Durability) error {
	if tx.done {
		return fmt.Errorf("arbor: transaction already closed")
	}
	if d == DurabilityNone && tx.durability == DurabilityImmediate && tx.persistentSavepointTouched {
		return ErrPersistentSavepointModified
	}
	tx.durability = d
	return nil
}

// BeginWrite opens the engine's one write transaction. If a previous
// commit failed mid-flush, BeginWrite first retries re-establishing a
// consistent god page from the last known-good state; if that retry
// also fails, BeginWrite returns ErrPreviousIo and the database remains
// poisoned.
func (db *Database) BeginWrite(durability Durability) (*WriteTransaction, error) {
	db.writeMu.Lock()

	db.stateMu.Lock()
	if db.poisoned {
		// Re-assert the last known-good god page; if this write fails
		// too, the caller gets ErrPreviousIo again and nothing changes.
		if err := db.writeGodPage(db.current); err != nil {
			db.stateMu.Unlock()
			db.writeMu.Unlock()
			return nil, fmt.Errorf("arbor: %w: recovery write failed: %v", ErrPreviousIo, err)
		}
		if err := db.be.SyncData(); err != nil {
			db.stateMu.Unlock()
			db.writeMu.Unlock()
			return nil, fmt.Errorf("arbor: %w: recovery sync failed: %v", ErrPreviousIo, err)
		}
		db.poisoned = false
	}
	txnID := db.nextTxnID
	baseTxnID := db.current.TransactionID
	userRoot := db.current.UserMasterRoot
	sysRoot := db.current.SystemMasterRoot
	freedRoot := db.current.FreedTreeRoot
	savepointSeq := db.nextSavepointSeq
	db.stateMu.Unlock()

	db.alloc.BeginWrite()
	io := newPageIO(db.be, db.alloc)

	txn := &WriteTransaction{
		db:             db,
		durability:     durability,
		txnID:          txnID,
		io:             io,
		openTables:     make(map[string]struct{}),
		regionsAtStart: int(db.alloc.NumRegions()),
		baseTxnID:      baseTxnID,
		baseUserRoot:   userRoot,
		baseSystemRoot: sysRoot,
		baseFreedRoot:  freedRoot,
		nextSeq:        savepointSeq,
	}
	txn.userMaster = newMasterTable(userRoot, db.pageSize, io.get, io.new, io.del)
	txn.systemMaster = newMasterTable(sysRoot, db.pageSize, io.get, io.new, io.del)
	txn.freedTree = newFreedTree(freedRoot, db.pageSize, io.get, io.new, io.del)
	return txn, nil
}

// BeginRead opens a read-only snapshot as of the most recently committed
// transaction. The snapshot remains valid (its pages are never reused)
// until the ReadTransaction is closed, even as later write transactions
// commit.
func (db *Database) BeginRead() *ReadTransaction {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()

	txnID := db.current.TransactionID
	db.activeReaders[txnID]++

	get := func(pn pnum.PageNumber) []byte {
		buf := make([]byte, db.pageSize)
		if err := db.be.ReadAt(db.alloc.PageOffset(pn), buf); err != nil {
			panic(fmt.Sprintf("arbor: read transaction page read %s: %v", pn, err))
		}
		return buf
	}
	panicNew := func([]byte) pnum.PageNumber { panic("arbor: read transaction attempted to allocate a page") }
	panicDel := func(pnum.PageNumber) { panic("arbor: read transaction attempted to free a page") }

	return &ReadTransaction{
		db:           db,
		txnID:        txnID,
		userMaster:   newMasterTable(db.current.UserMasterRoot, db.pageSize, get, panicNew, panicDel),
		systemMaster: newMasterTable(db.current.SystemMasterRoot, db.pageSize, get, panicNew, panicDel),
		get:          get,
	}
}

// oldestSafeTxnID returns the oldest transaction id any active read
// snapshot still pins (or, with no active readers, the id about to be
// committed, since no reclamation can outrun the commit currently in
// flight). Pages freed by a transaction strictly older than this id can
// never be observed by a live reader and are safe to return to the
// allocator.
func (db *Database) oldestSafeTxnID(committingTxnID uint64) uint64 {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	oldest := committingTxnID
	for txnID, count := range db.activeReaders {
		if count > 0 && txnID < oldest {
			oldest = txnID
		}
	}
	return oldest
}

// OpenTable opens (creating if necessary) an ordinary ordered table.
func (tx *WriteTransaction) OpenTable(name string) (*Table, error) {
	if _, open := tx.openTables[name]; open {
		return nil, tableErrorf(ErrTableAlreadyOpen, name)
	}
	desc, ok, err := tx.userMaster.Get(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		desc = master.Descriptor{Kind: master.KindTable, Root: pnum.Zero, Length: 0}
		if err := tx.userMaster.Put(name, desc); err != nil {
			return nil, err
		}
	} else if desc.Kind != master.KindTable {
		return nil, tableErrorf(ErrTableTypeMismatch, name)
	}
	tx.openTables[name] = struct{}{}
	t := &Table{
		name:   name,
		tx:     tx,
		tree:   btree.New(desc.Root, tx.db.pageSize, tx.io.get, tx.io.new, tx.io.del),
		length: desc.Length,
	}
	return t, nil
}

// OpenMultimapTable opens (creating if necessary) an ordered multimap
// table.
func (tx *WriteTransaction) OpenMultimapTable(name string) (*MultimapTable, error) {
	if _, open := tx.openTables[name]; open {
		return nil, tableErrorf(ErrTableAlreadyOpen, name)
	}
	desc, ok, err := tx.userMaster.Get(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		desc = master.Descriptor{Kind: master.KindMultimap, Root: pnum.Zero, Length: 0}
		if err := tx.userMaster.Put(name, desc); err != nil {
			return nil, err
		}
	} else if desc.Kind != master.KindMultimap {
		return nil, tableErrorf(ErrTableTypeMismatch, name)
	}
	tx.openTables[name] = struct{}{}
	t := &MultimapTable{
		name:   name,
		tx:     tx,
		tree:   btree.New(desc.Root, tx.db.pageSize, tx.io.get, tx.io.new, tx.io.del),
		length: desc.Length,
	}
	return t, nil
}

// DeleteTable drops an ordinary table entirely, releasing every page its
// tree owns.
func (tx *WriteTransaction) DeleteTable(name string) error {
	return tx.deleteNamedTable(name, master.KindTable)
}

// DeleteMultimapTable drops a multimap table entirely.
func (tx *WriteTransaction) DeleteMultimapTable(name string) error {
	return tx.deleteNamedTable(name, master.KindMultimap)
}

func (tx *WriteTransaction) deleteNamedTable(name string, kind master.Kind) error {
	if _, open := tx.openTables[name]; open {
		return tableErrorf(ErrTableAlreadyOpen, name)
	}
	desc, ok, err := tx.userMaster.Get(name)
	if err != nil {
		return err
	}
	if !ok {
		return tableErrorf(ErrTableDoesNotExist, name)
	}
	if desc.Kind != kind {
		return tableErrorf(ErrTableTypeMismatch, name)
	}
	tree := btree.New(desc.Root, tx.db.pageSize, tx.io.get, tx.io.new, tx.io.del)
	tree.Walk(func(pn pnum.PageNumber, _ bool) { tx.io.del(pn) })
	tx.userMaster.Delete(name)
	return nil
}

func (tx *WriteTransaction) syncTableDescriptor(name string, kind master.Kind, tree *btree.Tree, length uint64) error {
	return tx.userMaster.Put(name, master.Descriptor{Kind: kind, Root: tree.Root(), Length: length})
}

// ListTables returns every table name currently recorded, including ones
// created but not yet committed by this transaction.
func (tx *WriteTransaction) ListTables() []string {
	return tx.userMaster.List()
}

// Commit flushes every dirty page and atomically publishes a new god
// page. On success the commit's transaction id and effects become
// visible to the next BeginRead.
func (tx *WriteTransaction) Commit() error {
	if tx.done {
		return fmt.Errorf("arbor: transaction already committed or aborted")
	}
	start := time.Now()
	err := tx.commit()
	tx.done = true
	tx.db.writeMu.Unlock()
	if tx.db.log != nil {
		tx.db.log.LogCommit(tx.txnID, time.Since(start), tx.dirtyCount, err)
	}
	if tx.db.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		durability := "immediate"
		if tx.durability == DurabilityNone {
			durability = "none"
		}
		tx.db.metrics.RecordCommit(durability, status, time.Since(start))
	}
	return err
}

func (tx *WriteTransaction) commit() error {
	// Fold this transaction's deferred page frees, plus any carried
	// over from a previous commit's freed-tree churn, into the
	// freed-tree, first reclaiming any batch that's now old enough that
	// no live reader can still reference it.
	safe := tx.db.oldestSafeTxnID(tx.txnID)
	if err := tx.reclaimFreedTree(safe); err != nil {
		return err
	}

	batch := append(tx.db.carryoverPendingFree, tx.io.takePendingFree()...)
	tx.db.carryoverPendingFree = nil
	if len(batch) > 0 {
		if _, _, err := tx.freedTree.Insert(freedTreeKey(tx.txnID), encodePageList(batch)); err != nil {
			return err
		}
	}
	// Anything the freed-tree insert/reclaim itself made obsolete but
	// couldn't free immediately becomes next commit's carryover.
	tx.db.carryoverPendingFree = append(tx.db.carryoverPendingFree, tx.io.takePendingFree()...)

	tx.dirtyCount = len(tx.io.dirty)
	if err := tx.io.flush(); err != nil {
		return err
	}
	if tx.durability == DurabilityImmediate {
		if err := tx.db.be.SyncData(); err != nil {
			tx.db.stateMu.Lock()
			tx.db.poisoned = true
			tx.db.stateMu.Unlock()
			return fmt.Errorf("arbor: commit: %w", err)
		}
	}

	nextSlot := 1 - tx.db.slot
	size, err := tx.db.be.Len()
	if err != nil {
		return err
	}
	god := pagefile.GodPage{
		Slot:               nextSlot,
		TransactionID:      tx.txnID,
		UserMasterRoot:     tx.userMaster.Tree().Root(),
		UserMasterLength:   tx.userMaster.Tree().Len(),
		SystemMasterRoot:   tx.systemMaster.Tree().Root(),
		FreedTreeRoot:      tx.freedTree.Root(),
		NumRegions:         tx.db.alloc.NumRegions(),
		FileLength:         size,
		TwoPhaseCommitDone: true,
	}
	if err := tx.db.writeGodPage(god); err != nil {
		tx.db.stateMu.Lock()
		tx.db.poisoned = true
		tx.db.stateMu.Unlock()
		return fmt.Errorf("arbor: commit: %w", err)
	}
	if tx.durability == DurabilityImmediate {
		if err := tx.db.be.SyncData(); err != nil {
			tx.db.stateMu.Lock()
			tx.db.poisoned = true
			tx.db.stateMu.Unlock()
			return fmt.Errorf("arbor: commit: %w", err)
		}
	}

	if err := tx.db.alloc.CommitWrite(); err != nil {
		return err
	}

	tx.db.stateMu.Lock()
	tx.db.current = god
	tx.db.slot = nextSlot
	tx.db.nextTxnID = tx.txnID + 1
	if tx.nextSeq > tx.db.nextSavepointSeq {
		tx.db.nextSavepointSeq = tx.nextSeq
	}
	tx.db.stateMu.Unlock()
	return nil
}

// reclaimFreedTree deletes every freed-tree entry whose transaction id
// is strictly older than safe, physically freeing their pages.
func (tx *WriteTransaction) reclaimFreedTree(safe uint64) error {
	c := tx.freedTree.NewCursor()
	var keys [][]byte
	for ok := c.First(); ok; ok = c.Next() {
		if decodeFreedTreeKey(c.Key()) >= safe {
			break
		}
		k := make([]byte, len(c.Key()))
		copy(k, c.Key())
		keys = append(keys, k)
	}
	for _, k := range keys {
		val, _ := tx.freedTree.Get(k)
		for _, pn := range decodePageList(val) {
			tx.io.reclaim(pn)
		}
		tx.freedTree.Delete(k)
	}
	return nil
}

// Abort discards every change made by this write transaction.
func (tx *WriteTransaction) Abort() {
	if tx.done {
		return
	}
	tx.db.alloc.AbortWrite(tx.regionsAtStart)
	if len(tx.persistentPins) > 0 {
		tx.db.stateMu.Lock()
		for _, txnID := range tx.persistentPins {
			tx.db.activeReaders[txnID]--
			if tx.db.activeReaders[txnID] <= 0 {
				delete(tx.db.activeReaders, txnID)
			}
		}
		tx.db.stateMu.Unlock()
	}
	tx.done = true
	tx.db.writeMu.Unlock()
}

// ReadTransaction is a stable, read-only snapshot of the database as of
// the moment it was opened.
type ReadTransaction struct {
	db           *Database
	txnID        uint64
	userMaster   *master.Table
	systemMaster *master.Table
	get          func(pnum.PageNumber) []byte
	closed       bool
	openHandles  int
}

// OpenTable opens an existing ordinary table for reading. The returned
// handle must be closed before the transaction itself is closed.
func (rx *ReadTransaction) OpenTable(name string) (*ReadTable, error) {
	desc, ok, err := rx.userMaster.Get(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, tableErrorf(ErrTableDoesNotExist, name)
	}
	if desc.Kind != master.KindTable {
		return nil, tableErrorf(ErrTableTypeMismatch, name)
	}
	rx.openHandles++
	return &ReadTable{tree: btree.New(desc.Root, rx.db.pageSize, rx.get, nil, nil), length: desc.Length, rx: rx}, nil
}

// OpenMultimapTable opens an existing multimap table for reading. The
// returned handle must be closed before the transaction itself is
// closed.
func (rx *ReadTransaction) OpenMultimapTable(name string) (*ReadMultimapTable, error) {
	desc, ok, err := rx.userMaster.Get(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, tableErrorf(ErrTableDoesNotExist, name)
	}
	if desc.Kind != master.KindMultimap {
		return nil, tableErrorf(ErrTableTypeMismatch, name)
	}
	rx.openHandles++
	return &ReadMultimapTable{tree: btree.New(desc.Root, rx.db.pageSize, rx.get, nil, nil), length: desc.Length, rx: rx}, nil
}

// ListTables returns every table name currently recorded in this
// snapshot.
func (rx *ReadTransaction) ListTables() []string {
	return rx.userMaster.List()
}

// Close releases this snapshot, allowing the allocator to eventually
// reclaim pages that became unreachable after it was opened. It fails
// with ErrReadTransactionStillInUse if any table handle opened from it
// has not been closed yet.
func (rx *ReadTransaction) Close() error {
	if rx.closed {
		return nil
	}
	if rx.openHandles > 0 {
		return ErrReadTransactionStillInUse
	}
	rx.closed = true
	rx.db.stateMu.Lock()
	rx.db.activeReaders[rx.txnID]--
	if rx.db.activeReaders[rx.txnID] <= 0 {
		delete(rx.db.activeReaders, rx.txnID)
	}
	rx.db.stateMu.Unlock()
	return nil
}

// allocatorSnapshot bundles the allocator and page-cache state that a
// savepoint must restore, so WriteTransaction doesn't need to reach into
// alloc/pageIO internals directly.
type allocatorSnapshot struct {
	working alloc.WorkingSnapshot
	regions int
	page    pageIOSnapshot
}

func (tx *WriteTransaction) snapshotAllocator() allocatorSnapshot {
	return allocatorSnapshot{
		working: tx.db.alloc.SnapshotWorking(),
		regions: int(tx.db.alloc.NumRegions()),
		page:    tx.io.snapshot(),
	}
}

func (tx *WriteTransaction) restoreAllocator(s allocatorSnapshot) {
	tx.db.alloc.RestoreWorking(s.working, s.regions)
	tx.io.restore(s.page)
}
