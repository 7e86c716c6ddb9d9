package arbor

import (
	"encoding/binary"
	"fmt"

	"github.com/arborstore/arbor/internal/pnum"
)

// Savepoint is an in-memory rollback point within the write transaction
// that created it: Savepoint captures that transaction's own staged
// pages (not yet visible to any reader), so restoring it can only happen
// inside the same transaction, before it commits or aborts. A
// PersistentSavepoint, by contrast, captures an already-committed
// snapshot's root pointers and can be restored as the starting point of
// any later write transaction; see the type below.
type Savepoint struct {
	seq        uint64
	alloc      allocatorSnapshot
	userRoot   pnum.PageNumber
	systemRoot pnum.PageNumber
	freedRoot  pnum.PageNumber
}

// Savepoint captures this transaction's current staged state. Pages this
// transaction writes afterwards are left untouched until a restore, which
// rolls the allocator and page cache back to this point, so pages
// allocated since are released outright.
func (tx *WriteTransaction) Savepoint() *Savepoint {
	tx.nextSeq++
	return &Savepoint{
		seq:        tx.nextSeq,
		alloc:      tx.snapshotAllocator(),
		userRoot:   tx.userMaster.Tree().Root(),
		systemRoot: tx.systemMaster.Tree().Root(),
		freedRoot:  tx.freedTree.Root(),
	}
}

// RestoreSavepoint rewinds this transaction's staged state to sp. sp must
// have been created by this same transaction; restoring a savepoint
// created strictly after one already restored in this transaction fails
// with ErrInvalidSavepoint, since the intervening history it depends on
// has already been discarded. Savepoints older than (or equal to) the
// last restore remain usable any number of times.
func (tx *WriteTransaction) RestoreSavepoint(sp *Savepoint) error {
	if tx.lastRestoredSeq != 0 && sp.seq > tx.lastRestoredSeq {
		return ErrInvalidSavepoint
	}
	tx.restoreAllocator(sp.alloc)
	tx.userMaster = newMasterTable(sp.userRoot, tx.db.pageSize, tx.io.get, tx.io.new, tx.io.del)
	tx.systemMaster = newMasterTable(sp.systemRoot, tx.db.pageSize, tx.io.get, tx.io.new, tx.io.del)
	tx.freedTree = newFreedTree(sp.freedRoot, tx.db.pageSize, tx.io.get, tx.io.new, tx.io.del)
	tx.openTables = make(map[string]struct{})
	tx.lastRestoredSeq = sp.seq
	return nil
}

// PersistentSavepoint is a durable rollback point recorded in the system
// master table: the root pointers of the last-committed snapshot as of
// when it was taken, pinned against reclamation the same way a read
// transaction pins its snapshot.
type PersistentSavepoint struct {
	ID         uint64
	TxnID      uint64
	UserRoot   pnum.PageNumber
	SystemRoot pnum.PageNumber
	FreedRoot  pnum.PageNumber
}

const persistentSavepointRecordSize = 8 + 8 + 8 + 8 + 8

func (p PersistentSavepoint) encode() []byte {
	buf := make([]byte, persistentSavepointRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.ID)
	binary.LittleEndian.PutUint64(buf[8:16], p.TxnID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(p.UserRoot))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(p.SystemRoot))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(p.FreedRoot))
	return buf
}

func decodePersistentSavepoint(buf []byte) (PersistentSavepoint, error) {
	if len(buf) != persistentSavepointRecordSize {
		return PersistentSavepoint{}, fmt.Errorf("arbor: %w: persistent savepoint record is %d bytes", ErrInvalidData, len(buf))
	}
	return PersistentSavepoint{
		ID:         binary.LittleEndian.Uint64(buf[0:8]),
		TxnID:      binary.LittleEndian.Uint64(buf[8:16]),
		UserRoot:   pnum.PageNumber(binary.LittleEndian.Uint64(buf[16:24])),
		SystemRoot: pnum.PageNumber(binary.LittleEndian.Uint64(buf[24:32])),
		FreedRoot:  pnum.PageNumber(binary.LittleEndian.Uint64(buf[32:40])),
	}, nil
}

func persistentSavepointKey(id uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = 's'
	binary.BigEndian.PutUint64(buf[1:], id)
	return buf
}

// PersistentSavepoint pins this transaction's base snapshot (the state it
// began from, not its own in-flight writes) and records it in the system
// master table so it survives this transaction's end, and a reopen.
func (tx *WriteTransaction) PersistentSavepoint() (uint64, error) {
	tx.nextSeq++
	id := tx.nextSeq
	rec := PersistentSavepoint{
		ID:         id,
		TxnID:      tx.baseTxnID,
		UserRoot:   tx.baseUserRoot,
		SystemRoot: tx.baseSystemRoot,
		FreedRoot:  tx.baseFreedRoot,
	}
	if _, _, err := tx.systemMaster.Tree().Insert(persistentSavepointKey(id), rec.encode()); err != nil {
		return 0, err
	}
	tx.db.stateMu.Lock()
	tx.db.activeReaders[tx.baseTxnID]++
	tx.db.stateMu.Unlock()
	tx.persistentPins = append(tx.persistentPins, tx.baseTxnID)
	tx.persistentSavepointTouched = true
	return id, nil
}

// GetPersistentSavepoint looks up a previously recorded persistent
// savepoint by id.
func (tx *WriteTransaction) GetPersistentSavepoint(id uint64) (PersistentSavepoint, bool, error) {
	raw, ok := tx.systemMaster.Tree().Get(persistentSavepointKey(id))
	if !ok {
		return PersistentSavepoint{}, false, nil
	}
	p, err := decodePersistentSavepoint(raw)
	if err != nil {
		return PersistentSavepoint{}, false, err
	}
	return p, true, nil
}

// ListPersistentSavepoints returns every persistent savepoint currently
// recorded, in ascending id order.
func (tx *WriteTransaction) ListPersistentSavepoints() ([]PersistentSavepoint, error) {
	var out []PersistentSavepoint
	c := tx.systemMaster.Tree().NewCursor()
	lo := []byte{'s'}
	for ok := c.SeekGE(lo); ok && len(c.Key()) > 0 && c.Key()[0] == 's'; ok = c.Next() {
		p, err := decodePersistentSavepoint(c.Val())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// DeletePersistentSavepoint removes id's record and releases its pin on
// the snapshot it held.
func (tx *WriteTransaction) DeletePersistentSavepoint(id uint64) error {
	raw, ok := tx.systemMaster.Tree().Get(persistentSavepointKey(id))
	if !ok {
		return ErrSavepointNotFound
	}
	p, err := decodePersistentSavepoint(raw)
	if err != nil {
		return err
	}
	tx.systemMaster.Tree().Delete(persistentSavepointKey(id))
	tx.db.stateMu.Lock()
	tx.db.activeReaders[p.TxnID]--
	if tx.db.activeReaders[p.TxnID] <= 0 {
		delete(tx.db.activeReaders, p.TxnID)
	}
	tx.db.stateMu.Unlock()
	tx.persistentSavepointTouched = true
	return nil
}

// RestorePersistentSavepoint resets this transaction's working roots to
// ps's already-durable snapshot. Unlike RestoreSavepoint, no
// pageIO/allocator rollback is needed: ps's pages all predate this
// transaction's own writes, so nothing it references could be one of
// this transaction's staged, not-yet-committed pages.
func (tx *WriteTransaction) RestorePersistentSavepoint(ps PersistentSavepoint) error {
	tx.userMaster = newMasterTable(ps.UserRoot, tx.db.pageSize, tx.io.get, tx.io.new, tx.io.del)
	tx.freedTree = newFreedTree(ps.FreedRoot, tx.db.pageSize, tx.io.get, tx.io.new, tx.io.del)
	tx.openTables = make(map[string]struct{})
	tx.persistentSavepointTouched = true
	return nil
}
