package arbor

import (
	"errors"
	"fmt"

	"github.com/arborstore/arbor/internal/backend"
	"github.com/arborstore/arbor/internal/btree"
	"github.com/arborstore/arbor/internal/errs"
)

// Sentinel errors forming the engine's public error taxonomy. Each one
// is meant to be matched with errors.Is; the wrapped, per-call context
// (a table name, a savepoint id) lives in the error text, not in a typed
// payload, matching the teacher's plain fmt.Errorf/%w style throughout
// pkg/storage and pkg/metadata.
var (
	// ErrDatabaseAlreadyOpen is returned by the file backend's OpenFile
	// when another process holds the exclusive file lock.
	ErrDatabaseAlreadyOpen = backend.ErrDatabaseAlreadyOpen

	// ErrInvalidData marks corrupt on-disk structures: a file too short
	// or with a bad primary header, both god pages invalid, or a master
	// or persistent-savepoint record that fails to decode. B-tree nodes
	// carry no checksum.
	ErrInvalidData = errs.ErrInvalidData

	// ErrValueTooLarge marks a key or value beyond the absolute size
	// ceiling (see DESIGN.md's Open Question decision).
	ErrValueTooLarge = btree.ErrValueTooLarge

	// ErrTableAlreadyOpen is returned when a transaction tries to open a
	// table handle it already holds open.
	ErrTableAlreadyOpen = errors.New("table already open in this transaction")

	// ErrTableDoesNotExist is returned by a read transaction's open of a
	// table that was never created, and by a write transaction's
	// DeleteTable/DeleteMultimapTable of one. A write transaction's open
	// creates the table instead.
	ErrTableDoesNotExist = errors.New("table does not exist")

	// ErrTableTypeMismatch is returned when a table is reopened with a
	// different kind than it was created with (e.g. as a multimap when
	// it was created as a plain table).
	ErrTableTypeMismatch = errors.New("table type mismatch")

	// ErrPreviousIo is returned by BeginWrite after an earlier commit
	// failed with an I/O error while syncing or writing its god page
	// (that commit itself returns the underlying error and marks the
	// database poisoned). BeginWrite first rewrites and syncs the last
	// known-good god page; only if that also fails does it return
	// ErrPreviousIo. A successful rewrite clears the poisoning.
	ErrPreviousIo = errors.New("previous I/O failure left the database in a recovery-pending state")

	// ErrInvalidSavepoint is returned by RestoreSavepoint when the
	// requested savepoint is newer than one already restored in this
	// write transaction (once restoration begins, only savepoints at or
	// before the last restored one may be restored).
	ErrInvalidSavepoint = errors.New("savepoint is newer than one already restored")

	// ErrSavepointNotFound is returned by DeletePersistentSavepoint when
	// no persistent savepoint with the given id is recorded.
	ErrSavepointNotFound = errors.New("savepoint not found")

	// ErrReadOnly names a mutating call on a read transaction. Read
	// transactions and their table handles have no mutating methods, so
	// no call in this package returns it.
	ErrReadOnly = errors.New("operation not permitted on a read-only transaction")

	// ErrReadTransactionStillInUse is returned by a ReadTransaction's
	// Close when one or more of its table handles have not been closed
	// yet.
	ErrReadTransactionStillInUse = errors.New("read transaction closed with table handles still open")

	// ErrTransactionInProgress is returned by Compact when another read
	// or write transaction is alive.
	ErrTransactionInProgress = errors.New("cannot compact while other transactions are open")

	// ErrPersistentSavepointModified is returned by SetDurability when a
	// write transaction tries to downgrade from DurabilityImmediate to
	// DurabilityNone after creating or modifying a persistent savepoint
	// in the same transaction: the savepoint's on-disk god page already
	// assumes every earlier write reached stable storage, so relaxing
	// durability retroactively would let a crash roll back to a
	// savepoint whose durability promise was never kept.
	ErrPersistentSavepointModified = errors.New("cannot relax durability after creating or modifying a persistent savepoint")
)

// tableErrorf wraps one of the sentinels above with the table name that
// triggered it, the way the teacher's metadata store wraps lookup
// failures with the entity identifiers involved.
func tableErrorf(sentinel error, name string) error {
	return fmt.Errorf("table %q: %w", name, sentinel)
}
