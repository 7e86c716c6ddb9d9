// Package backend is the storage-backend adapter the rest of the engine
// consumes: plain block I/O at absolute offsets, plus the exclusive-open
// guarantee spec.md §5 requires ("File lock" section).
//
// Grounded in the teacher's pkg/storage/kv.go (createFileSync,
// syscall.Pwrite/Pread/Fsync) and in original_source's
// tree_store/page_store/file_backend/unix.rs, which is the reference this
// package's OpenFile is line-for-line modeled on (flock with
// LOCK_EX|LOCK_NB, mapping EWOULDBLOCK to "already open").
package backend

import "errors"

// ErrDatabaseAlreadyOpen is returned by OpenFile when another process already
// holds the exclusive advisory lock on the file.
var ErrDatabaseAlreadyOpen = errors.New("backend: database already open")

// Backend is the block-I/O contract the engine needs from storage. All
// methods report I/O failures through their error return; callers treat
// any such error as poisoning the owning database handle.
type Backend interface {
	// Len returns the current length of the backing store in bytes.
	Len() (uint64, error)

	// ReadAt fills buf completely from the given absolute offset. A read
	// that would run past Len(), or that the backend can only partially
	// satisfy, is an error.
	ReadAt(offset uint64, buf []byte) error

	// WriteAt writes data at the given absolute offset.
	WriteAt(offset uint64, data []byte) error

	// SetLen grows or truncates the backing store to exactly size bytes.
	SetLen(size uint64) error

	// SyncData durably persists all prior writes and SetLen calls.
	SyncData() error

	// Close releases any OS-level resources (including the exclusive
	// lock acquired by OpenFile, for file-backed implementations).
	Close() error
}
