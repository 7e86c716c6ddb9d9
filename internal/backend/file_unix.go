//go:build unix

package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FileBackend stores the database as a single on-disk file, taking an
// exclusive advisory flock for the lifetime of the handle.
//
// Grounded in original_source/src/tree_store/page_store/file_backend/unix.rs
// (flock(LOCK_EX|LOCK_NB), pread/pwrite, fsync) and the teacher's
// pkg/storage/kv.go createFileSync (directory fsync on first creation so a
// crash right after create doesn't lose the directory entry).
type FileBackend struct {
	file *os.File
}

// OpenFile opens or creates the database file at path and takes the
// exclusive lock. It returns ErrDatabaseAlreadyOpen if another handle
// already holds it.
func OpenFile(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}

	if err := syncDir(path); err != nil {
		f.Close()
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrDatabaseAlreadyOpen
		}
		return nil, fmt.Errorf("backend: flock %s: %w", path, err)
	}

	return &FileBackend{file: f}, nil
}

func syncDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("backend: open dir for %s: %w", path, err)
	}
	defer dir.Close()
	return dir.Sync()
}

func (b *FileBackend) Len() (uint64, error) {
	fi, err := b.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()), nil
}

func (b *FileBackend) ReadAt(offset uint64, buf []byte) error {
	n, err := b.file.ReadAt(buf, int64(offset))
	if err != nil {
		return fmt.Errorf("backend: read %d bytes at %d: %w", len(buf), offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("backend: short read at %d: got %d want %d", offset, n, len(buf))
	}
	return nil
}

func (b *FileBackend) WriteAt(offset uint64, data []byte) error {
	n, err := b.file.WriteAt(data, int64(offset))
	if err != nil {
		return fmt.Errorf("backend: write %d bytes at %d: %w", len(data), offset, err)
	}
	if n != len(data) {
		return fmt.Errorf("backend: short write at %d: wrote %d want %d", offset, n, len(data))
	}
	return nil
}

func (b *FileBackend) SetLen(size uint64) error {
	return b.file.Truncate(int64(size))
}

func (b *FileBackend) SyncData() error {
	// fdatasync(2) would skip the inode-metadata flush, but it isn't
	// available on every unix this engine targets (e.g. darwin); fsync(2)
	// is the portable equivalent the teacher's backend uses too.
	return unix.Fsync(int(b.file.Fd()))
}

func (b *FileBackend) Close() error {
	unix.Flock(int(b.file.Fd()), unix.LOCK_UN)
	return b.file.Close()
}
