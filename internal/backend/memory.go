package backend

import "fmt"

// MemBackend is an in-process Backend used by tests: it gives the same
// contract as FileBackend without touching disk, so unit tests for the
// allocator/B-tree/transaction layers run fast and deterministically.
type MemBackend struct {
	data []byte
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{}
}

func (b *MemBackend) Len() (uint64, error) {
	return uint64(len(b.data)), nil
}

func (b *MemBackend) ReadAt(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > uint64(len(b.data)) {
		return fmt.Errorf("membackend: read past end: offset=%d len=%d size=%d", offset, len(buf), len(b.data))
	}
	copy(buf, b.data[offset:offset+uint64(len(buf))])
	return nil
}

func (b *MemBackend) WriteAt(offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	if end > uint64(len(b.data)) {
		return fmt.Errorf("membackend: write past end: offset=%d len=%d size=%d", offset, len(data), len(b.data))
	}
	copy(b.data[offset:end], data)
	return nil
}

func (b *MemBackend) SetLen(size uint64) error {
	if size <= uint64(len(b.data)) {
		b.data = b.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, b.data)
	b.data = grown
	return nil
}

func (b *MemBackend) SyncData() error { return nil }
func (b *MemBackend) Close() error    { return nil }
