// Package master implements spec.md §4.6: the master table (every open
// table's name, kind, root page and length) and the multimap composite
// key encoding layered on top of a plain table.
//
// Grounded in the teacher's pkg/metadata/store.go compound-index pattern:
// that store builds secondary indexes by concatenating length-delimited
// components into one key so a prefix scan isolates one entity's entries.
// CompositeKey below applies the same length-prefix trick to multimap
// (key, value) pairs, generalized from typed storage.Value components to
// opaque bytes.
package master

import (
	"encoding/binary"
	"fmt"

	"github.com/arborstore/arbor/internal/btree"
	"github.com/arborstore/arbor/internal/errs"
	"github.com/arborstore/arbor/internal/pnum"
)

// Kind distinguishes an ordered table from an ordered multimap table.
type Kind uint8

const (
	KindTable    Kind = 1
	KindMultimap Kind = 2
)

// ErrCorrupt marks a master-table record that fails to decode.
var ErrCorrupt = errs.ErrInvalidData

// descriptorSize is Kind(1) + Root(8) + Length(8).
const descriptorSize = 17

// Descriptor is the master table's record for one open table: its kind,
// its B-tree's root page, and its cached entry count. A multimap table
// keeps every (key, value) pair in that one tree under composite keys
// (see EncodeCompositeKey); it has no per-key secondary trees or counts.
type Descriptor struct {
	Kind   Kind
	Root   pnum.PageNumber
	Length uint64
}

func (d Descriptor) encode() []byte {
	buf := make([]byte, descriptorSize)
	buf[0] = byte(d.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(d.Root))
	binary.LittleEndian.PutUint64(buf[9:17], d.Length)
	return buf
}

func decodeDescriptor(buf []byte) (Descriptor, error) {
	if len(buf) != descriptorSize {
		return Descriptor{}, fmt.Errorf("master: %w: descriptor is %d bytes", ErrCorrupt, len(buf))
	}
	return Descriptor{
		Kind:   Kind(buf[0]),
		Root:   pnum.PageNumber(binary.LittleEndian.Uint64(buf[1:9])),
		Length: binary.LittleEndian.Uint64(buf[9:17]),
	}, nil
}

// Table is a thin typed wrapper over a *btree.Tree rooted at the master
// table's root page, keyed by table name.
type Table struct {
	tree *btree.Tree
}

// New wraps tree as a master table.
func New(tree *btree.Tree) *Table {
	return &Table{tree: tree}
}

// Tree exposes the underlying tree, e.g. so the transaction manager can
// read its root after a commit to persist into the god page.
func (t *Table) Tree() *btree.Tree { return t.tree }

// Get returns the descriptor for name, if one is open.
func (t *Table) Get(name string) (Descriptor, bool, error) {
	raw, ok := t.tree.Get([]byte(name))
	if !ok {
		return Descriptor{}, false, nil
	}
	d, err := decodeDescriptor(raw)
	if err != nil {
		return Descriptor{}, false, err
	}
	return d, true, nil
}

// Put records (or replaces) name's descriptor.
func (t *Table) Put(name string, d Descriptor) error {
	_, _, err := t.tree.Insert([]byte(name), d.encode())
	return err
}

// Delete removes name's descriptor. It does not free the table's own
// B-tree pages; callers must drop those via the allocator first.
func (t *Table) Delete(name string) bool {
	return t.tree.Delete([]byte(name))
}

// List returns every table name currently recorded, in sorted order.
func (t *Table) List() []string {
	var names []string
	c := t.tree.NewCursor()
	for ok := c.First(); ok; ok = c.Next() {
		names = append(names, string(c.Key()))
	}
	return names
}

// EncodeCompositeKey builds a multimap tree key from a (key, value)
// pair: a 4-byte big-endian length of key, key, then value. With the
// prefix big-endian, byte-wise comparison orders composite keys by key
// length, then key bytes, then value (the rest of the on-disk format is
// little-endian).
func EncodeCompositeKey(key, value []byte) []byte {
	out := make([]byte, 4+len(key)+len(value))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(key)))
	copy(out[4:], key)
	copy(out[4+len(key):], value)
	return out
}

// CompositeKeyPrefix returns the byte prefix shared by every composite
// key for a given top-level key, suitable as a cursor SeekGE target and
// a HasPrefix bound for a single key's scan.
func CompositeKeyPrefix(key []byte) []byte {
	out := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(key)))
	copy(out[4:], key)
	return out
}

// SplitCompositeKey recovers the (key, value) pair from a composite key
// produced by EncodeCompositeKey.
func SplitCompositeKey(composite []byte) (key, value []byte, err error) {
	if len(composite) < 4 {
		return nil, nil, fmt.Errorf("master: %w: composite key too short", ErrCorrupt)
	}
	klen := binary.BigEndian.Uint32(composite[0:4])
	if uint32(len(composite)) < 4+klen {
		return nil, nil, fmt.Errorf("master: %w: composite key truncated", ErrCorrupt)
	}
	return composite[4 : 4+klen], composite[4+klen:], nil
}
