package arbor

import (
	"bytes"
	"fmt"

	"github.com/arborstore/arbor/internal/btree"
	"github.com/arborstore/arbor/internal/master"
)

// Entry is one (key, value) pair yielded by a range iterator. The byte
// slices are only valid until the owning transaction ends; callers that
// need to keep them longer must copy.
type Entry struct {
	Key   []byte
	Value []byte
}

// Range is a restartable, ordered cursor over a bounded span of a table,
// grounded in the teacher's iterator style (stateful Next/Valid) rather
// than a channel or callback, so a caller can stop early without leaking
// a goroutine.
type Range struct {
	cur     *btree.Cursor
	lo, hi  []byte
	rev     bool
	started bool
	ok      bool
}

func newForwardRange(tree *btree.Tree, lo, hi []byte) *Range {
	c := tree.NewCursor()
	return &Range{cur: c, lo: lo, hi: hi}
}

func newReverseRange(tree *btree.Tree, lo, hi []byte) *Range {
	c := tree.NewCursor()
	return &Range{cur: c, lo: lo, hi: hi, rev: true}
}

// Next advances the cursor and reports whether it now sits on a valid
// entry within bounds.
func (r *Range) Next() bool {
	if !r.started {
		r.started = true
		r.ok = r.seekStart()
	} else if r.ok {
		if r.rev {
			r.ok = r.cur.Prev()
		} else {
			r.ok = r.cur.Next()
		}
	}
	if r.ok && !r.inBounds() {
		r.ok = false
	}
	return r.ok
}

func (r *Range) seekStart() bool {
	if r.rev {
		if r.hi == nil {
			return r.cur.Last()
		}
		if !r.cur.SeekGE(r.hi) {
			return r.cur.Last()
		}
		// SeekGE lands on the first key >= hi; the reverse range is
		// exclusive of hi, so back up one.
		if bytes.Equal(r.cur.Key(), r.hi) || bytes.Compare(r.cur.Key(), r.hi) > 0 {
			return r.cur.Prev()
		}
		return true
	}
	if r.lo == nil {
		return r.cur.First()
	}
	return r.cur.SeekGE(r.lo)
}

func (r *Range) inBounds() bool {
	k := r.cur.Key()
	if r.lo != nil && bytes.Compare(k, r.lo) < 0 {
		return false
	}
	if r.hi != nil && bytes.Compare(k, r.hi) >= 0 {
		return false
	}
	return true
}

// Key returns the current entry's key. Only valid after Next returns true.
func (r *Range) Key() []byte { return r.cur.Key() }

// Value returns the current entry's value. Only valid after Next returns true.
func (r *Range) Value() []byte { return r.cur.Val() }

// Reservation is a handle returned by InsertReserve: the caller fills
// Bytes() in place, then calls Seal to commit the entry into the tree.
// Go has no destructor to seal on drop, so unlike the source this engine
// requires an explicit Seal; an unsealed reservation simply vanishes with
// no effect, which satisfies the same no-mutation-before-completion
// precondition.
type Reservation struct {
	buf    []byte
	key    []byte
	seal   func(key, val []byte) error
	sealed bool
}

// Bytes exposes the reservation's buffer for in-place writes.
func (r *Reservation) Bytes() []byte { return r.buf }

// Seal commits the filled buffer into the table under the reserved key.
func (r *Reservation) Seal() error {
	if r.sealed {
		return fmt.Errorf("arbor: reservation already sealed")
	}
	r.sealed = true
	return r.seal(r.key, r.buf)
}

// Table is a write transaction's handle to one ordinary ordered table.
type Table struct {
	name   string
	tx     *WriteTransaction
	tree   *btree.Tree
	length uint64
	closed bool
}

// Close releases this handle, letting the owning transaction re-open or
// delete the table by name.
func (t *Table) Close() {
	if t.closed {
		return
	}
	t.closed = true
	delete(t.tx.openTables, t.name)
}

func (t *Table) sync() error {
	return t.tx.syncTableDescriptor(t.name, master.KindTable, t.tree, t.length)
}

// Get looks up key.
func (t *Table) Get(key []byte) ([]byte, bool) {
	return t.tree.Get(key)
}

// Insert adds or replaces key's value, returning the prior value if any.
func (t *Table) Insert(key, val []byte) ([]byte, bool, error) {
	old, replaced, err := t.tree.Insert(key, val)
	if err != nil {
		return nil, false, err
	}
	if !replaced {
		t.length++
	}
	if err := t.sync(); err != nil {
		return nil, false, err
	}
	return old, replaced, nil
}

// InsertReserve allocates an in-memory buffer of length n for key; the
// caller fills it via Reservation.Bytes and commits with Reservation.Seal.
func (t *Table) InsertReserve(key []byte, n int) *Reservation {
	k := make([]byte, len(key))
	copy(k, key)
	return &Reservation{
		buf: make([]byte, n),
		key: k,
		seal: func(key, val []byte) error {
			_, _, err := t.Insert(key, val)
			return err
		},
	}
}

// Remove deletes key, returning whether it was present.
func (t *Table) Remove(key []byte) (bool, error) {
	removed := t.tree.Delete(key)
	if removed {
		t.length--
		if err := t.sync(); err != nil {
			return false, err
		}
	}
	return removed, nil
}

// Range iterates [lo, hi) in ascending key order. A nil lo/hi is
// unbounded on that side.
func (t *Table) Range(lo, hi []byte) *Range { return newForwardRange(t.tree, lo, hi) }

// RangeRev iterates [lo, hi) in descending key order.
func (t *Table) RangeRev(lo, hi []byte) *Range { return newReverseRange(t.tree, lo, hi) }

// First returns the smallest entry, if any.
func (t *Table) First() (Entry, bool) {
	c := t.tree.NewCursor()
	if !c.First() {
		return Entry{}, false
	}
	return Entry{Key: c.Key(), Value: c.Val()}, true
}

// Last returns the largest entry, if any.
func (t *Table) Last() (Entry, bool) {
	c := t.tree.NewCursor()
	if !c.Last() {
		return Entry{}, false
	}
	return Entry{Key: c.Key(), Value: c.Val()}, true
}

// Len returns the cached entry count.
func (t *Table) Len() uint64 { return t.length }

// IsEmpty reports whether the table holds no entries.
func (t *Table) IsEmpty() bool { return t.length == 0 }

// Stats returns structural statistics for this table's tree.
func (t *Table) Stats() btree.Stats { return t.tree.ComputeStats() }

// ReadTable is a read transaction's handle to one ordinary table.
type ReadTable struct {
	tree   *btree.Tree
	length uint64
	rx     *ReadTransaction
	closed bool
}

func (t *ReadTable) Get(key []byte) ([]byte, bool) { return t.tree.Get(key) }
func (t *ReadTable) Range(lo, hi []byte) *Range     { return newForwardRange(t.tree, lo, hi) }
func (t *ReadTable) RangeRev(lo, hi []byte) *Range   { return newReverseRange(t.tree, lo, hi) }
func (t *ReadTable) Len() uint64                     { return t.length }
func (t *ReadTable) IsEmpty() bool                   { return t.length == 0 }
func (t *ReadTable) Stats() btree.Stats              { return t.tree.ComputeStats() }

// Close releases this handle, letting the owning ReadTransaction close.
func (t *ReadTable) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.rx.openHandles--
}

func (t *ReadTable) First() (Entry, bool) {
	c := t.tree.NewCursor()
	if !c.First() {
		return Entry{}, false
	}
	return Entry{Key: c.Key(), Value: c.Val()}, true
}

func (t *ReadTable) Last() (Entry, bool) {
	c := t.tree.NewCursor()
	if !c.Last() {
		return Entry{}, false
	}
	return Entry{Key: c.Key(), Value: c.Val()}, true
}

// MultimapTable is a write transaction's handle to one ordered multimap.
//
// Represented as a single composite-key B-tree (master.EncodeCompositeKey)
// rather than the per-key inline-set/secondary-tree switch described for
// the source: every (key, value) pair is its own entry, keyed by
// length-prefixed key followed by value, with an empty payload. This
// trades a few bytes of always-present prefix overhead for a much
// simpler implementation that reuses the ordinary B-tree unchanged; see
// DESIGN.md.
type MultimapTable struct {
	name   string
	tx     *WriteTransaction
	tree   *btree.Tree
	length uint64 // count of distinct top-level keys
	closed bool
}

// Close releases this handle, letting the owning transaction re-open or
// delete the table by name.
func (t *MultimapTable) Close() {
	if t.closed {
		return
	}
	t.closed = true
	delete(t.tx.openTables, t.name)
}

func (t *MultimapTable) sync() error {
	return t.tx.syncTableDescriptor(t.name, master.KindMultimap, t.tree, t.length)
}

// hasAnyValue reports whether key has at least one value stored.
func (t *MultimapTable) hasAnyValue(key []byte) bool {
	c := t.tree.NewCursor()
	prefix := master.CompositeKeyPrefix(key)
	if !c.SeekGE(prefix) {
		return false
	}
	return bytes.HasPrefix(c.Key(), prefix)
}

// Insert adds (key, value), reporting whether it was newly added (false
// if this exact pair already existed).
func (t *MultimapTable) Insert(key, value []byte) (bool, error) {
	composite := master.EncodeCompositeKey(key, value)
	if _, ok := t.tree.Get(composite); ok {
		return false, nil
	}
	wasNewKey := !t.hasAnyValue(key)
	if _, _, err := t.tree.Insert(composite, nil); err != nil {
		return false, err
	}
	if wasNewKey {
		t.length++
	}
	return true, t.sync()
}

// Remove deletes (key, value), reporting whether it was present.
func (t *MultimapTable) Remove(key, value []byte) (bool, error) {
	composite := master.EncodeCompositeKey(key, value)
	if !t.tree.Delete(composite) {
		return false, nil
	}
	if !t.hasAnyValue(key) {
		t.length--
	}
	return true, t.sync()
}

// Get returns every value stored for key, in ascending order.
func (t *MultimapTable) Get(key []byte) [][]byte {
	var out [][]byte
	prefix := master.CompositeKeyPrefix(key)
	c := t.tree.NewCursor()
	for ok := c.SeekGE(prefix); ok && bytes.HasPrefix(c.Key(), prefix); ok = c.Next() {
		_, v, err := master.SplitCompositeKey(c.Key())
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Len returns the number of distinct top-level keys.
func (t *MultimapTable) Len() uint64 { return t.length }

// IsEmpty reports whether the multimap holds no keys.
func (t *MultimapTable) IsEmpty() bool { return t.length == 0 }

// ReadMultimapTable is a read transaction's handle to one multimap.
type ReadMultimapTable struct {
	tree   *btree.Tree
	length uint64
	rx     *ReadTransaction
	closed bool
}

// Close releases this handle, letting the owning ReadTransaction close.
func (t *ReadMultimapTable) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.rx.openHandles--
}

func (t *ReadMultimapTable) Get(key []byte) [][]byte {
	var out [][]byte
	prefix := master.CompositeKeyPrefix(key)
	c := t.tree.NewCursor()
	for ok := c.SeekGE(prefix); ok && bytes.HasPrefix(c.Key(), prefix); ok = c.Next() {
		_, v, err := master.SplitCompositeKey(c.Key())
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (t *ReadMultimapTable) Len() uint64     { return t.length }
func (t *ReadMultimapTable) IsEmpty() bool    { return t.length == 0 }
