// Package sequence tracks global sequences and reconciles the changes a
// transaction made to them when it commits or aborts.
package sequence

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"gtm/types"
)

// Sequence is one global sequence. A transaction that drops or alters it
// leaves the previous version parked until the transaction's fate is known.
type Sequence struct {
	Name      string
	Value     int64
	Increment int64
}

// Store is an in-memory sequence registry implementing the transaction
// table's cleanup hooks. Calls arrive from inside the table's removal pass,
// so nothing here may call back into the table.
type Store struct {
	mu     sync.Mutex
	live   map[string]*Sequence
	parked map[*Sequence]struct{} // dropped/pre-image copies awaiting a verdict
}

// NewStore returns an empty sequence registry.
func NewStore() *Store {
	return &Store{
		live:   make(map[string]*Sequence),
		parked: make(map[*Sequence]struct{}),
	}
}

// Create registers a new sequence and returns the ref to track on the
// creating transaction.
func (st *Store) Create(name string, start, increment int64) types.SeqRef {
	st.mu.Lock()
	defer st.mu.Unlock()

	seq := &Sequence{Name: name, Value: start, Increment: increment}
	st.live[name] = seq
	return seq
}

// Drop unregisters a sequence, parking it until the dropping transaction
// commits or aborts. Returns the ref to track, or nil if the name is
// unknown.
func (st *Store) Drop(name string) types.SeqRef {
	st.mu.Lock()
	defer st.mu.Unlock()

	seq, ok := st.live[name]
	if !ok {
		return nil
	}
	delete(st.live, name)
	st.parked[seq] = struct{}{}
	return seq
}

// Alter replaces a sequence's parameters, parking the pre-image. Returns the
// pre-image ref to track, or nil if the name is unknown.
func (st *Store) Alter(name string, value, increment int64) types.SeqRef {
	st.mu.Lock()
	defer st.mu.Unlock()

	seq, ok := st.live[name]
	if !ok {
		return nil
	}
	prev := *seq
	st.parked[&prev] = struct{}{}
	seq.Value = value
	seq.Increment = increment
	return &prev
}

// Get returns the live sequence with the given name, or nil.
func (st *Store) Get(name string) *Sequence {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.live[name]
}

// RemoveCreated drops a sequence created by an aborting transaction.
func (st *Store) RemoveCreated(ref types.SeqRef) {
	seq, ok := ref.(*Sequence)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	// Only remove if the name still resolves to this very sequence; a later
	// transaction may have reused the name.
	if st.live[seq.Name] == seq {
		delete(st.live, seq.Name)
	}
}

// RestoreDropped reinstates a sequence dropped by an aborting transaction.
func (st *Store) RestoreDropped(ref types.SeqRef) {
	seq, ok := ref.(*Sequence)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, parked := st.parked[seq]; !parked {
		log.Warn("Restore of sequence that is not parked", "name", seq.Name)
		return
	}
	delete(st.parked, seq)
	st.live[seq.Name] = seq
}

// RestoreAltered reverts a sequence altered by an aborting transaction to
// its pre-image.
func (st *Store) RestoreAltered(ref types.SeqRef) {
	prev, ok := ref.(*Sequence)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, parked := st.parked[prev]; !parked {
		return
	}
	delete(st.parked, prev)
	if seq, live := st.live[prev.Name]; live {
		seq.Value = prev.Value
		seq.Increment = prev.Increment
	}
}

// RemoveDropped discards a parked sequence once the dropping transaction
// committed.
func (st *Store) RemoveDropped(ref types.SeqRef) {
	st.discard(ref)
}

// RemoveAltered discards a parked pre-image once the altering transaction
// committed.
func (st *Store) RemoveAltered(ref types.SeqRef) {
	st.discard(ref)
}

func (st *Store) discard(ref types.SeqRef) {
	seq, ok := ref.(*Sequence)
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.parked, seq)
	st.mu.Unlock()
}

var _ types.SequenceStore = (*Store)(nil)
