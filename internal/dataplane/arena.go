package dataplane

// TxnHandle identifies a Transaction by slot index plus a generation
// counter, so a handle retained past its transaction's completion can
// never alias a freshly reused slot (spec.md §9's "generation-safe index"
// design note). Adapted from the teacher's weak-pointer promise registry
// (eventloop/registry.go) to explicit alloc/free: this arena has no
// garbage collector to cooperate with, so slot reuse is gated purely by
// the generation counter rather than GC liveness.
type TxnHandle struct {
	index      int
	generation uint64
}

type arenaSlot struct {
	txn        Transaction
	generation uint64
	occupied   bool
}

// Arena owns the fixed pool of Transaction records. It is not safe for
// concurrent use; per spec.md §5, only the event loop goroutine ever
// touches it.
type Arena struct {
	slots      []arenaSlot
	free       []int // indices of unoccupied slots, LIFO
	nextSeq    int64
	maxMessage int
}

// NewArena creates an arena with capacity pre-allocated slots. Capacity is
// a hard bound: the arena never grows, and Alloc returns ErrArenaExhausted
// once every slot is occupied, so sizing this to the expected
// concurrent-connection ceiling avoids that path entirely. maxMessage is handed to every Transaction it
// allocates (see WithMaxMessage); zero falls back to the package default.
func NewArena(capacity int, maxMessage int) *Arena {
	a := &Arena{
		slots:      make([]arenaSlot, capacity),
		free:       make([]int, capacity),
		maxMessage: maxMessage,
	}
	for i := range a.free {
		a.free[i] = capacity - 1 - i
	}
	return a
}

// Alloc reserves a slot and returns a handle to a freshly reset
// Transaction plus a sequence number for diagnostics.
func (a *Arena) Alloc() (TxnHandle, *Transaction, error) {
	if len(a.free) == 0 {
		return TxnHandle{}, nil, ErrArenaExhausted
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	slot := &a.slots[idx]
	slot.occupied = true
	slot.txn.reset()
	a.nextSeq++
	slot.txn.EnqueueSeq = a.nextSeq
	slot.txn.maxMessage = a.maxMessage

	return TxnHandle{index: idx, generation: slot.generation}, &slot.txn, nil
}

// Get resolves a handle to its Transaction, or ErrStaleHandle if the slot
// has since been freed and its generation advanced.
func (a *Arena) Get(h TxnHandle) (*Transaction, error) {
	if h.index < 0 || h.index >= len(a.slots) {
		return nil, ErrStaleHandle
	}
	slot := &a.slots[h.index]
	if !slot.occupied || slot.generation != h.generation {
		return nil, ErrStaleHandle
	}
	return &slot.txn, nil
}

// Free releases a slot, bumping its generation so any outstanding handle
// referring to it becomes stale.
func (a *Arena) Free(h TxnHandle) error {
	if h.index < 0 || h.index >= len(a.slots) {
		return ErrStaleHandle
	}
	slot := &a.slots[h.index]
	if !slot.occupied || slot.generation != h.generation {
		return ErrStaleHandle
	}
	slot.occupied = false
	slot.generation++
	a.free = append(a.free, h.index)
	return nil
}

// Len reports the number of currently occupied slots.
func (a *Arena) Len() int {
	return len(a.slots) - len(a.free)
}

// ForEachOccupied calls fn once per currently-occupied slot, used by the
// engine to scan in-flight transactions for a verdict match (spec.md §4.E).
// fn must not call Alloc or Free on this arena.
func (a *Arena) ForEachOccupied(fn func(TxnHandle, *Transaction)) {
	for i := range a.slots {
		slot := &a.slots[i]
		if slot.occupied {
			fn(TxnHandle{index: i, generation: slot.generation}, &slot.txn)
		}
	}
}
