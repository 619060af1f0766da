// Package registry implements the process-wide, ordered collection of units
// keyed by unit number (spec.md section 4.2): lookup with MRU bump,
// allocation of the next free number (reusing a running-but-empty unit
// first), and a consistent snapshot for reporting. It's protected by its
// own internal lock, separate from the device package's device lock.
//
// Allocation reuses a "find a free slot" discipline generalized from a
// fixed-size bitmap of block IDs to an open-ended, reusable set of unit
// objects kept in MRU order with container/list (see internal/cache for
// the same list-based LRU discipline applied to cache entries).
package registry

import (
	"container/list"
	"sync"

	ferrors "github.com/obarthel/trackfile/errors"
)

// Entry is the minimal surface the registry needs from a unit: its number,
// and whether it's eligible for reuse by AllocateNext (spec.md section 4.2,
// "reuses a unit that is running but currently empty and idle").
type Entry interface {
	Number() uint32
	IsEmpty() bool
}

// Registry is the process-wide, lock-protected collection of units. The
// zero value is not usable; use New.
type Registry struct {
	mu      sync.RWMutex
	order   *list.List // of Entry, MRU at front
	byNum   map[uint32]*list.Element
	maxSeen int64 // -1 until a unit has been registered
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		order:   list.New(),
		byNum:   make(map[uint32]*list.Element),
		maxSeen: -1,
	}
}

// Register adds a newly created unit to the registry. Units are never
// deallocated (spec.md section 3, "Lifecycle"), so there is no
// corresponding Unregister.
func (r *Registry) Register(u Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem := r.order.PushFront(u)
	r.byNum[u.Number()] = elem
	if int64(u.Number()) > r.maxSeen {
		r.maxSeen = int64(u.Number())
	}
}

// Lookup finds a unit by number. On a hit, it moves the unit to the front
// of the MRU list — the only write mutation a lookup performs (spec.md
// section 4.2): "this is the only write mutation performed under a
// read-style lookup; callers must hold the device lock exclusively." Go's
// sync.RWMutex can't be upgraded from read to write, so Lookup always takes
// the exclusive lock to keep that guarantee honest rather than racing a
// read lock against the MRU bump.
func (r *Registry) Lookup(number uint32) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.byNum[number]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(elem)
	return elem.Value.(Entry), true
}

// AllocateNext picks a unit number for start_unit(ANY, ...): it reuses a
// unit that is running but currently empty and idle, else returns
// max-seen+1, with overflow rejected (spec.md section 4.2).
func (r *Registry) AllocateNext() (number uint32, reuse bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(Entry)
		if entry.IsEmpty() {
			return entry.Number(), true, nil
		}
	}

	if r.maxSeen < 0 {
		return 0, false, nil
	}
	next := r.maxSeen + 1
	if next > int64(^uint32(0)-1) {
		return 0, false, ferrors.ErrOutOfMemory
	}
	return uint32(next), false, nil
}

// IterSnapshot produces a consistent ordered list of every registered unit
// for reporting (spec.md section 4.2, "iteration for snapshotting";
// section 4.8, GetUnitData).
func (r *Registry) IterSnapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, r.order.Len())
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(Entry))
	}
	return out
}

// Len reports how many units are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order.Len()
}
