// Package cache implements the shared, optional read cache described in
// spec.md section 4.3: a size-bounded, two-segment LRU (probation and
// protection) keyed by (unit, track). A block cache for a single fixed
// block range would track per-block presence and dirtiness with one
// bitmap; here the cache is shared across many units, so a go-bitmap
// bitmap per unit instead tracks which of that unit's tracks are
// currently resident, so InvalidateUnit can work without scanning every
// entry in the cache.
package cache

import (
	"container/list"
	"sync"

	"github.com/boljen/go-bitmap"
)

// Key identifies one cached track.
type Key struct {
	Unit  uint32
	Track int
}

type entry struct {
	key      Key
	data     []byte
	hits     int
	elem     *list.Element // element in whichever segment list currently holds it
	inProbation bool
}

// Cache is the shared read cache. A single instance is owned by the device
// and handed to every unit worker that has caching enabled (spec.md
// section 4.3).
type Cache struct {
	mu sync.Mutex

	maxBytes      int
	bytesPerEntry int
	usedBytes     int

	probation  *list.List // of *entry, LRU order: front = most recent
	protection *list.List

	byKey map[Key]*entry
	// unitTracks is go-bitmap's per-unit membership map: bit `track` is set
	// iff (unit, track) currently has an entry in the cache. It lets
	// InvalidateUnit walk only the tracks a unit actually owns instead of
	// scanning the whole cache, mirroring how blockcache.BlockCache uses a
	// bitmap to avoid scanning blocks that were never loaded.
	unitTracks map[uint32]bitmap.Bitmap
	tracksPerUnit int
}

// MinEntrySize is the smallest meaningful cache size, counted in tracks:
// one. Open question (b) in spec.md section 9 is resolved in favor of
// rounding up: New and Resize raise a nonzero maxBytes below bytesPerEntry
// to bytesPerEntry, so the cache holds exactly one track instead of failing
// the whole start_unit/change_unit(CONTROL) call (see DESIGN.md). A
// maxBytes of 0 is left alone — that's the documented disabled state, not
// a too-small request.
const MinEntrySize = 1

// New creates a Cache bounded to `maxBytes` total bytes, holding entries of
// exactly `bytesPerEntry` bytes (one DD track; see spec.md section 4.3,
// "enabling it on a per-unit basis is silently ignored for HD geometry").
// `tracksPerUnit` sizes the per-unit presence bitmaps. A maxBytes of 0
// means the cache is disabled; New still returns a valid, empty Cache so
// callers don't need to special-case a nil pointer.
func New(maxBytes, bytesPerEntry, tracksPerUnit int) *Cache {
	if maxBytes > 0 && maxBytes < bytesPerEntry {
		maxBytes = bytesPerEntry
	}
	return &Cache{
		maxBytes:      maxBytes,
		bytesPerEntry: bytesPerEntry,
		probation:     list.New(),
		protection:    list.New(),
		byKey:         make(map[Key]*entry),
		unitTracks:    make(map[uint32]bitmap.Bitmap),
		tracksPerUnit: tracksPerUnit,
	}
}

// Enabled reports whether the cache will hold anything at all.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBytes >= c.bytesPerEntry && c.bytesPerEntry > 0
}

// Size returns the bytes currently in use and the configured bound.
func (c *Cache) Size() (used, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes, c.maxBytes
}

func (c *Cache) unitBitmap(unit uint32) bitmap.Bitmap {
	bm, ok := c.unitTracks[unit]
	if !ok {
		bm = bitmap.NewSlice(c.tracksPerUnit)
		c.unitTracks[unit] = bm
	}
	return bm
}

// Lookup returns the cached bytes for (unit, track), if present. A hit
// moves the entry to the front of its segment, and a *second* hit promotes
// it from probation to protection (spec.md section 4.3).
func (c *Cache) Lookup(unit uint32, track int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byKey[Key{unit, track}]
	if !ok {
		return nil, false
	}

	e.hits++
	if e.inProbation {
		if e.hits >= 2 {
			c.promote(e)
		} else {
			c.probation.MoveToFront(e.elem)
		}
	} else {
		c.protection.MoveToFront(e.elem)
	}

	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true
}

func (c *Cache) promote(e *entry) {
	c.probation.Remove(e.elem)
	e.inProbation = false
	e.elem = c.protection.PushFront(e)
}

// Update writes `data` into the cache entry for (unit, track). If the entry
// already exists it's overwritten and its position refreshed regardless of
// allowInsert. If it doesn't exist, it's only created when allowInsert is
// true: spec.md section 4.3 has reads set this true (a miss should be
// cached) and writes set it false (a write refreshes an existing entry but
// never manufactures one, since the write path already owns the
// authoritative copy in the unit's track buffer).
func (c *Cache) Update(unit uint32, track int, data []byte, allowInsert bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{unit, track}
	if e, ok := c.byKey[key]; ok {
		copy(e.data, data)
		if e.inProbation {
			c.probation.MoveToFront(e.elem)
		} else {
			c.protection.MoveToFront(e.elem)
		}
		return
	}

	if !allowInsert {
		return
	}
	c.insert(key, data)
}

func (c *Cache) insert(key Key, data []byte) {
	for c.usedBytes+c.bytesPerEntry > c.maxBytes && (c.probation.Len() > 0 || c.protection.Len() > 0) {
		c.evictOne()
	}
	if c.usedBytes+c.bytesPerEntry > c.maxBytes {
		// Cache can't even hold one entry (disabled or misconfigured).
		return
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	e := &entry{key: key, data: stored, inProbation: true}
	e.elem = c.probation.PushFront(e)
	c.byKey[key] = e
	c.usedBytes += c.bytesPerEntry
	c.unitBitmap(key.Unit).Set(key.Track, true)
}

// evictOne removes the least-recently-used entry, preferring probation: a
// miss inserts into probation, evicting from probation first, or from
// protection if probation is empty and protection overflows the bound
// (spec.md section 4.3, "Admission").
func (c *Cache) evictOne() {
	var victim *list.Element
	var fromProbation bool
	if victim = c.probation.Back(); victim != nil {
		fromProbation = true
	} else {
		victim = c.protection.Back()
	}
	if victim == nil {
		return
	}

	e := victim.Value.(*entry)
	if fromProbation {
		c.probation.Remove(victim)
	} else {
		c.protection.Remove(victim)
	}
	delete(c.byKey, e.key)
	c.usedBytes -= c.bytesPerEntry
	if bm, ok := c.unitTracks[e.key.Unit]; ok {
		bm.Set(e.key.Track, false)
	}
}

// InvalidateUnit drops every entry belonging to `unit`, used on eject
// (spec.md section 4.3, section 4.6). It only walks the tracks the unit's
// own bitmap records as present, not the whole cache.
func (c *Cache) InvalidateUnit(unit uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bm, ok := c.unitTracks[unit]
	if !ok {
		return
	}
	for track := 0; track < c.tracksPerUnit; track++ {
		if !bm.Get(track) {
			continue
		}
		c.removeLocked(Key{unit, track})
	}
	delete(c.unitTracks, unit)
}

// InvalidateEntry drops a single (unit, track) entry, used when a write to
// the backing file fails (spec.md section 4.4, "On write success... on
// failure, invalidate the cache entry").
func (c *Cache) InvalidateEntry(unit uint32, track int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(Key{unit, track})
}

func (c *Cache) removeLocked(key Key) {
	e, ok := c.byKey[key]
	if !ok {
		return
	}
	if e.inProbation {
		c.probation.Remove(e.elem)
	} else {
		c.protection.Remove(e.elem)
	}
	delete(c.byKey, key)
	c.usedBytes -= c.bytesPerEntry
	if bm, ok := c.unitTracks[key.Unit]; ok {
		bm.Set(key.Track, false)
	}
}

// Resize changes the memory bound. Shrinking evicts from probation then
// protection until the cache is back under budget; growing never evicts or
// clears existing entries (spec.md section 4.3).
func (c *Cache) Resize(newMaxBytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if newMaxBytes > 0 && newMaxBytes < c.bytesPerEntry {
		newMaxBytes = c.bytesPerEntry
	}
	c.maxBytes = newMaxBytes
	for c.usedBytes > c.maxBytes && (c.probation.Len() > 0 || c.protection.Len() > 0) {
		c.evictOne()
	}
}
