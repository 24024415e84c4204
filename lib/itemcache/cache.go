// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package itemcache is the in-memory item cache that sits in front of
// a log-structured segment store: an ordered map of small key/value
// records, augmented with dirty-subtree bits so a flush can find every
// modified item without a full scan, a range store that tracks which
// parts of the key space the cache can answer authoritatively without
// reading the segment store, and an LRU list that a memory-pressure
// shrinker drains under a caller-supplied budget.
package itemcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// Config holds the tunables of a Cache. The zero Config is not valid;
// use DefaultConfig as a starting point.
type Config struct {
	// MaxValueSize bounds the size of a single item's value. Create
	// and Update reject anything larger with ErrInvalid.
	MaxValueSize int

	// BoundaryMin is the minimum number of neighboring items the
	// shrinker will walk past before it is willing to stop early at
	// a usable split point; BoundaryMax is the hard cap on how far
	// it will walk regardless. See shrinkAround.
	BoundaryMin int
	BoundaryMax int

	// ShrinkerSeeks is a relative cost hint passed through to
	// whatever reclaim-priority mechanism RegisterShrinker's caller
	// wires the cache into (for example, a weight in a set of
	// registered shrinkers competing for a fixed per-tick budget).
	// The cache itself never reads this field; it is carried here
	// purely so one struct describes the whole shrinker
	// configuration.
	ShrinkerSeeks int
}

// DefaultConfig returns the tunables used in the absence of anything
// more specific: a generous per-item ceiling and the boundary-walk
// limits the cache's shrinker inherits from the segment key space it
// models.
func DefaultConfig() Config {
	return Config{
		MaxValueSize:  1 << 20,
		BoundaryMin:   32,
		BoundaryMax:   300,
		ShrinkerSeeks: 2,
	}
}

// Cache is the in-memory item cache. All exported methods are safe
// for concurrent use; a single mutex protects every data structure
// below, and is held only across short critical sections. Those
// sections do allocate (item records, value copies, lru entries);
// anything that might block (a segment read, a transaction sync)
// happens with the lock released.
type Cache struct {
	cfg Config

	mu        sync.Mutex
	items     *itemTree
	ranges    *rangeTree
	lru       lru
	rangePool rangePool

	nrDirtyItems  int
	dirtyValBytes int

	reader  Reader
	tracker Tracker
}

// New constructs an empty Cache. reader is consulted on every cache
// miss; tracker, if non-nil, is told about dirty-count/byte deltas and
// is used to implement Writeback. A nil tracker is valid for read-only
// or test configurations that never call Writeback.
func New(cfg Config, reader Reader, tracker Tracker) *Cache {
	return &Cache{
		cfg:     cfg,
		items:   newItemTree(),
		ranges:  newRangeTree(),
		reader:  reader,
		tracker: tracker,
	}
}

// fill releases no lock itself -- callers must already have dropped
// c.mu before calling this, since ReadItems may block on I/O -- and
// reports whatever error the reader produced, wrapping it so the
// caller's key is visible in logs without the reader needing to know
// it.
func (c *Cache) fill(ctx context.Context, key itemkey.Key, lock Lock) error {
	dlog.Tracef(ctx, "itemcache: fill miss key=%s lock=[%s,%s]", key, lock.Start, lock.End)
	if err := c.reader.ReadItems(ctx, key, lock.Start, lock.End); err != nil {
		return fmt.Errorf("itemcache: read items for key %s: %w", key, err)
	}
	return nil
}

// findItemLocked returns the live (non-tombstone) item at key, or nil
// if there is none cached -- hiding tombstones the way the spec's
// find_item does, so callers that only care about "is there a usable
// value here" don't have to check Deletion themselves.
func (c *Cache) findItemLocked(key itemkey.Key) *Item {
	it := c.items.lookup(key)
	if it == nil || it.Deletion {
		return nil
	}
	return it
}

func (c *Cache) touchLocked(it *Item) {
	if it.selfDirty {
		return
	}
	c.lru.touch(it)
}

// setDirtyLocked marks it dirty, unlinking it from the lru and
// crediting the dirty counters with its current value length. It is a
// no-op if it is already dirty -- callers that change an already-dirty
// item's value must call clearDirtyLocked first so the old length is
// un-credited before the new length is credited.
func (c *Cache) setDirtyLocked(it *Item) {
	if it.selfDirty {
		return
	}
	c.lru.unlink(it)
	it.selfDirty = true
	c.items.reattr(it)
	c.nrDirtyItems++
	c.dirtyValBytes += len(it.Value)
	if c.tracker != nil {
		c.tracker.TrackItems(1, len(it.Value))
	}
}

// clearDirtyLocked un-marks it dirty, debiting the dirty counters by
// its current value length and relinking it at the newest end of the
// lru. It is a no-op if it is already clean.
func (c *Cache) clearDirtyLocked(it *Item) {
	if !it.selfDirty {
		return
	}
	it.selfDirty = false
	c.items.reattr(it)
	c.nrDirtyItems--
	c.dirtyValBytes -= len(it.Value)
	if c.tracker != nil {
		c.tracker.TrackItems(-1, -len(it.Value))
	}
	c.lru.pushNewest(it)
}

// eraseItemLocked removes it from the cache entirely: if it is dirty,
// the dirty counters are corrected first; otherwise it is unlinked
// from the lru. Either way it is then dropped from the item tree.
func (c *Cache) eraseItemLocked(it *Item) {
	if it.selfDirty {
		c.clearDirtyLocked(it)
		c.lru.unlink(it)
	} else {
		c.lru.unlink(it)
	}
	c.items.erase(it.Key)
}

// deleteItemLocked implements the spec's delete_item: a non-persistent
// item simply vanishes, but a persistent item must leave behind a
// tombstone (so a future lookup doesn't fall through to the segment
// store and find the old value still there) -- which means correcting
// the dirty counters for its old value length, clearing it, and
// re-marking it dirty for its new (empty) length.
func (c *Cache) deleteItemLocked(it *Item) {
	if !it.Persistent {
		c.eraseItemLocked(it)
		return
	}
	c.clearDirtyLocked(it)
	it.Value = nil
	it.Deletion = true
	c.setDirtyLocked(it)
}

// insertItemLocked implements the spec's insert_item. cachePopulate is
// set by InsertBatch's read-through fill path, where a key already
// present means some other racing fill already installed a newer
// record: the caller's copy is simply dropped. logicalOverwrite is set
// by the force variants, where an existing record -- live or tombstone
// -- is always replaced.
func (c *Cache) insertItemLocked(it *Item, logicalOverwrite, cachePopulate bool) error {
	existing := c.items.lookup(it.Key)
	if existing == nil {
		c.items.insert(it)
		c.lru.pushNewest(it)
		return nil
	}
	if cachePopulate {
		return ErrExists
	}
	if logicalOverwrite || existing.Deletion {
		wasPersistent := existing.Persistent
		c.eraseItemLocked(existing)
		if wasPersistent {
			it.Persistent = true
		}
		c.items.insert(it)
		c.lru.pushNewest(it)
		return nil
	}
	return ErrExists
}

// Lookup copies key's value into buf, returning the number of bytes
// written. It returns ErrNotExist for a tombstone or an authoritative
// negative range, reading through the segment store on a genuine
// miss.
func (c *Cache) Lookup(ctx context.Context, key itemkey.Key, lock Lock, buf []byte) (int, error) {
	if !lock.Covers(key, ModeRead) {
		return 0, ErrInvalid
	}
	for {
		c.mu.Lock()
		it := c.items.lookup(key)
		if it != nil {
			c.touchLocked(it)
			if it.Deletion {
				c.mu.Unlock()
				return 0, ErrNotExist
			}
			n := copy(buf, it.Value)
			c.mu.Unlock()
			return n, nil
		}
		if c.ranges.check(key) != nil {
			c.mu.Unlock()
			return 0, ErrNotExist
		}
		c.mu.Unlock()
		if err := c.fill(ctx, key, lock); err != nil {
			return 0, err
		}
	}
}

// LookupExact is Lookup for callers that already know the expected
// value (typically a consistency check against an on-disk structure):
// it returns ErrMismatch instead of silently accepting a cached value
// that disagrees with what the caller expects.
func (c *Cache) LookupExact(ctx context.Context, key itemkey.Key, lock Lock, expect []byte) error {
	buf := make([]byte, len(expect)+1)
	n, err := c.Lookup(ctx, key, lock, buf)
	if err != nil {
		return err
	}
	if n != len(expect) || string(buf[:n]) != string(expect) {
		return ErrMismatch
	}
	return nil
}

// Next returns the lowest-keyed live item in [key, min(last,
// lock.End)], reading through the segment store as needed. It returns
// ErrNotExist without touching the cache at all if key is already
// past the effective upper bound.
func (c *Cache) Next(ctx context.Context, key, last itemkey.Key, lock Lock) (*ItemView, error) {
	if !lock.Covers(key, ModeRead) {
		return nil, ErrInvalid
	}
	upper := itemkey.Min(last, lock.End)
	if key.Cmp(upper) > 0 {
		return nil, ErrNotExist
	}
	pos := key
	for {
		c.mu.Lock()
		rng := c.ranges.check(pos)
		if rng == nil {
			c.mu.Unlock()
			if err := c.fill(ctx, pos, lock); err != nil {
				return nil, err
			}
			continue
		}
		boundary := itemkey.Min(rng.End, upper)
		for cur := c.items.ceil(pos); cur != nil && cur.Key.Cmp(boundary) <= 0; cur = c.items.next(cur) {
			if cur.Deletion {
				continue
			}
			c.touchLocked(cur)
			view := cur.view()
			c.mu.Unlock()
			return view, nil
		}
		if rng.End.Cmp(upper) >= 0 {
			c.mu.Unlock()
			return nil, ErrNotExist
		}
		if rng.End.Cmp(itemkey.Max) == 0 {
			c.mu.Unlock()
			return nil, ErrNotExist
		}
		pos = rng.End.Inc()
		c.mu.Unlock()
		if pos.Cmp(upper) > 0 {
			return nil, ErrNotExist
		}
	}
}

// Prev is the mirror of Next: the highest-keyed live item in
// [max(first, lock.Start), key].
func (c *Cache) Prev(ctx context.Context, key, first itemkey.Key, lock Lock) (*ItemView, error) {
	if !lock.Covers(key, ModeRead) {
		return nil, ErrInvalid
	}
	lower := itemkey.Max2(first, lock.Start)
	if key.Cmp(lower) < 0 {
		return nil, ErrNotExist
	}
	pos := key
	for {
		c.mu.Lock()
		rng := c.ranges.check(pos)
		if rng == nil {
			c.mu.Unlock()
			if err := c.fill(ctx, pos, lock); err != nil {
				return nil, err
			}
			continue
		}
		boundary := itemkey.Max2(rng.Start, lower)
		for cur := c.items.floor(pos); cur != nil && cur.Key.Cmp(boundary) >= 0; cur = c.items.prev(cur) {
			if cur.Deletion {
				continue
			}
			c.touchLocked(cur)
			view := cur.view()
			c.mu.Unlock()
			return view, nil
		}
		if rng.Start.Cmp(lower) <= 0 {
			c.mu.Unlock()
			return nil, ErrNotExist
		}
		if rng.Start.Cmp(itemkey.Zero) == 0 {
			c.mu.Unlock()
			return nil, ErrNotExist
		}
		pos = rng.Start.Dec()
		c.mu.Unlock()
		if pos.Cmp(lower) < 0 {
			return nil, ErrNotExist
		}
	}
}

// Create installs a new dirty item at key, failing with ErrExists if a
// live (non-tombstone) item is already there. It reads through the
// segment store until it can confirm the key's status one way or the
// other.
func (c *Cache) Create(ctx context.Context, key itemkey.Key, value []byte, lock Lock) error {
	if !lock.Covers(key, ModeWrite) {
		return ErrInvalid
	}
	if len(value) > c.cfg.MaxValueSize {
		return ErrInvalid
	}
	for {
		c.mu.Lock()
		if c.ranges.check(key) == nil {
			c.mu.Unlock()
			if err := c.fill(ctx, key, lock); err != nil {
				return err
			}
			continue
		}
		it := &Item{Key: key, Value: append([]byte(nil), value...)}
		if err := c.insertItemLocked(it, false, false); err != nil {
			c.mu.Unlock()
			return err
		}
		c.setDirtyLocked(it)
		c.mu.Unlock()
		return nil
	}
}

// CreateForce installs a dirty item at key unconditionally, overwriting
// whatever was cached there (live item or tombstone) without first
// reading through to check. Used by callers -- log replay, repair --
// that already know they must win.
func (c *Cache) CreateForce(key itemkey.Key, value []byte, lock Lock) error {
	if !lock.Covers(key, ModeWrite) {
		return ErrInvalid
	}
	if len(value) > c.cfg.MaxValueSize {
		return ErrInvalid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it := &Item{Key: key, Value: append([]byte(nil), value...), Persistent: true}
	_ = c.insertItemLocked(it, true, false)
	c.setDirtyLocked(it)
	return nil
}

// Update replaces the value of the live item at key, re-marking it
// dirty (crediting the dirty byte count for the new length and
// debiting it for the old). It returns ErrNotExist for a tombstone or
// an authoritative negative range.
func (c *Cache) Update(ctx context.Context, key itemkey.Key, value []byte, lock Lock) error {
	if !lock.Covers(key, ModeWrite) {
		return ErrInvalid
	}
	if len(value) > c.cfg.MaxValueSize {
		return ErrInvalid
	}
	for {
		c.mu.Lock()
		it := c.findItemLocked(key)
		if it == nil {
			if c.ranges.check(key) != nil {
				c.mu.Unlock()
				return ErrNotExist
			}
			c.mu.Unlock()
			if err := c.fill(ctx, key, lock); err != nil {
				return err
			}
			continue
		}
		c.clearDirtyLocked(it)
		it.Value = append([]byte(nil), value...)
		c.setDirtyLocked(it)
		c.mu.Unlock()
		return nil
	}
}

// Dirty ensures the live item at key exists and is marked dirty,
// reading through the segment store on a miss. It is a no-op if the
// item is already dirty.
func (c *Cache) Dirty(ctx context.Context, key itemkey.Key, lock Lock) error {
	if !lock.Covers(key, ModeWrite) {
		return ErrInvalid
	}
	for {
		c.mu.Lock()
		it := c.findItemLocked(key)
		if it == nil {
			if c.ranges.check(key) != nil {
				c.mu.Unlock()
				return ErrNotExist
			}
			c.mu.Unlock()
			if err := c.fill(ctx, key, lock); err != nil {
				return err
			}
			continue
		}
		c.setDirtyLocked(it)
		c.mu.Unlock()
		return nil
	}
}

// UpdateDirty overwrites the value of an already-dirty item in place,
// provided the item's existing buffer has enough capacity. It never
// reads through, never allocates a new buffer, and panics if its
// preconditions are violated -- callers are expected to have already
// confirmed both with Dirty and a capacity check.
func (c *Cache) UpdateDirty(key itemkey.Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := c.items.lookup(key)
	if it == nil || !it.selfDirty {
		panic("itemcache: UpdateDirty called on a key that is not a dirty item")
	}
	if cap(it.Value) < len(value) {
		panic("itemcache: UpdateDirty called with a value exceeding the item's reserved capacity")
	}
	oldLen := len(it.Value)
	it.Value = it.Value[:len(value)]
	copy(it.Value, value)
	delta := len(value) - oldLen
	c.dirtyValBytes += delta
	if c.tracker != nil {
		c.tracker.TrackItems(0, delta)
	}
}

// Delete removes the live item at key, leaving a tombstone behind if
// the key is known to exist in the segment store. It reads through on
// a miss and returns ErrNotExist for an already-absent key.
func (c *Cache) Delete(ctx context.Context, key itemkey.Key, lock Lock) error {
	if !lock.Covers(key, ModeWrite) {
		return ErrInvalid
	}
	for {
		c.mu.Lock()
		it := c.findItemLocked(key)
		if it == nil {
			if c.ranges.check(key) != nil {
				c.mu.Unlock()
				return ErrNotExist
			}
			c.mu.Unlock()
			if err := c.fill(ctx, key, lock); err != nil {
				return err
			}
			continue
		}
		c.deleteItemLocked(it)
		c.mu.Unlock()
		return nil
	}
}

// DeleteForce installs a dirty tombstone at key unconditionally,
// without first reading through to learn whether the key previously
// existed.
func (c *Cache) DeleteForce(key itemkey.Key, lock Lock) error {
	if !lock.Covers(key, ModeWrite) {
		return ErrInvalid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it := &Item{Key: key, Persistent: true}
	_ = c.insertItemLocked(it, true, false)
	c.setDirtyLocked(it)
	c.deleteItemLocked(it)
	return nil
}

// DeleteDirty removes a dirty item at key without reading through --
// by definition a dirty item is already cached, so there is nothing to
// fill. It returns ErrNotExist if key is absent or not dirty.
func (c *Cache) DeleteDirty(key itemkey.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := c.items.lookup(key)
	if it == nil || !it.selfDirty {
		return ErrNotExist
	}
	c.deleteItemLocked(it)
	return nil
}

// DeleteSave unlinks the cached item at key -- preserving its dirty
// flag and value in the returned record -- and appends it to saved,
// simultaneously installing a persistent tombstone in its place if the
// removed item was itself persistent. It is used by callers that need
// to temporarily relocate an item's storage (for instance, a resize or
// migration walk) without losing its dirty state.
func (c *Cache) DeleteSave(key itemkey.Key, saved *[]*Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := c.items.lookup(key)
	if it == nil {
		return ErrNotExist
	}
	record := it.clone()
	if it.selfDirty {
		it.selfDirty = false
		c.items.reattr(it)
		c.nrDirtyItems--
		c.dirtyValBytes -= len(it.Value)
		if c.tracker != nil {
			c.tracker.TrackItems(-1, -len(it.Value))
		}
	} else {
		c.lru.unlink(it)
	}
	wasPersistent := it.Persistent
	c.items.erase(key)
	*saved = append(*saved, record)

	if wasPersistent {
		tomb := &Item{Key: key, Persistent: true, Deletion: true}
		c.items.insert(tomb)
		c.lru.pushNewest(tomb)
	}
	return nil
}

// Restore reinstalls every record previously removed by DeleteSave,
// overwriting whatever is currently cached at each key (typically the
// tombstone DeleteSave itself left behind) and re-marking dirty any
// record that was dirty when it was saved.
func (c *Cache) Restore(saved []*Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range saved {
		if existing := c.items.lookup(rec.Key); existing != nil {
			c.eraseItemLocked(existing)
		}
		wasDirty := rec.selfDirty
		fresh := &Item{
			Key:        rec.Key,
			Value:      rec.Value,
			Deletion:   rec.Deletion,
			Persistent: rec.Persistent,
		}
		c.items.insert(fresh)
		c.lru.pushNewest(fresh)
		if wasDirty {
			c.setDirtyLocked(fresh)
		}
	}
	return nil
}

// ReadItem is one record handed to InsertBatch by a Reader after it
// has read a range of the segment store.
type ReadItem struct {
	Key      itemkey.Key
	Value    []byte
	Deletion bool
}

// InsertBatch is the Reader collaborator's callback: it asserts
// authoritative coverage of [start, end] and installs every item the
// reader found within it. A key that is already cached (a racing fill
// beat this one) is left as-is -- the batch's copy is simply dropped.
func (c *Cache) InsertBatch(start, end itemkey.Key, batch []ReadItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranges.insert(&Range{Start: start, End: end})
	for _, ri := range batch {
		it := &Item{
			Key:        ri.Key,
			Value:      append([]byte(nil), ri.Value...),
			Deletion:   ri.Deletion,
			Persistent: true,
		}
		_ = c.insertItemLocked(it, false, true)
	}
}

// FlushToSegment walks every dirty item in key order and hands it to
// seg.AppendItem. Space for the whole batch must already have been
// reserved (see DirtyFitsSingle), so a false return from AppendItem is
// an integrity violation, not an expected error. A flushed tombstone
// is dropped from the cache entirely once its deletion has been
// recorded; a flushed live item is simply marked clean and persistent.
func (c *Cache) FlushToSegment(seg SegmentWriter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items.dirty() {
		if !seg.AppendItem(it.Key, it.Value, it.Deletion) {
			return fmt.Errorf("itemcache: segment writer rejected a pre-reserved append for key %s: %w", it.Key, errIntegrity)
		}
		c.clearDirtyLocked(it)
		it.Persistent = true
		if it.Deletion {
			c.lru.unlink(it)
			c.items.erase(it.Key)
		}
	}
	return nil
}

// HasDirty reports whether the cache holds any dirty item at all.
func (c *Cache) HasDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.hasDirty()
}

// DirtyFitsSingle reports whether every currently-dirty item, plus
// extraItems more of total size extraBytes, would fit in a single
// segment, per seg's own sizing rules. A caller about to make more
// items dirty calls this first to decide whether it must flush before
// proceeding.
func (c *Cache) DirtyFitsSingle(seg SegmentWriter, extraItems, extraBytes int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return seg.FitsSingle(c.nrDirtyItems+extraItems, c.dirtyValBytes+extraBytes)
}

// Writeback forces a transaction sync if any dirty item's key falls
// within [start, end]; otherwise it is a no-op. It is used by callers
// that must guarantee a range of the key space is durable -- for
// instance, before reporting an fsync as complete.
func (c *Cache) Writeback(ctx context.Context, start, end itemkey.Key) error {
	c.mu.Lock()
	found := c.items.hasDirtyInRange(start, end)
	c.mu.Unlock()
	if !found || c.tracker == nil {
		return nil
	}
	return c.tracker.Sync(ctx, true)
}

// Invalidate drops the cache's claim of authority over [start, end]:
// every non-dirty item in the range is erased, and the range itself is
// removed from the range store, so a future lookup in that span reads
// through again. It is the caller's responsibility to ensure no dirty
// item falls in the range -- Invalidate returns an error instead of
// silently discarding unflushed writes.
func (c *Cache) Invalidate(start, end itemkey.Key) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items.hasDirtyInRange(start, end) {
		return 0, fmt.Errorf("itemcache: Invalidate called on a range with dirty items still pending: %w", errIntegrity)
	}
	count := 0
	for it := c.items.ceil(start); it != nil && it.Key.Cmp(end) <= 0; {
		next := c.items.next(it)
		c.eraseItemLocked(it)
		count++
		it = next
	}
	c.ranges.remove(Range{Start: start, End: end})
	return count, nil
}
