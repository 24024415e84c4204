// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import (
	"math"

	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// RegisterShrinker returns the cache's reclaim entry point together
// with its configured cost hint, for handing to whatever drives memory
// pressure in the surrounding process (a ticker-driven background loop,
// a host process's own shrinker registry). Separating "when to shrink"
// from "how to shrink" mirrors the kernel's struct shrinker: a
// registration call hands over a callback and a seeks weight, and
// something else entirely decides when and how hard to call it.
func (c *Cache) RegisterShrinker() (shrink func(nrToScan int) int, seeks int) {
	return c.Shrink, c.cfg.ShrinkerSeeks
}

// Close releases the cache's references to its collaborators. It does
// not need to free any cache-owned memory itself -- the garbage
// collector reclaims the item tree, range tree, and lru once Close's
// caller drops its own reference to the Cache -- but dropping the
// reader/tracker here lets them be collected independently of however
// long the (now-unusable) Cache value itself happens to survive.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reader = nil
	c.tracker = nil
	return nil
}

// Shrink is the cache's reclaim entry point. It scans up to nrToScan
// worth of clean, least-recently-used items: an item outside any
// range is erased outright; an item inside a range is handed to
// shrinkAround, which erases it and as many of its neighbors as it can
// without losing the range's authoritative coverage of the keys that
// remain. It returns the clamped size of what remains on the lru, in
// the same spirit as a kernel shrinker reporting its remaining object
// count back to the reclaim core.
func (c *Cache) Shrink(nrToScan int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := nrToScan
	var firstMoved *Item
	for remaining > 0 {
		it := c.lru.oldest()
		if it == nil {
			break
		}
		if it.selfDirty {
			panic("itemcache: dirty item found on the lru")
		}

		rng := c.ranges.check(it.Key)
		if rng == nil {
			c.eraseItemLocked(it)
			remaining--
			continue
		}

		reclaimed, progressed := c.shrinkAround(rng, it)
		if !progressed {
			if firstMoved == it {
				break
			}
			if firstMoved == nil {
				firstMoved = it
			}
			c.lru.touch(it)
			continue
		}
		firstMoved = nil
		if reclaimed >= remaining {
			remaining = 0
		} else {
			remaining -= reclaimed
		}
	}

	c.pruneEmptyRangesLocked()

	if c.lru.len() > math.MaxInt32 {
		return math.MaxInt32
	}
	return c.lru.len()
}

// shrinkBoundary walks from item toward a range edge (forward when
// forward is true, backward otherwise), looking for the farthest point
// it can use as a new edge of the surviving range without the
// increment/decrement crossing into the key of whatever item remains
// just beyond it. For this cache's fixed-width numeric key, crossing
// never actually happens -- Key.Inc/Dec produce the immediate
// successor/predecessor key, which by construction cannot collide with
// any other distinct key -- so boundary is always usable; the loop
// still exists to bound how far it walks (BoundaryMin/BoundaryMax) and
// to stop at the first dirty neighbor, since dirty items can never be
// reclaimed.
//
// It returns boundary, the farthest item it settled on, and remaining,
// the first item beyond boundary that is NOT being reclaimed (nil if
// the walk ran into the range's own edge rather than stopping early,
// meaning nothing of the range remains on that side at all).
func (c *Cache) shrinkBoundary(item *Item, rangeEdge itemkey.Key, forward bool) (boundary, remaining *Item) {
	cur := item
	for i := 0; i < c.cfg.BoundaryMax; i++ {
		var next *Item
		if forward {
			next = c.items.next(cur)
		} else {
			next = c.items.prev(cur)
		}

		var outOfRange bool
		switch {
		case next == nil:
			outOfRange = true
		case forward:
			outOfRange = next.Key.Cmp(rangeEdge) > 0
		default:
			outOfRange = next.Key.Cmp(rangeEdge) < 0
		}
		if outOfRange {
			return cur, nil
		}

		// next is a valid, in-range candidate to extend onto; this
		// key encoding can always use cur as the boundary (see the
		// doc comment above), so record it immediately.
		boundary, remaining = cur, next
		if i >= c.cfg.BoundaryMin {
			return boundary, remaining
		}
		if next.selfDirty {
			return boundary, remaining
		}
		cur = next
	}
	return boundary, remaining
}

// shrinkAround erases item and as many of its non-dirty neighbors
// within rng as the boundary walk allows, adjusting rng (or splitting
// it, or dropping it) so it continues to assert authoritative coverage
// of exactly the keys that remain. It reports no progress -- erasing
// nothing -- in the one case where forward progress would require
// creating a new range record without actually freeing any item: a
// single-item gap with surviving neighbors on both sides.
func (c *Cache) shrinkAround(rng *Range, item *Item) (reclaimed int, progressed bool) {
	first, prev := c.shrinkBoundary(item, rng.Start, false)
	last, next := c.shrinkBoundary(item, rng.End, true)

	if prev != nil && next != nil && first == last {
		return 0, false
	}

	switch {
	case prev != nil && next == nil:
		// Nothing remains past the end; shrink rng to stop just
		// before the new left boundary. Erase before mutating End
		// so the range tree's per-node span augmentation, keyed off
		// both Start and End, isn't left stale.
		c.ranges.erase(rng)
		rng.End = first.Key.Dec()
		c.ranges.insertNode(rng)
	case next != nil && prev == nil:
		// Nothing remains before the start; shrink rng to start
		// just past the new right boundary.
		c.ranges.erase(rng)
		rng.Start = last.Key.Inc()
		c.ranges.insertNode(rng)
	case prev == nil && next == nil:
		// The whole range is being emptied.
		c.ranges.erase(rng)
		c.rangePool.put(rng)
	default:
		// Both sides have surviving neighbors: split rng in two.
		// The rightmost item in the window becomes the anchor for
		// the new right-hand range instead of being erased through
		// the ordinary per-item loop below.
		splitKey := last.Key
		newLast := c.items.prev(last)
		c.eraseItemLocked(last)
		reclaimed++

		right := c.rangePool.get()
		right.Start = splitKey.Inc()
		right.End = rng.End

		c.ranges.erase(rng)
		rng.End = first.Key.Dec()
		c.ranges.insertNode(rng)
		c.ranges.insertNode(right)

		last = newLast
	}

	for it := first; it != nil; {
		nxt := c.items.next(it)
		c.eraseItemLocked(it)
		reclaimed++
		if it == last {
			break
		}
		it = nxt
	}
	return reclaimed, true
}

// pruneEmptyRangesLocked drops any range that no longer has a single
// item within it. A range that has become a pure negative-cache
// assertion ("nothing from Start to End exists") is ordinarily worth
// keeping -- it is exactly the information Lookup needs to avoid a
// read-through -- but under the memory pressure that drives Shrink,
// recomputing it on the next miss is an acceptable trade for the
// memory back. Tombstones count as items here: a range holding only
// tombstones is kept.
func (c *Cache) pruneEmptyRangesLocked() {
	var dead []*Range
	_ = c.ranges.walk(func(r *Range) error {
		if it := c.items.ceil(r.Start); it == nil || it.Key.Cmp(r.End) > 0 {
			dead = append(dead, r)
		}
		return nil
	})
	for _, r := range dead {
		c.ranges.erase(r)
		c.rangePool.put(r)
	}
}
