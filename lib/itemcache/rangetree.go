// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import (
	"github.com/F-Harry/scoutfs-kmod-dev/lib/containers"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// Range is a closed interval [Start, End] of keys over which the
// cache asserts authority: every key in the interval has a cached
// item iff it exists in the segment store.
type Range struct {
	Start, End itemkey.Key
}

func (r Range) contains(key itemkey.Key) bool {
	return r.Start.Cmp(key) <= 0 && r.End.Cmp(key) >= 0
}

func (r Range) overlaps(o Range) bool {
	return r.Start.Cmp(o.End) <= 0 && o.Start.Cmp(r.End) <= 0
}

// rangeTree is the range store of §4.2: a set of pairwise
// non-overlapping closed intervals. It is built directly on
// lib/containers.IntervalTree, the teacher's own augmented-RBTree
// layer for interval data, rather than reimplementing span tracking
// by hand -- every insert/remove mutation below erases a Range before
// changing its Start or End and reinserts it afterward, so the
// IntervalTree's per-node min/max-of-subtree augmentation (which
// Insert/Delete recompute automatically) never goes stale.
type rangeTree struct {
	tree containers.IntervalTree[itemkey.Key, *Range]
}

func newRangeTree() *rangeTree {
	rt := &rangeTree{}
	rt.tree.MinFn = func(r *Range) itemkey.Key { return r.Start }
	rt.tree.MaxFn = func(r *Range) itemkey.Key { return r.End }
	return rt
}

// check returns the range enclosing key, or nil.
func (rt *rangeTree) check(key itemkey.Key) *Range {
	if r, ok := rt.tree.Lookup(key); ok {
		return r
	}
	return nil
}

// findOverlap returns some range overlapping probe, or nil. Ranges
// are maintained disjoint by construction, so there is never more
// than one.
func (rt *rangeTree) findOverlap(probe Range) *Range {
	if r, ok := rt.tree.SearchOverlapping(probe.Start, probe.End); ok {
		return r
	}
	return nil
}

// erase removes r, keyed by its current Start/End, from the tree. The
// caller must not have already mutated r's Start or End since it was
// inserted (or last erase+reinserted).
func (rt *rangeTree) erase(r *Range) {
	rt.tree.Delete(r.Start, r.End)
}

func (rt *rangeTree) insertNode(r *Range) {
	rt.tree.Insert(r)
}

func (rt *rangeTree) len() int { return rt.tree.Len() }

func (rt *rangeTree) walk(fn func(*Range) error) error {
	return rt.tree.Walk(fn)
}

// insert merges new into the set, coalescing with any range it
// overlaps. It deliberately does not fuse merely-adjacent ranges
// (r.End.Inc() == other.Start) -- only ranges that actually share a
// key are merged; see the Open Question in §9 / DESIGN.md.
func (rt *rangeTree) insert(newR *Range) {
	for {
		cand := rt.findOverlap(*newR)
		if cand == nil {
			break
		}
		switch {
		case cand.Start.Cmp(newR.Start) >= 0 && cand.End.Cmp(newR.End) <= 0:
			// new ⊇ cand (includes cand == new): discard cand.
			rt.erase(cand)
		case newR.Start.Cmp(cand.Start) >= 0 && newR.End.Cmp(cand.End) <= 0:
			// new ⊆ cand: new contributes nothing.
			return
		default:
			// Partial overlap: extend new to the union and retry.
			rt.erase(cand)
			newR.Start = itemkey.Min(newR.Start, cand.Start)
			newR.End = itemkey.Max2(newR.End, cand.End)
		}
	}
	rt.insertNode(newR)
}

// remove deletes rem from the set, splitting or shrinking any range
// it partially overlaps.
func (rt *rangeTree) remove(rem Range) {
	for {
		cand := rt.findOverlap(rem)
		if cand == nil {
			return
		}
		sCmp := cand.Start.Cmp(rem.Start)
		eCmp := cand.End.Cmp(rem.End)
		switch {
		case sCmp >= 0 && eCmp <= 0:
			// cand ⊆ rem: erase entirely.
			rt.erase(cand)
		case sCmp < 0 && eCmp > 0:
			// rem strictly interior to cand: split in two.
			rt.erase(cand)
			left := &Range{Start: cand.Start, End: rem.Start.Dec()}
			right := &Range{Start: rem.End.Inc(), End: cand.End}
			rt.insertNode(left)
			rt.insertNode(right)
		case sCmp >= 0:
			// Right-overlap only: cand starts inside rem and
			// extends past it; keep the tail.
			rt.erase(cand)
			cand.Start = rem.End.Inc()
			rt.insertNode(cand)
		default:
			// Left-overlap only: cand starts before rem and ends
			// inside it; keep the head.
			rt.erase(cand)
			cand.End = rem.Start.Dec()
			rt.insertNode(cand)
		}
	}
}
