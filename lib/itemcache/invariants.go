// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import (
	"fmt"

	"github.com/F-Harry/scoutfs-kmod-dev/lib/containers"
)

// CheckInvariants walks the whole cache and verifies the structural
// invariants the rest of this package relies on: a tombstone is always
// persistent with an empty value, a dirty item is never on the lru and
// a clean one always is, the dirty-aggregation bits agree with what is
// actually dirty, the dirty counters agree with what is actually
// dirty, and the range store stays a set of disjoint, ascending
// intervals. It is not called anywhere on the hot path -- it exists
// for tests and for a debug CLI subcommand to call directly -- and
// returns the first violation it finds rather than collecting all of
// them, since a single violation already means the cache's other
// invariants can no longer be trusted.
func (c *Cache) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var gotDirty, gotBytes int
	if err := c.items.tree.Walk(func(node *containers.RBNode[*Item]) error {
		it := node.Value

		if it.Deletion && (!it.Persistent || len(it.Value) != 0) {
			return fmt.Errorf("itemcache: tombstone at %s is not persistent-with-empty-value", it.Key)
		}
		if it.selfDirty && it.lru != nil {
			return fmt.Errorf("itemcache: dirty item at %s is still linked on the lru", it.Key)
		}
		if !it.selfDirty && it.lru == nil {
			return fmt.Errorf("itemcache: clean item at %s is not linked on the lru", it.Key)
		}

		wantLeft := node.Left != nil && node.Left.Value.anyDirty()
		wantRight := node.Right != nil && node.Right.Value.anyDirty()
		if it.leftDirty != wantLeft || it.rightDirty != wantRight {
			return fmt.Errorf("itemcache: dirty-aggregation bits at %s are stale", it.Key)
		}

		if it.selfDirty {
			gotDirty++
			gotBytes += len(it.Value)
		}
		return nil
	}); err != nil {
		return err
	}

	if gotDirty != c.nrDirtyItems {
		return fmt.Errorf("itemcache: nrDirtyItems=%d but found %d dirty items", c.nrDirtyItems, gotDirty)
	}
	if gotBytes != c.dirtyValBytes {
		return fmt.Errorf("itemcache: dirtyValBytes=%d but dirty items total %d bytes", c.dirtyValBytes, gotBytes)
	}

	var prev *Range
	if err := c.ranges.walk(func(r *Range) error {
		if r.Start.Cmp(r.End) > 0 {
			return fmt.Errorf("itemcache: range [%s,%s] has Start after End", r.Start, r.End)
		}
		if prev != nil && prev.End.Cmp(r.Start) >= 0 {
			return fmt.Errorf("itemcache: ranges [%s,%s] and [%s,%s] overlap", prev.Start, prev.End, r.Start, r.End)
		}
		prev = r
		return nil
	}); err != nil {
		return err
	}

	return nil
}
