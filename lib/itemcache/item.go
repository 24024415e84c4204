// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import (
	"github.com/F-Harry/scoutfs-kmod-dev/lib/containers"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// Item is one cached record for a single key. It may be a normal
// value, or a tombstone recording a pending delete of a key known to
// exist in the segment store.
type Item struct {
	Key   itemkey.Key
	Value []byte

	// Deletion marks this record as a tombstone: a pending delete
	// of a Persistent key that has not yet been flushed. A
	// tombstone always has Persistent set and an empty Value.
	Deletion bool

	// Persistent is true when Key is known to exist in the
	// segment store, so deleting it must leave a tombstone behind
	// until flush rather than simply vanishing.
	Persistent bool

	// selfDirty, leftDirty, rightDirty are the three augmentation
	// bits from the spec: selfDirty is set iff this item has been
	// modified since its last flush; leftDirty/rightDirty are
	// maintained by the tree's AttrFn and are set iff any item in
	// the corresponding subtree has any dirty bit set.
	selfDirty  bool
	leftDirty  bool
	rightDirty bool

	// node is this item's node in the owning itemTree, set at
	// insert time. It lets the dirty-bit bookkeeping and the
	// shrinker navigate the tree directly instead of re-looking-up
	// by key.
	node *containers.RBNode[*Item]

	// lru is this item's entry in the cache's LRU list, non-nil
	// iff the item is clean. Dirty items are never on the LRU.
	lru *containers.LinkedListEntry[*Item]
}

func (it *Item) anyDirty() bool {
	return it.selfDirty || it.leftDirty || it.rightDirty
}

// clone returns a detached copy of it, used when saving an item aside
// (DeleteSave) so later mutation of the cache doesn't alias the saved
// record's Value slice, and so the copy carries no tree/lru linkage.
func (it *Item) clone() *Item {
	cp := *it
	cp.node = nil
	cp.lru = nil
	cp.Value = append([]byte(nil), it.Value...)
	return &cp
}

// view returns a caller-safe copy of it: a detached Key/Value pair
// with no aliasing into the cache's own buffers.
func (it *Item) view() *ItemView {
	return &ItemView{
		Key:      it.Key,
		Value:    append([]byte(nil), it.Value...),
		Deletion: it.Deletion,
	}
}

// ItemView is a caller-owned snapshot of a cached item, returned by
// Next and Prev. Mutating it has no effect on the cache.
type ItemView struct {
	Key      itemkey.Key
	Value    []byte
	Deletion bool
}
