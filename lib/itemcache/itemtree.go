// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import (
	"github.com/F-Harry/scoutfs-kmod-dev/lib/containers"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// itemTree is the ordered item map of §4.1: a red-black tree keyed by
// itemkey.Key, augmented at every node with "does any item in my left
// (resp. right) subtree have any dirty bit set". The augmentation is
// NOT a symmetric function of the two children -- it distinguishes
// left from right -- so every rotation must recompute both the old
// and the new parent's bits, which is exactly what
// containers.RBTree's AttrFn hook (walking from the mutated node up
// to the root after every insert/delete/rotate) gives us for free.
type itemTree struct {
	tree containers.RBTree[itemkey.Key, *Item]
}

func newItemTree() *itemTree {
	t := &itemTree{}
	t.tree.KeyFn = func(it *Item) itemkey.Key { return it.Key }
	t.tree.AttrFn = func(node *containers.RBNode[*Item]) {
		it := node.Value
		it.leftDirty = node.Left != nil && node.Left.Value.anyDirty()
		it.rightDirty = node.Right != nil && node.Right.Value.anyDirty()
	}
	return t
}

func (t *itemTree) Len() int { return t.tree.Len() }

// lookup returns the raw item at key, including tombstones. Use
// Cache.findItemLocked for the spec's find_item, which hides tombstones.
func (t *itemTree) lookup(key itemkey.Key) *Item {
	node := t.tree.Lookup(key)
	if node == nil {
		return nil
	}
	return node.Value
}

// ceil returns the item with the smallest key >= key, or nil.
func (t *itemTree) ceil(key itemkey.Key) *Item {
	node := t.tree.SearchGE(func(it *Item) int { return key.Cmp(it.Key) })
	if node == nil {
		return nil
	}
	return node.Value
}

// floor returns the item with the largest key <= key, or nil.
func (t *itemTree) floor(key itemkey.Key) *Item {
	node := t.tree.SearchLE(func(it *Item) int { return key.Cmp(it.Key) })
	if node == nil {
		return nil
	}
	return node.Value
}

// next returns the item with the smallest key > cur.Key, or nil.
func (t *itemTree) next(cur *Item) *Item {
	node := t.tree.Next(cur.node)
	if node == nil {
		return nil
	}
	return node.Value
}

// prev returns the item with the largest key < cur.Key, or nil.
func (t *itemTree) prev(cur *Item) *Item {
	node := t.tree.Prev(cur.node)
	if node == nil {
		return nil
	}
	return node.Value
}

// insert adds it to the tree. It is a precondition violation to call
// insert for a key already present; callers must erase first.
func (t *itemTree) insert(it *Item) {
	t.tree.Insert(it)
	it.node = t.tree.Lookup(it.Key)
}

// erase removes the item at key from the tree, if present. If the
// item was dirty, counters must be adjusted by the caller first (see
// Cache.clearDirtyLocked) -- erase itself only unlinks the node.
func (t *itemTree) erase(key itemkey.Key) {
	t.tree.Delete(key)
}

// dirty returns every dirty item, in ascending key order, by
// descending into the tree only where the augmentation bits say a
// dirty item might be found -- work proportional to the number of
// dirty items plus the height of tree along the paths that lead to
// them, never touching a wholly-clean subtree.
func (t *itemTree) dirty() []*Item {
	var out []*Item
	var walk func(node *containers.RBNode[*Item])
	walk = func(node *containers.RBNode[*Item]) {
		if node == nil {
			return
		}
		v := node.Value
		if v.leftDirty {
			walk(node.Left)
		}
		if v.selfDirty {
			out = append(out, v)
		}
		if v.rightDirty {
			walk(node.Right)
		}
	}
	walk(t.tree.Root())
	return out
}

func (t *itemTree) hasDirty() bool {
	root := t.tree.Root()
	return root != nil && root.Value.anyDirty()
}

// hasDirtyInRange reports whether any dirty item's key falls within
// [start, end], pruning the same way dirty does.
func (t *itemTree) hasDirtyInRange(start, end itemkey.Key) bool {
	found := false
	var walk func(node *containers.RBNode[*Item])
	walk = func(node *containers.RBNode[*Item]) {
		if node == nil || found {
			return
		}
		v := node.Value
		if v.leftDirty {
			walk(node.Left)
		}
		if found {
			return
		}
		if v.selfDirty && start.Cmp(v.Key) <= 0 && end.Cmp(v.Key) >= 0 {
			found = true
			return
		}
		if v.rightDirty {
			walk(node.Right)
		}
	}
	walk(t.tree.Root())
	return found
}

// reattr recomputes ancestor dirty-aggregation bits after it's own
// selfDirty flag was flipped in place by the caller. it's own
// leftDirty/rightDirty reflect its children, not itself, so only
// ancestors (starting at its parent) ever need recomputing.
func (t *itemTree) reattr(it *Item) {
	if it.node == nil {
		return
	}
	t.tree.Reattr(it.node.Parent)
}
