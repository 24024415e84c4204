// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import (
	"github.com/F-Harry/scoutfs-kmod-dev/lib/containers"
)

// lru tracks clean items in least-recently-referenced order, oldest
// first. A dirty item is never on the lru; marking an item dirty
// unlinks it, and clearing dirty re-links it at the newest end.
type lru struct {
	list containers.LinkedList[*Item]
}

func (l *lru) len() int { return l.list.Len }

// pushNewest links it at the newest end. it must not already be
// linked (it.lru == nil).
func (l *lru) pushNewest(it *Item) {
	entry := &containers.LinkedListEntry[*Item]{Value: it}
	l.list.Store(entry)
	it.lru = entry
}

// unlink removes it from the list. It is a no-op if it is not linked.
func (l *lru) unlink(it *Item) {
	if it.lru == nil {
		return
	}
	l.list.Delete(it.lru)
	it.lru = nil
}

// touch moves it to the newest end, linking it if it wasn't already.
func (l *lru) touch(it *Item) {
	if it.lru == nil {
		l.pushNewest(it)
		return
	}
	l.list.MoveToNewest(it.lru)
}

// oldest returns the least-recently-referenced item, or nil if empty.
func (l *lru) oldest() *Item {
	if l.list.Oldest == nil {
		return nil
	}
	return l.list.Oldest.Value
}
