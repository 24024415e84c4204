// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import (
	"context"

	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// Reader is the segment reader collaborator (§6): on a cache miss the
// cache releases its lock and calls ReadItems, which must read
// whatever range of the persistent segment store it chooses (subject
// to lockStart/lockEnd) and report it back to the cache with
// InsertBatch before returning. The shape mirrors
// lib/caching.Source[K,V]'s Load callback: a context-bearing call the
// cache makes out to its backing store on miss.
type Reader interface {
	ReadItems(ctx context.Context, key, lockStart, lockEnd itemkey.Key) error
}

// SegmentWriter is the segment writer collaborator (§6): flush walks
// dirty items in key order and hands each to AppendItem. Space has
// already been reserved (FitsSingle / DirtyFitsSingle), so AppendItem
// failing is an integrity violation, not an expected error.
type SegmentWriter interface {
	AppendItem(key itemkey.Key, value []byte, deletion bool) bool
	FitsSingle(nrItems int, valBytes int) bool
}

// Tracker is the transaction tracker collaborator (§6): it receives
// dirty-count/byte deltas as items are marked or cleared dirty, and
// can be asked to force a transaction sync (writeback).
type Tracker interface {
	TrackItems(itemsDelta, valBytesDelta int)
	Sync(ctx context.Context, wait bool) error
}

// Mode is a lock's access mode.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeWriteOnly
)

// Lock is the distributed-lock-coverage collaborator (§6). It is
// advisory on a single node: correctness depends on the caller
// actually holding the lock it describes, not on this struct. Covers
// is defined below.
type Lock struct {
	Mode  Mode
	Start itemkey.Key
	End   itemkey.Key
}

// Covers reports whether lock covers key for the given operation
// mode: op must match lock.Mode (a write lock also covers read
// operations), and key must fall within [lock.Start, lock.End].
func (l Lock) Covers(key itemkey.Key, op Mode) bool {
	modeOK := l.Mode == op || (l.Mode == ModeWrite && op == ModeRead)
	return modeOK && l.Start.Cmp(key) <= 0 && l.End.Cmp(key) >= 0
}
