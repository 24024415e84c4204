// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package memsegstore is a demo/test segment store: an in-memory stand-in
// for the log-structured segment files lib/itemcache reads through to and
// flushes dirty items into. Real segments are immutable, sorted runs of
// items bucketed by key; this package keeps the same bucketing idea (so
// it exercises the same "parse a segment page, then reuse the parse"
// shape a real backend would) without any of the on-disk format.
package memsegstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/F-Harry/scoutfs-kmod-dev/lib/containers"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemcache"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// segmentID buckets keys for the page cache below; it has no other
// significance; a real segment store would bucket by actual on-disk
// segment boundaries instead of a fixed ObjectID stride.
type segmentID uint64

// record is one durable (key, value) pair. AppendItem removes a key
// on a deletion rather than storing a tombstone, so Deletion is never
// set on a stored record.
type record struct {
	Value    []byte
	Deletion bool
}

// Config tunes the store's segment sizing, mirroring the fixed-size
// segment assumption DirtyFitsSingle checks against.
type Config struct {
	SegmentStride uint64 // ObjectID span per simulated segment
	MaxItems      int
	MaxBytes      int
	PageCacheSize int
}

// DefaultConfig returns reasonable sizes for a demo/test store.
func DefaultConfig() Config {
	return Config{
		SegmentStride: 4096,
		MaxItems:      4096,
		MaxBytes:      1 << 22,
		PageCacheSize: 64,
	}
}

// Store is a Reader, SegmentWriter, and Tracker all at once: the three
// roles a real segment/transaction subsystem would normally split
// across several types, collapsed into one for a demo backend.
type Store struct {
	cfg   Config
	cache *itemcache.Cache

	mu sync.Mutex

	// data is the durable key/value store itself. It is a
	// lib/containers.SyncMap rather than a plain map guarded by mu,
	// so AppendItem stores or deletes a key without taking mu.
	// ReadItems still holds mu across its whole page lookup and scan,
	// so a read does wait on an append's page-cache bookkeeping.
	data containers.SyncMap[itemkey.Key, record]

	// pages caches, per simulated segment, the sorted list of keys
	// data currently holds in that segment -- the "parsed page" a
	// real backend would decode from disk once and reuse, grounded
	// on lib/containers/lru.go's generic wrapper around
	// hashicorp/golang-lru.
	pages *containers.LRUCache[segmentID, []itemkey.Key]

	pendingItems int
	pendingBytes int
}

// New constructs an empty Store. SetCache must be called with the
// owning Cache before ReadItems is used, since ReadItems reports what
// it read back via Cache.InsertBatch.
func New(cfg Config) *Store {
	return &Store{
		cfg:   cfg,
		pages: containers.NewLRUCache[segmentID, []itemkey.Key](cfg.PageCacheSize),
	}
}

// SetCache wires the Store to the Cache it serves. The two are
// constructed separately (itemcache.New takes a Reader before the
// Cache exists for the Reader to call back into) and linked here.
func (s *Store) SetCache(c *itemcache.Cache) {
	s.cache = c
}

func (s *Store) segmentOf(key itemkey.Key) segmentID {
	return segmentID(key.ObjectID / s.cfg.SegmentStride)
}

func (s *Store) segmentBounds(id segmentID) (start, end itemkey.Key) {
	start = itemkey.Key{Zone: 0, ObjectID: uint64(id) * s.cfg.SegmentStride}
	end = itemkey.Key{
		Zone:     0xff,
		ObjectID: uint64(id)*s.cfg.SegmentStride + s.cfg.SegmentStride - 1,
		Type:     0xff,
		Offset:   ^uint64(0),
	}
	return start, end
}

// parsePage scans data for every key in segment id, exactly the cost a
// real backend would pay decoding the segment's on-disk block the
// first time; the result is cached so a second read of the same
// segment skips the scan.
func (s *Store) parsePage(id segmentID) []itemkey.Key {
	start, end := s.segmentBounds(id)
	var keys []itemkey.Key
	s.data.Range(func(k itemkey.Key, _ record) bool {
		if start.Cmp(k) <= 0 && end.Cmp(k) >= 0 {
			keys = append(keys, k)
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].Cmp(keys[j]) < 0 })
	return keys
}

// ReadItems implements itemcache.Reader: it loads the whole simulated
// segment covering key -- using the cached parse when available -- and
// reports every item it holds within [lockStart, lockEnd] back to the
// cache via InsertBatch before returning.
func (s *Store) ReadItems(ctx context.Context, key, lockStart, lockEnd itemkey.Key) error {
	id := s.segmentOf(key)

	s.mu.Lock()
	keys := s.pages.GetOrElse(id, func() []itemkey.Key { return s.parsePage(id) })
	segStart, segEnd := s.segmentBounds(id)
	readStart := itemkey.Max2(segStart, lockStart)
	readEnd := itemkey.Min(segEnd, lockEnd)

	batch := make([]itemcache.ReadItem, 0, len(keys))
	for _, k := range keys {
		if readStart.Cmp(k) > 0 || readEnd.Cmp(k) < 0 {
			continue
		}
		rec, _ := s.data.Load(k)
		batch = append(batch, itemcache.ReadItem{Key: k, Value: rec.Value, Deletion: rec.Deletion})
	}
	s.mu.Unlock()

	dlog.Debugf(ctx, "memsegstore: read segment %d (%d items in [%s,%s])", id, len(batch), readStart, readEnd)
	s.cache.InsertBatch(readStart, readEnd, batch)
	return nil
}

// AppendItem implements itemcache.SegmentWriter: space has already
// been reserved by FitsSingle/DirtyFitsSingle, so it always succeeds;
// a false return would mean an integrity violation upstream.
func (s *Store) AppendItem(key itemkey.Key, value []byte, deletion bool) bool {
	if deletion {
		s.data.Delete(key)
	} else {
		cp := append([]byte(nil), value...)
		s.data.Store(key, record{Value: cp})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages.Remove(s.segmentOf(key))
	s.pendingItems++
	s.pendingBytes += len(value)
	return true
}

// FitsSingle implements itemcache.SegmentWriter: whether nrItems items
// totaling valBytes would fit alongside whatever this flush has
// already appended, within one simulated segment's size limits.
func (s *Store) FitsSingle(nrItems, valBytes int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingItems+nrItems <= s.cfg.MaxItems && s.pendingBytes+valBytes <= s.cfg.MaxBytes
}

// TrackItems implements itemcache.Tracker. The demo store has no real
// transaction to account against, so it ignores the deltas; the
// pending counters FitsSingle consults are reset by Sync once a
// flush's batch of AppendItem calls is done.
func (s *Store) TrackItems(itemsDelta, valBytesDelta int) {}

// Sync implements itemcache.Tracker: it flushes every dirty item to
// this store and resets the pending-space counters, simulating a
// transaction commit. wait is accepted for interface compatibility but
// this store's "commit" is always synchronous.
func (s *Store) Sync(ctx context.Context, wait bool) error {
	if err := s.cache.FlushToSegment(s); err != nil {
		return fmt.Errorf("memsegstore: sync: %w", err)
	}
	s.mu.Lock()
	s.pendingItems = 0
	s.pendingBytes = 0
	s.mu.Unlock()
	return nil
}

// Len reports how many durable records the store currently holds.
// Deleted keys are removed outright, so every record counted is a
// live item.
func (s *Store) Len() int {
	n := 0
	s.data.Range(func(itemkey.Key, record) bool {
		n++
		return true
	})
	return n
}
