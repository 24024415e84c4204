// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemcache"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// emptyReader answers every ReadItems call by asserting authoritative
// coverage of the whole requested range with no items in it -- a
// stand-in for a segment store that is known to be empty, so Lookup
// and friends fall through to a confirmed miss on the first retry
// instead of looping forever waiting for a fill that never arrives.
type emptyReader struct{ cache *itemcache.Cache }

func (r *emptyReader) ReadItems(_ context.Context, _, lockStart, lockEnd itemkey.Key) error {
	r.cache.InsertBatch(lockStart, lockEnd, nil)
	return nil
}

// fakeTracker records the dirty-count/byte deltas and sync calls a
// real transaction layer would otherwise see.
type fakeTracker struct {
	items, bytes int
	syncs        int
}

func (f *fakeTracker) TrackItems(itemsDelta, valBytesDelta int) {
	f.items += itemsDelta
	f.bytes += valBytesDelta
}

func (f *fakeTracker) Sync(_ context.Context, _ bool) error {
	f.syncs++
	return nil
}

// fakeSegment is a SegmentWriter that never rejects an append and
// always reports unlimited space, for tests that exercise
// FlushToSegment without a real backing store.
type fakeSegment struct {
	appended []itemkey.Key
}

func (f *fakeSegment) AppendItem(key itemkey.Key, _ []byte, _ bool) bool {
	f.appended = append(f.appended, key)
	return true
}

func (f *fakeSegment) FitsSingle(int, int) bool { return true }

func newTestCache(t *testing.T) (*itemcache.Cache, *fakeTracker) {
	t.Helper()
	tracker := &fakeTracker{}
	reader := &emptyReader{}
	cache := itemcache.New(itemcache.DefaultConfig(), reader, tracker)
	reader.cache = cache
	return cache, tracker
}

var wholeKeyspace = itemcache.Lock{Mode: itemcache.ModeWrite, Start: itemkey.Zero, End: itemkey.Max}

func TestCreateLookupRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := itemkey.Key{Zone: 1, ObjectID: 1}

	require.NoError(t, cache.Create(ctx, key, []byte("hello"), wholeKeyspace))

	buf := make([]byte, 64)
	n, err := cache.Lookup(ctx, key, wholeKeyspace, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]), "cache state: %s", spew.Sdump(cache))
}

func TestCreateTwiceFails(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := itemkey.Key{Zone: 1, ObjectID: 2}

	require.NoError(t, cache.Create(ctx, key, []byte("a"), wholeKeyspace))
	require.ErrorIs(t, cache.Create(ctx, key, []byte("b"), wholeKeyspace), itemcache.ErrExists)
}

func TestLookupMissingIsNotExist(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	_, err := cache.Lookup(ctx, itemkey.Key{Zone: 9}, wholeKeyspace, make([]byte, 16))
	require.ErrorIs(t, err, itemcache.ErrNotExist)
}

func TestUpdateTracksDirtyBytes(t *testing.T) {
	cache, tracker := newTestCache(t)
	ctx := context.Background()
	key := itemkey.Key{Zone: 1, ObjectID: 3}

	require.NoError(t, cache.Create(ctx, key, []byte("abc"), wholeKeyspace))
	require.Equal(t, 1, tracker.items)
	require.Equal(t, 3, tracker.bytes)

	require.NoError(t, cache.Update(ctx, key, []byte("abcdef"), wholeKeyspace))
	require.Equal(t, 1, tracker.items, "a plain value edit must not change the dirty item count")
	require.Equal(t, 6, tracker.bytes)
}

func TestDeleteLeavesTombstoneForPersistentItem(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := itemkey.Key{Zone: 1, ObjectID: 4}

	require.NoError(t, cache.CreateForce(key, []byte("x"), wholeKeyspace))
	_, err := cache.Next(ctx, key, itemkey.Max, wholeKeyspace)
	require.NoError(t, err)

	require.NoError(t, cache.Delete(ctx, key, wholeKeyspace))
	_, err = cache.Lookup(ctx, key, wholeKeyspace, make([]byte, 8))
	require.ErrorIs(t, err, itemcache.ErrNotExist)
}

func TestNextWalksOverTombstones(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	lo := itemkey.Key{Zone: 1, ObjectID: 1}
	hi := itemkey.Key{Zone: 1, ObjectID: 2}

	require.NoError(t, cache.CreateForce(lo, []byte("lo"), wholeKeyspace))
	require.NoError(t, cache.CreateForce(hi, []byte("hi"), wholeKeyspace))
	require.NoError(t, cache.Delete(ctx, lo, wholeKeyspace))

	view, err := cache.Next(ctx, itemkey.Zero, itemkey.Max, wholeKeyspace)
	require.NoError(t, err)
	require.Equal(t, hi, view.Key, "Next must skip the tombstone left at lo")
}

func TestFlushToSegmentClearsDirtyAndDropsTombstones(t *testing.T) {
	cache, tracker := newTestCache(t)
	ctx := context.Background()
	live := itemkey.Key{Zone: 1, ObjectID: 1}
	gone := itemkey.Key{Zone: 1, ObjectID: 2}

	require.NoError(t, cache.CreateForce(live, []byte("v"), wholeKeyspace))
	require.NoError(t, cache.CreateForce(gone, []byte("v"), wholeKeyspace))
	require.NoError(t, cache.Delete(ctx, gone, wholeKeyspace))

	seg := &fakeSegment{}
	require.NoError(t, cache.FlushToSegment(seg))
	require.ElementsMatch(t, []itemkey.Key{live, gone}, seg.appended)
	require.False(t, cache.HasDirty())
	require.Zero(t, tracker.items)
}

func TestInvalidateRejectsDirtyRange(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := itemkey.Key{Zone: 1, ObjectID: 1}
	require.NoError(t, cache.Create(ctx, key, []byte("v"), wholeKeyspace))

	_, err := cache.Invalidate(itemkey.Zero, itemkey.Max)
	require.Error(t, err)
}

func TestDumpJSONReportsCounters(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Create(ctx, itemkey.Key{Zone: 1}, []byte("v"), wholeKeyspace))

	var buf bytes.Buffer
	require.NoError(t, cache.DumpJSON(&buf))
	require.Contains(t, buf.String(), `"num_dirty_items":1`)
}

func TestCheckInvariantsOnFreshCache(t *testing.T) {
	cache, _ := newTestCache(t)
	require.NoError(t, cache.CheckInvariants())
}

func TestDeleteSaveAndRestoreRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := itemkey.Key{Zone: 1, ObjectID: 1}

	require.NoError(t, cache.CreateForce(key, []byte("v1"), wholeKeyspace))

	var saved []*itemcache.Item
	require.NoError(t, cache.DeleteSave(key, &saved))
	require.Len(t, saved, 1, "DeleteSave must hand back the exact record it removed")

	// The key was persistent, so DeleteSave must leave a tombstone
	// behind rather than simply erasing the key outright.
	_, err := cache.Lookup(ctx, key, wholeKeyspace, make([]byte, 8))
	require.ErrorIs(t, err, itemcache.ErrNotExist)
	require.NoError(t, cache.CheckInvariants())

	require.NoError(t, cache.Restore(saved))
	buf := make([]byte, 8)
	n, err := cache.Lookup(ctx, key, wholeKeyspace, buf)
	require.NoError(t, err)
	require.Equal(t, "v1", string(buf[:n]), "Restore must reinstall the saved value over the tombstone")
	require.NoError(t, cache.CheckInvariants())
}

func TestDeleteSaveOfNonPersistentLeavesNoTombstone(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := itemkey.Key{Zone: 1, ObjectID: 2}

	// Create (not CreateForce) makes a dirty, non-persistent item:
	// the segment store has never heard of this key, so removing it
	// needs no tombstone to suppress a future read-through.
	require.NoError(t, cache.Create(ctx, key, []byte("v"), wholeKeyspace))

	var saved []*itemcache.Item
	require.NoError(t, cache.DeleteSave(key, &saved))
	require.Len(t, saved, 1)

	// With no tombstone left behind, the item tree is empty.
	var buf bytes.Buffer
	require.NoError(t, cache.DumpJSON(&buf))
	require.Contains(t, buf.String(), `{"num_items":0,`, "DeleteSave of a non-persistent item must not leave a tombstone")

	require.NoError(t, cache.Restore(saved))
	require.True(t, cache.HasDirty(), "Restore of a dirty record must re-mark it dirty")
}

func TestInsertBatchDropsDuplicateKey(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := itemkey.Key{Zone: 1, ObjectID: 1}

	require.NoError(t, cache.CreateForce(key, []byte("authoritative"), wholeKeyspace))

	// A racing fill reports a stale value for the same key; InsertBatch
	// must drop it silently rather than overwrite what is already
	// cached.
	cache.InsertBatch(itemkey.Zero, itemkey.Max, []itemcache.ReadItem{
		{Key: key, Value: []byte("stale")},
	})

	buf := make([]byte, 32)
	n, err := cache.Lookup(ctx, key, wholeKeyspace, buf)
	require.NoError(t, err)
	require.Equal(t, "authoritative", string(buf[:n]), "InsertBatch must not clobber an already-cached key")
	require.NoError(t, cache.CheckInvariants())
}

// newShrinkTestCache sets BoundaryMin to a small, explicit value so
// shrinkBoundary is free to stop well short of the default 32-item
// minimum -- otherwise a fixture of a handful of items never exercises
// anything but "reclaim the whole range in one call".
func newShrinkTestCache(t *testing.T, boundaryMin int) *itemcache.Cache {
	t.Helper()
	reader := &emptyReader{}
	cfg := itemcache.DefaultConfig()
	cfg.BoundaryMin = boundaryMin
	cache := itemcache.New(cfg, reader, &fakeTracker{})
	reader.cache = cache
	return cache
}

func TestShrinkShrinksRangeAroundReclaimedItems(t *testing.T) {
	cache := newShrinkTestCache(t, 0)

	// Populate a single authoritative range [obj 0, obj 9] with ten
	// clean items via InsertBatch, the shape a real read-through fill
	// produces, so Shrink's range-adjusting branches (not just plain
	// item eviction) are exercised.
	start := itemkey.Key{Zone: 1, ObjectID: 0}
	end := itemkey.Key{Zone: 1, ObjectID: 9}
	batch := make([]itemcache.ReadItem, 0, 10)
	for i := uint64(0); i < 10; i++ {
		batch = append(batch, itemcache.ReadItem{
			Key:   itemkey.Key{Zone: 1, ObjectID: i},
			Value: []byte("v"),
		})
	}
	cache.InsertBatch(start, end, batch)
	require.NoError(t, cache.CheckInvariants())

	// Reclaim the two oldest (lowest ObjectID) items. Each has a
	// surviving neighbor on exactly one side, so shrinkAround should
	// shrink the range's Start forward past what was reclaimed rather
	// than splitting or dropping it.
	remaining := cache.Shrink(2)
	require.Equal(t, 8, remaining)
	require.NoError(t, cache.CheckInvariants())

	ctx := context.Background()
	for i := uint64(0); i < 2; i++ {
		_, err := cache.Lookup(ctx, itemkey.Key{Zone: 1, ObjectID: i}, wholeKeyspace, make([]byte, 8))
		require.ErrorIs(t, err, itemcache.ErrNotExist, "object %d should have been reclaimed", i)
	}
	for i := uint64(2); i < 10; i++ {
		_, err := cache.Lookup(ctx, itemkey.Key{Zone: 1, ObjectID: i}, wholeKeyspace, make([]byte, 8))
		require.NoError(t, err, "object %d should still be cached", i)
	}
}

func TestShrinkSplitsRangeAroundInteriorWindow(t *testing.T) {
	cache := newShrinkTestCache(t, 1)

	// Seven items in one range; the middle one (obj3) is left as the
	// lru's oldest entry, so its boundary walk (BoundaryMin=1) extends
	// one extra item each direction before stopping, reclaiming
	// obj2..obj4 while obj0-obj1 and obj5-obj6 both survive --
	// shrinkAround's "both sides have survivors" split branch.
	start := itemkey.Key{Zone: 1, ObjectID: 0}
	end := itemkey.Key{Zone: 1, ObjectID: 6}
	batch := make([]itemcache.ReadItem, 0, 7)
	for i := uint64(0); i < 7; i++ {
		batch = append(batch, itemcache.ReadItem{
			Key:   itemkey.Key{Zone: 1, ObjectID: i},
			Value: []byte("v"),
		})
	}
	cache.InsertBatch(start, end, batch)
	require.NoError(t, cache.CheckInvariants())

	// Touch every item except obj3 so it's the only one left at the
	// lru's oldest end.
	ctx := context.Background()
	for _, i := range []uint64{0, 1, 2, 4, 5, 6} {
		_, err := cache.Lookup(ctx, itemkey.Key{Zone: 1, ObjectID: i}, wholeKeyspace, make([]byte, 8))
		require.NoError(t, err)
	}

	remaining := cache.Shrink(1)
	require.Equal(t, 4, remaining)
	require.NoError(t, cache.CheckInvariants())

	for _, i := range []uint64{2, 3, 4} {
		_, err := cache.Lookup(ctx, itemkey.Key{Zone: 1, ObjectID: i}, wholeKeyspace, make([]byte, 8))
		require.ErrorIs(t, err, itemcache.ErrNotExist, "object %d should have been reclaimed", i)
	}
	for _, i := range []uint64{0, 1, 5, 6} {
		_, err := cache.Lookup(ctx, itemkey.Key{Zone: 1, ObjectID: i}, wholeKeyspace, make([]byte, 8))
		require.NoError(t, err, "object %d should still be cached", i)
	}
}

func TestShrinkDoesNotReclaimDirtyItems(t *testing.T) {
	cache := newShrinkTestCache(t, 0)
	ctx := context.Background()
	clean := itemkey.Key{Zone: 1, ObjectID: 1}
	dirty := itemkey.Key{Zone: 1, ObjectID: 2}

	cache.InsertBatch(itemkey.Zero, itemkey.Max, []itemcache.ReadItem{
		{Key: clean, Value: []byte("v")},
	})
	require.NoError(t, cache.Create(ctx, dirty, []byte("v"), wholeKeyspace))

	remaining := cache.Shrink(10)
	require.Zero(t, remaining, "the only clean item should have been reclaimed")

	require.NoError(t, cache.LookupExact(ctx, dirty, wholeKeyspace, []byte("v")), "a dirty item must never be reclaimed by Shrink")
}
