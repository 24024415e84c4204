// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"

	"github.com/F-Harry/scoutfs-kmod-dev/internal/memsegstore"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemcache"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// seedDemoData populates a handful of items and flushes them to store,
// so inspect subcommands -- run against a process with no real
// filesystem behind it -- have something to show. A real deployment
// has no equivalent of this: the cache would already be warm from
// actual lookups against an actual segment store.
func seedDemoData(ctx context.Context, cache *itemcache.Cache, store *memsegstore.Store) error {
	for i := uint64(0); i < 8; i++ {
		key := itemkey.Key{Zone: 1, ObjectID: i, Type: 0}
		value := []byte(fmt.Sprintf("demo-value-%d", i))
		if err := cache.Create(ctx, key, value, wholeKeyspace); err != nil {
			return fmt.Errorf("scoutcached: seed item %s: %w", key, err)
		}
	}
	return store.Sync(ctx, true)
}
