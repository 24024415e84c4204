// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import (
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// rangeSummary is one entry of a Cache.DumpJSON report: a covered
// range and how many cached items (tombstones included) fall within
// it, never the values themselves.
type rangeSummary struct {
	Start    itemkey.Key `json:"start"`
	End      itemkey.Key `json:"end"`
	NumItems int         `json:"num_items"`
}

// dumpSummary is the structural snapshot DumpJSON reports.
type dumpSummary struct {
	NumItems      int            `json:"num_items"`
	NumDirtyItems int            `json:"num_dirty_items"`
	DirtyValBytes int            `json:"dirty_val_bytes"`
	NumRanges     int            `json:"num_ranges"`
	Ranges        []rangeSummary `json:"ranges"`
}

// DumpJSON writes a low-overhead structural snapshot of the cache's
// counters and range coverage to w, for diagnostics -- deliberately
// never item values, which may be large or caller-sensitive.
func (c *Cache) DumpJSON(w io.Writer) error {
	c.mu.Lock()
	summary := dumpSummary{
		NumItems:      c.items.Len(),
		NumDirtyItems: c.nrDirtyItems,
		DirtyValBytes: c.dirtyValBytes,
		NumRanges:     c.ranges.len(),
	}
	_ = c.ranges.walk(func(r *Range) error {
		n := 0
		for it := c.items.ceil(r.Start); it != nil && it.Key.Cmp(r.End) <= 0; it = c.items.next(it) {
			n++
		}
		summary.Ranges = append(summary.Ranges, rangeSummary{Start: r.Start, End: r.End, NumItems: n})
		return nil
	})
	c.mu.Unlock()

	return lowmemjson.Encode(w, summary)
}
