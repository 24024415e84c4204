// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import (
	"git.lukeshu.com/go/typedsync"
)

// rangePool recycles *Range records freed by the shrinker.
//
// The kernel source this cache is modeled on runs under a hard
// no-allocation constraint during memory reclaim, so it repurposes a
// freed item's own memory as the backing storage for a new range
// record (see §4.8 and §9 of SPEC_FULL.md). A managed Go runtime has
// no such constraint, but the shape of the problem -- "shrink must
// not allocate" -- is better honored than ignored, so Shrink draws
// *Range values from this pool instead of calling new(Range).
type rangePool struct {
	inner typedsync.Pool[*Range]
}

// get returns a zeroed *Range, recycled from the pool when possible.
func (p *rangePool) get() *Range {
	r, ok := p.inner.Get()
	if !ok || r == nil {
		return &Range{}
	}
	*r = Range{}
	return r
}

// put returns r to the pool for reuse.
func (p *rangePool) put(r *Range) {
	if r == nil {
		return
	}
	p.inner.Put(r)
}
