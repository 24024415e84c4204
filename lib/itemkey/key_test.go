// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemkey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

func TestKeyCmpOrdering(t *testing.T) {
	lo := itemkey.Key{Zone: 1, ObjectID: 1, Type: 0, Offset: 0}
	hi := itemkey.Key{Zone: 1, ObjectID: 1, Type: 0, Offset: 1}
	assert.Equal(t, -1, lo.Cmp(hi))
	assert.Equal(t, 1, hi.Cmp(lo))
	assert.Equal(t, 0, lo.Cmp(lo))
}

func TestKeyCmpFieldPrecedence(t *testing.T) {
	// A higher Zone outranks any lower field, even Max values below it.
	a := itemkey.Key{Zone: 0, ObjectID: ^uint64(0), Type: ^uint8(0), Offset: ^uint64(0)}
	b := itemkey.Key{Zone: 1}
	assert.Equal(t, -1, a.Cmp(b))
}

func TestKeyIncDecRoundTrip(t *testing.T) {
	k := itemkey.Key{Zone: 1, ObjectID: 1, Type: 0, Offset: 0}
	require.Equal(t, k, k.Inc().Dec())
}

func TestKeyIncCarriesThroughFields(t *testing.T) {
	k := itemkey.Key{Zone: 1, ObjectID: 1, Type: 0, Offset: ^uint64(0)}
	got := k.Inc()
	want := itemkey.Key{Zone: 1, ObjectID: 1, Type: 1, Offset: 0}
	require.Equal(t, want, got)
}

func TestKeyDecBorrowsThroughFields(t *testing.T) {
	k := itemkey.Key{Zone: 1, ObjectID: 2, Type: 0, Offset: 0}
	got := k.Dec()
	want := itemkey.Key{Zone: 1, ObjectID: 1, Type: ^uint8(0), Offset: ^uint64(0)}
	require.Equal(t, want, got)
}

func TestKeyIncOnMaxPanics(t *testing.T) {
	require.Panics(t, func() { itemkey.Max.Inc() })
}

func TestKeyDecOnZeroPanics(t *testing.T) {
	require.Panics(t, func() { itemkey.Zero.Dec() })
}

func TestMinMax2(t *testing.T) {
	a := itemkey.Key{Zone: 1}
	b := itemkey.Key{Zone: 2}
	assert.Equal(t, a, itemkey.Min(a, b))
	assert.Equal(t, b, itemkey.Min(b, a))
	assert.Equal(t, b, itemkey.Max2(a, b))
	assert.Equal(t, b, itemkey.Max2(b, a))
}
