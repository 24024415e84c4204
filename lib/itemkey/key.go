// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package itemkey implements the scoutfs item key: a composite,
// totally-ordered key with increment/decrement used to walk the key
// space one position at a time; both panic at the ends of the key
// space rather than saturating.
package itemkey

import (
	"fmt"
	"math"

	"github.com/F-Harry/scoutfs-kmod-dev/lib/containers"
)

// Key mirrors struct scoutfs_key: a zone discriminating the kind of
// object the key addresses, an object id within that zone, a type
// byte, and an offset whose meaning depends on the type.
type Key struct {
	Zone     uint8
	ObjectID uint64
	Type     uint8
	Offset   uint64
}

// Zero is the smallest possible key.
var Zero = Key{}

// Max is the largest possible key.
var Max = Key{
	Zone:     math.MaxUint8,
	ObjectID: math.MaxUint64,
	Type:     math.MaxUint8,
	Offset:   math.MaxUint64,
}

func (k Key) String() string {
	return fmt.Sprintf("(%d.%d.%d.%#x)", k.Zone, k.ObjectID, k.Type, k.Offset)
}

// Cmp implements containers.Ordered[Key].
func (a Key) Cmp(b Key) int {
	if d := containers.CmpUint(a.Zone, b.Zone); d != 0 {
		return d
	}
	if d := containers.CmpUint(a.ObjectID, b.ObjectID); d != 0 {
		return d
	}
	if d := containers.CmpUint(a.Type, b.Type); d != 0 {
		return d
	}
	return containers.CmpUint(a.Offset, b.Offset)
}

var _ containers.Ordered[Key] = Key{}

// Inc returns the key one greater than k.
//
// It is a precondition violation (panic) to call Inc on Max; callers
// are expected to never walk past the top of the key space, since
// every range they operate on is bounded by a caller-held lock whose
// end is strictly less than Max in practice.
func (k Key) Inc() Key {
	switch {
	case k.Offset < math.MaxUint64:
		k.Offset++
	case k.Type < math.MaxUint8:
		k.Type++
		k.Offset = 0
	case k.ObjectID < math.MaxUint64:
		k.ObjectID++
		k.Type = 0
		k.Offset = 0
	case k.Zone < math.MaxUint8:
		k.Zone++
		k.ObjectID = 0
		k.Type = 0
		k.Offset = 0
	default:
		panic("itemkey: Inc called on Max")
	}
	return k
}

// Dec returns the key one less than k.
//
// It is a precondition violation (panic) to call Dec on Zero.
func (k Key) Dec() Key {
	switch {
	case k.Offset > 0:
		k.Offset--
	case k.Type > 0:
		k.Type--
		k.Offset = math.MaxUint64
	case k.ObjectID > 0:
		k.ObjectID--
		k.Type = math.MaxUint8
		k.Offset = math.MaxUint64
	case k.Zone > 0:
		k.Zone--
		k.ObjectID = math.MaxUint64
		k.Type = math.MaxUint8
		k.Offset = math.MaxUint64
	default:
		panic("itemkey: Dec called on Zero")
	}
	return k
}

// Min returns the smaller of a and b.
func Min(a, b Key) Key {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max2 returns the larger of a and b.
func Max2(a, b Key) Key {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
