// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package itemcache

import "errors"

// Sentinel errors returned by the public API, named after the errno
// values the kernel source returns. errFillNeeded is internal-only and
// is never returned from an exported method.
var (
	// ErrInvalid marks a caller bug: a malformed key/value, an
	// oversize value, or a lock that does not cover the requested
	// key for the requested operation mode.
	ErrInvalid = errors.New("itemcache: invalid argument")

	// ErrExists is returned by Create when the key is already
	// present with a non-tombstone value.
	ErrExists = errors.New("itemcache: key already exists")

	// ErrNotExist is returned by lookups, Next, Prev, Update, and
	// Delete when the key is authoritatively absent.
	ErrNotExist = errors.New("itemcache: no such key")

	// ErrMismatch is returned by LookupExact when the segment
	// reader populated a value inconsistent with what the caller
	// expected (EIO in the spec).
	ErrMismatch = errors.New("itemcache: lookup exact mismatch")

	// errFillNeeded names the internal ENODATA condition ("release
	// the lock, call the reader, retry"). The read-through loops
	// test range coverage directly and do not return it, so it is
	// never returned to a caller.
	errFillNeeded = errors.New("itemcache: fill needed")

	// errIntegrity marks a violated internal invariant: a
	// pre-reserved segment append that the writer rejected, or an
	// Invalidate call over a range that still holds dirty items.
	// Reaching it means a caller broke a documented precondition,
	// not that the cache hit an ordinary error condition.
	errIntegrity = errors.New("itemcache: internal invariant violated")
)
