// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"syscall"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"

	"github.com/F-Harry/scoutfs-kmod-dev/internal/memsegstore"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemcache"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "mount MOUNTPOINT",
			Short: "Mount a cache, seeded with demo data, read-only: one file per live item",
			Args:  cobra.ExactArgs(1),
		},
		RunE: func(cache *itemcache.Cache, store *memsegstore.Store, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := seedDemoData(ctx, cache, store); err != nil {
				return err
			}
			return mountRO(ctx, cache, args[0])
		},
	})
}

// cacheFS is a read-only FUSE filesystem exposing every live
// (non-tombstone) item currently cached as a flat file named by its
// key. It is a diagnostic view, not a real filesystem: the cache's
// actual namespace is keys, not paths, so there is no directory
// structure to reconstruct.
type cacheFS struct {
	fuseutil.NotImplementedFileSystem

	cache *itemcache.Cache

	// snapshot is taken once, at mount time: a listing of it.Key ->
	// it.Value for every live item, inode-numbered from 2 up so each
	// name maps to a stable FUSE inode for the life of the mount.
	names   []string
	values  [][]byte
	byInode map[fuseops.InodeID]int
	byName  map[string]fuseops.InodeID
}

func newCacheFS(cache *itemcache.Cache) *cacheFS {
	fs := &cacheFS{
		cache:   cache,
		byInode: make(map[fuseops.InodeID]int),
		byName:  make(map[string]fuseops.InodeID),
	}
	pos := itemkey.Zero
	for {
		view, err := cache.Next(context.Background(), pos, itemkey.Max, wholeKeyspace)
		if err != nil {
			break
		}
		name := fmt.Sprintf("%d.%d.%d.%d", view.Key.Zone, view.Key.ObjectID, view.Key.Type, view.Key.Offset)
		inode := fuseops.InodeID(len(fs.names) + 2)
		fs.byInode[inode] = len(fs.names)
		fs.byName[name] = inode
		fs.names = append(fs.names, name)
		fs.values = append(fs.values, view.Value)
		if view.Key.Cmp(itemkey.Max) == 0 {
			break
		}
		pos = view.Key.Inc()
	}
	return fs
}

func (fs *cacheFS) StatFS(_ context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 4096
	return nil
}

func (fs *cacheFS) LookUpInode(_ context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent != fuseops.RootInodeID {
		return syscall.ENOENT
	}
	inode, ok := fs.byName[op.Name]
	if !ok {
		return syscall.ENOENT
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:      inode,
		Attributes: fs.attrs(inode),
	}
	return nil
}

func (fs *cacheFS) GetInodeAttributes(_ context.Context, op *fuseops.GetInodeAttributesOp) error {
	op.Attributes = fs.attrs(op.Inode)
	return nil
}

func (fs *cacheFS) attrs(inode fuseops.InodeID) fuseops.InodeAttributes {
	if inode == fuseops.RootInodeID {
		return fuseops.InodeAttributes{Nlink: 1, Mode: 0o755 | 0o040000}
	}
	idx := fs.byInode[inode]
	return fuseops.InodeAttributes{
		Nlink: 1,
		Mode:  0o444,
		Size:  uint64(len(fs.values[idx])),
	}
}

func (fs *cacheFS) OpenDir(_ context.Context, op *fuseops.OpenDirOp) error {
	return nil
}

func (fs *cacheFS) ReadDir(_ context.Context, op *fuseops.ReadDirOp) error {
	origOffset := int(op.Offset)
	for i := origOffset; i < len(fs.names); i++ {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(i + 2),
			Name:   fs.names[i],
			Type:   fuseutil.DT_File,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *cacheFS) OpenFile(_ context.Context, op *fuseops.OpenFileOp) error {
	if _, ok := fs.byInode[op.Inode]; !ok {
		return syscall.ENOENT
	}
	op.KeepPageCache = true
	return nil
}

func (fs *cacheFS) ReadFile(_ context.Context, op *fuseops.ReadFileOp) error {
	idx, ok := fs.byInode[op.Inode]
	if !ok {
		return syscall.ENOENT
	}
	val := fs.values[idx]
	if op.Offset >= int64(len(val)) {
		op.BytesRead = 0
		return nil
	}
	op.BytesRead = copy(op.Dst, val[op.Offset:])
	return nil
}

func (*cacheFS) Destroy() {}

// mountRO mounts fs at mountpoint, grounded on the same
// mount-goroutine / unmount-goroutine split the teacher uses for its
// own read-only FUSE mount: one goroutine performs fuse.Mount and
// blocks on the mount handle, the other watches ctx and unmounts (with
// a busy-mount retry loop) when it is cancelled.
func mountRO(ctx context.Context, cache *itemcache.Cache, mountpoint string) error {
	server := fuseutil.NewFileSystemServer(newCacheFS(cache))
	cfg := &fuse.MountConfig{
		FSName:   "scoutcached",
		Subtype:  "scoutcache",
		ReadOnly: true,
	}

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		ShutdownOnNonError: true,
	})
	mounted := uint32(1)
	grp.Go("unmount", func(ctx context.Context) error {
		<-ctx.Done()
		var err error
		var gotNil bool
		for atomic.LoadUint32(&mounted) != 0 {
			if _err := fuse.Unmount(mountpoint); _err == nil {
				gotNil = true
			} else if !gotNil {
				err = _err
			}
		}
		if gotNil {
			return nil
		}
		return err
	})
	grp.Go("mount", func(ctx context.Context) error {
		defer atomic.StoreUint32(&mounted, 0)

		cfg.OpContext = ctx
		cfg.ErrorLogger = dlog.StdLogger(ctx, dlog.LogLevelError)
		cfg.DebugLogger = dlog.StdLogger(ctx, dlog.LogLevelDebug)

		mountHandle, err := fuse.Mount(mountpoint, server, cfg)
		if err != nil {
			return err
		}
		dlog.Infof(ctx, "mounted %q", mountpoint)
		return mountHandle.Join(dcontext.HardContext(ctx))
	})
	return grp.Wait()
}
