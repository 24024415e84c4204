// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/F-Harry/scoutfs-kmod-dev/internal/memsegstore"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/containers"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemcache"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemkey"
)

// wholeKeyspace is the lock every REPL command presents: a demo
// process has no real distributed lock manager to hold an actual
// range lock against, so it behaves as though it always holds one
// covering the full key space.
var wholeKeyspace = itemcache.Lock{Mode: itemcache.ModeWrite, Start: itemkey.Zero, End: itemkey.Max}

// replLookupBufSize bounds a single lookup reply; it has no relation
// to any on-disk limit, just a generous buffer for interactive use.
const replLookupBufSize = 1 << 16

// lookupBufPool recycles the REPL's lookup scratch buffer across
// commands instead of allocating one fresh per "lookup" line.
var lookupBufPool = containers.SyncPool[[]byte]{
	New: func() []byte { return make([]byte, replLookupBufSize) },
}

func newServeCommand(logLevel *logLevelFlag) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an interactive line-oriented session against a fresh cache",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		logger.SetLevel(logLevel.Level)
		ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

		store, cache := newStack()
		defer func() { _ = cache.Close() }()

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("repl", func(ctx context.Context) error {
			return runREPL(ctx, cache, store, os.Stdin, os.Stdout)
		})
		return grp.Wait()
	}
	return cmd
}

// runREPL reads one command per line from in and writes replies to
// out, until EOF or a "quit" command. It exists to drive the cache
// interactively without any on-disk filesystem to mount -- a thin
// stand-in for the ioctl surface the real module exposes to
// userspace.
func runREPL(ctx context.Context, cache *itemcache.Cache, store *memsegstore.Store, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "scoutcached> ready; try: create|update|dirty|lookup|next|prev|delete|delete-force|flush|stat|quit")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmdName := fields[0]
		args := fields[1:]

		if cmdName == "quit" || cmdName == "exit" {
			return nil
		}

		if err := dispatch(ctx, cache, store, cmdName, args, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func dispatch(ctx context.Context, cache *itemcache.Cache, store *memsegstore.Store, cmdName string, args []string, out io.Writer) error {
	switch cmdName {
	case "create", "create-force", "update", "dirty":
		if len(args) < 1 {
			return fmt.Errorf("usage: %s KEY [VALUE]", cmdName)
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		var value []byte
		if len(args) > 1 {
			value = []byte(strings.Join(args[1:], " "))
		}
		switch cmdName {
		case "create":
			err = cache.Create(ctx, key, value, wholeKeyspace)
		case "create-force":
			err = cache.CreateForce(key, value, wholeKeyspace)
		case "update":
			err = cache.Update(ctx, key, value, wholeKeyspace)
		case "dirty":
			err = cache.Dirty(ctx, key, wholeKeyspace)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
		return nil

	case "lookup":
		if len(args) != 1 {
			return fmt.Errorf("usage: lookup KEY")
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		buf, _ := lookupBufPool.Get()
		defer lookupBufPool.Put(buf)
		n, err := cache.Lookup(ctx, key, wholeKeyspace, buf)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", buf[:n])
		return nil

	case "next", "prev":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s KEY", cmdName)
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		var view *itemcache.ItemView
		if cmdName == "next" {
			view, err = cache.Next(ctx, key, itemkey.Max, wholeKeyspace)
		} else {
			view, err = cache.Prev(ctx, key, itemkey.Zero, wholeKeyspace)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s = %q\n", view.Key, view.Value)
		return nil

	case "delete", "delete-force":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s KEY", cmdName)
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		if cmdName == "delete" {
			err = cache.Delete(ctx, key, wholeKeyspace)
		} else {
			err = cache.DeleteForce(key, wholeKeyspace)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
		return nil

	case "flush":
		if err := store.Sync(ctx, true); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
		return nil

	case "stat":
		return cache.DumpJSON(out)

	default:
		return fmt.Errorf("unknown command %q", cmdName)
	}
}

func parseKey(s string) (itemkey.Key, error) {
	var k itemkey.Key
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return k, fmt.Errorf("key %q must have 4 dot-separated fields: zone.objectid.type.offset", s)
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &k.Zone); err != nil {
		return k, fmt.Errorf("bad zone in key %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &k.ObjectID); err != nil {
		return k, fmt.Errorf("bad objectid in key %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &k.Type); err != nil {
		return k, fmt.Errorf("bad type in key %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(parts[3], "%d", &k.Offset); err != nil {
		return k, fmt.Errorf("bad offset in key %q: %w", s, err)
	}
	return k, nil
}

