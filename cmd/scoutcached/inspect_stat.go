// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"

	"github.com/F-Harry/scoutfs-kmod-dev/internal/memsegstore"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemcache"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "stat",
			Short: "Populate a cache from a synthetic segment and dump its structural counters",
			Args:  cobra.NoArgs,
		},
		RunE: func(cache *itemcache.Cache, store *memsegstore.Store, cmd *cobra.Command, args []string) error {
			if err := seedDemoData(cmd.Context(), cache, store); err != nil {
				return err
			}
			if err := cache.CheckInvariants(); err != nil {
				return err
			}
			return cache.DumpJSON(cmd.OutOrStdout())
		},
	})
}
