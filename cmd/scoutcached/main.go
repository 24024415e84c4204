// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command scoutcached is a standalone demo of the item cache: it wires
// lib/itemcache.Cache to an in-memory internal/memsegstore.Store and
// exposes the result either as an interactive line-oriented REPL
// (serve) or as a read-only FUSE mount of whatever got cached
// (inspect mount), plus a plain stat dump (inspect stat).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/F-Harry/scoutfs-kmod-dev/internal/memsegstore"
	"github.com/F-Harry/scoutfs-kmod-dev/lib/itemcache"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

// subcommand mirrors a registered leaf command: it's appended to
// inspectors by each inspect_*.go's init(), the same split-across-files
// registration the teacher uses for its own inspect subcommands.
type subcommand struct {
	cobra.Command
	RunE func(cache *itemcache.Cache, store *memsegstore.Store, cmd *cobra.Command, args []string) error
}

var inspectors []subcommand

// newStack constructs a fresh, empty Store+Cache pair wired together.
// The demo store has no on-disk file to reopen, so every invocation of
// this command starts from an empty cache -- there is nothing to load
// before serve or inspect can run.
func newStack() (*memsegstore.Store, *itemcache.Cache) {
	store := memsegstore.New(memsegstore.DefaultConfig())
	cache := itemcache.New(itemcache.DefaultConfig(), store, store)
	store.SetCache(cache)
	return store, cache
}

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}

	argparser := &cobra.Command{
		Use:   "scoutcached {[flags]|SUBCOMMAND}",
		Short: "Run and inspect the scoutfs item cache standalone",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevel, "verbosity", "set the verbosity")

	argparser.AddCommand(newServeCommand(&logLevel))

	argparserInspect := &cobra.Command{
		Use:   "inspect {[flags]|SUBCOMMAND}",
		Short: "Inspect a (freshly populated) item cache",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,
	}
	argparser.AddCommand(argparserInspect)

	for _, child := range inspectors {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logrus.New()
			logger.SetLevel(logLevel.Level)
			ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
			cmd.SetContext(ctx)

			store, cache := newStack()
			defer func() { _ = cache.Close() }()
			return runE(cache, store, cmd, args)
		}
		argparserInspect.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
