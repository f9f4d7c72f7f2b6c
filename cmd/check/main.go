// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command check walks every tree of an offline btrfs filesystem,
// cross-checks the inode, extent, free-space, checksum, and
// subvolume-reference state each tree claims, and reports every
// inconsistency it finds.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
	"github.com/aviallon/btrfsck-go/lib/btrfscheck"
	"github.com/aviallon/btrfsck-go/lib/btrfsutil"
	"github.com/aviallon/btrfsck-go/lib/profile"
	"github.com/aviallon/btrfsck-go/lib/textui"
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

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}
	var superblockMirror int
	var repair, initCSumTree, initExtentTree, listNodes, scanSuperblocks bool
	var nodeCache string

	cmd := &cobra.Command{
		Use:   "check [flags] <device>...",
		Short: "Check (and optionally repair) a btrfs filesystem",

		Args: cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),

		SilenceErrors: true, // main() handles the error after Execute() returns
		SilenceUsage:  true, // our FlagErrorFunc handles it

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	cmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	cmd.SetHelpTemplate(cliutil.HelpTemplate)
	cmd.Flags().Var(&logLevel, "verbosity", "set the verbosity")
	cmd.Flags().IntVarP(&superblockMirror, "superblock", "s", 0, "select superblock `mirror` (0-2) to confirm before the normal consensus check")
	cmd.Flags().BoolVar(&repair, "repair", false, "attempt to repair extent-tree inconsistencies found during the check")
	cmd.Flags().BoolVar(&initCSumTree, "init-csum-tree", false, "reinitialize the checksum tree to empty before checking")
	cmd.Flags().BoolVar(&initExtentTree, "init-extent-tree", false, "reinitialize the extent tree to empty before checking")
	cmd.Flags().BoolVar(&listNodes, "list-nodes", false, "scan the device sector-by-sector for btree nodes, print them as JSON, and exit without checking")
	cmd.Flags().StringVar(&nodeCache, "node-cache", "", "with --list-nodes, read the scan result from `file` if it exists instead of rescanning, and (re)write it there afterward")
	cmd.Flags().BoolVar(&scanSuperblocks, "scan-superblocks", false, "scan the whole device for superblock copies outside the three canonical offsets, print their addresses, and exit without checking")
	stopProfiling := profile.AddProfileFlags(cmd.Flags(), "profile-")

	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		if repair {
			return fmt.Errorf("--repair: no on-disk mutation backend is implemented; refusing to run")
		}
		defer func() {
			if serr := stopProfiling(); serr != nil && err == nil {
				err = serr
			}
		}()
		ctx := cmd.Context()
		logger := logrus.New()
		logger.SetLevel(logLevel.Level)
		ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) (err error) {
			maybeSetErr := func(_err error) {
				if _err != nil && err == nil {
					err = _err
				}
			}

			openFlag := os.O_RDONLY
			if repair || initCSumTree || initExtentTree {
				openFlag = os.O_RDWR
			}

			fs, err := btrfsutil.Open(ctx, openFlag, args...)
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(fs.Close())
			}()

			if scanSuperblocks {
				for _, dev := range fs.LV.PhysicalVolumes() {
					addrs, err := dev.ScanForSuperblocks()
					if err != nil {
						return fmt.Errorf("file %q: %w", dev.Name(), err)
					}
					for _, addr := range addrs {
						fmt.Printf("%s\t%#x\n", dev.Name(), addr)
					}
				}
				return nil
			}

			if listNodes {
				var nodeList []btrfsvol.LogicalAddr
				if nodeCache != "" {
					if cached, cerr := btrfsutil.LoadJSONFile[[]btrfsvol.LogicalAddr](ctx, nodeCache); cerr == nil {
						dlog.Infof(ctx, "loaded %d cached node addresses from %q", len(cached), nodeCache)
						nodeList = cached
					}
				}
				if nodeList == nil {
					nodeList, err = btrfsutil.ListNodes(ctx, fs)
					if err != nil {
						return err
					}
					if nodeCache != "" {
						cfh, cerr := os.Create(nodeCache)
						if cerr != nil {
							return cerr
						}
						cerr = btrfsutil.SaveJSONFile(cfh, nodeList, lowmemjson.ReEncoder{})
						maybeSetErr(cfh.Close())
						if cerr != nil {
							return cerr
						}
					}
				}
				dlog.Infof(ctx, "writing %d node addresses to stdout...", len(nodeList))
				return btrfsutil.SaveJSONFile(os.Stdout, nodeList, lowmemjson.ReEncoder{
					Indent:                "\t",
					ForceTrailingNewlines: true,
				})
			}

			cfg := btrfscheck.Config{
				Repair:           repair,
				InitCSumTree:     initCSumTree,
				InitExtentTree:   initExtentTree,
				SuperblockMirror: superblockMirror,
			}
			checker := btrfscheck.NewChecker(fs, cfg)
			report, err := checker.Run(ctx)
			if report != nil {
				dlog.Infof(ctx, "%s", report.Stats)
			}
			if err != nil {
				return err
			}
			if report != nil && hasFindings(report) {
				os.Exit(1)
			}
			return nil
		})
		return grp.Wait()
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(-1)
	}
}

// hasFindings reports whether a completed Report represents an
// otherwise-healthy run (exit 0) or one that found inconsistencies
// worth a nonzero exit (exit 1).
func hasFindings(report *btrfscheck.Report) bool {
	if len(report.Stats.Errors) > 0 || len(report.Unreconciled) > 0 ||
		len(report.UnreachableRoots) > 0 || len(report.MismatchedRoots) > 0 {
		return true
	}
	for _, perInode := range report.InodeErrors {
		for _, errs := range perInode {
			if errs != 0 {
				return true
			}
		}
	}
	return false
}
