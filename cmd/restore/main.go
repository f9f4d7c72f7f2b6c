// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command restore walks an unmounted (possibly damaged) btrfs volume
// and reconstructs its directory tree and regular-file contents onto
// a host filesystem.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aviallon/btrfsck-go/lib/btrfs"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfstree"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
	"github.com/aviallon/btrfsck-go/lib/btrfsrestore"
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
	var (
		getSnapshots bool
		verbose      bool
		ignoreErrors bool
		overwrite    bool
		findFirstDir bool
		listRoots    bool
		treeLoc      uint64
		fsLoc        uint64
		mirror       int
		rootID       int64
	)

	cmd := &cobra.Command{
		Use:   "restore [flags] <device> [outdir]",
		Short: "Restore files from a btrfs filesystem to another location",

		Args: cliutil.WrapPositionalArgs(cobra.RangeArgs(1, 2)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	cmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	cmd.SetHelpTemplate(cliutil.HelpTemplate)
	cmd.Flags().Var(&logLevel, "verbosity", "set the verbosity")
	cmd.Flags().BoolVarP(&getSnapshots, "snapshots", "s", false, "also restore snapshots")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print each file as it is restored")
	cmd.Flags().BoolVarP(&ignoreErrors, "ignore-errors", "i", false, "continue past errors instead of aborting")
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "o", false, "overwrite files that already exist at the destination")
	cmd.Flags().BoolVarP(&findFirstDir, "find-first-dir", "d", false, "heuristically locate the first directory if the subvolume's own root directory can't be resolved")
	cmd.Flags().BoolVarP(&listRoots, "list-roots", "l", false, "list the subvolume/snapshot roots found on the device and exit")
	cmd.Flags().Uint64VarP(&treeLoc, "tree-location", "t", 0, "logical `address` of the root tree's root node, if the superblock's is unreadable")
	cmd.Flags().Uint64VarP(&fsLoc, "fs-location", "f", 0, "logical `address` of the subvolume's root node, if the root tree's is unreadable")
	cmd.Flags().IntVarP(&mirror, "mirror", "u", -1, "superblock `mirror` to start from (0-2)")
	cmd.Flags().Int64VarP(&rootID, "root", "r", -1, "restore this subvolume `objectid` explicitly, instead of the default fs tree")
	stopProfiling := profile.AddProfileFlags(cmd.Flags(), "profile-")

	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if serr := stopProfiling(); serr != nil && err == nil {
				err = serr
			}
		}()
		device := args[0]
		var outDir string
		if len(args) > 1 {
			outDir = args[1]
		} else if !listRoots {
			return fmt.Errorf("an output directory is required unless --list-roots is given")
		}

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

			fs, err := btrfsutil.Open(ctx, os.O_RDONLY, device)
			if err != nil {
				return err
			}
			defer func() {
				maybeSetErr(fs.Close())
			}()

			if mirror >= 0 {
				if _, err := fs.SuperblockForceMirror(mirror); err != nil {
					return fmt.Errorf("superblock mirror %d: %w", mirror, err)
				}
				dlog.Infof(ctx, "using superblock mirror %d", mirror)
			}

			if listRoots {
				return runListRoots(ctx, fs)
			}

			sv, dirInode, err := resolveStartingPoint(ctx, fs, treeLoc, fsLoc, rootID, findFirstDir)
			if err != nil {
				return err
			}

			engine := btrfsrestore.NewEngine(fs, btrfsrestore.Config{
				GetSnapshots: getSnapshots,
				Verbose:      verbose,
				IgnoreErrors: ignoreErrors,
				Overwrite:    overwrite,
				Confirm:      promptConfirm,
			})
			return engine.Restore(ctx, sv, dirInode, outDir)
		})
		return grp.Wait()
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(-1)
	}
}

// resolveStartingPoint picks the Subvolume and directory inode to
// hand to the restore engine, honoring the "-t", "-f", and "-r"
// overrides a damaged filesystem may need.
func resolveStartingPoint(
	ctx context.Context, fs *btrfs.FS,
	treeLoc, fsLoc uint64, rootID int64, findFirstDir bool,
) (*btrfs.Subvolume, btrfsprim.ObjID, error) {
	var sv *btrfs.Subvolume

	switch {
	case fsLoc != 0:
		root, err := rootAt(ctx, fs, btrfsprim.FS_TREE_OBJECTID, btrfsvol.LogicalAddr(fsLoc))
		if err != nil {
			return nil, 0, fmt.Errorf("-f %#x: %w", fsLoc, err)
		}
		sv = btrfs.NewSubvolumeAt(ctx, fs, *root, false)
	case treeLoc != 0:
		treeRoot, err := rootAt(ctx, fs, btrfsprim.ROOT_TREE_OBJECTID, btrfsvol.LogicalAddr(treeLoc))
		if err != nil {
			return nil, 0, fmt.Errorf("-t %#x: %w", treeLoc, err)
		}
		id := btrfsprim.FS_TREE_OBJECTID
		if rootID > 0 {
			id = btrfsprim.ObjID(rootID)
		}
		impl := btrfstree.TreeOperatorImpl{NodeSource: fs}
		item, err := impl.RawTreeLookup(ctx, *treeRoot, btrfsprim.Key{
			ObjectID: id,
			ItemType: btrfsprim.ROOT_ITEM_KEY,
			Offset:   0,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("looking up subvolume %v under tree root %#x: %w", id, treeLoc, err)
		}
		root, err := treeRootFromRootItem(item, id)
		if err != nil {
			return nil, 0, err
		}
		sv = btrfs.NewSubvolumeAt(ctx, fs, *root, false)
	case rootID > 0:
		sv = btrfs.NewSubvolume(ctx, fs, btrfsprim.ObjID(rootID), false)
	default:
		sv = btrfs.NewSubvolume(ctx, fs, btrfsprim.FS_TREE_OBJECTID, false)
	}

	dirInode, err := sv.GetRootInode()
	if err != nil {
		if !findFirstDir {
			return nil, 0, fmt.Errorf("resolving subvolume root: %w", err)
		}
		inode, ferr := findFirstDirectory(ctx, fs, sv.TreeID)
		if ferr != nil {
			return nil, 0, fmt.Errorf("resolving subvolume root: %w (heuristic also failed: %v)", err, ferr)
		}
		dlog.Infof(ctx, "default root directory unreadable, heuristically using inode %v instead", inode)
		dirInode = inode
	}
	return sv, dirInode, nil
}

// rootAt reads the node at addr and builds a TreeRoot around it,
// trusting the caller (a human operator who has already determined
// the address from other recovered state) rather than the
// superblock/root-tree lookup chain that is presumed broken.
func rootAt(ctx context.Context, fs *btrfs.FS, treeID btrfsprim.ObjID, addr btrfsvol.LogicalAddr) (*btrfstree.TreeRoot, error) {
	node, err := fs.AcquireNode(ctx, addr, btrfstree.NodeExpectations{})
	if err != nil {
		return nil, err
	}
	root := &btrfstree.TreeRoot{
		ID:         treeID,
		RootNode:   addr,
		Level:      node.Head.Level,
		Generation: node.Head.Generation,
	}
	fs.ReleaseNode(node)
	return root, nil
}

func treeRootFromRootItem(item btrfstree.Item, id btrfsprim.ObjID) (*btrfstree.TreeRoot, error) {
	body, ok := item.Body.(*btrfsitem.Root)
	if !ok {
		return nil, fmt.Errorf("root item for objectid %v has unexpected type %T", id, item.Body)
	}
	return &btrfstree.TreeRoot{
		ID:         id,
		RootNode:   body.ByteNr,
		Level:      body.Level,
		Generation: body.Generation,
	}, nil
}

// findFirstDirectory scans the subvolume's tree for the
// lowest-numbered inode whose INODE_ITEM reports a directory mode,
// as a last resort when the well-known root directory inode can't be
// resolved at all.
func findFirstDirectory(ctx context.Context, fs *btrfs.FS, treeID btrfsprim.ObjID) (btrfsprim.ObjID, error) {
	var best btrfsprim.ObjID
	var found bool
	fs.TreeWalk(ctx, treeID, func(*btrfstree.TreeError) {}, btrfstree.TreeWalkHandler{
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			if item.Key.ItemType != btrfsprim.INODE_ITEM_KEY {
				return
			}
			if found && item.Key.ObjectID >= best {
				return
			}
			inode, ok := item.Body.(*btrfsitem.Inode)
			if !ok || !inode.Mode.IsDir() {
				return
			}
			best = item.Key.ObjectID
			found = true
		},
	})
	if !found {
		return 0, fmt.Errorf("no directory inode found")
	}
	return best, nil
}

func runListRoots(ctx context.Context, fs *btrfs.FS) error {
	roots, err := btrfsrestore.ListRoots(ctx, fs)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPARENT\tSNAPSHOT")
	for _, r := range roots {
		fmt.Fprintf(tw, "%v\t%s\t%v\t%v\n", r.ID, r.Name, r.ParentID, r.IsSnapshot)
	}
	return tw.Flush()
}

// promptConfirm implements btrfsrestore.Confirm by asking the
// operator on stdin/stdout, the way an interactive recovery tool
// does when it hits a loop guard it can't resolve on its own.
func promptConfirm(ctx context.Context, what string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", what)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
