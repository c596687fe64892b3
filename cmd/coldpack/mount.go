// cmd/coldpack/mount.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// mount exports a read-only FUSE view of the manifest's most recent
// non-tombstoned state (§10.2.1, supplemented). Adapted from
// cmd/bk/fuse.go's pseudoDir/dirEntryBackend pair: the teacher walks a gob
// DirEntry tree rooted at a chosen point-in-time backup, named
// backup-yymmdd-hhmmss; here there is one continuously-updated manifest, so
// the top level is simply the configured include roots, and everything
// below is resolved against the SQL manifest's files/file_versions tables
// on demand rather than a tree built once at backup time.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/mmp/coldpack/manifest"
	u "github.com/mmp/coldpack/util"
)

// runMount blocks serving the FUSE filesystem at targetDir until the
// filesystem is unmounted.
func runMount(env *environment, args []string) error {
	fset := flag.NewFlagSet("mount", flag.ContinueOnError)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 {
		return u.ConfigError(nil, "usage: coldpack mount <target-dir>")
	}
	targetDir := fset.Arg(0)

	tree, err := buildMountTree(env)
	if err != nil {
		return err
	}

	conn, err := fuse.Mount(
		targetDir,
		fuse.FSName("coldpackfs"),
		fuse.Subtype("coldpackfs"),
		fuse.VolumeName("coldpack"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return u.IoError(err, "mount FUSE filesystem at %s", targetDir)
	}
	defer conn.Close()

	root := &mountRoot{env: env, tree: tree}
	if err := fs.Serve(conn, root); err != nil {
		return u.IoError(err, "serve FUSE filesystem")
	}

	<-conn.Ready
	if err := conn.MountError; err != nil {
		return u.IoError(err, "FUSE mount failed")
	}
	return nil
}

// mountTree is the set of currently-live manifest entries, indexed for
// FUSE lookups. Built once at mount time, matching the teacher's own
// upfront pseudoDir construction; a long-lived mount will not observe
// backups taken after it started, which is an accepted limitation of a
// read-only browsing view.
type mountTree struct {
	versions map[string]manifest.FileVersion
	children map[string][]string
}

func buildMountTree(env *environment) (*mountTree, error) {
	paths, err := env.db.ListPaths(env.ctx)
	if err != nil {
		return nil, err
	}

	t := &mountTree{
		versions: make(map[string]manifest.FileVersion),
		children: make(map[string][]string),
	}

	for _, p := range paths {
		v, ok, err := env.db.LatestVersion(env.ctx, p)
		if err != nil {
			return nil, err
		}
		if !ok || isTombstone(v) {
			continue
		}
		t.versions[p] = v

		parent := filepath.Dir(p)
		if parent != p {
			t.children[parent] = append(t.children[parent], p)
		}
	}
	return t, nil
}

func isTombstone(v manifest.FileVersion) bool {
	return v.Size == 0 && v.Mode == 0 && v.SymlinkTarget == ""
}

// mountRoot is the FUSE root node: its children are the configured include
// paths, named by their base name.
type mountRoot struct {
	env  *environment
	tree *mountTree
}

func (r *mountRoot) Root() (fs.Node, error) { return r, nil }

func (r *mountRoot) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

func (r *mountRoot) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, inc := range r.env.cfg.Includes {
		if filepath.Base(inc) == name {
			if _, ok := r.tree.versions[inc]; ok {
				return &mountNode{root: r, path: inc}, nil
			}
		}
	}
	return nil, fuse.ENOENT
}

func (r *mountRoot) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var dirents []fuse.Dirent
	for _, inc := range r.env.cfg.Includes {
		if _, ok := r.tree.versions[inc]; !ok {
			continue
		}
		dirents = append(dirents, fuse.Dirent{Name: filepath.Base(inc), Type: fuse.DT_Dir})
	}
	return dirents, nil
}

// mountNode is any manifest entry below the root: a directory, a regular
// file, or a symlink.
type mountNode struct {
	root *mountRoot
	path string
}

func (n *mountNode) version() manifest.FileVersion {
	return n.root.tree.versions[n.path]
}

func (n *mountNode) Attr(ctx context.Context, a *fuse.Attr) error {
	v := n.version()
	a.Mode = os.FileMode(v.Mode)
	a.Size = uint64(v.Size)
	a.Mtime = time.Unix(0, v.Mtime)
	return nil
}

func (n *mountNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	child := filepath.Join(n.path, name)
	if _, ok := n.root.tree.versions[child]; !ok {
		return nil, fuse.ENOENT
	}
	return &mountNode{root: n.root, path: child}, nil
}

func (n *mountNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var dirents []fuse.Dirent
	for _, child := range n.root.tree.children[n.path] {
		v := n.root.tree.versions[child]
		de := fuse.Dirent{Name: filepath.Base(child)}
		switch {
		case os.FileMode(v.Mode).IsDir():
			de.Type = fuse.DT_Dir
		case v.SymlinkTarget != "":
			de.Type = fuse.DT_Link
		default:
			de.Type = fuse.DT_File
		}
		dirents = append(dirents, de)
	}
	return dirents, nil
}

// ReadAll fetches a regular file's content via the restore engine's fetch
// path (§4.6): block.Store.FetchBlock, which verifies each block's BLAKE3
// hash, rather than loading the whole backed-up tree wholesale.
func (n *mountNode) ReadAll(ctx context.Context) ([]byte, error) {
	v := n.version()
	hashes, err := n.root.env.db.VersionBlocks(ctx, v.FileID, v.VersionIx)
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, h := range hashes {
		data, err := n.root.env.store.FetchBlock(ctx, h)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

var errNotASymlink = errors.New("not a symlink")

func (n *mountNode) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	v := n.version()
	if v.SymlinkTarget == "" {
		return "", errNotASymlink
	}
	return v.SymlinkTarget, nil
}
