// restore/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package restore implements the restore engine (§4.6): resolving a file
// selector to its newest non-tombstoned version, fetching its blocks in
// file order through block.Store's archive cache, and writing them out via a temp-file-then-rename so a crash mid-restore
// never leaves a partially written file at the final path.
//
// Grounded on cmd/bk/backup.go's BackupReader.Restore/restoreDir/
// restoreFile (semaphore-bounded parallel restore, mode/mtime applied to
// directories only after every descendant is done), adapted from the
// teacher's gob DirEntry tree onto the SQL manifest.
package restore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	blk "github.com/mmp/coldpack/block"
	"github.com/mmp/coldpack/manifest"
	u "github.com/mmp/coldpack/util"
)

// Config bounds restore parallelism (§5).
type Config struct {
	NumThreads int
}

func (c Config) numThreads() int {
	if c.NumThreads <= 0 {
		return 16
	}
	return c.NumThreads
}

// Engine restores file content from the manifest and block store.
type Engine struct {
	db    *manifest.DB
	store *blk.Store
	cfg   Config
	log   *u.Logger
}

func New(db *manifest.DB, store *blk.Store, cfg Config, log *u.Logger) *Engine {
	return &Engine{db: db, store: store, cfg: cfg, log: log}
}

// Restore writes every live (non-tombstoned) file whose path has prefix
// pathPrefix into destDir, preserving the relative directory structure
// under pathPrefix.
func (e *Engine) Restore(ctx context.Context, pathPrefix string, destDir string) error {
	paths, err := e.db.ListPaths(ctx)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, e.cfg.numThreads())
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	dirModes := make(map[string]os.FileMode)
	dirTimes := make(map[string]int64)

	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, path := range paths {
		if !strings.HasPrefix(path, pathPrefix) {
			continue
		}
		path := path
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			mode, mtime, err := e.restoreOne(ctx, path, pathPrefix, destDir)
			if err != nil {
				record(err)
				return
			}
			if mode.IsDir() {
				mu.Lock()
				dirModes[path] = mode
				dirTimes[path] = mtime
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	// Apply directory mode/mtime only after every descendant has been
	// restored, longest paths first so a parent doesn't get its mtime
	// touched again by a still-pending child write.
	dirs := make([]string, 0, len(dirModes))
	for d := range dirModes {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		target := filepath.Join(destDir, strings.TrimPrefix(d, pathPrefix))
		if err := os.Chmod(target, dirModes[d]); err != nil {
			e.log.Error("%s: %s", target, err)
		}
		mt := time.Unix(0, dirTimes[d])
		if err := os.Chtimes(target, mt, mt); err != nil {
			e.log.Error("%s: %s", target, err)
		}
	}
	return nil
}

// restoreOne restores a single path's newest non-tombstoned version and
// returns its mode (so directory mode/mtime application can be deferred by
// the caller).
func (e *Engine) restoreOne(ctx context.Context, path, pathPrefix, destDir string) (os.FileMode, int64, error) {
	v, ok, err := e.db.LatestVersion(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	if !ok || (v.Size == 0 && v.Mode == 0 && v.SymlinkTarget == "") {
		return 0, 0, nil // tombstoned or never existed
	}

	target := filepath.Join(destDir, strings.TrimPrefix(path, pathPrefix))
	mode := os.FileMode(v.Mode)

	switch {
	case mode.IsDir():
		if err := os.MkdirAll(target, 0700); err != nil {
			return 0, 0, u.IoError(err, "mkdir %s", target)
		}
		return mode, v.Mtime, nil

	case v.SymlinkTarget != "":
		if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
			return 0, 0, u.IoError(err, "mkdir %s", filepath.Dir(target))
		}
		os.Remove(target)
		if err := os.Symlink(v.SymlinkTarget, target); err != nil {
			return 0, 0, u.IoError(err, "symlink %s", target)
		}
		return mode, v.Mtime, nil

	default:
		if err := e.restoreFile(ctx, v, target); err != nil {
			return 0, 0, err
		}
		return 0, 0, nil
	}
}

// restoreFile writes one file's blocks to a temp file, fsyncs, and renames
// it over the final path, verifying BLAKE3 per block as it streams (§4.6).
// Blocks are fetched one at a time in file order via FetchBlock, whose LRU
// cache downloads an archive once while it stays cached; blocks are not
// grouped by archive, so an archive evicted from the cache mid-file is
// downloaded again.
func (e *Engine) restoreFile(ctx context.Context, v manifest.FileVersion, target string) error {
	hashes, err := e.db.VersionBlocks(ctx, v.FileID, v.VersionIx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return u.IoError(err, "mkdir %s", filepath.Dir(target))
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".restore-*")
	if err != nil {
		return u.IoError(err, "create temp file for %s", target)
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		tmp.Close()
		if !succeeded {
			os.Remove(tmpPath)
		}
	}()

	for _, h := range hashes {
		data, err := e.store.FetchBlock(ctx, h)
		if err != nil {
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			return u.IoError(err, "write %s", tmpPath)
		}
	}
	if err := tmp.Sync(); err != nil {
		return u.IoError(err, "fsync %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return u.IoError(err, "close %s", tmpPath)
	}
	if err := os.Chmod(tmpPath, os.FileMode(v.Mode)); err != nil {
		return u.IoError(err, "chmod %s", tmpPath)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return u.IoError(err, "rename %s to %s", tmpPath, target)
	}
	succeeded = true
	mt := time.Unix(0, v.Mtime)
	return os.Chtimes(target, mt, mt)
}
