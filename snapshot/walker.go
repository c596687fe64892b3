// snapshot/walker.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package snapshot implements the snapshot engine (§4.5): walking the
// filesystem under the configured include paths, reusing unchanged file
// versions, splitting and staging changed ones, tombstoning files that have
// disappeared, and committing the run as one manifest patchset.
//
// Grounded on cmd/bk/backup.go's BackupDir/BackupDirIncremental and
// backupDirContents (the reuse-unchanged-entries idiom, the worker-pool
// split of file content), adapted from
// a gob-encoded Merkle tree onto the SQL manifest's files/file_versions/
// version_blocks tables.
package snapshot

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	blk "github.com/mmp/coldpack/block"
	cr "github.com/mmp/coldpack/crypto"
	"github.com/mmp/coldpack/manifest"
	"github.com/mmp/coldpack/remote"
	"github.com/mmp/coldpack/splitter"
	u "github.com/mmp/coldpack/util"
)

// Config configures one Snapshot run (§4.5, §6).
type Config struct {
	IncludePaths     []string
	ExcludePaths     []string
	KeepDeletedFiles bool
	NumThreads       int

	MinBlockSize    int
	TargetBlockSize int
	MaxBlockSize    int
}

func (c Config) splitterSizes() (int, int, int) {
	min, target, max := c.MinBlockSize, c.TargetBlockSize, c.MaxBlockSize
	if min == 0 {
		min = splitter.DefaultMinSize
	}
	if target == 0 {
		target = splitter.DefaultTargetSize
	}
	if max == 0 {
		max = splitter.DefaultMaxSize
	}
	return min, target, max
}

func (c Config) numThreads() int {
	if c.NumThreads <= 0 {
		return 1
	}
	return c.NumThreads
}

// Engine runs snapshots against a manifest and block store.
type Engine struct {
	db    *manifest.DB
	store *blk.Store
	cfg   Config
	log   *u.Logger

	// wmu serializes all manifest writes during a run: Session wraps a
	// single *sql.Tx, which cannot be driven concurrently, even though
	// store.Stage below is safe to call from multiple workers at once.
	wmu sync.Mutex
}

// New returns an Engine.
func New(db *manifest.DB, store *blk.Store, cfg Config, log *u.Logger) *Engine {
	return &Engine{db: db, store: store, cfg: cfg, log: log}
}

// walkResult is what one worker produces for a single live path.
type walkResult struct {
	path          string
	info          os.FileInfo
	symlinkTarget string
	blocks        []cr.Hash
	unchanged     bool
	priorFileID   int64
	priorVersion  int64
	err           error
}

// Run executes the five-step algorithm of §4.5 and commits the result as a
// patchset under patchsetKey.
func (e *Engine) Run(ctx context.Context, adapter remote.Adapter, patchsetKey cr.Key) (uint64, error) {
	paths, err := e.enumerate()
	if err != nil {
		return 0, err
	}

	results := e.processPaths(ctx, paths)

	sess, err := e.db.BeginSession(ctx)
	if err != nil {
		return 0, err
	}

	live := make(map[string]bool, len(results))
	for _, r := range results {
		if r.err != nil {
			e.log.Error("%s: %s", r.path, r.err)
			continue
		}
		live[r.path] = true
		if r.unchanged {
			continue
		}
		if err := e.commitVersion(ctx, sess, r); err != nil {
			sess.Rollback()
			return 0, err
		}
	}

	if err := e.tombstoneRemoved(ctx, sess, live); err != nil {
		sess.Rollback()
		return 0, err
	}

	if err := e.store.SealCurrent(ctx); err != nil {
		sess.Rollback()
		return 0, err
	}

	return sess.Commit(ctx, adapter, patchsetKey)
}

// enumerate walks every include path, skipping excluded subtrees, and
// returns every path seen along with its os.FileInfo (§4.5 step 1).
func (e *Engine) enumerate() ([]walkEntry, error) {
	var entries []walkEntry
	for _, root := range e.cfg.IncludePaths {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				e.log.Error("%s: %s", path, err)
				return nil
			}
			if e.excluded(path) {
				e.log.Verbose("%s: excluding from snapshot", path)
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			entries = append(entries, walkEntry{path: path, info: info})
			return nil
		})
		if err != nil {
			return nil, u.IoError(err, "walk %s", root)
		}
	}
	return entries, nil
}

type walkEntry struct {
	path string
	info os.FileInfo
}

func (e *Engine) excluded(path string) bool {
	for _, ex := range e.cfg.ExcludePaths {
		if strings.HasPrefix(path, ex) {
			return true
		}
	}
	return false
}

// processPaths splits and hashes changed files on a worker pool sized by
// NumThreads, comparing each against the manifest's current open version to
// decide whether it changed (§4.5 step 2). Workers only read the manifest
// (LatestVersion) and call the (internally synchronized) block.Store; they
// return results for the caller to write to the manifest serially.
func (e *Engine) processPaths(ctx context.Context, entries []walkEntry) []walkResult {
	results := make([]walkResult, len(entries))
	work := make(chan int)
	var wg sync.WaitGroup

	for i := 0; i < e.cfg.numThreads(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				results[idx] = e.processOne(ctx, entries[idx])
			}
		}()
	}
	for i := range entries {
		work <- i
	}
	close(work)
	wg.Wait()
	return results
}

func (e *Engine) processOne(ctx context.Context, entry walkEntry) walkResult {
	r := walkResult{path: entry.path, info: entry.info}

	prior, ok, err := e.db.LatestVersion(ctx, entry.path)
	if err != nil {
		r.err = err
		return r
	}
	if ok {
		r.priorFileID = prior.FileID
		r.priorVersion = prior.VersionIx
	} else {
		r.priorVersion = -1
	}

	if entry.info.IsDir() {
		// Directories carry no block list (empty "file" content described
		// purely by mode+mtime, mirroring how a symlink's version is
		// described purely by symlink_target), but they are still file
		// versions so restore can reapply their mode/mtime last.
		if ok && prior.Mtime == entry.info.ModTime().UnixNano() && prior.Mode == uint32(entry.info.Mode()) {
			r.unchanged = true
		}
		return r
	}

	if entry.info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(entry.path)
		if err != nil {
			r.err = err
			return r
		}
		if ok && prior.SymlinkTarget == target {
			r.unchanged = true
			return r
		}
		r.symlinkTarget = target
		return r
	}

	if ok && prior.SymlinkTarget == "" && prior.Mtime == entry.info.ModTime().UnixNano() &&
		prior.Size == entry.info.Size() && prior.Mode == uint32(entry.info.Mode()) {
		r.unchanged = true
		return r
	}

	blocks, err := e.splitFile(entry.path)
	if err != nil {
		r.err = err
		return r
	}
	r.blocks = blocks
	return r
}

// splitFile streams path through the block splitter and stages every novel
// block, returning the ordered list of block hashes making up its content.
func (e *Engine) splitFile(path string) ([]cr.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, u.IoError(err, "open %s", path)
	}
	defer f.Close()

	min, target, max := e.cfg.splitterSizes()
	sp := splitter.New(min, target, max)
	br := bufio.NewReaderSize(f, 256*1024)

	var hashes []cr.Hash
	for {
		chunk, err := sp.SplitFromReader(br)
		if err != nil {
			return nil, u.IoError(err, "split %s", path)
		}
		if len(chunk) == 0 {
			break
		}
		hash := cr.HashBytes(chunk)
		hashes = append(hashes, hash)
		have, err := e.store.Have(hash)
		if err != nil {
			return nil, err
		}
		if !have {
			if err := e.store.Stage(hash, chunk); err != nil {
				return nil, err
			}
		}
		sp.Reset()
	}
	return hashes, nil
}

// commitVersion records a changed (or newly seen) file's version and block
// list, closing the prior open version first if there was one.
func (e *Engine) commitVersion(ctx context.Context, sess *manifest.Session, r walkResult) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()

	fileID, err := sess.InsertFile(ctx, r.path)
	if err != nil {
		return err
	}
	if r.priorVersion >= 0 {
		if err := sess.CloseVersion(ctx, fileID, r.priorVersion); err != nil {
			return err
		}
	}
	nextVersion := r.priorVersion + 1

	mode := uint32(r.info.Mode())
	if r.symlinkTarget != "" {
		if err := sess.InsertVersion(ctx, fileID, nextVersion, r.info.ModTime().UnixNano(), 0, mode, r.symlinkTarget); err != nil {
			return err
		}
		return sess.CloseVersion(ctx, fileID, nextVersion)
	}
	if r.info.IsDir() {
		if err := sess.InsertVersion(ctx, fileID, nextVersion, r.info.ModTime().UnixNano(), 0, mode, ""); err != nil {
			return err
		}
		return sess.CloseVersion(ctx, fileID, nextVersion)
	}

	if err := sess.InsertVersion(ctx, fileID, nextVersion, r.info.ModTime().UnixNano(), r.info.Size(), mode, ""); err != nil {
		return err
	}
	for pos, hash := range r.blocks {
		if err := sess.InsertVersionBlock(ctx, fileID, nextVersion, int64(pos), hash); err != nil {
			return err
		}
		if err := e.store.FlushIfFull(ctx); err != nil {
			return err
		}
	}
	return sess.CloseVersion(ctx, fileID, nextVersion)
}

// tombstoneRemoved closes a final, empty version for every path the
// manifest still has open but the current walk did not see, unless
// KeepDeletedFiles is set (§4.5 step 3).
func (e *Engine) tombstoneRemoved(ctx context.Context, sess *manifest.Session, live map[string]bool) error {
	if e.cfg.KeepDeletedFiles {
		return nil
	}

	known, err := e.db.ListPaths(ctx)
	if err != nil {
		return err
	}
	for _, path := range known {
		if live[path] {
			continue
		}
		prior, ok, err := e.db.LatestVersion(ctx, path)
		if err != nil {
			return err
		}
		if !ok || (prior.Size == 0 && prior.Mode == 0 && prior.SymlinkTarget == "") {
			continue // already tombstoned
		}

		e.wmu.Lock()
		err = func() error {
			if err := sess.CloseVersion(ctx, prior.FileID, prior.VersionIx); err != nil {
				return err
			}
			nextVersion := prior.VersionIx + 1
			if err := sess.InsertVersion(ctx, prior.FileID, nextVersion, 0, 0, 0, ""); err != nil {
				return err
			}
			return sess.CloseVersion(ctx, prior.FileID, nextVersion)
		}()
		e.wmu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
