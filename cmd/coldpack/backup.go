// cmd/coldpack/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"flag"

	"github.com/mmp/coldpack/snapshot"
)

// runBackup runs the snapshot engine over the configured include/exclude
// paths and commits the result as a new patchset (§4.5).
func runBackup(env *environment, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	eng := snapshot.New(env.db, env.store, snapshot.Config{
		IncludePaths:     env.cfg.Includes,
		ExcludePaths:     env.cfg.Excludes,
		KeepDeletedFiles: env.cfg.KeepDeletedFiles,
		NumThreads:       env.cfg.NumThreads,
	}, log)

	patchsetID, err := eng.Run(env.ctx, env.adapter, env.patchsetKey)
	if err != nil {
		return err
	}
	log.Verbose("backup complete: patchset %d\n", patchsetID)
	return nil
}
