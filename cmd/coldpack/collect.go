// cmd/coldpack/collect.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"flag"

	"github.com/mmp/coldpack/compact"
)

// runCollect forces the compactor's two sweeps (§4.7).
func runCollect(env *environment, args []string) error {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := compact.New(env.db, env.store, env.adapter, compact.Config{
		SmallArchivesUpperLimit: env.cfg.SmallArchivesUpperLimit,
		SmallArchivesLowerLimit: env.cfg.SmallArchivesLowerLimit,
		SmallPatchsetsLimit:     env.cfg.SmallPatchsetsLimit,
		MaxManifestLen:          env.cfg.MaxManifestLen,
	}, log)

	n, err := c.CompactArchives(env.ctx)
	if err != nil {
		return err
	}
	log.Verbose("compacted %d archive(s)\n", n)

	if err := c.CompactPatchsets(env.ctx, env.baseKey); err != nil {
		return err
	}
	return nil
}
