// cmd/coldpack/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"flag"

	u "github.com/mmp/coldpack/util"

	"github.com/mmp/coldpack/restore"
)

// runRestore restores every path under selector into target (§4.6).
func runRestore(env *environment, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 2 {
		return u.ConfigError(nil, "usage: coldpack restore <selector> <target>")
	}
	selector, target := rest[0], rest[1]

	eng := restore.New(env.db, env.store, restore.Config{NumThreads: env.cfg.NumThreads}, log)
	if err := eng.Restore(env.ctx, selector, target); err != nil {
		return err
	}
	log.Verbose("restore of %s complete\n", selector)
	return nil
}
