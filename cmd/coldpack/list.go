// cmd/coldpack/list.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"flag"
	"fmt"
	"strings"
)

// runList prints every currently-live path, optionally restricted to a
// selector prefix.
func runList(env *environment, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	var selector string
	if fs.NArg() > 0 {
		selector = fs.Arg(0)
	}

	paths, err := env.db.ListPaths(env.ctx)
	if err != nil {
		return err
	}

	for _, p := range paths {
		if selector != "" && !strings.HasPrefix(p, selector) {
			continue
		}
		v, ok, err := env.db.LatestVersion(env.ctx, p)
		if err != nil {
			return err
		}
		if !ok || isTombstone(v) {
			continue
		}
		fmt.Println(p)
	}
	return nil
}
