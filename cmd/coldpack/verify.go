// cmd/coldpack/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"flag"
	"fmt"
)

// runVerify re-downloads and re-verifies every recorded block against its
// hash, per §6's "verify (re-reads all archives and checks hashes)".
// store.FetchBlock already performs the BLAKE3 comparison internally
// (§4.3), so verify's job is simply to walk every recorded block through
// it and report the first failure.
func runVerify(env *environment, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	hashes, err := env.db.AllBlocks(env.ctx)
	if err != nil {
		return err
	}

	for i, h := range hashes {
		if _, err := env.store.FetchBlock(env.ctx, h); err != nil {
			return err
		}
		if i%1000 == 0 {
			log.Verbose("verified %d/%d blocks\n", i, len(hashes))
		}
	}
	fmt.Printf("verified %d block(s), all intact\n", len(hashes))
	return nil
}
