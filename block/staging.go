// block/staging.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Local staging integrity (§10.5, supplemented): before an archive buffer
// is sealed and uploaded, its bytes optionally sit in a StagingDir file on
// local disk with an accompanying Reed-Solomon parity sidecar, protecting
// the window between "blocks staged" and "archive uploaded" against a
// local disk error. Grounded on localparity (itself adapted from the
// teacher's rdso package), repurposed here from whole-file parity to
// archive-buffer parity.
package block

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mmp/coldpack/localparity"
	u "github.com/mmp/coldpack/util"
)

const (
	stagingDataShards   = 8
	stagingParityShards = 2
	stagingHashRate     = 256 * 1024
)

// stageToDisk writes raw to a staging file under s.cfg.StagingDir named
// after archiveID, computes a parity sidecar for it, and immediately
// verifies the sidecar against the file it just wrote — catching a write
// that landed on already-failing disk before the upload that follows would
// otherwise be the first thing to notice. It is a no-op if StagingDir is
// unset.
func (s *Store) stageToDisk(archiveID uint64, raw []byte) (dataPath, sidecarPath string, err error) {
	if s.cfg.StagingDir == "" {
		return "", "", nil
	}

	if err := os.MkdirAll(s.cfg.StagingDir, 0755); err != nil {
		return "", "", u.IoError(err, "create staging dir %s", s.cfg.StagingDir)
	}

	dataPath = filepath.Join(s.cfg.StagingDir, fmt.Sprintf("archive-%016d.staging", archiveID))
	sidecarPath = dataPath + ".rsparity"

	if err := os.WriteFile(dataPath, raw, 0644); err != nil {
		return "", "", u.IoError(err, "write staging file %s", dataPath)
	}

	if err := localparity.Encode(dataPath, sidecarPath, stagingDataShards, stagingParityShards, stagingHashRate); err != nil {
		os.Remove(dataPath)
		return "", "", err
	}

	if err := localparity.Check(dataPath, sidecarPath); err != nil {
		if repairErr := localparity.Restore(dataPath, sidecarPath); repairErr != nil {
			return "", "", err
		}
		recovered := dataPath + ".recovered"
		repaired, readErr := os.ReadFile(recovered)
		if readErr != nil {
			return "", "", err
		}
		os.Remove(recovered)
		if writeErr := os.WriteFile(dataPath, repaired, 0644); writeErr != nil {
			return "", "", u.IoError(writeErr, "rewrite repaired staging file %s", dataPath)
		}
		s.log.Verbose("repaired staging file %s from parity sidecar\n", dataPath)
	}

	return dataPath, sidecarPath, nil
}

// cleanupStaging removes a staging file and its sidecar once the archive
// they protected has been durably uploaded and recorded.
func cleanupStaging(dataPath, sidecarPath string) {
	if dataPath == "" {
		return
	}
	os.Remove(dataPath)
	os.Remove(sidecarPath)
}
