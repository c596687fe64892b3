// cmd/coldpack/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// coldpack is the command-line front end (§10.2): one verb per invocation,
// dispatched the way the teacher's cmd/bk/main.go dispatches from
// os.Args[1], with each verb living in its own file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	blk "github.com/mmp/coldpack/block"
	"github.com/mmp/coldpack/config"
	cr "github.com/mmp/coldpack/crypto"
	"github.com/mmp/coldpack/manifest"
	"github.com/mmp/coldpack/remote"
	u "github.com/mmp/coldpack/util"
)

var log *u.Logger

func usage() {
	fmt.Fprintf(os.Stderr, "usage: coldpack [-config path] [-verbose] [-debug] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "commands: backup, restore <selector> <target>, list [selector], collect, verify, mount <target-dir>\n")
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "./coldpack.yaml", "path to configuration file")
	verbose := flag.Bool("verbose", false, "enable verbose logging")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log = u.NewLogger(*verbose, *debug)

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		exitWithError(err)
	}

	env, err := setup(context.Background(), cfg)
	if err != nil {
		exitWithError(err)
	}

	switch args[0] {
	case "backup":
		err = runBackup(env, args[1:])
	case "restore":
		err = runRestore(env, args[1:])
	case "list":
		err = runList(env, args[1:])
	case "collect":
		err = runCollect(env, args[1:])
	case "verify":
		err = runVerify(env, args[1:])
	case "mount":
		err = runMount(env, args[1:])
	default:
		usage()
	}

	if err != nil {
		exitWithError(err)
	}
}

// environment bundles the objects every verb needs, assembled once at
// startup from the loaded configuration (§9: "the master key and remote
// client are per-run, built at startup, passed by reference").
type environment struct {
	ctx         context.Context
	cfg         *config.Config
	db          *manifest.DB
	store       *blk.Store
	adapter     remote.Adapter
	masterKey   cr.Key
	patchsetKey cr.Key
	baseKey     cr.Key
}

func setup(ctx context.Context, cfg *config.Config) (*environment, error) {
	masterKey, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}

	limiter := remote.NewLimiter(cfg.UploadBytesPerSec, cfg.DownloadBytesPerSec)
	adapter, err := remote.NewB2(ctx, remote.B2Config{
		AppKeyID:       cfg.AppKeyID,
		AppKey:         cfg.AppKey,
		BucketID:       cfg.BucketID,
		BucketName:     cfg.BucketName,
		RequestTimeout: secondsToDuration(cfg.RequestTimeoutSeconds),
		MaxRetries:     cfg.RequestMaxRetries,
		Limiter:        limiter,
		AuthorizeURL:   cfg.AuthorizeURL,
	})
	if err != nil {
		return nil, err
	}

	db, err := manifest.Open("./coldpack.db")
	if err != nil {
		return nil, err
	}

	patchsetKey := cr.DeriveKey(masterKey, cr.DomainPatchset)
	baseKey := cr.DeriveKey(masterKey, cr.DomainBase)

	if err := db.Bootstrap(ctx, adapter, baseKey, patchsetKey); err != nil {
		return nil, err
	}

	store := blk.New(db, adapter, masterKey, blk.Config{
		CompressionLevel:  cfg.CompressionLevel,
		MinArchiveLen:     cfg.MinArchiveLen,
		ArchiveCacheBytes: cfg.ArchiveCacheBytes,
		StagingDir:        cfg.StagingDir,
	}, log)

	return &environment{
		ctx:         ctx,
		cfg:         cfg,
		db:          db,
		store:       store,
		adapter:     adapter,
		masterKey:   masterKey,
		patchsetKey: patchsetKey,
		baseKey:     baseKey,
	}, nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, "coldpack: "+err.Error())
	if ue, ok := err.(*u.Error); ok {
		os.Exit(ue.Kind.ExitCode())
	}
	os.Exit(1)
}
