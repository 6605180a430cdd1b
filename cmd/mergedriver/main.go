// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

// The merge driver binary git invokes for entity store files, configured as:
//
//	[merge "loom-entities"]
//	    driver = loom-mergedriver --base=%O --ours=%A --theirs=%B
//
// It also doubles as a manual resolver: loom-mergedriver --resolve=<path>
// repairs a file that already contains conflict markers.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/logger"
	"github.com/loomhq/loom/internal/merge"
)

func main() {
	var (
		basePath   = flag.String("base", "", "path to the common ancestor version")
		oursPath   = flag.String("ours", "", "path to our version; receives the merge result")
		theirsPath = flag.String("theirs", "", "path to their version")
		resolve    = flag.String("resolve", "", "resolve conflict markers in the given file instead of merging")
		repoDir    = flag.String("repo", "", "repository root for reading git index stages (resolve mode)")
		configPath = flag.String("config", "", "optional config file path")
	)
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	driverLog := merge.NewDriverLog(cfg.MergeDriver.LogPath, cfg.MergeDriver.MaxSizeMB, cfg.MergeDriver.MaxBackups)
	defer driverLog.Close()

	if *resolve != "" {
		if _, err := merge.ResolveConflicts(*resolve, *repoDir); err != nil {
			driverLog.Failure(*resolve, "", "", "", err)
			fmt.Fprintf(os.Stderr, "Resolve failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *oursPath == "" || *theirsPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: loom-mergedriver --base=<path> --ours=<path> --theirs=<path>")
		os.Exit(1)
	}

	if _, err := merge.MergeFiles(*basePath, *oursPath, *theirsPath); err != nil {
		driverLog.Failure(*oursPath, *basePath, *oursPath, *theirsPath, err)
		fmt.Fprintf(os.Stderr, "Merge failed: %v\n", err)
		os.Exit(1)
	}
}
