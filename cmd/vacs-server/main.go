// cmd/vacs-server/main.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MorpheusXAUT/vacs-server/log"
	"github.com/MorpheusXAUT/vacs-server/server"
)

var (
	configFile = flag.String("config", "", "path to the configuration file (default: search for vacs-server.toml)")
	logLevel   = flag.String("loglevel", "", "logging level: debug, info, warn, error")
	logDir     = flag.String("logdir", "", "log file directory")
)

func main() {
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "usage: vacs-server [flags]\nwhere [flags] may be:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	config, err := server.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vacs-server: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}
	if *logDir != "" {
		config.Log.Dir = *logDir
	}

	lg := log.New(config.Log.Level, config.Log.Dir)
	defer lg.CatchAndReportCrash()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(*config, lg)
	if err != nil {
		lg.Errorf("Unable to initialize server: %v", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		lg.Errorf("Server exited: %v", err)
		os.Exit(1)
	}

	lg.Infof("Shut down cleanly")
}
