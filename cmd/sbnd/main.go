/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/igankevich/sbnd/internal/sbnconfig"
	"github.com/igankevich/sbnd/internal/sbnd"
	"github.com/igankevich/sbnd/internal/sbnlog"
)

var (
	configPath = flag.String("config", "/etc/sbnd/sbnd.conf", "Path to the daemon configuration file")
	logPath    = flag.String("log", "", "Path to the log file (stderr if empty)")
	logLevel   = flag.String("log-level", "INFO", "Minimum log level: DEBUG, INFO, WARN, ERROR, CRITICAL, FATAL")
	ver        = flag.Bool("v", false, "Print version and exit")
)

const version = "0.1.0"

func main() {
	flag.Parse()
	if *ver {
		fmt.Println("sbnd", version)
		os.Exit(0)
	}

	cfg, err := sbnconfig.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbnd: failed to load config %s: %v\n", *configPath, err)
		os.Exit(sbnd.ExitConfigError)
	}

	log, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbnd: failed to open log: %v\n", err)
		os.Exit(sbnd.ExitConfigError)
	}
	defer log.Close()

	d := sbnd.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		log.Error("daemon failed to start", sbnlog.KVErr(err))
		os.Exit(d.ExitCode())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	d.Stop()
	os.Exit(d.ExitCode())
}

func newLogger() (*sbnlog.Logger, error) {
	lvl := parseLevel(*logLevel)
	if *logPath == "" {
		return sbnlog.NewStderrLogger(lvl, hostname(), "sbnd"), nil
	}
	return sbnlog.NewFile(lvl, hostname(), "sbnd", *logPath)
}

func parseLevel(s string) sbnlog.Level {
	switch s {
	case "DEBUG":
		return sbnlog.DEBUG
	case "INFO":
		return sbnlog.INFO
	case "WARN":
		return sbnlog.WARN
	case "ERROR":
		return sbnlog.ERROR
	case "CRITICAL":
		return sbnlog.CRITICAL
	case "FATAL":
		return sbnlog.FATAL
	default:
		return sbnlog.INFO
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "sbnd"
	}
	return h
}
