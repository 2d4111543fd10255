// anipill reads implant temperatures off a camera pointed at the reader
// displays and stores them in a time-series database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-anipill/internal/config"
	"github.com/teslashibe/go-anipill/internal/log"
)

func main() {
	opts := parseFlags()
	log.Init(opts.LogLevel)

	app, err := New(opts)
	if err != nil {
		var cerr *config.Error
		if errors.As(err, &cerr) {
			fmt.Fprintf(os.Stderr, "invalid configuration in %s: %v\n", opts.ConfigPath, cerr)
		} else {
			fmt.Fprintf(os.Stderr, "initialization failed: %v\n", err)
		}
		os.Exit(1)
	}
	defer app.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		log.Error("runtime error", "error", err)
		app.Shutdown()
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags() Options {
	opts := DefaultOptions()

	flag.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "Path to the JSON configuration document")
	flag.StringVar(&opts.Addr, "addr", opts.Addr, "Dashboard listen address")
	flag.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.Autostart, "autostart", opts.Autostart, "Start periodic processing on boot")
	flag.StringVar(&opts.TessdataPrefix, "tessdata", os.Getenv("TESSDATA_PREFIX"), "Tesseract tessdata directory")
	flag.Parse()

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" && !isFlagSet("log-level") {
		opts.LogLevel = lvl
	}
	return opts
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) { set = set || f.Name == name })
	return set
}
