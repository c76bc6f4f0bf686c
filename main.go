package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile string
	Assess     bool
	Compare    bool
	Recap      bool
	History    bool
	RecapDir   string
	RecapOut   string
	HistoryDB  string
	Limit      int
	Version    bool
}

// Runner is what run dispatches to; App implements it
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunAssess() error
	RunCompare() error
	RunRecap() error
	RunHistory() error
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("treedet", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.Assess, "assess", false, "Assess detections against ground truth (default mode)")
	fs.BoolVar(&opts.Compare, "compare", false, "Compare two detection runs (config holds run_A/run_B inputs)")
	fs.BoolVar(&opts.Recap, "recap", false, "Collect the ALL row of every metrics CSV under -recap-dir")
	fs.BoolVar(&opts.History, "history", false, "List recent runs from the history database")
	fs.StringVar(&opts.RecapDir, "recap-dir", ".", "Directory searched recursively for metrics CSVs")
	fs.StringVar(&opts.RecapOut, "recap-out", "recap.csv", "Output file for -recap")
	fs.StringVar(&opts.HistoryDB, "history-db", "", "History database (default: output_files.history_db from -config)")
	fs.IntVar(&opts.Limit, "limit", 10, "Number of runs listed by -history")
	fs.BoolVar(&opts.Version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "treedet version: %s\n", Version)
	if opts.Version {
		return nil
	}

	modes := 0
	for _, set := range []bool{opts.Assess, opts.Compare, opts.Recap, opts.History} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return fmt.Errorf("-assess, -compare, -recap and -history are mutually exclusive")
	}

	app.ApplyOptions(opts)

	switch {
	case opts.Compare:
		return app.RunCompare()
	case opts.Recap:
		return app.RunRecap()
	case opts.History:
		return app.RunHistory()
	}
	return app.RunAssess()
}

func main() {
	app := NewApp(os.Stdout)
	if err := run(os.Args[1:], os.Stdout, app); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("Error: %v", err)
	}
}
