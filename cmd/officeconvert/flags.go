package main

import (
	"io"

	flag "github.com/spf13/pflag"
)

// commonFlags holds flags shared across commands.
type commonFlags struct {
	config   string
	backends []string
	logLevel string
}

func addCommonFlags(fs *flag.FlagSet, f *commonFlags) {
	fs.StringVarP(&f.config, "config", "c", "", "client pool config file")
	fs.StringArrayVarP(&f.backends, "backend", "b", nil, "backend base URL (repeatable)")
	fs.StringVarP(&f.logLevel, "log-level", "l", "", "info, verbose, debug or trace")
}

type convertFlags struct {
	common  commonFlags
	output  string
	workers int
}

func parseConvertFlags(args []string, stderr io.Writer) (*convertFlags, []string, error) {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &convertFlags{}

	fs.StringVarP(&f.output, "output", "o", "", "output directory (default: next to each input)")
	fs.IntVarP(&f.workers, "workers", "w", 0, "parallel conversions (0 = one per backend)")
	addCommonFlags(fs, &f.common)

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

type gcFlags struct {
	common commonFlags
	all    bool
}

func parseGCFlags(args []string, stderr io.Writer) (*gcFlags, error) {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &gcFlags{}

	fs.BoolVarP(&f.all, "all", "a", false, "run on every backend instead of one")
	addCommonFlags(fs, &f.common)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func parseCommonFlags(name string, args []string, stderr io.Writer) (*commonFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &commonFlags{}
	addCommonFlags(fs, f)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}
