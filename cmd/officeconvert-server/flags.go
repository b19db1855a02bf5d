package main

import (
	"io"

	flag "github.com/spf13/pflag"
)

type serverFlags struct {
	fs *flag.FlagSet

	config      string
	address     string
	engine      string
	enginePath  string
	timeout     string
	maxUpload   int64
	markdown    bool
	noSandbox   bool
	verify      bool
	logLevel    string
	development bool
	printConfig bool
	version     bool
}

func parseFlags(args []string, stderr io.Writer) (*serverFlags, error) {
	fs := flag.NewFlagSet("officeconvert-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &serverFlags{fs: fs}

	fs.StringVarP(&f.config, "config", "c", "", "YAML config file")
	fs.StringVarP(&f.address, "address", "a", "", "listen address (default 127.0.0.1:3000)")
	fs.StringVarP(&f.engine, "engine", "e", "", "rendering engine: soffice, chrome or fake")
	fs.StringVar(&f.enginePath, "engine-path", "", "engine binary, or the LibreOffice program directory")
	fs.StringVarP(&f.timeout, "timeout", "t", "", "per-job timeout (e.g., 30s, 2m)")
	fs.Int64Var(&f.maxUpload, "max-upload-bytes", 0, "largest accepted upload in bytes")
	fs.BoolVar(&f.markdown, "markdown", false, "chrome: render uploads as Markdown")
	fs.BoolVar(&f.noSandbox, "no-sandbox", false, "chrome: disable the browser sandbox")
	fs.BoolVar(&f.verify, "verify-output", false, "reject engine output that is not a readable PDF")
	fs.StringVarP(&f.logLevel, "log-level", "l", "", "info, verbose, debug or trace")
	fs.BoolVar(&f.development, "log-development", false, "human-readable logs")
	fs.BoolVar(&f.printConfig, "print-config", false, "print the effective configuration and exit")
	fs.BoolVarP(&f.version, "version", "v", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *serverFlags) changed(name string) bool {
	return f.fs.Changed(name)
}
