// Command officeconvert converts documents to PDF through a pool of
// officeconvert-server replicas.
//
// Usage:
//
//	officeconvert convert [flags] FILE...
//	officeconvert status|version|formats [flags]
//	officeconvert gc [--all] [flags]
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/automaxprocs/maxprocs"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// Error ignored: maxprocs.Set only fails if GOMAXPROCS env is invalid.
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))

	ctx, stop := notifyContext(context.Background())
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup lookupFunc) int {
	if len(args) == 0 {
		printUsage(stderr)
		return ExitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "convert":
		return runConvert(ctx, rest, stdout, stderr, lookup)
	case "status":
		return runStatus(ctx, rest, stdout, stderr, lookup)
	case "version":
		return runVersion(ctx, rest, stdout, stderr, lookup)
	case "formats":
		return runFormats(ctx, rest, stdout, stderr, lookup)
	case "gc", "collect-garbage":
		return runCollectGarbage(ctx, rest, stdout, stderr, lookup)
	case "help", "-h", "--help":
		printUsage(stdout)
		return ExitSuccess
	case "--version":
		fmt.Fprintln(stdout, Version)
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return ExitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: officeconvert <command> [flags]

Commands:
  convert FILE...   convert documents to PDF
  status            show whether each backend is busy
  version           show the engine version of each backend
  formats           list input formats accepted by the backends
  gc                run engine housekeeping (--all for every backend)

Common flags:
  -b, --backend URL     backend base URL (repeatable)
  -c, --config FILE     client pool config file
  -l, --log-level LVL   info, verbose, debug or trace

Environment:
  OFFICECONVERT_BACKENDS        comma-separated backend URLs
  OFFICECONVERT_CLIENT_CONFIG   client pool config file
`)
}
