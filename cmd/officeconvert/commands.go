package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	flag "github.com/spf13/pflag"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/hints"
)

// setup resolves configuration and builds the pool. A nil pool comes with
// the exit code to return.
func setup(f *commonFlags, lookup lookupFunc, stderr io.Writer) (*pool, int) {
	cfg, err := resolveConfig(f, lookup)
	if err != nil {
		report(stderr, err)
		return nil, exitCodeFor(err)
	}
	p, err := newPool(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, ExitUsage
	}
	return p, ExitSuccess
}

// report writes err to w followed by a hint when one applies.
func report(w io.Writer, err error) {
	fmt.Fprintln(w, err.Error()+hints.ForError(err))
}

func flagExitCode(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return ExitSuccess
	}
	return ExitUsage
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer, lookup lookupFunc) int {
	flags, err := parseCommonFlags("status", args, stderr)
	if err != nil {
		return flagExitCode(err)
	}
	p, code := setup(flags, lookup, stderr)
	if p == nil {
		return code
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	reachable := 0
	for _, c := range p.clients {
		busy, err := c.IsBusy(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(tw, "%s\tunreachable\t%v\n", c.Endpoint(), err)
		case busy:
			reachable++
			fmt.Fprintf(tw, "%s\tbusy\t\n", c.Endpoint())
		default:
			reachable++
			fmt.Fprintf(tw, "%s\tidle\t\n", c.Endpoint())
		}
	}
	_ = tw.Flush()

	if reachable == 0 {
		return ExitUnavailable
	}
	return ExitSuccess
}

func runVersion(ctx context.Context, args []string, stdout, stderr io.Writer, lookup lookupFunc) int {
	flags, err := parseCommonFlags("version", args, stderr)
	if err != nil {
		return flagExitCode(err)
	}
	p, code := setup(flags, lookup, stderr)
	if p == nil {
		return code
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	var firstErr error
	for _, c := range p.clients {
		v, err := c.OfficeVersion(ctx)
		switch {
		case errors.Is(err, officeconvert.ErrUnsupported):
			fmt.Fprintf(tw, "%s\tunknown\tengine does not report a version\n", c.Endpoint())
		case err != nil:
			fmt.Fprintf(tw, "%s\terror\t%v\n", c.Endpoint(), err)
			if firstErr == nil {
				firstErr = err
			}
		default:
			fmt.Fprintf(tw, "%s\t%d.%d\t%s\n", c.Endpoint(), v.Major, v.Minor, v.BuildID)
		}
	}
	_ = tw.Flush()
	return exitCodeFor(firstErr)
}

func runFormats(ctx context.Context, args []string, stdout, stderr io.Writer, lookup lookupFunc) int {
	flags, err := parseCommonFlags("formats", args, stderr)
	if err != nil {
		return flagExitCode(err)
	}
	p, code := setup(flags, lookup, stderr)
	if p == nil {
		return code
	}

	var errs []error
	for _, c := range p.clients {
		formats, err := c.SupportedFormats(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Endpoint(), err))
			continue
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		for _, f := range formats {
			fmt.Fprintf(tw, "%s\t%s\n", f.Mime, f.Name)
		}
		_ = tw.Flush()
		return ExitSuccess
	}

	err = errors.Join(errs...)
	report(stderr, err)
	return exitCodeFor(err)
}

func runCollectGarbage(ctx context.Context, args []string, stdout, stderr io.Writer, lookup lookupFunc) int {
	flags, err := parseGCFlags(args, stderr)
	if err != nil {
		return flagExitCode(err)
	}
	p, code := setup(&flags.common, lookup, stderr)
	if p == nil {
		return code
	}

	if flags.all {
		err = p.balancer.CollectGarbageAll(ctx)
	} else {
		err = p.balancer.CollectGarbage(ctx)
	}
	if err != nil {
		report(stderr, err)
		return exitCodeFor(err)
	}
	fmt.Fprintln(stdout, "ok")
	return ExitSuccess
}
