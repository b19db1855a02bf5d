package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/fileutil"
	"github.com/alnah/go-officeconvert/internal/hints"
	"github.com/alnah/go-officeconvert/internal/logging"
)

// File permission constants.
const (
	dirPermissions  = 0o750 // rwxr-x---: owner full, group read+execute
	filePermissions = 0o644 // rw-r--r--: owner read+write, others read
)

// Sentinel errors for batch operations.
var (
	ErrNoInput      = errors.New("no input files")
	ErrReadDocument = errors.New("failed to read document")
	ErrWritePDF     = errors.New("failed to write PDF file")
)

// Converter turns one document into a PDF.
type Converter interface {
	Convert(ctx context.Context, document []byte) ([]byte, error)
}

var _ Converter = (*officeconvert.LoadBalancer)(nil)

// ConversionResult holds the outcome of a single conversion.
type ConversionResult struct {
	InputPath  string
	OutputPath string
	Err        error
	Duration   time.Duration
}

// convertBatch converts files with at most workers conversions in flight.
// Results are in input order; one failure does not stop the others.
func convertBatch(ctx context.Context, conv Converter, files []string, outDir string, workers int) []ConversionResult {
	results := make([]ConversionResult, len(files))
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, path := range files {
		g.Go(func() error {
			results[i] = convertOne(ctx, conv, path, outDir)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func convertOne(ctx context.Context, conv Converter, path, outDir string) ConversionResult {
	start := time.Now()
	res := ConversionResult{InputPath: path}

	out, err := fileutil.OutputPath(path, outDir, "pdf")
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrWritePDF, err)
		return res
	}
	res.OutputPath = out

	doc, err := os.ReadFile(path) // #nosec G304 -- user-supplied input path
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrReadDocument, err)
		return res
	}

	pdf, err := conv.Convert(ctx, doc)
	if err != nil {
		res.Err = err
		return res
	}

	if err := fileutil.WriteAtomic(res.OutputPath, pdf, filePermissions); err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrWritePDF, err)
		return res
	}
	res.Duration = time.Since(start)
	return res
}

// printResults writes one line per result and returns the first error.
func printResults(w io.Writer, results []ConversionResult) error {
	var first error
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "FAIL %s: %v\n", r.InputPath, r.Err)
			if first == nil {
				first = r.Err
			}
			continue
		}
		fmt.Fprintf(w, "ok   %s -> %s (%s)\n", r.InputPath, r.OutputPath, r.Duration.Round(time.Millisecond))
	}
	return first
}

func runConvert(ctx context.Context, args []string, stdout, stderr io.Writer, lookup lookupFunc) int {
	flags, files, err := parseConvertFlags(args, stderr)
	if err != nil {
		return flagExitCode(err)
	}
	if len(files) == 0 {
		fmt.Fprintln(stderr, ErrNoInput)
		return ExitUsage
	}

	p, code := setup(&flags.common, lookup, stderr)
	if p == nil {
		return code
	}

	if flags.output != "" {
		if err := os.MkdirAll(flags.output, dirPermissions); err != nil {
			fmt.Fprintln(stderr, err.Error()+hints.ForOutputDirectory())
			return ExitIO
		}
	}
	workers := flags.workers
	if workers <= 0 {
		workers = len(p.clients)
	}

	p.logger.V(logging.VERBOSE).Info("converting", "files", len(files), "workers", workers, "backends", len(p.clients))
	results := convertBatch(ctx, p.balancer, files, flags.output, workers)
	err = printResults(stdout, results)
	if h := hints.ForError(err); h != "" {
		fmt.Fprintln(stderr, strings.TrimSpace(h))
	}
	return exitCodeFor(err)
}
