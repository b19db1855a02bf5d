package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/logging"
	"github.com/alnah/go-officeconvert/internal/process"
)

// SofficeOptions configures a LibreOffice engine.
type SofficeOptions struct {
	// Path is the soffice binary or the LibreOffice program directory.
	Path    string
	Timeout time.Duration
	Logger  logr.Logger
}

// Soffice converts office documents by running LibreOffice headless against
// a private user profile. Each conversion is one soffice process in its own
// process group.
type Soffice struct {
	bin        string
	timeout    time.Duration
	workDir    string
	profileDir string
	logger     logr.Logger

	// run executes a prepared command; replaced in tests.
	run func(cmd *exec.Cmd) ([]byte, error)
}

// NewSoffice creates a LibreOffice engine. A missing binary is fatal.
func NewSoffice(opts SofficeOptions) (*Soffice, error) {
	bin, err := resolveSoffice(opts.Path)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	dir, err := os.MkdirTemp("", "officeconvert-soffice-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating work directory: %v", ErrFatal, err)
	}
	return &Soffice{
		bin:        bin,
		timeout:    opts.Timeout,
		workDir:    dir,
		profileDir: filepath.Join(dir, "profile"),
		logger:     opts.Logger,
		run:        runIsolated,
	}, nil
}

func resolveSoffice(path string) (string, error) {
	if path == "" {
		path = "soffice"
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "soffice")
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: locating soffice: %v", ErrFatal, err)
	}
	return bin, nil
}

func runIsolated(cmd *exec.Cmd) ([]byte, error) {
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	process.Isolate(cmd)
	cmd.Cancel = func() error {
		process.KillProcessGroup(cmd.Process.Pid)
		return nil
	}
	err := cmd.Run()
	return out.Bytes(), err
}

func (s *Soffice) profileURL() string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(s.profileDir)}
	return u.String()
}

func (s *Soffice) Convert(ctx context.Context, document []byte) ([]byte, error) {
	if len(document) == 0 {
		return nil, fmt.Errorf("%w: empty document", officeconvert.ErrInvalidInput)
	}

	input := filepath.Join(s.workDir, "input")
	output := filepath.Join(s.workDir, "input.pdf")
	if err := os.WriteFile(input, document, 0o600); err != nil {
		return nil, fmt.Errorf("%w: writing input: %v", officeconvert.ErrEngineFailure, err)
	}
	defer os.Remove(input)
	defer os.Remove(output)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.bin,
		"--headless", "--norestore", "--nologo", "--nodefault", "--nolockcheck",
		"-env:UserInstallation="+s.profileURL(),
		"--convert-to", "pdf",
		"--outdir", s.workDir,
		input,
	)
	logs, err := s.run(cmd)
	s.logger.V(logging.DEBUG).Info("soffice finished", "output", string(logs))

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: conversion timed out after %s", officeconvert.ErrEngineFailure, s.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: soffice exited: %v: %s", officeconvert.ErrEngineFailure, err, strings.TrimSpace(string(logs)))
		}
		return nil, fmt.Errorf("%w: running soffice: %v", ErrFatal, err)
	}

	pdf, err := os.ReadFile(output)
	if err != nil {
		// soffice exits 0 without output when it cannot load the source.
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: failed to load document", officeconvert.ErrInvalidInput)
		}
		return nil, fmt.Errorf("%w: reading output: %v", officeconvert.ErrEngineFailure, err)
	}
	return pdf, nil
}

// CollectGarbage discards the LibreOffice user profile; the next run rebuilds it.
func (s *Soffice) CollectGarbage(context.Context) error {
	if err := os.RemoveAll(s.profileDir); err != nil {
		return fmt.Errorf("%w: removing profile: %v", officeconvert.ErrEngineFailure, err)
	}
	return nil
}

func (s *Soffice) VersionInfo(ctx context.Context) (officeconvert.VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.bin, "--headless", "-env:UserInstallation="+s.profileURL(), "--version")
	out, err := s.run(cmd)
	if err != nil {
		return officeconvert.VersionInfo{}, fmt.Errorf("%w: %v", officeconvert.ErrUnsupported, err)
	}
	return parseSofficeVersion(string(out))
}

// SupportedFormats is not exposed by the command-line interface.
func (s *Soffice) SupportedFormats(context.Context) ([]officeconvert.SupportedFormat, error) {
	return nil, officeconvert.ErrUnsupported
}

func (s *Soffice) Close() error {
	return os.RemoveAll(s.workDir)
}

// sofficeVersion matches "LibreOffice 7.6.4.1 e19e193f88cd6c0525a17fb7a176ed8e6a3e2aa1".
var sofficeVersion = regexp.MustCompile(`(?m)^\S*Office\S*\s+(\d+)\.(\d+)\S*\s+(\S+)`)

func parseSofficeVersion(out string) (officeconvert.VersionInfo, error) {
	m := sofficeVersion.FindStringSubmatch(out)
	if m == nil {
		return officeconvert.VersionInfo{}, fmt.Errorf("%w: unrecognized version output %q", officeconvert.ErrUnsupported, strings.TrimSpace(out))
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return officeconvert.VersionInfo{Major: major, Minor: minor, BuildID: m[3]}, nil
}
