package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/logging"
	"github.com/alnah/go-officeconvert/internal/process"
)

// PDF page dimensions in inches (A4).
const (
	paperWidthInches  = 8.27
	paperHeightInches = 11.69
	marginInches      = 0.5

	defaultTimeout = 30 * time.Second
)

// HTMLRenderer turns a source document into an HTML page.
type HTMLRenderer interface {
	ToHTML(ctx context.Context, source []byte) ([]byte, error)
}

// ChromeOptions configures a Chrome engine.
type ChromeOptions struct {
	// Bin is the browser binary; empty lets rod find or download one.
	Bin string
	// NoSandbox disables the Chrome sandbox (containers, CI).
	NoSandbox bool
	// Timeout bounds page load and print for one document.
	Timeout time.Duration
	// Markdown, when set, renders every input as Markdown before printing.
	Markdown HTMLRenderer
	Logger   logr.Logger
}

// Chrome renders HTML (or Markdown) documents to PDF with one headless Chrome
// instance driven through the DevTools protocol. The browser is launched
// lazily and relaunched after CollectGarbage.
type Chrome struct {
	opts     ChromeOptions
	workDir  string
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewChrome creates a Chrome engine. The browser starts on first use.
func NewChrome(opts ChromeOptions) (*Chrome, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	dir, err := os.MkdirTemp("", "officeconvert-chrome-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating work directory: %v", ErrFatal, err)
	}
	return &Chrome{opts: opts, workDir: dir}, nil
}

func (c *Chrome) ensureBrowser() error {
	if c.browser != nil {
		return nil
	}

	l := launcher.New().Leakless(false)
	if c.opts.Bin != "" {
		l = l.Bin(c.opts.Bin)
	}
	if c.opts.NoSandbox {
		l = l.NoSandbox(true)
	}
	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("%w: launching browser: %v", ErrFatal, err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("%w: connecting to browser: %v", ErrFatal, err)
	}
	c.launcher = l
	c.browser = browser
	c.opts.Logger.V(logging.VERBOSE).Info("browser started", "pid", l.PID())
	return nil
}

func (c *Chrome) Convert(ctx context.Context, document []byte) ([]byte, error) {
	if len(document) == 0 {
		return nil, fmt.Errorf("%w: empty document", officeconvert.ErrInvalidInput)
	}

	source := document
	if c.opts.Markdown != nil {
		html, err := c.opts.Markdown.ToHTML(ctx, document)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", officeconvert.ErrInvalidInput, err)
		}
		source = html
	}

	input := filepath.Join(c.workDir, "input.html")
	if err := os.WriteFile(input, source, 0o600); err != nil {
		return nil, fmt.Errorf("%w: writing input: %v", officeconvert.ErrEngineFailure, err)
	}
	defer os.Remove(input)

	if err := c.ensureBrowser(); err != nil {
		return nil, err
	}

	page, err := c.browser.Page(proto.TargetCreateTarget{URL: "file://" + input})
	if err != nil {
		return nil, fmt.Errorf("%w: creating page: %v", officeconvert.ErrEngineFailure, err)
	}
	defer page.Close()

	timeout := c.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, fmt.Errorf("%w: %v", officeconvert.ErrEngineFailure, context.DeadlineExceeded)
		}
	}
	page = page.Timeout(timeout)

	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("%w: loading page: %v", officeconvert.ErrInvalidInput, err)
	}

	reader, err := page.PDF(&proto.PagePrintToPDF{
		PaperWidth:      floatPtr(paperWidthInches),
		PaperHeight:     floatPtr(paperHeightInches),
		MarginTop:       floatPtr(marginInches),
		MarginBottom:    floatPtr(marginInches),
		MarginLeft:      floatPtr(marginInches),
		MarginRight:     floatPtr(marginInches),
		PrintBackground: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: printing PDF: %v", officeconvert.ErrEngineFailure, err)
	}

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading PDF stream: %v", officeconvert.ErrEngineFailure, err)
	}
	return out, nil
}

// CollectGarbage shuts the browser down; the next conversion starts a fresh one.
func (c *Chrome) CollectGarbage(context.Context) error {
	c.stopBrowser()
	return nil
}

func (c *Chrome) VersionInfo(context.Context) (officeconvert.VersionInfo, error) {
	if err := c.ensureBrowser(); err != nil {
		return officeconvert.VersionInfo{}, err
	}
	res, err := c.browser.Version()
	if err != nil {
		return officeconvert.VersionInfo{}, fmt.Errorf("%w: %v", officeconvert.ErrEngineFailure, err)
	}
	return parseChromeVersion(res.Product)
}

func (c *Chrome) SupportedFormats(context.Context) ([]officeconvert.SupportedFormat, error) {
	if c.opts.Markdown != nil {
		return []officeconvert.SupportedFormat{{Name: "Markdown", Mime: "text/markdown"}}, nil
	}
	return []officeconvert.SupportedFormat{{Name: "HTML", Mime: "text/html"}}, nil
}

func (c *Chrome) Close() error {
	c.stopBrowser()
	return os.RemoveAll(c.workDir)
}

func (c *Chrome) stopBrowser() {
	if c.browser == nil {
		return
	}
	pid := c.launcher.PID()
	_ = c.browser.Close()
	c.launcher.Kill()
	process.KillProcessGroup(pid)
	c.opts.Logger.V(logging.VERBOSE).Info("browser stopped", "pid", pid)
	c.browser = nil
	c.launcher = nil
}

// chromeProduct matches "HeadlessChrome/120.0.6099.109".
var chromeProduct = regexp.MustCompile(`/(\d+)\.(\d+)\.(\S+)$`)

func parseChromeVersion(product string) (officeconvert.VersionInfo, error) {
	m := chromeProduct.FindStringSubmatch(product)
	if m == nil {
		return officeconvert.VersionInfo{}, fmt.Errorf("%w: unrecognized browser version %q", officeconvert.ErrUnsupported, product)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return officeconvert.VersionInfo{Major: major, Minor: minor, BuildID: m[3]}, nil
}

func floatPtr(v float64) *float64 {
	return &v
}
