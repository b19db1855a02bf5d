package officeconvert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/alnah/go-officeconvert/internal/logging"
)

// Client defaults.
const (
	DefaultConnectTimeout = 700 * time.Millisecond
	DefaultRequestTimeout = 5 * time.Minute

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Backend is one conversion replica as seen by the LoadBalancer.
// *Client is the network implementation.
type Backend interface {
	Endpoint() string
	Status(ctx context.Context) (Status, error)
	OfficeVersion(ctx context.Context) (VersionInfo, error)
	SupportedFormats(ctx context.Context) ([]SupportedFormat, error)
	Convert(ctx context.Context, document []byte) ([]byte, error)
	CollectGarbage(ctx context.Context) error
}

var _ Backend = (*Client)(nil)

type clientOptions struct {
	connectTimeout time.Duration
	requestTimeout time.Duration
	httpClient     *http.Client
	logger         logr.Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithConnectTimeout bounds establishing the TCP connection.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithRequestTimeout bounds a whole call, from dialing to the last body byte.
// Zero disables the bound.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.requestTimeout = d
	}
}

// WithHTTPClient replaces the transport entirely; the timeout options are ignored.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

// WithClientLogger sets the logger used for call tracing.
func WithClientLogger(logger logr.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// Client talks to one conversion server.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger logr.Logger
}

// NewClient creates a Client for the server at endpoint, e.g. "http://10.0.0.5:3000".
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", endpoint)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("endpoint %q: missing host", endpoint)
	}

	o := clientOptions{
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		logger:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	hc := o.httpClient
	if hc == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{
			Timeout:   o.connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
		hc = &http.Client{Transport: transport, Timeout: o.requestTimeout}
	}

	return &Client{
		base:   base,
		http:   hc,
		logger: o.logger.WithValues("backend", base.String()),
	}, nil
}

// Endpoint returns the server base URL.
func (c *Client) Endpoint() string {
	return c.base.String()
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.getJSON(ctx, RouteStatus, &status)
	return status, err
}

// IsBusy reports whether the server is executing a job right now.
func (c *Client) IsBusy(ctx context.Context) (bool, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return status.IsBusy, nil
}

// OfficeVersion fetches the engine version. Engines that cannot report one
// yield an error matching ErrUnsupported.
func (c *Client) OfficeVersion(ctx context.Context) (VersionInfo, error) {
	var version VersionInfo
	err := c.getJSON(ctx, RouteOfficeVersion, &version)
	return version, err
}

// SupportedFormats lists the input formats the engine accepts.
func (c *Client) SupportedFormats(ctx context.Context) ([]SupportedFormat, error) {
	var formats []SupportedFormat
	err := c.getJSON(ctx, RouteSupportedFormats, &formats)
	return formats, err
}

// Convert uploads document and returns the PDF.
func (c *Client) Convert(ctx context.Context, document []byte) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(FormFieldFile, "document")
	if err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(document); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(RouteConvert), &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, fmt.Errorf("reading response: %w", err))
	}
	c.logger.V(logging.DEBUG).Info("converted", "job", resp.Header.Get(HeaderRequestID), "bytes", len(pdf))
	return pdf, nil
}

// CollectGarbage asks the server to reclaim engine resources. The request is
// queued behind every conversion already pending on that server.
func (c *Client) CollectGarbage(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(RouteCollectGarbage), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) getJSON(ctx context.Context, route string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(route), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrInvalidResponse, route, err)
	}
	return nil
}

// do sends req and turns error statuses into *ResponseError.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()

	respErr := &ResponseError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body ErrorResponse
	if json.Unmarshal(raw, &body) == nil {
		respErr.Reason = body.Reason
		if body.Backtrace != nil {
			respErr.Backtrace = *body.Backtrace
		}
	} else {
		respErr.Reason = strings.TrimSpace(string(raw))
	}
	return nil, respErr
}

// transportError classifies a failed exchange. Cancellation by the caller is
// returned as is; anything else means the server could not be reached.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", c.base, ctxErr)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return fmt.Errorf("%w: %s: %v", ErrBackendUnreachable, c.base, err)
}

func (c *Client) url(route string) string {
	return c.base.String() + route
}
