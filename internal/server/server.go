// Package server exposes a conversion queue over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/logging"
	"github.com/alnah/go-officeconvert/internal/queue"
)

// Defaults for the HTTP surface.
const (
	DefaultMaxUploadBytes  = 1 << 30 // 1 GiB
	DefaultShutdownTimeout = 30 * time.Second

	// multipartMemory is the part of an upload kept in memory; the rest spills to disk.
	multipartMemory = 32 << 20
)

// Server serves the conversion API for one queue.
type Server struct {
	queue           *queue.Queue
	reporter        *queue.Reporter
	logger          logr.Logger
	gatherer        prometheus.Gatherer
	maxUploadBytes  int64
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer exposes g on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithMaxUploadBytes caps the request body of a conversion.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithShutdownTimeout bounds how long Serve waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a Server over q.
func New(q *queue.Queue, opts ...Option) *Server {
	s := &Server{
		queue:           q,
		reporter:        queue.NewReporter(q),
		logger:          logr.Discard(),
		maxUploadBytes:  DefaultMaxUploadBytes,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+officeconvert.RouteStatus, s.handleStatus)
	mux.HandleFunc("GET "+officeconvert.RouteOfficeVersion, s.handleOfficeVersion)
	mux.HandleFunc("GET "+officeconvert.RouteSupportedFormats, s.handleSupportedFormats)
	mux.HandleFunc("POST "+officeconvert.RouteConvert, s.handleConvert)
	mux.HandleFunc("POST "+officeconvert.RouteCollectGarbage, s.handleCollectGarbage)

	// Routes of the first server release.
	mux.HandleFunc("GET /{$}", s.handleStatus)
	mux.HandleFunc("POST /{$}", s.handleConvert)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.withRequestLogging(mux)
}

// Serve listens on ln until ctx is done or serving fails, then closes the
// queue and drains in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return logr.NewContext(context.Background(), s.logger) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "address", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		// Pending jobs fail first so their handlers return before Shutdown waits on them.
		var errs []error
		if err := s.queue.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("closing queue: %w", err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down http: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.Status())
}

func (s *Server) handleOfficeVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.queue.VersionInfo(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleSupportedFormats(w http.ResponseWriter, r *http.Request) {
	formats, err := s.queue.SupportedFormats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, formats)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	document, err := s.readDocument(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.queue.Submit(queue.KindConvert, document)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(officeconvert.HeaderRequestID, job.ID)

	pdf, err := s.queue.Await(r.Context(), job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (s *Server) handleCollectGarbage(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Submit(queue.KindCollectGarbage, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(officeconvert.HeaderRequestID, job.ID)

	if _, err := s.queue.Await(r.Context(), job); err != nil {
		// Housekeeping failures are not the caller's problem.
		logr.FromContextOrDiscard(r.Context()).Error(err, "collect garbage failed", "job", job.ID)
	}
	w.WriteHeader(http.StatusOK)
}

// readDocument extracts the multipart "file" field.
func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &uploadTooLargeError{limit: tooLarge.Limit}
		}
		return nil, fmt.Errorf("%w: parsing multipart body: %v", officeconvert.ErrInvalidInput, err)
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, _, err := r.FormFile(officeconvert.FormFieldFile)
	if err != nil {
		return nil, fmt.Errorf("%w: missing %q field: %v", officeconvert.ErrInvalidInput, officeconvert.FormFieldFile, err)
	}
	defer file.Close()

	document, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: reading upload: %v", officeconvert.ErrInvalidInput, err)
	}
	return document, nil
}

type uploadTooLargeError struct {
	limit int64
}

func (e *uploadTooLargeError) Error() string {
	return fmt.Sprintf("upload exceeds %d bytes", e.limit)
}

func (e *uploadTooLargeError) Unwrap() error {
	return officeconvert.ErrInvalidInput
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := officeconvert.StatusForError(err)
	var tooLarge *uploadTooLargeError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// The client is gone; nobody reads this response.
		status = http.StatusServiceUnavailable
	}

	log := logr.FromContextOrDiscard(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error(err, "request failed", "status", status)
	} else {
		log.V(logging.VERBOSE).Info("request rejected", "status", status, "reason", err.Error())
	}
	writeJSON(w, status, officeconvert.ErrorResponse{Reason: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
