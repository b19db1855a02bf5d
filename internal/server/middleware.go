package server

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withRequestLogging puts a request-scoped logger in the context and logs
// each request once it completes.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := s.logger.WithValues("method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r.WithContext(logr.NewContext(r.Context(), log)))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		log.V(logging.DEBUG).Info("request served",
			"status", status,
			"bytes", rec.bytes,
			"job", rec.Header().Get(officeconvert.HeaderRequestID),
			"took", time.Since(start))
	})
}
