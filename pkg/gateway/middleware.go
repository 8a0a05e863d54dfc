package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/harun/datalens/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"
)

const (
	headerTraceID   = "X-Trace-Id"
	headerClientID  = "X-Client-Id"
	headerSessionID = "X-Session-Id"
)

// statusRecorder captures the response status while keeping the streaming
// and hijacking capabilities of the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withTracing tags the request context with trace and client ids, opens a
// span and logs the request once it completes.
func (s *Server) withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := strings.TrimSpace(r.Header.Get(headerTraceID))
		if traceID == "" {
			traceID = newTraceID()
		}
		clientID := clientKey(r)

		ctx := tracing.WithTraceID(r.Context(), traceID)
		ctx = tracing.WithClientID(ctx, clientID)
		ctx, span := tracing.StartSpan(ctx, tracing.TracerGateway, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()

		w.Header().Set(headerTraceID, traceID)
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		logger := tracing.LoggerFromContext(ctx, s.logger)
		event := logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// limited admits the request under the caller's rate limit or answers 429.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		release, reason := s.limiters.For(clientKey(r)).Acquire()
		if release == nil {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: reason})
			return
		}
		defer release()
		next(w, r)
	}
}

// clientKey identifies the caller for rate limiting: the X-Client-Id header
// when present, else the remote host.
func clientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(headerClientID)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newTraceID() string {
	id, err := gonanoid.New()
	if err != nil {
		return tracing.NewTraceID()
	}
	return id
}
