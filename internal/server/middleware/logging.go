package middleware

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID. A caller-supplied value is echoed.
const RequestIDHeader = "X-Request-ID"

// Logging writes one record per request. Paths in quiet log at debug
// unless they fail, so probes do not bury pipeline logs.
func Logging(logger *slog.Logger, quiet ...string) func(http.Handler) http.Handler {
	hush := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		hush[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			rec := &recorder{ResponseWriter: w}
			began := time.Now()
			next.ServeHTTP(rec, r)
			status := rec.code()

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case hush[r.URL.Path]:
				level = slog.LevelDebug
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("route", r.Pattern),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("bytes", rec.bytes),
				slog.Duration("duration", time.Since(began)),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// recorder captures the status and body size.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rec *recorder) code() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Hijack lets the websocket upgrade through.
func (rec *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("middleware: %T cannot hijack", rec.ResponseWriter)
	}
	rec.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
