package core

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
	BytesWritten        int64
}

// WriteHeader intercepts the status code and stores it, then calls the wrapped WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type LogEntry struct {
	IP           string
	Method       string
	URL          string
	Proto        string
	DurationMS   float64
	StatusCode   int
	BytesWritten int64
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
		"bytes", e.BytesWritten,
	)
}

// LogRequest is middleware that logs incoming HTTP requests. The entry is
// written from a deferred call so requests that panic, including downloads
// aborted with http.ErrAbortHandler, are logged too.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		defer func() {
			rvr := recover()

			elapsed := time.Since(start).Nanoseconds()
			entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
			entry.StatusCode = writer.WrittenResponseCode
			entry.BytesWritten = writer.BytesWritten

			switch {
			case rvr == http.ErrAbortHandler:
				slog.Warn("Request aborted", entry.User(), entry.Request())
			case rvr != nil:
				if entry.StatusCode == 0 {
					entry.StatusCode = http.StatusInternalServerError
				}
				slog.Error("Request", entry.User(), entry.Request())
			case writer.WrittenResponseCode >= 500:
				slog.Error("Request", entry.User(), entry.Request())
			case writer.WrittenResponseCode >= 400:
				slog.Warn("Request", entry.User(), entry.Request())
			default:
				slog.Info("Request", entry.User(), entry.Request())
			}

			if rvr != nil {
				panic(rvr)
			}
		}()

		next.ServeHTTP(&writer, r)
	})
}

// SlashFix collapses doubled slashes and drops a trailing slash.
func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Replace all occurrences of "//" with "/" in the URL path
		for strings.Contains(r.URL.Path, "//") {
			r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")
		}

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimit rejects requests beyond limit per second (with bursts of burst)
// with 429 Too Many Requests.
func RateLimit(limit rate.Limit, burst int) func(http.Handler) http.Handler {
	if burst <= 0 {
		burst = max(1, int(limit))
	}
	limiter := rate.NewLimiter(limit, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeText(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
