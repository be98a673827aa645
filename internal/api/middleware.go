package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"githarvest/internal/platform/logger"

	"github.com/google/uuid"
)

type ctxKey struct{ name string }

var keyRequestID = ctxKey{"request_id"}

// requestID returns the id stamped by the RequestID middleware, or ""
func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// RequestID assigns a request id unless the caller already sent one
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyRequestID, id)))
	})
}

// captureWriter wraps the original ResponseWriter and records status and bytes
type captureWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	n, err := cw.ResponseWriter.Write(b)
	if n > 0 {
		cw.bytes += n
	}
	return n, err
}

// AccessLog logs method, path, status, elapsed and bytes written.
// Requests at or over slow log at warn level, 0 disables slow marking
func AccessLog(slow time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(cw, r)

			elapsed := time.Since(start)
			log := logger.Named("http")
			evt := log.Info()
			if slow > 0 && elapsed >= slow {
				evt = log.Warn()
			}
			evt.Int("status", cw.status).
				Dur("elapsed", elapsed).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", requestID(r.Context())).
				Int("bytes", cw.bytes).
				Msg("request done")
		})
	}
}

// Recover converts panics into a JSON 500 and logs the stack with request id
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Named("http").Error().
					Str("request_id", requestID(r.Context())).
					Interface("panic", v).
					Msgf("panic recovered\n%s", debug.Stack())

				writeJSON(w, http.StatusInternalServerError, Envelope{
					StatusCode: http.StatusInternalServerError,
					Status:     http.StatusText(http.StatusInternalServerError),
					Error:      "internal error",
					RequestID:  requestID(r.Context()),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
