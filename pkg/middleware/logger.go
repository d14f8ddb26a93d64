package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker of the original
// writer, which websocket upgrades need.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		// Call the next handler (The Request happens here)
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		requestDuration.WithLabelValues(r.Method, strconv.Itoa(rec.statusCode)).Observe(elapsed.Seconds())

		log.Debug().
			Str("component", "http").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", rec.statusCode).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}
