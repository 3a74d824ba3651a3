package daemon

import (
	"net/http"
	"runtime/debug"
	"time"

	"stratavore/internal/logging"
)

const requestIDHeader = "X-Request-Id"

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// LoggingMiddleware tags every request with an id and logs one line when it
// completes. Polling routes log at debug so the dashboard does not flood the
// daemon log.
func LoggingMiddleware(logger logging.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = logging.NewRequestID()
		}
		w.Header().Set(requestIDHeader, reqID)
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		fields := []logging.Field{
			logging.F("request_id", reqID),
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.F("status", rec.status),
			logging.F("bytes", rec.bytes),
			logging.F("latency_ms", time.Since(start).Milliseconds()),
		}
		if r.Method == http.MethodGet && rec.status < http.StatusBadRequest {
			logger.Debug("http_request", fields...)
			return
		}
		logger.Info("http_request", fields...)
	})
}

// RecoverMiddleware turns a handler panic into a 500 response.
func RecoverMiddleware(logger logging.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}
				logger.Error("http_panic",
					logging.F("path", r.URL.Path),
					logging.F("panic", recovered),
					logging.F("stack", string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "Internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
