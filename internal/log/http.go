package log

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HTTPMiddleware logs every request at debug, tagged with its request id.
// It is compatible with gorilla/mux (router.Use).
func HTTPMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqID := r.Header.Get(headerRequestID)
			if reqID == "" {
				reqID = uuid.New().String()
			}

			child := logger.With().
				Str(FieldRequestID, reqID).
				Str(FieldMethod, r.Method).
				Str(FieldPath, r.URL.Path).
				Logger()

			w.Header().Set(headerRequestID, reqID)
			r = r.WithContext(WithLogger(r.Context(), child))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			child.Debug().
				Int(FieldStatus, rec.status).
				Int64(FieldLatency, time.Since(start).Milliseconds()).
				Msg("request completed")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Transport wraps next so every outgoing request is logged at debug. A nil
// next means http.DefaultTransport.
func Transport(logger zerolog.Logger, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingTransport{logger: logger, next: next}
}

type loggingTransport struct {
	logger zerolog.Logger
	next   http.RoundTripper
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)

	ev := t.logger.Debug().
		Str(FieldRequestID, req.Header.Get(headerRequestID)).
		Str(FieldMethod, req.Method).
		Str(FieldPath, req.URL.Path).
		Int64(FieldLatency, time.Since(start).Milliseconds())
	if err != nil {
		ev.Err(err).Msg("request failed")
		return nil, err
	}
	ev.Int(FieldStatus, resp.StatusCode).Msg("request completed")
	return resp, nil
}
