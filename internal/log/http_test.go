package log

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMiddleware_PropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug"}, &buf)

	var inner bytes.Buffer
	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := Ctx(r.Context()).Output(&inner)
		l.Info().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))
	assert.Contains(t, inner.String(), `"request_id":"req-1"`)
	out := buf.String()
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"path":"/chats"`)
}

func TestHTTPMiddleware_GeneratesRequestID(t *testing.T) {
	h := HTTPMiddleware(New(Config{Level: "off"}, nil))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestTransport_LogsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	client := &http.Client{Transport: Transport(New(Config{Level: "debug"}, &buf), nil)}

	resp, err := client.Get(srv.URL + "/users")
	require.NoError(t, err)
	resp.Body.Close()

	out := buf.String()
	assert.Contains(t, out, `"status":204`)
	assert.Contains(t, out, `"path":"/users"`)
	assert.Contains(t, out, "request completed")
}
