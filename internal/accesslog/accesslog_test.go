package accesslog

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestMiddlewareLogsStatusAndPath(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	handler := Middleware(l, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	out := buf.String()
	if !strings.Contains(out, `"status":403`) {
		t.Fatalf("log output = %q, want status 403", out)
	}
	if !strings.Contains(out, `"url_path":"/ws"`) {
		t.Fatalf("log output = %q, want url_path /ws", out)
	}
}

func TestMiddlewareDefaultsToSwitchingProtocols(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	handler := Middleware(l, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		// Simulates a successful hijack: no WriteHeader call.
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !strings.Contains(buf.String(), `"status":101`) {
		t.Fatalf("log output = %q, want default status 101", buf.String())
	}
}
