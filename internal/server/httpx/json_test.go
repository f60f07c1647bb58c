package httpx

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONSetsHeadersAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, 201, map[string]string{"ok": "yes"})

	if rec.Code != 201 {
		t.Fatalf("status code: got %d want %d", rec.Code, 201)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type: got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Fatalf("cache-control missing no-store: %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"ok":"yes"`) {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 404, "unknown builder")
	if rec.Code != 404 || !strings.Contains(rec.Body.String(), `"error":"unknown builder"`) {
		t.Fatalf("unexpected response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Reason string `json:"reason"`
	}
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"reason":"nightly"}`))
	if err := DecodeJSON(req, &v); err != nil || v.Reason != "nightly" {
		t.Fatalf("decode: %v %+v", err, v)
	}

	empty := httptest.NewRequest("POST", "/", strings.NewReader(""))
	if err := DecodeJSON(empty, &v); err != nil {
		t.Fatalf("empty body should decode: %v", err)
	}

	unknown := httptest.NewRequest("POST", "/", strings.NewReader(`{"nope":1}`))
	if err := DecodeJSON(unknown, &v); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}
