package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(t *testing.T, contentType, body string, status int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func readURL(t *testing.T, args map[string]any) (string, error) {
	t.Helper()
	raw, _ := json.Marshal(args)
	return NewReadURL().Execute(context.Background(), raw)
}

func TestReadURLConvertsHTML(t *testing.T) {
	u := serve(t, "text/html", `<html><body><h1>Hello World</h1><p>This is a test.</p></body></html>`, http.StatusOK)
	got, err := readURL(t, map[string]any{"url": u})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "# Hello World") || !strings.Contains(got, "This is a test.") {
		t.Errorf("expected markdown, got %q", got)
	}
}

func TestReadURLPlainTextUntouched(t *testing.T) {
	u := serve(t, "text/plain", "<b>raw</b>", http.StatusOK)
	got, err := readURL(t, map[string]any{"url": u})
	if err != nil {
		t.Fatal(err)
	}
	if got != "<b>raw</b>" {
		t.Errorf("expected body untouched, got %q", got)
	}
}

func TestReadURLLimits(t *testing.T) {
	u := serve(t, "text/plain", strings.Repeat("x", 60000), http.StatusOK)

	got, err := readURL(t, map[string]any{"url": u})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, strings.Repeat("x", readURLMaxChars)+"\n\n[truncated") {
		t.Errorf("expected default cap, got length %d", len(got))
	}

	got, err = readURL(t, map[string]any{"url": u, "max_chars": 10})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "xxxxxxxxxx\n\n[truncated 59990 bytes]") {
		t.Errorf("expected caller cap, got %q", got[:40])
	}
}

func TestReadURLErrors(t *testing.T) {
	missing := serve(t, "text/html", "gone", http.StatusNotFound)
	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"missing url", map[string]any{}, "url is required"},
		{"file scheme", map[string]any{"url": "file:///etc/passwd"}, "unsupported url"},
		{"no host", map[string]any{"url": "http://"}, "unsupported url"},
		{"not found", map[string]any{"url": missing}, "http status 404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readURL(t, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
	if NewReadURL().Mutating() {
		t.Error("read_url must not be mutating")
	}
}
