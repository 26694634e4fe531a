package llmcap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/complete" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req completeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(completeResponse{Text: "hello " + req.Prompt})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	out, err := c.Complete(context.Background(), "sys", "world")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("expected 'hello world', got %q", out)
	}
}

func TestHTTPClientUnavailableOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	if _, err := c.Complete(context.Background(), "sys", "prompt"); err == nil {
		t.Fatalf("expected error on 500 response")
	}
}

func TestMockClientDefaultsUnavailable(t *testing.T) {
	m := &MockClient{}
	if _, err := m.Complete(context.Background(), "", ""); err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
