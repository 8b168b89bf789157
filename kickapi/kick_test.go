package kickapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels/livechannel":
			_, _ = w.Write([]byte(`{"livestream":{"id":123,"session_title":"irl stream","created_at":"2026-03-01 12:00:00"}}`))
		case "/channels/offlinechannel":
			_, _ = w.Write([]byte(`{"livestream":null}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	old := baseURL
	baseURL = srv.URL
	defer func() { baseURL = old }()

	c := &Client{}

	info, err := c.GetStream(context.Background(), "livechannel")
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.ID != "123" || info.Title != "irl stream" {
		t.Fatalf("live info: %+v", info)
	}

	info, err = c.GetStream(context.Background(), "offlinechannel")
	if err != nil {
		t.Fatal(err)
	}
	if info != nil {
		t.Fatalf("offline channel returned %+v", info)
	}

	if _, err := c.GetStream(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if _, err := c.GetStream(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty slug")
	}
}
