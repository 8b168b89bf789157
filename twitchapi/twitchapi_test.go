package twitchapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenSourceCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type: %s", r.Form.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok123","expires_in":3600,"token_type":"bearer"}`))
	}))
	defer srv.Close()
	old := tokenURL
	tokenURL = srv.URL
	defer func() { tokenURL = old }()

	ts := &TokenSource{ClientID: "cid", ClientSecret: "secret"}
	for i := 0; i < 3; i++ {
		tok, err := ts.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if tok != "tok123" {
			t.Fatalf("token: %s", tok)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", hits)
	}
}

func TestTokenSourceMissingCreds(t *testing.T) {
	ts := &TokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error for missing creds")
	}
}

func TestGetStreamLiveAndOffline(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	live := true
	helixSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/streams") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("user_login") != "somechannel" {
			t.Errorf("user_login: %s", r.URL.Query().Get("user_login"))
		}
		w.Header().Set("Content-Type", "application/json")
		if live {
			_, _ = w.Write([]byte(`{"data":[{"id":"999","title":"speedrun","started_at":"2026-03-01T12:00:00Z"}]}`))
		} else {
			_, _ = w.Write([]byte(`{"data":[]}`))
		}
	}))
	defer helixSrv.Close()

	oldTok, oldHelix := tokenURL, helixBaseURL
	tokenURL, helixBaseURL = tokenSrv.URL, helixSrv.URL
	defer func() { tokenURL, helixBaseURL = oldTok, oldHelix }()

	hc := &HelixClient{AppTokenSource: &TokenSource{ClientID: "cid", ClientSecret: "sec"}, ClientID: "cid"}

	info, err := hc.GetStream(context.Background(), "somechannel")
	if err != nil {
		t.Fatal(err)
	}
	if info == nil || info.ID != "999" || info.Title != "speedrun" {
		t.Fatalf("stream info: %+v", info)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !info.StartedAt.Equal(want) {
		t.Fatalf("started_at: %v", info.StartedAt)
	}

	live = false
	info, err = hc.GetStream(context.Background(), "somechannel")
	if err != nil {
		t.Fatal(err)
	}
	if info != nil {
		t.Fatalf("offline channel returned %+v", info)
	}
}

func TestGetUserID(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer tokenSrv.Close()
	helixSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"42"}]}`))
	}))
	defer helixSrv.Close()

	oldTok, oldHelix := tokenURL, helixBaseURL
	tokenURL, helixBaseURL = tokenSrv.URL, helixSrv.URL
	defer func() { tokenURL, helixBaseURL = oldTok, oldHelix }()

	hc := &HelixClient{AppTokenSource: &TokenSource{ClientID: "cid", ClientSecret: "sec"}, ClientID: "cid"}
	id, err := hc.GetUserID(context.Background(), "someuser")
	if err != nil {
		t.Fatal(err)
	}
	if id != "42" {
		t.Fatalf("user id: %s", id)
	}
}

func TestBuildAuthorizeURL(t *testing.T) {
	u, err := BuildAuthorizeURL("cid", "http://localhost/cb", "chat:read,chat:edit", "xyz")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"response_type=code", "client_id=cid", "state=xyz", "chat%3Aread+chat%3Aedit"} {
		if !strings.Contains(u, want) {
			t.Errorf("authorize url missing %q: %s", want, u)
		}
	}
	if _, err := BuildAuthorizeURL("", "http://localhost/cb", "", ""); err == nil {
		t.Error("expected error for missing client id")
	}
}

func TestComputeExpiry(t *testing.T) {
	if got := ComputeExpiry(0); time.Until(got) < 59*time.Minute {
		t.Errorf("default expiry too soon: %v", got)
	}
	if got := ComputeExpiry(120); time.Until(got) > 3*time.Minute {
		t.Errorf("expiry too far: %v", got)
	}
}
