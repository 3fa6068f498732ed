// Copyright 2018 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package oada

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/veqryn/h2c"
	"golang.org/x/net/http2"
)

// setupH2C starts an in-process h2c (cleartext HTTP/2) server the way the
// teacher's test helper of the same name does, so http2Transport can be
// exercised without a TLS handshake.
func setupH2C(t *testing.T) (*http2Transport, *http.ServeMux, func()) {
	t.Helper()
	mux := http.NewServeMux()
	wrapped := &h2c.HandlerH2C{Handler: mux, H2Server: &http2.Server{}}
	server := httptest.NewServer(wrapped)

	mux.HandleFunc("/bookmarks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{Domain: server.URL, Concurrency: 2, Timeout: 2 * time.Second}
	tr, err := newHTTP2Transport(cfg, u)
	if err != nil {
		t.Fatal(err)
	}
	return tr.(*http2Transport), mux, server.Close
}

func TestHTTP2TransportRequestRoundTrip(t *testing.T) {
	tr, mux, teardown := setupH2C(t)
	defer teardown()

	mux.HandleFunc("/resources/abc", func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Method, http.MethodGet; got != want {
			t.Errorf("method = %s, want %s", got, want)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"_id":"resources/abc","_rev":1}`))
	})

	res, err := tr.Request(context.Background(), ConnectionRequest{Method: "get", Path: "/resources/abc"}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := res.Data.(map[string]JSON)
	if !ok {
		t.Fatalf("Data is %T, want map", res.Data)
	}
	if m["_id"] != "resources/abc" {
		t.Errorf("_id = %v", m["_id"])
	}
}

func TestHTTP2TransportNotFoundUnderResourcesAliasesTo404(t *testing.T) {
	tr, mux, teardown := setupH2C(t)
	defer teardown()

	mux.HandleFunc("/resources/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := tr.Request(context.Background(), ConnectionRequest{Method: "head", Path: "/resources/missing"}, nil, 0)
	var ce *ClientError
	if err == nil {
		t.Fatal("expected error")
	}
	if ce, _ = err.(*ClientError); ce == nil || ce.Kind != KindNotFound {
		t.Errorf("expected KindNotFound via 403-as-404 aliasing, got %v", err)
	}
}

func TestHTTP2TransportSetsBearerAuthorizationViaOauth2(t *testing.T) {
	mux := http.NewServeMux()
	wrapped := &h2c.HandlerH2C{Handler: mux, H2Server: &http2.Server{}}
	server := httptest.NewServer(wrapped)
	defer server.Close()

	mux.HandleFunc("/bookmarks", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	var gotAuth string
	mux.HandleFunc("/resources/abc", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	})

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &Config{Domain: server.URL, Token: "secret", Concurrency: 2, Timeout: 2 * time.Second}
	tr, err := newHTTP2Transport(cfg, u)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Request(context.Background(), ConnectionRequest{Method: "get", Path: "/resources/abc"}, nil, 0); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer secret")
	}
}

func TestHTTP2TransportOnOpenFiresAfterProbe(t *testing.T) {
	tr, _, teardown := setupH2C(t)
	defer teardown()

	fired := make(chan struct{}, 1)
	tr.OnOpen(func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen listener never fired")
	}
}
