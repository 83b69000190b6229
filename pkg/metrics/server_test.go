// Unit tests for the diagnostics HTTP server
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type staticGatherer string

func (s staticGatherer) Gather() string { return string(s) }

func serve(s *Server, method, path string) (*http.Response, string) {
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestHandleMetrics(t *testing.T) {
	s := NewServer(staticGatherer("ecu_rpm 900\n"), DefaultServerConfig())

	tests := []struct {
		method string
		status int
		body   string
	}{
		{http.MethodGet, http.StatusOK, "ecu_rpm 900\n"},
		{http.MethodHead, http.StatusOK, ""},
		{http.MethodPost, http.StatusMethodNotAllowed, "method not allowed\n"},
	}
	for _, tt := range tests {
		resp, body := serve(s, tt.method, "/metrics")
		if resp.StatusCode != tt.status || body != tt.body {
			t.Errorf("%s: %d %q", tt.method, resp.StatusCode, body)
		}
		if tt.status == http.StatusOK && !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
			t.Errorf("%s: content type %s", tt.method, resp.Header.Get("Content-Type"))
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.ExposeMetrics = false
	s := NewServer(staticGatherer("x"), cfg)
	if resp, _ := serve(s, http.MethodGet, "/metrics"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d", resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	s := NewServer(nil, DefaultServerConfig())
	if resp, body := serve(s, http.MethodGet, "/health"); resp.StatusCode != http.StatusOK || body != "OK\n" {
		t.Errorf("health %d %q", resp.StatusCode, body)
	}
	if resp, _ := serve(s, http.MethodGet, "/ready"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready before start: %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	if resp, _ := serve(s, http.MethodGet, "/ready"); resp.StatusCode != http.StatusOK {
		t.Errorf("ready while running: %d", resp.StatusCode)
	}

	synced := false
	s.SetReadiness(func() bool { return synced })
	if resp, _ := serve(s, http.MethodGet, "/ready"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready before sync: %d", resp.StatusCode)
	}
	synced = true
	if resp, _ := serve(s, http.MethodGet, "/ready"); resp.StatusCode != http.StatusOK {
		t.Errorf("ready after sync: %d", resp.StatusCode)
	}
}

func TestHandleMounted(t *testing.T) {
	s := NewServer(nil, DefaultServerConfig())
	s.Handle("/status", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	}))
	if _, body := serve(s, http.MethodGet, "/status"); body != "{}" {
		t.Errorf("mounted handler body %q", body)
	}
}

func TestServeAndShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(staticGatherer("ecu_rpm 0\n"), DefaultServerConfig())
	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()

	url := "http://" + l.Addr().String() + "/metrics"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ecu_rpm 0\n" {
		t.Errorf("body %q", body)
	}
	if !s.Running() || s.Addr() != l.Addr().String() || s.Uptime() <= 0 {
		t.Errorf("running %v addr %s uptime %v", s.Running(), s.Addr(), s.Uptime())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Errorf("serve returned %v", err)
	}
	if s.Running() {
		t.Error("still running after shutdown")
	}
}
