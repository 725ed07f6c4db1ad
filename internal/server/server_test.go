package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hlsgrab/internal/fetch"
	"github.com/agleyzer/hlsgrab/internal/progress"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func createTestTracker() *progress.Tracker {
	tr := progress.NewTracker(progress.Options{Total: 4, FailureTolerance: -1})
	tr.Observe(fetch.Result{Address: "https://example.com/seg1.ts", Data: make([]byte, 100)})
	tr.Observe(fetch.Result{Address: "https://example.com/seg2.ts", Err: errors.New("404")})
	return tr
}

func testInfo() Info {
	return Info{JobID: "job-1", Source: "https://example.com/master.m3u8", Output: "out.mp4"}
}

func TestNew(t *testing.T) {
	tr := createTestTracker()
	logger := createTestLogger()

	srv := New(8080, tr, testInfo(), logger)

	if srv.source != tr {
		t.Error("Source not set correctly")
	}
	if srv.port != 8080 {
		t.Error("Port not set correctly")
	}
	if srv.logger != logger {
		t.Error("Logger not set correctly")
	}
}

func TestHandleProgress(t *testing.T) {
	srv := New(8080, createTestTracker(), testInfo(), createTestLogger())

	req := httptest.NewRequest("GET", "/progress", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", contentType)
	}

	cacheControl := resp.Header.Get("Cache-Control")
	if !strings.Contains(cacheControl, "no-cache") {
		t.Errorf("Expected Cache-Control with 'no-cache', got '%s'", cacheControl)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	expected := map[string]float64{
		"total":     4,
		"completed": 2,
		"succeeded": 1,
		"failed":    1,
		"bytes":     100,
		"percent":   50,
	}
	for field, want := range expected {
		got, ok := body[field].(float64)
		if !ok {
			t.Errorf("Progress missing field '%s'", field)
			continue
		}
		if got != want {
			t.Errorf("Field %s: expected %v, got %v", field, want, got)
		}
	}
	if _, ok := body["elapsed_seconds"]; !ok {
		t.Error("Progress missing field 'elapsed_seconds'")
	}
}

func TestHandleHealth(t *testing.T) {
	srv := New(8080, createTestTracker(), testInfo(), createTestLogger())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	if health["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", health["status"])
	}

	job, ok := health["job"].(map[string]interface{})
	if !ok {
		t.Fatal("Health response missing 'job' field")
	}
	if job["job_id"] != "job-1" {
		t.Errorf("Expected job_id 'job-1', got '%v'", job["job_id"])
	}
}

func TestHandleHealth_Failing(t *testing.T) {
	tr := createTestTracker()
	tr.Fail(errors.New("segment failure tolerance exceeded"))

	srv := New(8080, tr, testInfo(), createTestLogger())

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health map[string]interface{}
	json.NewDecoder(w.Body).Decode(&health)

	if health["status"] != "failing" {
		t.Errorf("Expected status 'failing', got '%v'", health["status"])
	}
	if health["error"] != "segment failure tolerance exceeded" {
		t.Errorf("Expected fatal error in body, got '%v'", health["error"])
	}
}

func TestHandler_UnknownPath(t *testing.T) {
	srv := New(8080, createTestTracker(), testInfo(), createTestLogger())

	req := httptest.NewRequest("GET", "/playlist.m3u8", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	srv := New(8080, createTestTracker(), testInfo(), createTestLogger())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	wrapped := srv.loggingMiddleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "test" {
		t.Errorf("Expected body 'test', got '%s'", w.Body.String())
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	wrapped := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}

	wrapped.WriteHeader(http.StatusNotFound)

	if wrapped.statusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", wrapped.statusCode)
	}
}

func TestServer_Integration(t *testing.T) {
	srv := New(0, createTestTracker(), testInfo(), createTestLogger()) // Use port 0 for automatic port assignment

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("Expected nil or ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop within timeout")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	defer busy.Close()

	srv := New(busy.Addr().(*net.TCPAddr).Port, createTestTracker(), testInfo(), createTestLogger())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(context.Background())
	}()

	select {
	case err := <-errChan:
		if err == nil {
			t.Error("Expected a bind error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not report the bind error")
	}
}

func TestServer_ServeReleasesPort(t *testing.T) {
	srv := New(0, createTestTracker(), testInfo(), createTestLogger())

	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ctx, ln)
	}()

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	cancel()
	if err := <-errChan; err != nil {
		t.Errorf("Serve returned %v", err)
	}

	again, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		t.Fatalf("port still bound after Serve returned: %v", err)
	}
	again.Close()
}

func TestHandleProgress_ConcurrentWithObserve(t *testing.T) {
	tr := createTestTracker()
	srv := New(8080, tr, testInfo(), createTestLogger())

	done := make(chan bool)

	go func() {
		for i := 0; i < 100; i++ {
			tr.Observe(fetch.Result{Address: "https://example.com/seg.ts", Data: []byte("x")})
		}
		done <- true
	}()

	for i := 0; i < 10; i++ {
		go func() {
			req := httptest.NewRequest("GET", "/progress", nil)
			w := httptest.NewRecorder()

			srv.Handler().ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", w.Code)
			}

			done <- true
		}()
	}

	for i := 0; i < 11; i++ {
		<-done
	}
}
