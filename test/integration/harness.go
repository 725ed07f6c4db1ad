// Package integration provides integration testing utilities for hlsgrab.
package integration

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/hlsgrab/internal/config"
	"github.com/agleyzer/hlsgrab/internal/job"
	"github.com/agleyzer/hlsgrab/internal/remux"
)

// TestHarness serves an HLS origin from a temp directory and runs jobs against it.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	statusPort int
	originDir  string
	workDir    string

	mu       sync.Mutex
	hits     map[string]int
	failures map[string]int // remaining 503 responses per path
	delay    time.Duration
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:          t,
		httpPort:   findAvailablePort(t),
		statusPort: findAvailablePort(t),
		originDir:  t.TempDir(),
		workDir:    t.TempDir(),
		hits:       make(map[string]int),
		failures:   make(map[string]int),
	}
}

// StartHTTPServer starts the origin serving every file added to the harness.
func (h *TestHarness) StartHTTPServer() {
	h.t.Helper()

	fileServer := http.FileServer(http.Dir(h.originDir))

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: h.faultMiddleware(fileServer),
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	h.waitForServer(h.OriginURL("/"), 5*time.Second)
	h.t.Logf("HTTP server started on port %d", h.httpPort)
}

// faultMiddleware counts requests and injects configured failures and latency.
func (h *TestHarness) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.hits[r.URL.Path]++
		delay := h.delay
		failing := h.failures[r.URL.Path] > 0
		if failing {
			h.failures[r.URL.Path]--
		}
		h.mu.Unlock()

		if delay > 0 && strings.HasSuffix(r.URL.Path, ".ts") {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OriginURL returns the absolute URL of a path on the origin.
func (h *TestHarness) OriginURL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", h.httpPort, path)
}

// AddFile writes a file to the origin.
func (h *TestHarness) AddFile(name string, content []byte) {
	h.t.Helper()

	path := filepath.Join(h.originDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("failed to create origin directory: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		h.t.Fatalf("failed to write origin file: %v", err)
	}
}

// SegmentName returns the base64-dash file name carrying key.
func SegmentName(key int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("seg-%d-v1", key))) + ".ts"
}

// SegmentPayload is the body served for the segment with key.
func SegmentPayload(key int) []byte {
	return []byte(fmt.Sprintf("[%03d]", key))
}

// AddVOD publishes a master playlist at dir/master.m3u8 whose English audio
// rendition lists one segment per key, in the given playlist order.
func (h *TestHarness) AddVOD(dir string, keys []int) {
	h.t.Helper()

	var media strings.Builder
	media.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for _, k := range keys {
		fmt.Fprintf(&media, "#EXTINF:2.0,\nsegments/%s\n", SegmentName(k))
		h.AddFile(dir+"/audio/segments/"+SegmentName(k), SegmentPayload(k))
	}
	media.WriteString("#EXT-X-ENDLIST\n")

	master := `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="720p",LANGUAGE="eng",NAME="English",DEFAULT=YES,URI="audio/index.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,AUDIO="720p"
video/720p.m3u8
`
	h.AddFile(dir+"/audio/index.m3u8", []byte(media.String()))
	h.AddFile(dir+"/master.m3u8", []byte(master))
}

// FailNext makes the next n requests for path answer 503.
func (h *TestHarness) FailNext(path string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[path] = n
}

// SetSegmentDelay delays every segment response.
func (h *TestHarness) SetSegmentDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delay = d
}

// Hits returns how often path was requested.
func (h *TestHarness) Hits(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

// Config returns a job configuration pointing at dir/master.m3u8 with all
// local paths inside the harness work directory.
func (h *TestHarness) Config(dir string) config.Config {
	cfg := config.Default()
	cfg.Source = h.OriginURL("/" + dir + "/master.m3u8")
	cfg.Output = filepath.Join(h.workDir, "output.mp4")
	cfg.TempDir = h.workDir
	cfg.Retry.Backoff = 10 * time.Millisecond
	cfg.Retry.Timeout = 5 * time.Second
	cfg.Progress = false
	return cfg
}

// ArtifactDir is where ArtifactBucket stores its objects.
func (h *TestHarness) ArtifactDir() string {
	return filepath.Join(h.workDir, "artifacts")
}

// ArtifactBucket returns a file bucket URL inside the work directory.
func (h *TestHarness) ArtifactBucket() string {
	return "file://" + filepath.ToSlash(h.ArtifactDir()) + "?create_dir=true"
}

// StatusURL returns the URL of path on the job's status server.
func (h *TestHarness) StatusURL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", h.statusPort, path)
}

// StatusPort is the port reserved for the job's status server.
func (h *TestHarness) StatusPort() int {
	return h.statusPort
}

// Run executes a job in-process. The remux step copies the raw stream.
func (h *TestHarness) Run(ctx context.Context, cfg config.Config) (*job.Report, error) {
	h.t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	return job.Run(ctx, cfg, job.Deps{
		Logger:  logger,
		Remuxer: remux.Func(copyFile),
	})
}

// ReadOutput returns the remuxed output of cfg.
func (h *TestHarness) ReadOutput(cfg config.Config) []byte {
	h.t.Helper()

	data, err := os.ReadFile(cfg.Output)
	if err != nil {
		h.t.Fatalf("failed to read output: %v", err)
	}
	return data
}

// FetchJSON fetches a status endpoint and returns the body.
func (h *TestHarness) FetchJSON(url string) (int, string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

func copyFile(ctx context.Context, input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// ParsedPlaylist represents a parsed HLS playlist for testing.
type ParsedPlaylist struct {
	Version        int
	TargetDuration int
	MediaSequence  uint64
	Segments       []PlaylistSegment
	HasEndList     bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration float64
	URL      string
}

// ParsePlaylist parses an HLS media playlist into a structured format.
func ParsePlaylist(content string) *ParsedPlaylist {
	playlist := &ParsedPlaylist{
		Segments: []PlaylistSegment{},
	}

	var currentSegment *PlaylistSegment

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			fmt.Sscanf(line, "#EXT-X-VERSION:%d", &playlist.Version)

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			fmt.Sscanf(line, "#EXT-X-TARGETDURATION:%d", &playlist.TargetDuration)

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			fmt.Sscanf(line, "#EXT-X-MEDIA-SEQUENCE:%d", &playlist.MediaSequence)

		case line == "#EXT-X-ENDLIST":
			playlist.HasEndList = true

		case strings.HasPrefix(line, "#EXTINF:"):
			currentSegment = &PlaylistSegment{}
			fmt.Sscanf(line, "#EXTINF:%f,", &currentSegment.Duration)

		case !strings.HasPrefix(line, "#"):
			if currentSegment != nil {
				currentSegment.URL = line
				playlist.Segments = append(playlist.Segments, *currentSegment)
				currentSegment = nil
			}
		}
	}

	return playlist
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		<-ticker.C
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}
