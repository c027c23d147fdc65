// Package integration provides integration testing utilities for segplay.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestHarness manages a media library, a running catalog server and player
// processes for integration tests.
type TestHarness struct {
	t         *testing.T
	binary    string
	mediaDir  string
	port      int
	serverCmd *exec.Cmd
	cancel    context.CancelFunc
}

// Quality describes one rendition written by AddVideo.
type Quality struct {
	Name    string
	Height  int
	Bitrate string

	// Missing lists zero-based segment indices left out of the rendition.
	Missing []int
}

// NewTestHarness creates a new test harness with an empty media library.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:        t,
		binary:   findSegplayBinary(t),
		mediaDir: t.TempDir(),
		port:     findAvailablePort(t),
	}
}

// BaseURL returns the catalog server URL.
func (h *TestHarness) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", h.port)
}

// AddVideo writes a processed video with segments of segDuration seconds to
// the media library.
func (h *TestHarness) AddVideo(id, title string, segments int, segDuration float64, qualities ...Quality) {
	h.t.Helper()

	var meta strings.Builder
	fmt.Fprintf(&meta, `{"title": %q, "duration": %g, "segmentDuration": %g, "processedAt": %q, "qualities": [`,
		title, float64(segments)*segDuration, segDuration, time.Now().UTC().Format(time.RFC3339))
	for i, q := range qualities {
		if i > 0 {
			meta.WriteString(", ")
		}
		fmt.Fprintf(&meta, `{"name": %q, "width": %d, "height": %d, "bitrate": %q, "totalSegments": %d}`,
			q.Name, q.Height*16/9, q.Height, q.Bitrate, segments)
	}
	meta.WriteString("]}")
	h.writeFile(filepath.Join(id, "metadata.json"), meta.String())

	for _, q := range qualities {
		h.writeFile(filepath.Join(id, q.Name, "playlist.m3u8"), createTestPlaylist(segments, segDuration))

		missing := make(map[int]bool, len(q.Missing))
		for _, i := range q.Missing {
			missing[i] = true
		}
		for i := 0; i < segments; i++ {
			if missing[i] {
				continue
			}
			h.writeFile(filepath.Join(id, q.Name, segmentName(i)), strings.Repeat(q.Name, 512))
		}
	}
}

func (h *TestHarness) writeFile(rel, content string) {
	h.t.Helper()

	path := filepath.Join(h.mediaDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("failed to write %s: %v", path, err)
	}
}

// StartServer starts "segplay serve" on the media library.
func (h *TestHarness) StartServer() {
	h.t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.serverCmd = exec.CommandContext(ctx, h.binary,
		"serve", h.mediaDir,
		"--host", "127.0.0.1",
		"--port", fmt.Sprintf("%d", h.port),
	)
	h.serverCmd.Env = h.env()

	// Capture output for debugging
	h.serverCmd.Stdout = os.Stdout
	h.serverCmd.Stderr = os.Stderr

	if err := h.serverCmd.Start(); err != nil {
		h.t.Fatalf("failed to start segplay serve: %v", err)
	}

	h.waitForServer(h.BaseURL()+"/health", 10*time.Second)
	h.t.Logf("segplay serve started on port %d", h.port)
}

// Play runs "segplay play" to completion and returns its stdout.
func (h *TestHarness) Play(timeout time.Duration, args ...string) (string, error) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmdArgs := append([]string{"play", "--catalog", h.BaseURL()}, args...)
	cmd := exec.CommandContext(ctx, h.binary, cmdArgs...)
	cmd.Env = h.env()

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return stdout.String(), fmt.Errorf("segplay play timed out after %v", timeout)
	}
	return stdout.String(), err
}

// Get fetches path from the catalog server and returns the body.
func (h *TestHarness) Get(path string) (int, string) {
	h.t.Helper()

	resp, err := http.Get(h.BaseURL() + path)
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

// env runs the binaries from an empty directory with fast sink ticks so no
// local segplay.yaml is picked up.
func (h *TestHarness) env() []string {
	return append(os.Environ(),
		"HOME="+h.t.TempDir(),
		"SEGPLAY_SINK_TICK=10ms",
		"SEGPLAY_PLAYBACK_SKIP_DELAY=50ms",
		"SEGPLAY_LOGGING_LEVEL=warn",
	)
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.serverCmd != nil && h.serverCmd.Process != nil {
		h.serverCmd.Process.Kill()
		h.serverCmd.Wait()
	}
}

// findSegplayBinary locates the segplay binary.
func findSegplayBinary(t *testing.T) string {
	t.Helper()

	// Try several possible locations
	candidates := []string{
		"../../segplay",         // From test/integration
		"./segplay",             // From project root
		"../segplay",            // From test directory
		"./cmd/segplay/segplay", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			t.Logf("Found segplay binary at: %s", absPath)
			return absPath
		}
	}

	t.Skip("segplay binary not found. Run 'go build -o segplay ./cmd/segplay' first")
	return ""
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

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// createTestPlaylist creates a VOD media playlist with the specified number
// of segments.
func createTestPlaylist(numSegments int, duration float64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(duration+0.999))
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i := 0; i < numSegments; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.1f,\n%s\n", duration, segmentName(i))
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func segmentName(i int) string {
	return fmt.Sprintf("seg_%03d.mp4", i)
}
