//go:build integration

package tier1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/pressync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the pressync binary and runs it against a recording
// WordPress stand-in.
type Harness struct {
	t       *testing.T
	binary  string
	workDir string
	site    *Site
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{
		t:       t,
		workDir: t.TempDir(),
		site:    newSite(),
	}
	t.Cleanup(h.site.Close)
	return h
}

// BuildBinary compiles cmd/pressync into the harness work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "pressync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/pressync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Run executes pressync with the given arguments
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes pressync and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// WriteFile writes a file below the harness work directory
func (h *Harness) WriteFile(rel, content string) string {
	h.t.Helper()
	return testutil.WriteFile(h.t, h.workDir, rel, content)
}

// ReadFile reads a file below the harness work directory
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.workDir, rel))
	return string(data), err
}

// Path returns the absolute path of rel below the work directory
func (h *Harness) Path(rel string) string {
	return filepath.Join(h.workDir, rel)
}

// Site returns the WordPress stand-in
func (h *Harness) Site() *Site {
	return h.site
}

// RequestLogEntry is one request the site received
type RequestLogEntry struct {
	Method string
	Path   string
	Title  string
}

// String returns a human-readable representation
func (e RequestLogEntry) String() string {
	return fmt.Sprintf("%s %s %q", e.Method, e.Path, e.Title)
}

// Site records post requests against a minimal wp/v2 API
type Site struct {
	server *httptest.Server

	mu     sync.Mutex
	log    []RequestLogEntry
	nextID int
	fail   bool
}

func newSite() *Site {
	s := &Site{nextID: 1}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the site's base URL
func (s *Site) URL() string {
	return s.server.URL
}

// Close shuts down the site
func (s *Site) Close() {
	s.server.Close()
}

// SetFailing makes every request fail with a server error
func (s *Site) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// Log returns and clears the recorded requests
func (s *Site) Log() []RequestLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.log
	s.log = nil
	return entries
}

func (s *Site) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body)
	s.log = append(s.log, RequestLogEntry{Method: r.Method, Path: r.URL.Path, Title: body.Title})

	if s.fail {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"code":"internal_error","message":"failing on purpose"}`)
		return
	}

	const posts = "/wp-json/wp/v2/posts"
	switch {
	case r.Method == http.MethodPost && r.URL.Path == posts:
		id := s.nextID
		s.nextID++
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]int{"id": id})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, posts+"/"):
		id, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, posts+"/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"id": id})
	default:
		http.NotFound(w, r)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
