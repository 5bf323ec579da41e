//go:build integration

package tier1

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
	"runtime"
	"strings"
	"testing"
	"time"
)

const (
	binaryName     = "modsync"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the modsync binary and runs it against a private work
// directory holding the config, the index and every repository.
type Harness struct {
	t          *testing.T
	workDir    string
	binary     string
	configPath string
	listenAddr string
	serveCmd   *exec.Cmd
	keepOnFail bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	workDir, err := os.MkdirTemp("", "modsync-tier1-*")
	if err != nil {
		t.Fatalf("create work dir: %v", err)
	}
	return &Harness{
		t:          t,
		workDir:    workDir,
		binary:     filepath.Join(workDir, "bin", binaryName),
		configPath: filepath.Join(workDir, "config.yaml"),
		keepOnFail: os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}
}

// Path returns an absolute path below the work directory.
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.workDir}, elem...)...)
}

// BaseURL is where StartServe publishes.
func (h *Harness) BaseURL() string {
	return "http://" + h.listenAddr
}

// BuildBinary compiles cmd/modsync into the work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.t.Logf("Building %s", h.binary)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/modsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// WriteConfig writes the config used by every command. It picks a free
// port for serve.
func (h *Harness) WriteConfig() error {
	h.t.Helper()

	addr, err := freeAddr()
	if err != nil {
		return err
	}
	h.listenAddr = addr

	content := fmt.Sprintf(`index:
  path: %q
build:
  workers: 4
sync:
  workers: 4
http:
  timeout: 30s
  user_agent: modsync-tier1
serve:
  listen_addr: %q
  debounce: 100ms
run:
  stage_dir: %q
`, h.Path("state", "index.sqlite3"), addr, h.Path("stage"))

	return os.WriteFile(h.configPath, []byte(content), 0644)
}

// Exec runs modsync with the harness config
func (h *Harness) Exec(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	full := append([]string{"--config", h.configPath, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)

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

// MustExec executes a command and fails the test if it returns non-zero
func (h *Harness) MustExec(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// StartServe runs `modsync serve name` in the background and waits until
// its manifest is reachable.
func (h *Harness) StartServe(ctx context.Context, name string) error {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, "--config", h.configPath, "serve", name)
	cmd.Stdout = &testWriter{t: h.t, prefix: "[serve] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[serve] "}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start serve: %w", err)
	}
	h.serveCmd = cmd

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(h.BaseURL() + "/sync.json")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("serve did not come up on %s", h.listenAddr)
}

// Get fetches a path from the running server.
func (h *Harness) Get(path string) (string, error) {
	resp, err := http.Get(h.BaseURL() + path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// Rebuild asks the running server to republish.
func (h *Harness) Rebuild() error {
	resp, err := http.Post(h.BaseURL()+"/-/rebuild", "application/json", strings.NewReader("{}"))
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("rebuild: %s", resp.Status)
	}
	return nil
}

// Cleanup stops the server and removes the work directory
func (h *Harness) Cleanup() {
	h.t.Helper()

	if h.serveCmd != nil && h.serveCmd.Process != nil {
		_ = h.serveCmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() {
			_ = h.serveCmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			h.t.Log("Warning: serve did not stop, killing it")
			_ = h.serveCmd.Process.Kill()
		}
	}

	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, keeping %s", h.workDir)
		return
	}
	_ = os.RemoveAll(h.workDir)
}

// WriteFile writes a file below the work directory
func (h *Harness) WriteFile(rel, content string) error {
	path := h.Path(filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// ReadFile reads a file below the work directory
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(h.Path(filepath.FromSlash(rel)))
	return string(data), err
}

// FileExists checks if a file exists below the work directory
func (h *Harness) FileExists(rel string) bool {
	info, err := os.Stat(h.Path(filepath.FromSlash(rel)))
	return err == nil && !info.IsDir()
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

func freeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("find free port: %w", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr, nil
}

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
