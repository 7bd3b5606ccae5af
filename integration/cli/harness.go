//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/gitsyncd/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the gitsyncd binary and runs it against a local repository
type Harness struct {
	t          *testing.T
	binary     string
	RepoDir    string
	DataDir    string
	ConfigPath string
}

// NewHarness builds the binary and initializes an empty source repository
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	work := t.TempDir()
	h := &Harness{
		t:          t,
		RepoDir:    filepath.Join(work, "repo"),
		DataDir:    filepath.Join(work, "data"),
		ConfigPath: filepath.Join(work, "config.yaml"),
	}

	t.Log("Building gitsyncd")
	h.binary = testutil.BuildBinary(t, "cmd/gitsyncd")

	if err := os.MkdirAll(h.RepoDir, 0o755); err != nil {
		t.Fatalf("create repo dir: %v", err)
	}
	testutil.InitRepo(t, h.RepoDir, "main")
	return h
}

// Path joins elem below the data directory
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.DataDir}, elem...)...)
}

// WriteConfig writes the configuration used by Run
func (h *Harness) WriteConfig(content string) {
	h.t.Helper()
	if err := os.WriteFile(h.ConfigPath, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Commit replaces files in the source repository and commits them.
// An empty content removes the file.
func (h *Harness) Commit(files map[string]string, msg string) {
	h.t.Helper()
	write := map[string]string{}
	for name, content := range files {
		if content == "" {
			if err := os.Remove(filepath.Join(h.RepoDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				h.t.Fatalf("remove %s: %v", name, err)
			}
			continue
		}
		write[name] = content
	}
	testutil.CommitFiles(h.t, h.RepoDir, write, msg)
}

// Run executes the binary with the harness config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	full := append([]string{"--config", h.ConfigPath, "--log-format", "json"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: h.t, prefix: "[gitsyncd] "})

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("gitsyncd %v exited with %d\nstdout: %s\nstderr: %s", args, exitCode, stdout, stderr)
	}
	return stdout
}

// FileExists reports whether path exists below the data directory
func (h *Harness) FileExists(elem ...string) bool {
	_, err := os.Stat(h.Path(elem...))
	return err == nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

