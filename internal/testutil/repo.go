package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// WriteTree writes files below root, keyed by slash separated relative path.
// An empty content for a key ending in "/" creates a directory.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if rel[len(rel)-1] == '/' {
			if err := os.MkdirAll(p, 0755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// Git runs a git command and fails the test on error
func Git(t testing.TB, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

// InitRepo creates a local repository with a committer identity on branch
func InitRepo(t testing.TB, dir, branch string) {
	t.Helper()
	Git(t, "init", "-b", branch, dir)
	Git(t, "-C", dir, "config", "user.email", "test@test.com")
	Git(t, "-C", dir, "config", "user.name", "Test")
}

// CommitFiles writes files into the repository and commits every change,
// deletions included.
func CommitFiles(t testing.TB, repoDir string, files map[string]string, msg string) {
	t.Helper()
	WriteTree(t, repoDir, files)
	Git(t, "-C", repoDir, "add", "-A")
	Git(t, "-C", repoDir, "commit", "--allow-empty", "-m", msg)
}
