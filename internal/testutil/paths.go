package testutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// ProjectRoot returns the directory holding the module's go.mod
func ProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("testutil: no caller information")
	}
	return findUp(filepath.Dir(filename), "go.mod")
}

// findUp returns the first directory at or above dir containing name
func findUp(dir, name string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found above %s", name, dir)
		}
		dir = parent
	}
}

// BuildBinary compiles the main package pkg, given relative to the module
// root, and returns the path of the executable
func BuildBinary(t testing.TB, pkg string) string {
	t.Helper()
	root, err := ProjectRoot()
	if err != nil {
		t.Fatalf("project root: %v", err)
	}

	pkg = "./" + strings.TrimPrefix(filepath.ToSlash(pkg), "./")
	bin := filepath.Join(t.TempDir(), filepath.Base(pkg))

	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Dir = root
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build %s: %v\n%s", pkg, err, out)
	}
	return bin
}
