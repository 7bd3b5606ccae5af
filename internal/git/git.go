package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// tokenEnv carries the HTTPS token to the credential helper
const tokenEnv = "GITSYNCD_GIT_TOKEN"

// Client provides git operations for repository management
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref and
	// returns the checked out commit. The working tree matches the commit
	// exactly, untracked files are removed.
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout brings destDir to ref of url. An existing working copy is
// fetched, or cloned again when it tracks a different remote. Local edits and
// untracked files are discarded.
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	fresh, err := c.prepare(ctx, url, destDir)
	if err != nil {
		return "", err
	}

	if _, err := c.run(ctx, destDir, "", "checkout", "-f", ref); err != nil {
		// not a local branch, tag or hash: try the remote branch
		if _, err := c.run(ctx, destDir, "", "checkout", "-f", "origin/"+ref); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// a local branch is stale after fetch; tags and hashes have no origin/ counterpart
	if !fresh {
		_, _ = c.run(ctx, destDir, "", "reset", "--hard", "origin/"+ref)
	}

	// files left behind in the working copy would be scanned as desired state
	if _, err := c.run(ctx, destDir, "", "clean", "-ffdx"); err != nil {
		return "", fmt.Errorf("git clean failed: %w", err)
	}

	commit, err := c.run(ctx, destDir, "", "rev-parse", "--verify", "HEAD^{commit}")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return commit, nil
}

// prepare clones url into destDir or fetches an existing clone of it and
// reports whether a new clone was made
func (c *ShellClient) prepare(ctx context.Context, url, destDir string) (bool, error) {
	if _, err := os.Stat(filepath.Join(destDir, ".git")); err == nil {
		origin, err := c.run(ctx, destDir, "", "remote", "get-url", "origin")
		if err == nil && origin == url {
			if _, err := c.run(ctx, destDir, url, "fetch", "--prune", "origin"); err != nil {
				return false, fmt.Errorf("git fetch failed: %w", err)
			}
			return false, nil
		}
		if err := os.RemoveAll(destDir); err != nil {
			return false, fmt.Errorf("failed to remove stale working copy: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return false, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if _, err := c.run(ctx, "", url, "clone", "--no-checkout", url, destDir); err != nil {
		return false, fmt.Errorf("git clone failed: %w", err)
	}
	return true, nil
}

// run executes git, inside dir when set, authenticated for remote when set,
// and returns the trimmed stdout
func (c *ShellClient) run(ctx context.Context, dir, remote string, args ...string) (string, error) {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	if remote != "" {
		if err := c.configureAuth(cmd, remote); err != nil {
			return "", err
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, tokenEnv+"="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$`+tokenEnv+`"; }; f`,
		)

		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
