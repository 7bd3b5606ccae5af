package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"
)

// DefaultFile is the name of the ignore file looked up at a scan root
const DefaultFile = ".syncignore"

// rule is a single compiled pattern line
type rule struct {
	pattern  string
	glob     glob.Glob
	negate   bool
	dirOnly  bool
	anchored bool
}

// Rules is an ordered set of gitignore-style patterns. The last matching
// pattern decides, so a later "!pattern" re-includes an earlier match.
type Rules struct {
	rules []rule
}

// Load reads the ignore file name inside root. A missing file yields an empty
// rule set. The ignore file itself is always ignored.
func Load(fsys afero.Fs, root, name string) (*Rules, error) {
	if name == "" {
		name = DefaultFile
	}

	f, err := fsys.Open(path.Join(root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Rules{}, nil
		}
		return nil, fmt.Errorf("failed to open ignore file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	rules, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	self, err := compileRule("/" + name)
	if err != nil {
		return nil, err
	}
	rules.rules = append(rules.rules, self)

	return rules, nil
}

// Parse reads one pattern per line, skipping blank lines and # comments
func Parse(r io.Reader) (*Rules, error) {
	var patterns []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return Compile(patterns)
}

// Compile builds a rule set from already split patterns
func Compile(patterns []string) (*Rules, error) {
	rules := &Rules{rules: make([]rule, 0, len(patterns))}
	for i, p := range patterns {
		compiled, err := compileRule(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i+1, err)
		}
		rules.rules = append(rules.rules, compiled)
	}
	return rules, nil
}

func compileRule(pattern string) (rule, error) {
	r := rule{pattern: pattern}

	p := pattern
	if strings.HasPrefix(p, "!") {
		r.negate = true
		p = p[1:]
	}
	if strings.HasSuffix(p, "/") {
		r.dirOnly = true
		p = strings.TrimSuffix(p, "/")
	}
	if strings.HasPrefix(p, "/") {
		r.anchored = true
		p = strings.TrimPrefix(p, "/")
	}
	if strings.Contains(p, "/") {
		r.anchored = true
	}
	if p == "" {
		return rule{}, fmt.Errorf("empty pattern %q", pattern)
	}

	g, err := glob.Compile(p, '/')
	if err != nil {
		return rule{}, fmt.Errorf("failed to compile glob pattern %q: %w", pattern, err)
	}
	r.glob = g

	return r, nil
}

// Empty reports whether the rule set has no patterns
func (r *Rules) Empty() bool {
	return r == nil || len(r.rules) == 0
}

// Match evaluates the patterns against a single slash-separated path relative
// to the root, without looking at its parent directories.
func (r *Rules) Match(relPath string, isDir bool) bool {
	if r.Empty() {
		return false
	}

	relPath = strings.Trim(relPath, "/")
	base := path.Base(relPath)

	matched := false
	for _, rl := range r.rules {
		if rl.dirOnly && !isDir {
			continue
		}
		target := base
		if rl.anchored {
			target = relPath
		}
		if rl.glob.Match(target) {
			matched = !rl.negate
		}
	}
	return matched
}

// Ignored reports whether relPath is excluded, either by its own match or
// because one of its parent directories is excluded.
func (r *Rules) Ignored(relPath string, isDir bool) bool {
	relPath = strings.Trim(relPath, "/")
	if relPath == "" || r.Empty() {
		return false
	}

	parts := strings.Split(relPath, "/")
	for i := 1; i < len(parts); i++ {
		if r.Match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}

	return r.Match(relPath, isDir)
}

// MatchIdentity matches a rooted logical path such as "/sub/" or "/a.txt",
// treating a trailing slash as a directory marker.
func (r *Rules) MatchIdentity(identity string) bool {
	return r.Match(identity, strings.HasSuffix(identity, "/"))
}

// Covers reports whether a rooted logical path, or any directory above it,
// matches. Keep patterns use it so that everything below a kept directory is kept.
func (r *Rules) Covers(identity string) bool {
	return r.Ignored(identity, strings.HasSuffix(identity, "/"))
}

// Patterns returns the source patterns in evaluation order
func (r *Rules) Patterns() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.rules))
	for _, rl := range r.rules {
		out = append(out, rl.pattern)
	}
	return out
}
