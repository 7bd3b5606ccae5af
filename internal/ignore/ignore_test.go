package ignore

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SkipsCommentsAndBlankLines(t *testing.T) {
	rules, err := Parse(strings.NewReader("# comment\n\n*.tmp\n  \n/build/\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"*.tmp", "/build/"}, rules.Patterns())
}

func TestRules_Ignored(t *testing.T) {
	rules, err := Compile([]string{
		"*.tmp",
		"!keep.tmp",
		"/build/",
		"docs/**/*.md",
		"cache/",
	})
	require.NoError(t, err)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{path: "a.tmp", want: true},
		{path: "nested/dir/b.tmp", want: true},
		{path: "keep.tmp", want: false},
		{path: "build", isDir: true, want: true},
		{path: "build/out.bin", want: true},
		{path: "sub/build", isDir: true, want: false},
		{path: "docs/guide/intro.md", want: true},
		{path: "docs/intro.md", want: false},
		{path: "cache", isDir: false, want: false},
		{path: "x/cache", isDir: true, want: true},
		{path: "x/cache/entry", want: true},
		{path: "flow.yaml", want: false},
		{path: "", isDir: true, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, rules.Ignored(tc.path, tc.isDir))
		})
	}
}

func TestRules_MatchIdentity(t *testing.T) {
	rules, err := Compile([]string{"/protected/", "*.local"})
	require.NoError(t, err)

	assert.True(t, rules.MatchIdentity("/protected/"))
	assert.False(t, rules.MatchIdentity("/protected"))
	assert.True(t, rules.MatchIdentity("/sub/dev.local"))
	assert.False(t, rules.MatchIdentity("/sub/dev.yaml"))
}

func TestRules_Covers(t *testing.T) {
	rules, err := Compile([]string{"/protected/", "*.local"})
	require.NoError(t, err)

	assert.True(t, rules.Covers("/protected/"))
	assert.True(t, rules.Covers("/protected/inner/file.txt"))
	assert.True(t, rules.Covers("/a/b.local"))
	assert.False(t, rules.Covers("/other/file.txt"))
	assert.False(t, rules.Covers("/"))
}

func TestRules_EmptyNeverMatches(t *testing.T) {
	var rules *Rules
	assert.True(t, rules.Empty())
	assert.False(t, rules.Ignored("anything", false))
	assert.Nil(t, rules.Patterns())
}

func TestCompile_InvalidPattern(t *testing.T) {
	_, err := Compile([]string{"[unterminated"})
	require.Error(t, err)

	_, err = Compile([]string{"/"})
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/repo/.syncignore", []byte("*.bak\n"), 0o644))

	rules, err := Load(fsys, "/repo", "")
	require.NoError(t, err)

	assert.True(t, rules.Ignored("old.bak", false))
	assert.True(t, rules.Ignored(".syncignore", false), "ignore file must exclude itself")
	assert.False(t, rules.Ignored("sub/.syncignore", false))
}

func TestLoad_MissingFile(t *testing.T) {
	rules, err := Load(afero.NewMemMapFs(), "/repo", ".customignore")
	require.NoError(t, err)
	assert.True(t, rules.Empty())
}
