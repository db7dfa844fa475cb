package ingest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rulesFrom(root string, lines ...string) *ignoreRules {
	r := &ignoreRules{root: root}
	for _, l := range lines {
		r.add(l)
	}
	return r
}

func TestIgnoreRules_Ignored(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		path  string
		isDir bool
		want  bool
	}{
		{name: "basename glob", lines: []string{"*.tmp"}, path: "a/b/notes.tmp", want: true},
		{name: "basename glob miss", lines: []string{"*.tmp"}, path: "a/notes.md", want: false},
		{name: "comment and blank skipped", lines: []string{"# drafts", "", "  "}, path: "drafts", want: false},
		{name: "dir only matches directory", lines: []string{"drafts/"}, path: "drafts", isDir: true, want: true},
		{name: "dir only skips file of same name", lines: []string{"drafts/"}, path: "drafts", want: false},
		{name: "dir only covers contents", lines: []string{"drafts/"}, path: "x/drafts/rca.md", want: true},
		{name: "leading slash anchors", lines: []string{"/archive"}, path: "sub/archive", isDir: true, want: false},
		{name: "anchored at root", lines: []string{"/archive"}, path: "archive/2019.md", want: true},
		{name: "inner slash anchors", lines: []string{"legal/old"}, path: "legal/old/nda.md", want: true},
		{name: "inner slash not floating", lines: []string{"legal/old"}, path: "x/legal/old/nda.md", want: false},
		{name: "double star prefix floats", lines: []string{"**/old"}, path: "x/legal/old", isDir: true, want: true},
		{name: "double star suffix", lines: []string{"archive/**"}, path: "archive/a/b.md", want: true},
		{name: "negation re-includes", lines: []string{"*.md", "!keep.md"}, path: "keep.md", want: false},
		{name: "last match wins", lines: []string{"!keep.md", "*.md"}, path: "keep.md", want: true},
		{name: "escaped hash", lines: []string{`\#notes.md`}, path: "#notes.md", want: true},
		{name: "question mark", lines: []string{"draft?.md"}, path: "draft1.md", want: true},
		{name: "character class", lines: []string{"v[0-9].md"}, path: "v3.md", want: true},
		{name: "negated class", lines: []string{"v[!0-9].md"}, path: "v3.md", want: false},
		{name: "invalid pattern dropped", lines: []string{"[z-a].md"}, path: "b.md", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rulesFrom("/root", tt.lines...)
			assert.Equal(t, tt.want, r.Ignored(tt.path, tt.isDir))
		})
	}
}

func TestIgnoreRules_AbsolutePaths(t *testing.T) {
	root := t.TempDir()
	r := rulesFrom(root, "*.tmp")

	assert.True(t, r.Ignored(filepath.Join(root, "a.tmp"), false))
	assert.False(t, r.Ignored(filepath.Join(filepath.Dir(root), "a.tmp"), false), "outside the root")
	assert.False(t, r.Ignored(root, true))
}

func TestIgnoreRules_NilIgnoresNothing(t *testing.T) {
	var r *ignoreRules
	assert.False(t, r.Ignored("anything.md", false))
}

func TestLoadIgnore_MissingFile(t *testing.T) {
	r, err := loadIgnore(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestListFiles_HonoursIgnoreFile(t *testing.T) {
	// Given a tree with drafts and scratch files excluded
	root := t.TempDir()
	writeFile(t, filepath.Join(root, IgnoreFileName), "# local exclusions\ndrafts/\n*.tmp.md\n!keep.tmp.md\n")
	writeFile(t, filepath.Join(root, "rca.md"), "rca")
	writeFile(t, filepath.Join(root, "drafts", "nda.md"), "draft")
	writeFile(t, filepath.Join(root, "scratch.tmp.md"), "scratch")
	writeFile(t, filepath.Join(root, "keep.tmp.md"), "keep")

	// When listing
	files, err := ListFiles(root, nil)

	// Then only the non-excluded files remain
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "keep.tmp.md"),
		filepath.Join(root, "rca.md"),
	}, files)
}
