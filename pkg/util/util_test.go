package util_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/batch-converter/pkg/util"
)

func TestMatchesGitignore(t *testing.T) {
	root, err := filepath.Abs(filepath.FromSlash("/srv/docs"))
	require.NoError(t, err)
	sub := filepath.Join(root, "reports")

	testCases := []struct {
		name     string
		pattern  string
		base     string
		path     string
		isRooted bool
		want     bool
	}{
		{name: "exact name", pattern: "notes.txt", base: root, path: "notes.txt", want: true},
		{name: "glob at depth", pattern: "*.log", base: root, path: "a/b/debug.log", want: true},
		{name: "glob no match", pattern: "*.log", base: root, path: "a/b/debug.txt", want: false},
		{name: "directory name matches contents", pattern: "build", base: root, path: "build/out/x.pdf", want: true},
		{name: "directory name deep", pattern: "node_modules", base: root, path: "web/node_modules/pkg/index.js", want: true},
		{name: "rooted matches top level", pattern: "drafts", base: root, path: "drafts/a.docx", isRooted: true, want: true},
		{name: "rooted ignores nested", pattern: "drafts", base: root, path: "archive/drafts/a.docx", isRooted: true, want: false},
		{name: "slash pattern anchored", pattern: "scans/*.png", base: root, path: "scans/p1.png", want: true},
		{name: "slash pattern not floating", pattern: "scans/*.png", base: root, path: "old/scans/p1.png", want: false},
		{name: "star does not cross segments", pattern: "scans/*.png", base: root, path: "scans/2024/p1.png", want: false},
		{name: "double star prefix", pattern: "**/tmp", base: root, path: "a/b/tmp/x.pdf", want: true},
		{name: "double star middle", pattern: "a/**/c.txt", base: root, path: "a/x/y/c.txt", want: true},
		{name: "double star middle zero segments", pattern: "a/**/c.txt", base: root, path: "a/c.txt", want: true},
		{name: "double star suffix", pattern: "cache/**", base: root, path: "cache/a/b", want: true},
		{name: "pattern base in subdirectory", pattern: "*.tmp", base: sub, path: "reports/q1.tmp", want: true},
		{name: "outside pattern base", pattern: "*.tmp", base: sub, path: "other/q1.tmp", want: false},
		{name: "question mark", pattern: "page?.png", base: root, path: "page1.png", want: true},
		{name: "character class", pattern: "v[0-9].md", base: root, path: "v7.md", want: true},
		{name: "empty pattern", pattern: "", base: root, path: "a.txt", want: false},
		{name: "root path itself", pattern: "*", base: root, path: ".", want: false},
		{name: "malformed glob", pattern: "[", base: root, path: "[", want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := util.MatchesGitignore(tc.pattern, tc.base, root, filepath.FromSlash(tc.path), tc.isRooted)
			assert.Equal(t, tc.want, got)
		})
	}
}
