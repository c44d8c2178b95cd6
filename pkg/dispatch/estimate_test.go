package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("a", size)), 0o644))
}

func TestEstimateTokensPromptOnly(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(context.Background(), "", nil))
	assert.Equal(t, 0, EstimateTokens(context.Background(), "abc", nil))
	assert.Equal(t, 2, EstimateTokens(context.Background(), "abcdefgh", nil))
}

func TestEstimateTokensFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(dir, "single.bin")
	writeFile(t, single, 100)

	tree := filepath.Join(dir, "project")
	writeFile(t, filepath.Join(tree, "main.go"), 40)
	writeFile(t, filepath.Join(tree, "pkg", "util.py"), 80)
	writeFile(t, filepath.Join(tree, "README.md"), 20)
	writeFile(t, filepath.Join(tree, "logo.png"), 4000)
	writeFile(t, filepath.Join(tree, "node_modules", "dep", "index.js"), 4000)
	writeFile(t, filepath.Join(tree, ".git", "HEAD.txt"), 4000)
	writeFile(t, filepath.Join(tree, "pkg", "__pycache__", "util.py"), 4000)
	writeFile(t, filepath.Join(tree, "build", "out.js"), 4000)

	// a file given explicitly counts whatever its extension
	assert.Equal(t, 26, EstimateTokens(context.Background(), "four", []string{single}))

	// only source-like files outside skipped directories count
	assert.Equal(t, 35, EstimateTokens(context.Background(), "", []string{tree}))

	// missing paths are ignored
	assert.Equal(t, 25, EstimateTokens(context.Background(), "", []string{single, filepath.Join(dir, "nope")}))
}

func TestExpandFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.go"), 1)
	writeFile(t, filepath.Join(dir, "b.go"), 1)
	writeFile(t, filepath.Join(dir, "sub", "c.go"), 1)
	writeFile(t, filepath.Join(dir, "sub", "d.md"), 1)

	files, err := ExpandFiles([]string{
		filepath.Join(dir, "sub", "*.md"),
		filepath.Join(dir, "**", "*.go"),
		filepath.Join(dir, "a.go"),
		filepath.Join(dir, "missing.txt"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "sub", "d.md"),
		filepath.Join(dir, "a.go"),
		filepath.Join(dir, "b.go"),
		filepath.Join(dir, "sub", "c.go"),
		filepath.Join(dir, "missing.txt"),
	}, files)

	_, err = ExpandFiles([]string{filepath.Join(dir, "[")})
	assert.ErrorContains(t, err, "invalid file pattern")
}

func TestFileRefs(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "main.go")
	writeFile(t, file, 1)
	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	refs, missing := FileRefs([]string{file, sub + "/", filepath.Join(dir, "gone.go")})
	assert.Equal(t, []string{file, filepath.ToSlash(sub) + "/**/*"}, refs)
	assert.Equal(t, []string{filepath.Join(dir, "gone.go")}, missing)
}
