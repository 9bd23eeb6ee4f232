package common

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"root", "/", ""},
		{"dot", ".", ""},
		{"simple", "foo", "foo"},
		{"leading_slash", "/foo", "foo"},
		{"trailing_slash", "foo/", "foo"},
		{"nested", "/foo/bar/", "foo/bar"},
		{"dot_prefix", "./foo", "foo"},
		{"dotdot_middle", "foo/../bar", "bar"},
		{"dotdot_prefix_is_clamped", "../foo", "foo"},
		{"double_slash", "foo//bar", "foo/bar"},
		{"backslashes", `src\pkg\main.go`, "src/pkg/main.go"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizePath(tt.input), "NormalizePath(%q)", tt.input)
		})
	}
}

func TestSplitAndParent(t *testing.T) {
	t.Parallel()

	assert.Nil(t, SplitPath("/"))
	assert.Equal(t, []string{"a", "b", "c.txt"}, SplitPath("/a/b/c.txt"))
	assert.Equal(t, "a/b", ParentPath("a/b/c.txt"))
	assert.Equal(t, "", ParentPath("c.txt"))
	assert.Equal(t, "", ParentPath(""))
}

func TestIsUnder(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUnder("src/main.go", "src"))
	assert.True(t, IsUnder("src", "src"))
	assert.True(t, IsUnder("anything", ""))
	assert.False(t, IsUnder("srcfoo/main.go", "src"))
	assert.False(t, IsUnder("lib/main.go", "src"))
}

func TestSafeJoin(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	t.Run("joins relative path", func(t *testing.T) {
		got, err := SafeJoin(root, "a/b.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "a", "b.txt"), got)
	})

	t.Run("rejects traversal", func(t *testing.T) {
		for _, rel := range []string{"../etc/passwd", "a/../../x", ".."} {
			_, err := SafeJoin(root, rel)
			assert.True(t, errors.Is(err, ErrInvalidPath), "expected ErrInvalidPath for %q", rel)
		}
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := SafeJoin(root, "/")
		assert.True(t, errors.Is(err, ErrInvalidPath))
	})
}
