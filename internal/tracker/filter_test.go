package tracker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFilter(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("*.log\nbuild/\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", ".gitignore"), []byte("secret.txt\n"), 0644))

	filter := BuildFilter(root, true, []string{"keep.log"}, []string{"vendor"})

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"main.go", false, true},
		{".timeline", true, false},
		{".timeline/timeline.db", false, false},
		{"debug.log", false, false},
		{"keep.log", false, true},
		{"build", true, false},
		{"vendor/x.go", false, false},
		{"vendorized.go", false, true},
		{"sub/secret.txt", false, false},
		{"secret.txt", false, true},
		{"sub/ok.txt", false, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, filter(tt.path, tt.isDir), tt.path)
	}
}

func TestBuildFilterWithoutGitignore(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("*.log\n"), 0644))

	filter := BuildFilter(root, false, nil, nil)
	assert.True(t, filter("debug.log", false))
	assert.False(t, filter(".timeline/x", false))
}
