//go:build !windows

package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 管道等非常规文件被忽略；指向常规文件的符号链接被保留
func TestDiscoverSkipsNonRegular(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, syscall.Mkfifo(filepath.Join(dir, "H1_fifo_x.sft"), 0o644))
	target := filepath.Join(t.TempDir(), "real.bin")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "H1_link_x.sft")))

	ids, err := New(nil).Discover(context.Background(), dir, "x")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "H1_link_x.sft", filepath.Base(string(ids[0])))
}
