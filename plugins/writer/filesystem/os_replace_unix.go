//go:build !windows

package filesystem

import (
	"os"
)

// osReplace: POSIX 下 rename 为原子替换。
func osReplace(from, to string) error {
	return os.Rename(from, to)
}

// syncDir: 尽力 fsync 父目录以持久化目录项。
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
