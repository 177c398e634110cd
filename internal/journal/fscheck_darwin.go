//go:build darwin

package journal

import (
	"fmt"
	"syscall"
)

func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	return fsTypeName(stat.Fstypename[:]), nil
}

// fsTypeName converts the NUL-terminated statfs name buffer to a string.
func fsTypeName(buf []int8) string {
	out := make([]byte, 0, len(buf))
	for _, c := range buf {
		if c == 0 {
			break
		}
		out = append(out, byte(c))
	}
	return string(out)
}
