//go:build !unix

package pluginfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// readSegments on non-POSIX hosts falls back to per-segment Lstat checks
// before the final open. Unlike the descriptor-relative walk on unix there
// is a residual window between the symlink check and the open; a native
// reparse-point-protected open would close it.
func readSegments(root string, segments []string) ([]byte, error) {
	current := root
	for _, seg := range segments {
		current = filepath.Join(current, seg)
		info, err := os.Lstat(current)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("%w: %s", ErrSymlink, current)
		}
	}

	info, err := os.Lstat(current)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", current, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a regular file", ErrUnsafePath, current)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, current, info.Size())
	}

	f, err := os.Open(current)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", current, err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", current, err)
	}
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, current)
	}
	return content, nil
}
