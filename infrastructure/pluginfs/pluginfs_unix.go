//go:build unix

package pluginfs

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// readSegments walks the path one descriptor-relative openat at a time.
// Directory segments are opened with O_NOFOLLOW|O_DIRECTORY; the final
// segment with O_NOFOLLOW. ELOOP from the kernel means a symlink was in the
// way, which is reported as ErrSymlink.
func readSegments(root string, segments []string) ([]byte, error) {
	dirFd, err := unix.Open(root, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, classifyOpenErr(root, err)
	}

	for _, seg := range segments[:len(segments)-1] {
		next, err := unix.Openat(dirFd, seg, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err == unix.ENOTDIR {
			// O_DIRECTORY|O_NOFOLLOW on a symlink reports ENOTDIR rather than
			// ELOOP; look at the entry itself to tell the two apart.
			var st unix.Stat_t
			if unix.Fstatat(dirFd, seg, &st, unix.AT_SYMLINK_NOFOLLOW) == nil && st.Mode&unix.S_IFMT == unix.S_IFLNK {
				err = unix.ELOOP
			}
		}
		_ = unix.Close(dirFd)
		if err != nil {
			return nil, classifyOpenErr(seg, err)
		}
		dirFd = next
	}

	final := segments[len(segments)-1]
	fd, err := unix.Openat(dirFd, final, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	_ = unix.Close(dirFd)
	if err != nil {
		return nil, classifyOpenErr(final, err)
	}

	f := os.NewFile(uintptr(fd), final)
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", final, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is not a regular file", ErrUnsafePath, final)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, final, info.Size())
	}

	content, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", final, err)
	}
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, final)
	}
	return content, nil
}

func classifyOpenErr(name string, err error) error {
	switch err {
	case unix.ELOOP, unix.EMLINK:
		return fmt.Errorf("%w: %s", ErrSymlink, name)
	case unix.ENOTDIR:
		return fmt.Errorf("%w: %s is not a directory", ErrUnsafePath, name)
	}
	return fmt.Errorf("open %s: %w", name, err)
}
