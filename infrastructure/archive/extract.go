// Package archive extracts plugin packages into a plugin root. Extraction is
// defensive: entry counts, per-entry and total sizes are bounded, paths must
// stay inside the target, symlinks are rejected, and the write is atomic with
// keep-N rollback versions.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/cuk-labs/usagebar/infrastructure/pluginfs"
)

const (
	// MaxEntrySize bounds a single extracted file.
	MaxEntrySize = 10 << 20 // 10 MiB
	// MaxTotalSize bounds the whole extracted tree, counted from bytes
	// actually written, never from archive metadata.
	MaxTotalSize = 50 << 20 // 50 MiB
	// MaxEntries bounds the number of archive entries.
	MaxEntries = 1000
	// KeepVersions is how many prior plugin versions are retained for
	// rollback.
	KeepVersions = 3
)

var (
	// ErrPathTraversal is returned for absolute or escaping entry paths.
	ErrPathTraversal = errors.New("archive: entry path escapes target")
	// ErrSymlinkEntry is returned for symlink or other non-regular entries.
	ErrSymlinkEntry = errors.New("archive: symlink entry rejected")
	// ErrEntryTooLarge is returned when one entry exceeds MaxEntrySize.
	ErrEntryTooLarge = errors.New("archive: entry too large")
	// ErrArchiveTooLarge is returned when total written bytes exceed MaxTotalSize.
	ErrArchiveTooLarge = errors.New("archive: total size too large")
	// ErrTooManyEntries is returned when the archive has more than MaxEntries.
	ErrTooManyEntries = errors.New("archive: too many entries")
	// ErrForbiddenExtension is returned for file types outside the allow-list.
	ErrForbiddenExtension = errors.New("archive: forbidden file extension")
)

var allowedExtensions = map[string]bool{
	".js":   true,
	".json": true,
	".png":  true,
	".svg":  true,
}

// Extract unpacks the zip at archivePath into target. The previous content
// of target, if any, is rotated into a ".v1" sibling (older versions shift
// up, the oldest beyond KeepVersions is removed) so Rollback can restore it.
// All validation happens before the first byte lands in target: extraction
// goes to a temp sibling which replaces target with a rename.
func Extract(archivePath, target string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	if len(r.File) > MaxEntries {
		return fmt.Errorf("%w: %d entries", ErrTooManyEntries, len(r.File))
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("create plugins dir: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, filepath.Base(target)+".extract-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	var total int64
	for _, f := range r.File {
		if err := extractEntry(f, tmp, &total); err != nil {
			return err
		}
	}

	if err := rotateVersions(target); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("activate extracted tree: %w", err)
	}
	return nil
}

func extractEntry(f *zip.File, tmp string, total *int64) error {
	name := strings.TrimSuffix(f.Name, "/")
	if name == "" {
		return fmt.Errorf("%w: empty entry name", ErrPathTraversal)
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("%w: %q", ErrPathTraversal, f.Name)
	}
	if _, err := pluginfs.SplitRelative(name); err != nil {
		return fmt.Errorf("%w: %q", ErrPathTraversal, f.Name)
	}

	mode := f.Mode()
	if mode&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: %q", ErrSymlinkEntry, f.Name)
	}
	if mode.IsDir() || strings.HasSuffix(f.Name, "/") {
		return os.MkdirAll(filepath.Join(tmp, filepath.FromSlash(name)), 0755)
	}
	if !mode.IsRegular() {
		return fmt.Errorf("%w: %q is not a regular file", ErrSymlinkEntry, f.Name)
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return fmt.Errorf("%w: %q", ErrForbiddenExtension, f.Name)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %q: %w", f.Name, err)
	}
	defer src.Close()

	dest := filepath.Join(tmp, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create entry dir: %w", err)
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create entry %q: %w", f.Name, err)
	}
	defer out.Close()

	// The reader is capped one byte past the entry limit so an oversized
	// entry is distinguishable from an exactly-at-limit one. Written bytes
	// are what count against the totals; compressed sizes in the central
	// directory are attacker-controlled.
	written, err := io.Copy(out, io.LimitReader(src, MaxEntrySize+1))
	if err != nil {
		return fmt.Errorf("write entry %q: %w", f.Name, err)
	}
	if written > MaxEntrySize {
		return fmt.Errorf("%w: %q", ErrEntryTooLarge, f.Name)
	}
	*total += written
	if *total > MaxTotalSize {
		return fmt.Errorf("%w: %d bytes written", ErrArchiveTooLarge, *total)
	}
	return nil
}

func versionPath(target string, n int) string {
	return fmt.Sprintf("%s.v%d", target, n)
}

func rotateVersions(target string) error {
	if _, err := os.Lstat(target); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat current version: %w", err)
	}
	if err := os.RemoveAll(versionPath(target, KeepVersions)); err != nil {
		return fmt.Errorf("drop oldest version: %w", err)
	}
	for n := KeepVersions - 1; n >= 1; n-- {
		from := versionPath(target, n)
		if _, err := os.Lstat(from); err == nil {
			if err := os.Rename(from, versionPath(target, n+1)); err != nil {
				return fmt.Errorf("rotate version %d: %w", n, err)
			}
		}
	}
	if err := os.Rename(target, versionPath(target, 1)); err != nil {
		return fmt.Errorf("retire current version: %w", err)
	}
	return nil
}

// Promote moves an already-validated tree into place, rotating the previous
// content of target into the version chain exactly like Extract does.
func Promote(src, target string) error {
	if err := rotateVersions(target); err != nil {
		return err
	}
	if err := os.Rename(src, target); err != nil {
		return fmt.Errorf("activate tree: %w", err)
	}
	return nil
}

// Rollback replaces target with its most recent retained version. The
// replaced tree is discarded, not re-versioned.
func Rollback(target string) error {
	prev := versionPath(target, 1)
	if _, err := os.Lstat(prev); err != nil {
		return fmt.Errorf("no previous version: %w", err)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("remove current version: %w", err)
	}
	if err := os.Rename(prev, target); err != nil {
		return fmt.Errorf("restore previous version: %w", err)
	}
	for n := 2; n <= KeepVersions; n++ {
		from := versionPath(target, n)
		if _, err := os.Lstat(from); err == nil {
			if err := os.Rename(from, versionPath(target, n-1)); err != nil {
				return fmt.Errorf("shift version %d: %w", n, err)
			}
		}
	}
	return nil
}
