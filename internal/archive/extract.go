package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var (
	// ErrMalformed indicates the payload did not parse as a zip archive.
	ErrMalformed = errors.New("archive: malformed or not a zip archive")
	// ErrTooLarge indicates the extracted contents exceed the size bound.
	ErrTooLarge = errors.New("archive: extracted size exceeds limit")
	// ErrUnsafePath indicates an entry tried to escape the destination.
	ErrUnsafePath = errors.New("archive: entry path escapes destination")
	// ErrEmpty indicates the archive holds no regular files.
	ErrEmpty = errors.New("archive: no files to extract")
)

// Extract unpacks the zip payload into dest, which must already exist and be
// empty. The total uncompressed size is enforced while writing so a
// decompression bomb cannot exhaust the disk. Any failure removes everything
// written so far; dest never holds a partial extraction.
func Extract(data []byte, dest string, maxBytes int64) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ErrMalformed
	}
	if err := extractAll(reader, dest, maxBytes); err != nil {
		if cleanupErr := clearDir(dest); cleanupErr != nil {
			return fmt.Errorf("%w (cleanup failed: %v)", err, cleanupErr)
		}
		return err
	}
	return nil
}

func extractAll(reader *zip.Reader, dest string, maxBytes int64) error {
	var written int64
	files := 0
	for _, entry := range reader.File {
		target, err := resolveEntryPath(dest, entry.Name)
		if err != nil {
			return err
		}
		mode := entry.Mode()
		switch {
		case entry.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", entry.Name, err)
			}
		case mode&os.ModeSymlink != 0:
			// Symlinks could point anywhere on the host; drop them.
			continue
		case mode.IsRegular():
			n, err := writeEntry(entry, target, maxBytes-written)
			written += n
			if err != nil {
				return err
			}
			files++
		default:
			continue
		}
		if maxBytes > 0 && written > maxBytes {
			return ErrTooLarge
		}
	}
	if files == 0 {
		return ErrEmpty
	}
	return nil
}

// resolveEntryPath confines an archive entry name under dest. Absolute paths
// and traversal sequences are rejected outright; the securejoin pass guards
// against symlink tricks on the partially extracted tree.
func resolveEntryPath(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target, err := securejoin.SecureJoin(dest, cleaned)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func writeEntry(entry *zip.File, target string, remaining int64) (int64, error) {
	if remaining <= 0 {
		return 0, ErrTooLarge
	}
	if entry.UncompressedSize64 > uint64(remaining) {
		return 0, ErrTooLarge
	}
	src, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent for %s: %w", entry.Name, err)
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file %s: %w", entry.Name, err)
	}
	defer dst.Close()

	// Copy one byte past the allowance so an entry lying about its
	// uncompressed size is still caught.
	n, err := io.Copy(dst, io.LimitReader(src, remaining+1))
	if err != nil {
		return n, fmt.Errorf("write %s: %w", entry.Name, err)
	}
	if n > remaining {
		return n, ErrTooLarge
	}
	return n, nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
