package agent

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/pgzip"
)

// maxArchiveFileSize — ограничение на размер одного файла в архиве.
const maxArchiveFileSize = 256 << 20

// ExtractArchive распаковывает tar.gz архив проекта в dir.
// Пути вне dir и symlinks отклоняются.
func ExtractArchive(data []byte, dir string) error {
	gz, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrArchive, err)
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if !filepath.IsLocal(name) {
			return fmt.Errorf("%w: entry %q escapes the work directory", ErrArchive, hdr.Name)
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			if hdr.Size > maxArchiveFileSize {
				return fmt.Errorf("%w: entry %q is too large", ErrArchive, hdr.Name)
			}
			if err := writeFile(target, tr, hdr.Size); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported entry type for %q", ErrArchive, hdr.Name)
		}
	}
}

func writeFile(path string, r io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrArchive, err)
	}
	return f.Close()
}
