package sites

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// zipCompressionLevel balances deploy latency against download size.
const zipCompressionLevel = 6

// extractZip unpacks an uploaded archive into dst. Directory entries are
// skipped, intermediate directories are created as needed, and every
// file is written world-readable so the static server can serve it.
// Returns the relative paths written and their total size in bytes.
func extractZip(dst string, zipBytes []byte) ([]string, int64, error) {
	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}

	var files []string
	var size int64
	for _, entry := range reader.File {
		if strings.HasSuffix(entry.Name, "/") {
			continue
		}
		rel := filepath.FromSlash(entry.Name)
		if !filepath.IsLocal(rel) {
			return nil, 0, fmt.Errorf("%w: unsafe path %q", ErrBadArchive, entry.Name)
		}

		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, 0, fmt.Errorf("failed to create site directory: %w", err)
		}

		n, err := writeZipEntry(target, entry)
		if err != nil {
			return nil, 0, err
		}
		size += n
		files = append(files, filepath.ToSlash(rel))
	}

	if len(files) == 0 {
		return nil, 0, fmt.Errorf("%w: archive contains no files", ErrBadArchive)
	}

	sort.Strings(files)
	return files, size, nil
}

func writeZipEntry(target string, entry *zip.File) (int64, error) {
	rc, err := entry.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: cannot read %q", ErrBadArchive, entry.Name)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to write site file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, rc)
	if err != nil {
		return 0, fmt.Errorf("failed to extract %q: %w", entry.Name, err)
	}
	return n, nil
}

// buildZip re-archives a live site directory for download.
func buildZip(root string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, zipCompressionLevel)
	})

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		header := &zip.FileHeader{
			Name:     filepath.ToSlash(rel),
			Method:   zip.Deflate,
			Modified: info.ModTime(),
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive site: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// copyTree duplicates a directory tree with the store's world-readable
// permissions, independent of the source modes.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// listFiles enumerates the relative slash-separated paths of every file
// under root, sorted.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate site files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
