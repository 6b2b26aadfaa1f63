package checkpoints

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ZipWeights archives every regular file in dir whose name contains one of
// markers into dst. It returns the archived file names in lexical order.
// Without a matching file no archive is created.
func ZipWeights(dir, dst string, markers ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !containsAny(e.Name(), markers) {
			continue
		}
		if filepath.Join(dir, e.Name()) == filepath.Clean(dst) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, nil
	}

	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	zw := zip.NewWriter(out)

	for _, name := range names {
		if err := addToZip(zw, filepath.Join(dir, name), name); err != nil {
			zw.Close()
			out.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, err
	}
	return names, nil
}

func addToZip(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}
	return nil
}

func containsAny(name string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}
