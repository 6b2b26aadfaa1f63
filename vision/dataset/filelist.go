// Package dataset lists, checks and loads detection samples stored in the
// YOLO layout: images/<split>/<name>.jpg with labels/<split>/<name>.txt.
package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-detect/parallel"
)

// ImageExtensions are the file suffixes treated as images.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

// Splits are the dataset splits listed by WritePathLists.
var Splits = []string{"train2017", "val2017", "test2017"}

// ReadFileList reads a list file with one image path per line and rewrites
// each entry to imageDir/<basename>. Blank lines are skipped.
func ReadFileList(listPath, imageDir string) ([]string, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file list: %w", err)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = strings.ReplaceAll(line, `\`, "/")
		paths = append(paths, filepath.Join(imageDir, filepath.Base(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file list %s: %w", listPath, err)
	}
	return paths, nil
}

// FileReport counts which listed files exist.
type FileReport struct {
	Existing int
	Missing  int

	// Present holds the existing paths in list order
	Present []string
}

// CheckFiles stats every path on up to workers goroutines.
func CheckFiles(paths []string, workers int) FileReport {
	exists := make([]bool, len(paths))
	parallel.ForEach(len(paths), workers, func(i int) {
		info, err := os.Stat(paths[i])
		exists[i] = err == nil && info.Mode().IsRegular()
	})

	r := FileReport{Present: make([]string, 0, len(paths))}
	for i, ok := range exists {
		if ok {
			r.Existing++
			r.Present = append(r.Present, paths[i])
		} else {
			r.Missing++
		}
	}
	return r
}

// LabelPath maps .../images/<split>/<name>.<ext> to .../labels/<split>/<name>.txt.
func LabelPath(imagePath string) string {
	dir, file := filepath.Split(imagePath)
	parts := strings.Split(filepath.ToSlash(filepath.Clean(dir)), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "images" {
			parts[i] = "labels"
			break
		}
	}
	stem := strings.TrimSuffix(file, filepath.Ext(file))
	return filepath.Join(filepath.FromSlash(strings.Join(parts, "/")), stem+".txt")
}

// SplitListing is the result of listing one split.
type SplitListing struct {
	Split  string
	Output string
	Count  int
}

// WritePathLists writes baseDir/<split>_paths.txt for every split, each line
// being ./images/<split>/<file>. A split without an image directory yields
// an empty list.
func WritePathLists(baseDir string, splits []string) ([]SplitListing, error) {
	var out []SplitListing
	for _, split := range splits {
		rel := "images/" + split
		entries, err := os.ReadDir(filepath.Join(baseDir, filepath.FromSlash(rel)))
		if err != nil && !os.IsNotExist(err) {
			return out, fmt.Errorf("failed to list %s: %w", rel, err)
		}

		var lines []string
		for _, e := range entries {
			if e.IsDir() || !isImage(e.Name()) {
				continue
			}
			lines = append(lines, "./"+rel+"/"+e.Name())
		}
		sort.Strings(lines)

		output := filepath.Join(baseDir, split+"_paths.txt")
		if err := os.WriteFile(output, []byte(strings.Join(lines, "\n")), 0644); err != nil {
			return out, fmt.Errorf("failed to write %s: %w", output, err)
		}
		out = append(out, SplitListing{Split: split, Output: output, Count: len(lines)})
	}
	return out, nil
}

func isImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
