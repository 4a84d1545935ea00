package main

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// sourceExtensions marks files worth surfacing in read and search scenarios.
var sourceExtensions = map[string]bool{
	".go": true, ".md": true, ".txt": true, ".json": true,
	".yaml": true, ".yml": true, ".sh": true, ".sql": true,
}

// samplePaths returns up to n workspace-relative file paths, sorted so the
// output is stable across runs in the same directory.
func samplePaths(n int) []string {
	wd, err := os.Getwd()
	if err != nil {
		return []string{"workspace.txt"}
	}

	var paths []string
	_ = filepath.Walk(wd, func(path string, info os.FileInfo, err error) error {
		if err != nil || len(paths) >= 50 {
			return filepath.SkipAll
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != wd {
				return filepath.SkipDir
			}
			return nil
		}
		if sourceExtensions[strings.ToLower(filepath.Ext(info.Name()))] {
			rel, _ := filepath.Rel(wd, path)
			paths = append(paths, rel)
		}
		return nil
	})
	if len(paths) == 0 {
		return []string{"workspace.txt"}
	}
	sort.Strings(paths)
	if n < len(paths) {
		paths = paths[:n]
	}
	return paths
}

// sampleFile picks the first sample path and returns it with up to maxLines
// of its content. Missing or unreadable files fall back to placeholder text.
func sampleFile(maxLines int) (path, snippet string) {
	path = samplePaths(1)[0]

	f, err := os.Open(path)
	if err != nil {
		return path, "(empty workspace)"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 {
		return path, "(empty file)"
	}
	return path, strings.Join(lines, "\n")
}
