package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/abdul-hamid-achik/specrun/packages/pool"
)

// parseFileArg splits "path:12,15" into a path and the selected lines.
func parseFileArg(arg string) (pool.File, error) {
	path, lines := arg, ""
	if i := strings.LastIndex(arg, ":"); i > 0 && !isWindowsDrive(arg, i) {
		path, lines = arg[:i], arg[i+1:]
	}

	f := pool.File{Path: path}
	if lines == "" {
		return f, nil
	}
	for _, part := range strings.Split(lines, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return pool.File{}, fmt.Errorf("invalid line number %q in %s", part, arg)
		}
		f.LineNumbers = append(f.LineNumbers, n)
	}
	return f, nil
}

func isWindowsDrive(arg string, colon int) bool {
	return colon == 1 && len(arg) > 2 && (arg[2] == '\\' || arg[2] == '/')
}

// collectFiles resolves test file arguments to absolute paths. The same
// path given twice is run once, with its line selections combined.
func collectFiles(args []string) ([]pool.File, error) {
	var files []pool.File
	index := make(map[string]int)

	for _, arg := range args {
		f, err := parseFileArg(arg)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(f.Path)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", f.Path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory; pass test files", f.Path)
		}
		if abs, err := filepath.Abs(f.Path); err == nil {
			f.Path = abs
		}

		if i, ok := index[f.Path]; ok {
			if len(files[i].LineNumbers) == 0 || len(f.LineNumbers) == 0 {
				files[i].LineNumbers = nil
			} else {
				files[i].LineNumbers = append(files[i].LineNumbers, f.LineNumbers...)
			}
			continue
		}
		index[f.Path] = len(files)
		files = append(files, f)
	}

	return files, nil
}

func paths(files []pool.File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}
