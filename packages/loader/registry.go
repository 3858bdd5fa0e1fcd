package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/abdul-hamid-achik/specrun/packages/core/runner"
)

// Registry holds compiled suites keyed by their source file.
type Registry struct {
	mu     sync.RWMutex
	suites map[string]Suite
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{suites: make(map[string]Suite)}
}

var defaultRegistry = NewRegistry()

// Default returns the registry used by Register.
func Default() *Registry {
	return defaultRegistry
}

// Register adds suite to the default registry under the file that calls
// Register and returns that file.
func Register(suite Suite) string {
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		panic("loader: cannot determine the file registering a suite")
	}
	defaultRegistry.Add(file, suite)
	return file
}

// Add registers suite under file. It panics on a duplicate.
func (r *Registry) Add(file string, suite Suite) {
	key := normalize(file)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.suites[key]; dup {
		panic(fmt.Sprintf("loader: suite for %s registered twice", file))
	}
	r.suites[key] = suite
}

// Files returns the registered files, sorted.
func (r *Registry) Files() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	files := make([]string, 0, len(r.suites))
	for file := range r.suites {
		files = append(files, file)
	}
	sort.Strings(files)
	return files
}

// Has reports whether file resolves to a registered suite.
func (r *Registry) Has(file string) bool {
	_, _, ok := r.lookup(file)
	return ok
}

// lookup matches file exactly or, for relative paths, by path suffix.
func (r *Registry) lookup(file string) (string, Suite, bool) {
	key := normalize(file)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if suite, ok := r.suites[key]; ok {
		return key, suite, true
	}
	suffix := "/" + strings.TrimPrefix(filepath.ToSlash(filepath.Clean(file)), "./")
	var found string
	for registered := range r.suites {
		if strings.HasSuffix(filepath.ToSlash(registered), suffix) {
			if found != "" {
				return "", nil, false
			}
			found = registered
		}
	}
	if found == "" {
		return "", nil, false
	}
	return found, r.suites[found], true
}

func (r *Registry) Load(ctx context.Context, file string, test *runner.Chain) error {
	_, suite, ok := r.lookup(file)
	if !ok {
		return fmt.Errorf("%s: no suite registered", file)
	}
	return declare(file, suite, test)
}

func (r *Registry) Dependencies(file string) []string {
	key, _, ok := r.lookup(file)
	if !ok {
		return nil
	}
	return []string{key}
}

func normalize(file string) string {
	if abs, err := filepath.Abs(file); err == nil {
		return abs
	}
	return filepath.Clean(file)
}
