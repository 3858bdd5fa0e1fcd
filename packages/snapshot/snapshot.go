// Package snapshot stores the values tests snapshot, one JSON file per test
// file, with blocks laid out in declaration order.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"
)

const (
	// SnapshotDir is the directory name for storing snapshots
	SnapshotDir = "__snapshots__"
	// SnapshotExt is the file extension for snapshot files
	SnapshotExt = ".snap.json"
	// FormatVersion is written into every snapshot file.
	FormatVersion = 1
)

// File is the on-disk layout.
type File struct {
	Version int     `json:"version"`
	Source  string  `json:"source,omitempty"`
	Blocks  []Block `json:"blocks"`
}

// Block holds the snapshots taken by one test, in assertion order.
type Block struct {
	Title     string            `json:"title"`
	Snapshots []json.RawMessage `json:"snapshots"`
}

// Result represents the result of a snapshot comparison.
type Result struct {
	Passed     bool
	Message    string
	Diff       string
	Expected   any
	Actual     any
	IsNew      bool
	WasUpdated bool
}

// SaveResult lists the files Save wrote.
type SaveResult struct {
	TouchedFiles []string
}

type block struct {
	title     string
	index     int
	skipped   bool
	recorded  map[int]json.RawMessage
	preserved map[int]bool
}

// Manager handles snapshot storage and comparison for one test file. It is
// safe for concurrent use by the tests of that file.
type Manager struct {
	testFile   string
	path       string
	updateMode bool

	mu      sync.Mutex
	stored  map[string][]json.RawMessage
	order   []string
	blocks  map[string]*block
	dirty   bool
	loadErr error
}

// NewManager creates a manager for testFile. Snapshots live in dir when it
// is set, otherwise in a __snapshots__ directory next to the test file.
func NewManager(testFile, dir string, updateMode bool) *Manager {
	m := &Manager{
		testFile:   testFile,
		path:       snapshotFilePath(testFile, dir),
		updateMode: updateMode,
		stored:     make(map[string][]json.RawMessage),
		blocks:     make(map[string]*block),
	}
	m.loadErr = m.load()
	return m
}

// Path returns the snapshot file location.
func (m *Manager) Path() string {
	return m.path
}

// Touch declares that the test title, declared at taskIndex, owns a block.
func (m *Manager) Touch(title string, taskIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockFor(title, taskIndex)
}

// SkipBlock keeps the stored snapshots of a test that will not run.
func (m *Manager) SkipBlock(title string, taskIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockFor(title, taskIndex).skipped = true
}

// SkipSnapshot keeps the stored value of one assertion that did not run.
func (m *Manager) SkipSnapshot(title string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.blockFor(title, -1)
	if b.preserved == nil {
		b.preserved = make(map[int]bool)
	}
	b.preserved[index] = true
}

// Compare checks actual against the snapshot stored at position index of
// the block owned by title. Missing snapshots are recorded; mismatches are
// recorded only in update mode.
func (m *Manager) Compare(title string, index int, actual any) *Result {
	result := &Result{Actual: actual}

	if m.loadErr != nil {
		result.Message = fmt.Sprintf("failed to load snapshots: %v", m.loadErr)
		return result
	}

	raw, err := json.Marshal(actual)
	if err != nil {
		result.Message = fmt.Sprintf("value cannot be snapshotted: %v", err)
		return result
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.blockFor(title, -1)
	stored := m.stored[title]

	if index >= len(stored) || stored[index] == nil {
		b.recorded[index] = raw
		m.dirty = true
		result.Passed = true
		result.IsNew = true
		result.Expected = actual
		result.Message = "new snapshot recorded"
		return result
	}

	expected := normalize(stored[index])
	got := normalize(raw)
	result.Expected = expected

	if reflect.DeepEqual(expected, got) {
		b.recorded[index] = stored[index]
		result.Passed = true
		return result
	}

	if m.updateMode {
		b.recorded[index] = raw
		m.dirty = true
		result.Passed = true
		result.WasUpdated = true
		result.Message = "snapshot updated"
		return result
	}

	result.Message = "snapshot mismatch"
	result.Diff = cmp.Diff(expected, got)
	return result
}

// Save writes the snapshot file when anything changed, with blocks in
// declaration order.
func (m *Manager) Save() (*SaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if !m.dirty && !(m.updateMode && m.hasObsolete()) {
		return &SaveResult{}, nil
	}

	file := File{
		Version: FormatVersion,
		Source:  filepath.Base(m.testFile),
		Blocks:  m.layout(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshots: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0644); err != nil {
		return nil, fmt.Errorf("writing snapshots: %w", err)
	}
	m.dirty = false
	return &SaveResult{TouchedFiles: []string{m.path}}, nil
}

func (m *Manager) layout() []Block {
	declared := make([]*block, 0, len(m.blocks))
	for _, b := range m.blocks {
		declared = append(declared, b)
	}
	sort.SliceStable(declared, func(i, j int) bool {
		return declared[i].index < declared[j].index
	})

	blocks := make([]Block, 0, len(declared))
	seen := make(map[string]bool, len(declared))
	for _, b := range declared {
		seen[b.title] = true
		entries := m.entries(b)
		if len(entries) == 0 {
			continue
		}
		blocks = append(blocks, Block{Title: b.title, Snapshots: entries})
	}

	if !m.updateMode {
		for _, title := range m.order {
			if !seen[title] {
				blocks = append(blocks, Block{Title: title, Snapshots: m.stored[title]})
			}
		}
	}
	return blocks
}

func (m *Manager) entries(b *block) []json.RawMessage {
	stored := m.stored[b.title]
	if b.skipped {
		return stored
	}

	n := 0
	for i := range b.recorded {
		n = max(n, i+1)
	}
	for i := range b.preserved {
		n = max(n, i+1)
	}
	if !m.updateMode {
		n = max(n, len(stored))
	}

	entries := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		if raw, ok := b.recorded[i]; ok {
			entries = append(entries, raw)
		} else if i < len(stored) {
			entries = append(entries, stored[i])
		}
	}
	return entries
}

func (m *Manager) hasObsolete() bool {
	for _, title := range m.order {
		b, ok := m.blocks[title]
		if !ok {
			return true
		}
		if !b.skipped && len(b.recorded) < len(m.stored[title]) {
			return true
		}
	}
	return false
}

// blockFor returns the block of title, creating it when needed. An index of
// -1 leaves an existing declaration index unchanged.
func (m *Manager) blockFor(title string, taskIndex int) *block {
	b, ok := m.blocks[title]
	if !ok {
		b = &block{title: title, index: taskIndex, recorded: make(map[int]json.RawMessage)}
		if taskIndex < 0 {
			b.index = len(m.blocks) + 1<<30
		}
		m.blocks[title] = b
	} else if taskIndex >= 0 {
		b.index = taskIndex
	}
	return b
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", m.path, err)
	}
	for _, b := range file.Blocks {
		if _, dup := m.stored[b.Title]; !dup {
			m.order = append(m.order, b.Title)
		}
		m.stored[b.Title] = b.Snapshots
	}
	return nil
}

// snapshotFilePath returns the path to the snapshot file for a test file.
func snapshotFilePath(testFile, dir string) string {
	base := filepath.Base(testFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if dir == "" {
		dir = filepath.Join(filepath.Dir(testFile), SnapshotDir)
	}
	return filepath.Join(dir, name+SnapshotExt)
}

// normalize decodes raw JSON so numbers and maps compare structurally.
func normalize(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
