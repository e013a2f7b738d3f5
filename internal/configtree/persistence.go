package configtree

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgemesh/supervisor/pkg/logging"
)

// txEntry is one line of the transaction log: spec §4.1's (ts, path, new_value).
type txEntry struct {
	Timestamp time.Time   `yaml:"ts"`
	Path      []string    `yaml:"path"`
	Value     interface{} `yaml:"value"`
}

// TransactionLog is an append-only, YAML-document-per-entry log file,
// written with the teacher's write-temp-then-rename durability pattern
// generalized from whole-file replace (internal/config/storage.go) to
// single-entry append: each Append opens the file for append, writes one
// YAML document, and syncs before returning, so a crash mid-write leaves at
// worst a truncated trailing document, which Replay skips with a warning
// per spec §4.1 ("a corrupt transaction log entry is skipped with a
// warning").
type TransactionLog struct {
	mu   sync.Mutex
	path string
}

// NewTransactionLog opens (creating if absent) the transaction log at path.
func NewTransactionLog(path string) (*TransactionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transaction log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transaction log: %w", err)
	}
	_ = f.Close()
	return &TransactionLog{path: path}, nil
}

// Append durably records one mutation.
func (l *TransactionLog) Append(ts time.Time, path []string, value interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transaction log for append: %w", err)
	}
	defer f.Close()

	data, err := yaml.Marshal(txEntry{Timestamp: ts, Path: path, Value: value})
	if err != nil {
		return fmt.Errorf("marshal transaction log entry: %w", err)
	}
	data = append([]byte("---\n"), data...)

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write transaction log entry: %w", err)
	}
	return f.Sync()
}

// Replay reads every entry from the log in order and calls apply for each
// one that parses cleanly; malformed entries are skipped with a warning
// (spec §4.1). apply is typically Tree.Write.
func (l *TransactionLog) Replay(apply func(ts time.Time, path []string, value interface{})) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read transaction log: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var entry txEntry
		err := dec.Decode(&entry)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			logging.Warn("ConfigTree", "skipping corrupt transaction log entry: %v", err)
			continue
		}
		apply(entry.Timestamp, entry.Path, entry.Value)
	}
}

// snapshotEntry is one leaf of a Snapshot: its path, value and modification
// time.
type snapshotEntry struct {
	Path    []string    `yaml:"path"`
	Value   interface{} `yaml:"value"`
	ModTime time.Time   `yaml:"modTime"`
}

// Snapshot serializes every leaf in the tree, deterministically ordered by
// path, so that two snapshots of the same logical state are byte-identical.
func (t *Tree) Snapshot() ([]byte, error) {
	var entries []snapshotEntry
	collectLeaves(t.root, nil, &entries)
	return yaml.Marshal(entries)
}

func collectLeaves(n *Node, prefix []string, out *[]snapshotEntry) {
	if value, ok := n.Value(); ok {
		*out = append(*out, snapshotEntry{Path: append([]string(nil), prefix...), Value: value, ModTime: n.ModTime()})
	}
	for _, name := range n.childNames() {
		child, ok := n.child(name)
		if !ok {
			continue
		}
		collectLeaves(child, append(append([]string(nil), prefix...), name), out)
	}
}

// Restore replays a snapshot produced by Snapshot, reconstructing every leaf
// and its modtime (spec §4.1 "restore replays modtimes"). Restore aborts
// only if the snapshot bytes themselves are unreadable; a restore of a valid
// but empty snapshot is a no-op, not an error.
func (t *Tree) Restore(data []byte) error {
	var entries []snapshotEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("restore: unreadable snapshot: %w", err)
	}
	for _, e := range entries {
		node := t.Lookup(e.Path...)
		node.setValue(e.Value, e.ModTime)
	}
	return nil
}

// SaveSnapshotFile writes the tree's snapshot to path atomically, using the
// teacher's write-temp-then-rename pattern (internal/config/storage.go).
func (t *Tree) SaveSnapshotFile(path string) error {
	data, err := t.Snapshot()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// LoadSnapshotFile restores the tree from the snapshot file at path. A
// missing file is treated as an empty snapshot (fresh start); any other read
// failure is fatal per spec §4.1.
func (t *Tree) LoadSnapshotFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load snapshot: base snapshot unreadable: %w", err)
	}
	return t.Restore(data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}
