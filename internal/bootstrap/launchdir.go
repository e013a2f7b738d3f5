// Package bootstrap implements the Bootstrap & Kernel-Alternatives Engine
// (spec §4.5): it runs a deployment's one-time bootstrap tasks to
// completion and flips the active launch directory between two
// kernel-alternative slots via an atomic symlink rename, rolling back the
// flip if activation does not succeed.
//
// Grounded on the atomic rename idiom used for durable file promotion in
// theRebelliousNerd-codenerd's internal/autopoiesis/prompt_evolution
// (pending -> promoted/rejected via os.Rename) and internal/tactile/audit.go
// (log rotation via os.Rename to a backup path), generalized here from
// whole-file moves to a symlink retarget so that "current" always points at
// a complete, previously-validated slot or never moves at all.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgemesh/supervisor/internal/model"
)

const currentLinkName = "current"

// LaunchDirectories manages the two physical kernel-alternative slots ("a"
// and "b") beneath root and the "current" symlink that selects between
// them.
type LaunchDirectories struct {
	root string
}

// NewLaunchDirectories returns a manager rooted at root, which must contain
// (or will be created with) subdirectories "a" and "b".
func NewLaunchDirectories(root string) (*LaunchDirectories, error) {
	for _, slot := range []string{"a", "b"} {
		if err := os.MkdirAll(filepath.Join(root, slot), 0o755); err != nil {
			return nil, fmt.Errorf("create launch slot %s: %w", slot, err)
		}
	}
	return &LaunchDirectories{root: root}, nil
}

func (l *LaunchDirectories) slotPath(slot string) string {
	return filepath.Join(l.root, slot)
}

func (l *LaunchDirectories) linkPath() string {
	return filepath.Join(l.root, currentLinkName)
}

// Current returns the slot ("a" or "b") that "current" points at, or "" if
// unset (first boot).
func (l *LaunchDirectories) Current() (string, error) {
	target, err := os.Readlink(l.linkPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read current launch symlink: %w", err)
	}
	return filepath.Base(target), nil
}

// Inactive returns the slot not currently selected, i.e. the one new
// payloads should be staged into before activation.
func (l *LaunchDirectories) Inactive() (string, error) {
	current, err := l.Current()
	if err != nil {
		return "", err
	}
	switch current {
	case "a", "":
		return "b", nil
	case "b":
		return "a", nil
	default:
		return "", fmt.Errorf("unrecognized current launch slot %q", current)
	}
}

// StagingPath returns the directory a new payload should be unpacked into
// before activation: the currently inactive slot.
func (l *LaunchDirectories) StagingPath() (string, error) {
	slot, err := l.Inactive()
	if err != nil {
		return "", err
	}
	return l.slotPath(slot), nil
}

// Activate atomically retargets "current" to slot. Implemented as
// symlink-to-temp-name then os.Rename over the existing link, so a crash
// mid-flip leaves the previous symlink intact rather than a dangling one
// (spec §4.5 "the flip itself is a single atomic filesystem operation").
func (l *LaunchDirectories) Activate(slot string) error {
	tmp := l.linkPath() + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(l.slotPath(slot), tmp); err != nil {
		return fmt.Errorf("create staging symlink for slot %s: %w", slot, err)
	}
	if err := os.Rename(tmp, l.linkPath()); err != nil {
		return fmt.Errorf("activate slot %s: %w", slot, err)
	}
	return nil
}

// MarkBroken records that slot must not be selected again until its
// contents are replaced, by dropping a sentinel file an operator or the
// next bootstrap can check for. The spec's LaunchBroken name (spec §4.5)
// is advisory bookkeeping, not an OS-level protection.
func (l *LaunchDirectories) MarkBroken(slot string) error {
	marker := filepath.Join(l.slotPath(slot), ".broken")
	return os.WriteFile(marker, []byte{}, 0o644)
}

// IsBroken reports whether slot carries a broken marker from a prior failed
// activation.
func (l *LaunchDirectories) IsBroken(slot string) bool {
	_, err := os.Stat(filepath.Join(l.slotPath(slot), ".broken"))
	return err == nil
}

// ClearBroken removes slot's broken marker, e.g. after it has been
// reprovisioned with a fresh payload.
func (l *LaunchDirectories) ClearBroken(slot string) error {
	err := os.Remove(filepath.Join(l.slotPath(slot), ".broken"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// nameFor converts a model.LaunchDirectoryName into this package's "a"/"b"
// slot naming, where LaunchCurrent/LaunchOld are resolved relative to l's
// current state.
func (l *LaunchDirectories) nameFor(name model.LaunchDirectoryName) (string, error) {
	switch name {
	case model.LaunchCurrent:
		return l.Current()
	case model.LaunchOld:
		return l.Inactive()
	default:
		return "", fmt.Errorf("cannot resolve launch directory name %v to a slot directly", name)
	}
}
