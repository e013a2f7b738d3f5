package core

import "time"

// Config holds a Supervisor's bootstrap-time settings. Grounded on the
// teacher's internal/app.Config (internal/app/config.go), trimmed from its
// CLI-mode/TUI-mode/yolo flags down to the settings a headless device
// orchestrator needs.
type Config struct {
	// Debug raises the log level to Debug.
	Debug bool

	// StateDir holds the Config Tree's snapshot file and transaction log,
	// and the Bootstrap Engine's task list and launch-directory slots.
	StateDir string

	// PackageCacheDir is where CachedPackageStore unpacks fetched packages.
	PackageCacheDir string

	// PackageCacheCapacity bounds the in-memory LRU of resolved package
	// paths (see internal/collaborator.CachedPackageStore).
	PackageCacheCapacity int

	// SnapshotDebounce is how long the Config Tree's SnapshotWatcher waits
	// after a filesystem event before reloading.
	SnapshotDebounce time.Duration
}

// NewConfig returns a Config with the supervisor's conventional defaults,
// mirroring the teacher's app.NewConfig constructor style.
func NewConfig(debug bool, stateDir string) *Config {
	return &Config{
		Debug:                debug,
		StateDir:             stateDir,
		PackageCacheDir:      stateDir + "/packages",
		PackageCacheCapacity: 256,
		SnapshotDebounce:     500 * time.Millisecond,
	}
}
