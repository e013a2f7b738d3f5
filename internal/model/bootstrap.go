package model

// BootstrapTaskStatus is the persisted status of a single bootstrap task.
type BootstrapTaskStatus string

const (
	BootstrapPending BootstrapTaskStatus = "PENDING"
	BootstrapDone    BootstrapTaskStatus = "DONE"
)

// BootstrapTask is one entry of the persisted bootstrap task list
// (spec §3 "Bootstrap task list").
type BootstrapTask struct {
	ComponentName string              `yaml:"componentName"`
	Status        BootstrapTaskStatus `yaml:"status"`
	LastExitCode  int                 `yaml:"lastExitCode"`
}

// Bootstrap task process exit codes, per spec §6.
const (
	ExitContinue           = 0
	ExitRestartRequired    = 100
	ExitRebootRequired     = 101
	// Anything else (>=1, excluding 100/101) is fatal.
)

// LaunchDirectoryName names a role of a launch directory. Only "current" is
// a symbolic link on disk (see internal/bootstrap's LaunchDirectories); "old"
// is the inactive slot, and a broken slot is recorded by a marker file, not
// by a "broken" link.
type LaunchDirectoryName string

const (
	LaunchCurrent LaunchDirectoryName = "current"
	LaunchOld     LaunchDirectoryName = "old"
	LaunchBroken  LaunchDirectoryName = "broken"
)
