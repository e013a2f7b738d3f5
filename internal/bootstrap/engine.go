package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/edgemesh/supervisor/internal/collaborator"
	"github.com/edgemesh/supervisor/internal/model"
	"github.com/edgemesh/supervisor/pkg/logging"
)

// Engine is the Bootstrap & Kernel-Alternatives Engine. It implements
// merge.BootstrapCoordinator so the Merge Engine can consult it without
// importing this package's internals.
type Engine struct {
	mu    sync.Mutex
	dirs  *LaunchDirectories
	tasks *TaskList

	executor  collaborator.ScriptExecutor
	restarter collaborator.SupervisorRestarter

	components func() map[string]*model.Component
}

// Config holds an Engine's collaborators and persistence locations.
type Config struct {
	LaunchRoot   string // contains slots "a", "b", and the "current" symlink
	TaskListPath string
	Executor     collaborator.ScriptExecutor
	Restarter    collaborator.SupervisorRestarter
	// Components returns the live component set, consulted when running
	// bootstrap tasks by name.
	Components func() map[string]*model.Component
}

// New constructs an Engine, creating the launch-directory slots if absent
// and loading any in-progress task list left over from a prior restart.
func New(cfg Config) (*Engine, error) {
	dirs, err := NewLaunchDirectories(cfg.LaunchRoot)
	if err != nil {
		return nil, err
	}
	tasks, err := LoadTaskList(cfg.TaskListPath)
	if err != nil {
		return nil, err
	}
	return &Engine{
		dirs:       dirs,
		tasks:      tasks,
		executor:   cfg.Executor,
		restarter:  cfg.Restarter,
		components: cfg.Components,
	}, nil
}

// DetermineStage classifies a deployment as requiring kernel activation
// when any changed component is a TypeNucleus component (spec §4.5 "a
// nucleus-component change always triggers the kernel-alternatives
// protocol"); otherwise, if the persisted task list still has pending tasks,
// as requiring those bootstrap tasks to be resumed; otherwise the deployment
// proceeds through the Merge Engine's ordinary in-process path.
func (e *Engine) DetermineStage(ctx context.Context, doc *model.DeploymentDocument, changed []*model.Component) (model.DeploymentStage, error) {
	for _, component := range changed {
		if component.Type == model.TypeNucleus {
			return model.StageKernelActivation, nil
		}
	}
	if !e.tasks.IsComplete() {
		return model.StageBootstrap, nil
	}
	return model.StageDefault, nil
}

// ExecuteStage runs the protocol for stage.
func (e *Engine) ExecuteStage(ctx context.Context, stage model.DeploymentStage, doc *model.DeploymentDocument) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch stage {
	case model.StageKernelActivation:
		return e.activate(ctx, doc)
	case model.StageBootstrap:
		return e.resumeBootstrap(ctx)
	case model.StageKernelRollback:
		return e.rollback(ctx)
	default:
		return nil
	}
}

// StagingPath exposes the inactive slot's path so the Merge Engine (or a
// PackageStore fetch) can unpack a new nucleus payload there before
// activation is requested.
func (e *Engine) StagingPath() (string, error) {
	return e.dirs.StagingPath()
}

// activate runs the atomic activation protocol: prepare the task list for
// the new slot's components, flip "current" to it, and run its bootstrap
// tasks, requesting a supervisor restart only when a task exits with the
// restart (100) or reboot (101) code. If any step fails
// before the flip, nothing has changed and the caller's normal rollback
// path suffices; if it fails after the flip, rollback() must be called
// explicitly by the caller (the Merge Engine's failure handler).
func (e *Engine) activate(ctx context.Context, doc *model.DeploymentDocument) error {
	staging, err := e.dirs.Inactive()
	if err != nil {
		return fmt.Errorf("determine staging slot: %w", err)
	}
	if e.dirs.IsBroken(staging) {
		return fmt.Errorf("staging slot %s is marked broken, refusing to activate", staging)
	}

	names := make([]string, 0, len(doc.Packages))
	for name := range doc.Packages {
		names = append(names, name)
	}
	if err := e.tasks.Reset(names); err != nil {
		return fmt.Errorf("prepare bootstrap task list: %w", err)
	}

	if err := e.dirs.Activate(staging); err != nil {
		return fmt.Errorf("activate slot %s: %w", staging, err)
	}
	logging.Info("Bootstrap", "activated launch directory slot %s", staging)

	return e.resumeBootstrap(ctx)
}

// resumeBootstrap continues (or starts) running the persisted task list
// against the currently active slot's components.
func (e *Engine) resumeBootstrap(ctx context.Context) error {
	if e.tasks.IsComplete() {
		return nil
	}
	components := e.components()
	exitAction, err := RunSequentially(ctx, components, e.executor, e.tasks)
	if err != nil {
		return fmt.Errorf("bootstrap task sequence: %w", err)
	}

	switch exitAction {
	case model.ExitRestartRequired, model.ExitRebootRequired:
		if e.restarter != nil {
			return e.restarter.RequestRestart(ctx, "bootstrap task requested restart")
		}
	}
	return nil
}

// rollback flips "current" back to the previously-active slot and marks
// the failed slot broken so it is never selected again until reprovisioned
// (spec §4.5's fourth protocol step, "a failed activation's slot is marked
// broken and the prior slot reactivated").
func (e *Engine) rollback(ctx context.Context) error {
	failed, err := e.dirs.Current()
	if err != nil {
		return fmt.Errorf("determine failed slot: %w", err)
	}
	previous, err := e.dirs.Inactive()
	if err != nil {
		return fmt.Errorf("determine rollback target slot: %w", err)
	}
	if err := e.dirs.Activate(previous); err != nil {
		return fmt.Errorf("reactivate previous slot %s: %w", previous, err)
	}
	if failed != "" {
		if err := e.dirs.MarkBroken(failed); err != nil {
			logging.Warn("Bootstrap", "failed to mark slot %s broken: %v", failed, err)
		}
	}
	logging.Warn("Bootstrap", "rolled back launch directory to slot %s, marked %s broken", previous, failed)

	if e.restarter != nil {
		return e.restarter.RequestRestart(ctx, "kernel activation rollback")
	}
	return nil
}

// taskListPathFor is a small helper kept for callers constructing a
// conventional per-root task list path.
func taskListPathFor(root string) string {
	return filepath.Join(root, "bootstrap-tasks.yaml")
}
