package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/edgemesh/supervisor/internal/collaborator"
	"github.com/edgemesh/supervisor/internal/model"
	"github.com/edgemesh/supervisor/pkg/logging"
)

// TaskList is the persisted record of which components still owe a
// bootstrap script run after a kernel activation, surviving a supervisor
// restart mid-sequence (spec §4.5 "the task list is durable: a crash
// between two tasks resumes at the first still-pending one").
type TaskList struct {
	path  string
	tasks []model.BootstrapTask
}

// LoadTaskList reads the task list at path, or returns an empty list if the
// file does not yet exist.
func LoadTaskList(path string) (*TaskList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &TaskList{path: path}, nil
		}
		return nil, fmt.Errorf("read bootstrap task list: %w", err)
	}
	var tasks []model.BootstrapTask
	if err := yaml.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse bootstrap task list: %w", err)
	}
	return &TaskList{path: path, tasks: tasks}, nil
}

// Reset replaces the task list with one pending entry per component name,
// then persists it, starting a fresh bootstrap sequence.
func (l *TaskList) Reset(components []string) error {
	l.tasks = make([]model.BootstrapTask, 0, len(components))
	for _, name := range components {
		l.tasks = append(l.tasks, model.BootstrapTask{ComponentName: name, Status: model.BootstrapPending})
	}
	return l.save()
}

// Pending returns the component names still awaiting a bootstrap run, in
// list order.
func (l *TaskList) Pending() []string {
	var out []string
	for _, task := range l.tasks {
		if task.Status == model.BootstrapPending {
			out = append(out, task.ComponentName)
		}
	}
	return out
}

// IsComplete reports whether every task has finished.
func (l *TaskList) IsComplete() bool {
	return len(l.Pending()) == 0
}

func (l *TaskList) markDone(name string, exitCode int) error {
	for i := range l.tasks {
		if l.tasks[i].ComponentName == name {
			l.tasks[i].Status = model.BootstrapDone
			l.tasks[i].LastExitCode = exitCode
		}
	}
	return l.save()
}

func (l *TaskList) save() error {
	if l.path == "" {
		return nil
	}
	data, err := yaml.Marshal(l.tasks)
	if err != nil {
		return fmt.Errorf("marshal bootstrap task list: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create bootstrap task list directory: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write bootstrap task list: %w", err)
	}
	return os.Rename(tmp, l.path)
}

// RunSequentially executes each pending task's bootstrap script in list
// order, stopping at the first failure (spec §4.5 "bootstrap tasks run
// strictly in order; a failure aborts the remainder"). Exit code semantics
// follow spec §4.5's reserved codes: 0 continues to the next task, 100
// requests the owning process be restarted before continuing (handled by
// the caller re-invoking RunSequentially after restart), 101 requests a
// full device reboot, and any other non-zero code is a hard failure.
func RunSequentially(ctx context.Context, components map[string]*model.Component, executor collaborator.ScriptExecutor, tasks *TaskList) (exitAction int, err error) {
	for _, name := range tasks.Pending() {
		component, ok := components[name]
		if !ok {
			return 0, fmt.Errorf("bootstrap task list references unknown component %s", name)
		}

		logging.Info("Bootstrap", "running bootstrap script for %s", name)
		scriptErr := executor.Execute(ctx, component, component.Scripts.Bootstrap, "bootstrap")

		code := exitCodeOf(scriptErr)
		if err := tasks.markDone(name, code); err != nil {
			return 0, fmt.Errorf("persist bootstrap task progress for %s: %w", name, err)
		}

		switch code {
		case model.ExitContinue:
			continue
		case model.ExitRestartRequired, model.ExitRebootRequired:
			return code, nil
		default:
			return 0, fmt.Errorf("%w: %s exited %d", model.ErrBootstrapTaskFailed, name, code)
		}
	}
	return model.ExitContinue, nil
}

// exitCodeOf extracts a process exit code from an error produced by a
// collaborator.ScriptExecutor, defaulting to 0 on success and 1 on an
// error the executor did not attach a specific code to.
func exitCodeOf(err error) int {
	if err == nil {
		return model.ExitContinue
	}
	type exitCoder interface{ ExitCode() int }
	var coder exitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
