package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemesh/supervisor/internal/model"
)

type scriptedExecutor struct {
	results map[string]error
	calls   []string
}

func (e *scriptedExecutor) Execute(ctx context.Context, component *model.Component, script, phase string) error {
	e.calls = append(e.calls, component.Name)
	return e.results[component.Name]
}

type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return "exit" }
func (e *exitCodeError) ExitCode() int { return e.code }

func TestRunSequentiallyRunsAllPendingInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	tasks, err := LoadTaskList(path)
	require.NoError(t, err)
	require.NoError(t, tasks.Reset([]string{"a", "b", "c"}))

	executor := &scriptedExecutor{results: map[string]error{}}
	components := map[string]*model.Component{
		"a": {Name: "a"}, "b": {Name: "b"}, "c": {Name: "c"},
	}

	exitAction, err := RunSequentially(context.Background(), components, executor, tasks)
	require.NoError(t, err)
	assert.Equal(t, model.ExitContinue, exitAction)
	assert.Equal(t, []string{"a", "b", "c"}, executor.calls)
	assert.True(t, tasks.IsComplete())
}

func TestRunSequentiallyStopsOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	tasks, err := LoadTaskList(path)
	require.NoError(t, err)
	require.NoError(t, tasks.Reset([]string{"a", "b"}))

	executor := &scriptedExecutor{results: map[string]error{"a": &exitCodeError{code: 7}}}
	components := map[string]*model.Component{"a": {Name: "a"}, "b": {Name: "b"}}

	_, err = RunSequentially(context.Background(), components, executor, tasks)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrBootstrapTaskFailed))
	assert.Equal(t, []string{"a"}, executor.calls, "must not run b after a fails")
}

func TestRunSequentiallyReturnsRestartRequiredWithoutError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	tasks, err := LoadTaskList(path)
	require.NoError(t, err)
	require.NoError(t, tasks.Reset([]string{"a", "b"}))

	executor := &scriptedExecutor{results: map[string]error{"a": &exitCodeError{code: model.ExitRestartRequired}}}
	components := map[string]*model.Component{"a": {Name: "a"}, "b": {Name: "b"}}

	exitAction, err := RunSequentially(context.Background(), components, executor, tasks)
	require.NoError(t, err)
	assert.Equal(t, model.ExitRestartRequired, exitAction)
	assert.Equal(t, []string{"a"}, executor.calls)
}

func TestTaskListPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	tasks, err := LoadTaskList(path)
	require.NoError(t, err)
	require.NoError(t, tasks.Reset([]string{"a", "b"}))

	executor := &scriptedExecutor{results: map[string]error{}}
	components := map[string]*model.Component{"a": {Name: "a"}, "b": {Name: "b"}}
	_, err = RunSequentially(context.Background(), components, executor, tasks)
	require.NoError(t, err)

	reloaded, err := LoadTaskList(path)
	require.NoError(t, err)
	assert.True(t, reloaded.IsComplete())
}
