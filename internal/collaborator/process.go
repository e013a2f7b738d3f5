package collaborator

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/edgemesh/supervisor/internal/model"
	"github.com/edgemesh/supervisor/pkg/logging"
)

// execCommandContext is a package variable so tests can substitute a fake
// command, following the teacher's internal/containerizer/docker.go pattern
// for making exec.CommandContext substitutable without a mocking framework.
var execCommandContext = exec.CommandContext

// ProcessScriptExecutor runs a component's lifecycle scripts as plain child
// processes, inheriting the supervisor's environment plus the component's
// own parameters flattened to FOO=bar environment variables. Grounded on
// internal/containerizer/docker.go's exec.CommandContext usage, generalized
// from "docker ..." subcommands to arbitrary component scripts.
type ProcessScriptExecutor struct {
	workDir func(component *model.Component) string
}

// NewProcessScriptExecutor returns an executor that runs scripts with their
// working directory resolved by workDir (typically the component's
// unpacked package path).
func NewProcessScriptExecutor(workDir func(component *model.Component) string) *ProcessScriptExecutor {
	return &ProcessScriptExecutor{workDir: workDir}
}

func (e *ProcessScriptExecutor) Execute(ctx context.Context, component *model.Component, script, phase string) error {
	if script == "" {
		logging.Debug("Collaborator", "%s: no %s script configured, treating as success", component.Name, phase)
		return nil
	}

	cmd := execCommandContext(ctx, "/bin/sh", "-c", script)
	if e.workDir != nil {
		cmd.Dir = e.workDir(component)
	}
	cmd.Env = append(os.Environ(), flattenParameters(component.Parameters)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s script for %s: %w (output: %s)", phase, component.Name, err, string(output))
	}
	return nil
}

func flattenParameters(params map[string]interface{}) []string {
	env := make([]string, 0, len(params))
	for key, value := range params {
		env = append(env, fmt.Sprintf("%s=%v", key, value))
	}
	return env
}
