package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/edgemesh/supervisor/internal/collaborator"
	"github.com/edgemesh/supervisor/internal/model"
	"github.com/edgemesh/supervisor/internal/template"
)

// validateConfiguration runs spec §4.4 step 4. Every added component has its
// Parameters template-resolved locally (the teacher's sprig-backed
// template.Engine) since nothing is running yet to ask. Every changed
// component whose version and scripts are unchanged — i.e. a restart-only
// parameter change, per requiresReinstall — additionally has its proposed
// parameters put to the live instance via the ComponentIPC collaborator; a
// REJECTED or timed-out answer fails the whole deployment before anything
// is touched (spec: "a REJECTED or timed-out report fails the deployment
// with ComponentConfigurationValidationException -> FAILED_NO_STATE_CHANGE").
func validateConfiguration(ctx context.Context, engine *template.Engine, ipc collaborator.ComponentIPC, diff componentDiff, previous map[string]*model.Component, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	validateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolveLocal := func(component *model.Component) error {
		resolved, err := engine.Replace(component.Parameters, component.Parameters)
		if err != nil {
			return fmt.Errorf("%w: component %s: %v", model.ErrConfigurationRejected, component.Name, err)
		}
		if params, ok := resolved.(map[string]interface{}); ok {
			component.Parameters = params
		}
		return nil
	}

	for _, component := range diff.added {
		select {
		case <-validateCtx.Done():
			return fmt.Errorf("%w: validation timed out", model.ErrConfigurationTimedOut)
		default:
		}
		if err := resolveLocal(component); err != nil {
			return err
		}
	}

	for _, next := range diff.changed {
		select {
		case <-validateCtx.Done():
			return fmt.Errorf("%w: validation timed out", model.ErrConfigurationTimedOut)
		default:
		}
		if err := resolveLocal(next); err != nil {
			return err
		}

		prev := previous[next.Name]
		if prev == nil || requiresReinstall(prev, next) {
			continue // full reinstall: no live running instance to ask
		}
		verdict, err := ipc.ValidateConfiguration(validateCtx, next.Name, next.Parameters, timeout)
		if err != nil {
			return fmt.Errorf("%w: component %s: %v", model.ErrConfigurationTimedOut, next.Name, err)
		}
		if !verdict.Accepted {
			return fmt.Errorf("%w: component %s: %s", model.ErrConfigurationRejected, next.Name, verdict.Reason)
		}
	}
	return nil
}
