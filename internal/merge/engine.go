// Package merge implements the Deployment Merge Engine (spec §4.4): it
// takes an incoming deployment document, diffs it against the currently
// installed component set, validates and applies the difference in place,
// and rolls back on failure according to the document's failure policy.
//
// Grounded on the teacher's internal/reconciler/manager.go worker/backoff
// orchestration (the overall "receive, validate, apply, handle failure"
// shape) and internal/orchestrator/orchestrator.go's
// CreateServiceClassInstance sequencing (resolve definition, validate
// config, instantiate, track). Generalized from reconciling one Kubernetes
// resource type at a time into merging a whole deployment document's
// component set against the live graph in a single pass.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgemesh/supervisor/internal/collaborator"
	"github.com/edgemesh/supervisor/internal/configtree"
	"github.com/edgemesh/supervisor/internal/events"
	"github.com/edgemesh/supervisor/internal/lifecycle"
	"github.com/edgemesh/supervisor/internal/model"
	"github.com/edgemesh/supervisor/internal/scheduler"
	"github.com/edgemesh/supervisor/internal/template"
	"github.com/edgemesh/supervisor/pkg/logging"
)

// BootstrapCoordinator is consulted after dynamic validation to decide
// whether a deployment requires the Bootstrap & Kernel-Alternatives Engine
// (e.g. a nucleus/kernel component changed) before the in-process merge can
// proceed, and to execute that flip. Implemented by internal/bootstrap;
// declared here to avoid merge depending on bootstrap's package internals.
type BootstrapCoordinator interface {
	DetermineStage(ctx context.Context, doc *model.DeploymentDocument, changed []*model.Component) (model.DeploymentStage, error)
	ExecuteStage(ctx context.Context, stage model.DeploymentStage, doc *model.DeploymentDocument) error
}

// DriverFactory constructs a Lifecycle Driver for component and starts the
// goroutine running it; the Engine registers the returned driver with its
// scheduler.
type DriverFactory func(component *model.Component) *lifecycle.Driver

// Engine is the Deployment Merge Engine. One Engine instance owns the live
// component set for the whole supervisor process.
type Engine struct {
	mu sync.Mutex

	tree      *configtree.Tree
	catalog   collaborator.ComponentCatalog
	ipc       collaborator.ComponentIPC
	templates *template.Engine
	bus       *events.Bus
	bootstrap BootstrapCoordinator
	newDriver DriverFactory

	graph     *scheduler.Graph
	scheduler *scheduler.Scheduler
	drivers   map[string]*lifecycle.Driver
	installed map[string]*model.Component

	current *model.DeploymentDocument
}

// Config holds an Engine's collaborators. IPC defaults to
// collaborator.PermissiveComponentIPC when left nil.
type Config struct {
	Tree      *configtree.Tree
	Catalog   collaborator.ComponentCatalog
	IPC       collaborator.ComponentIPC
	Bus       *events.Bus
	Bootstrap BootstrapCoordinator
	NewDriver DriverFactory
}

// New constructs an Engine with no components installed yet.
func New(cfg Config) *Engine {
	graph := scheduler.NewGraph()
	ipc := cfg.IPC
	if ipc == nil {
		ipc = collaborator.NewPermissiveComponentIPC()
	}
	return &Engine{
		tree:      cfg.Tree,
		catalog:   cfg.Catalog,
		ipc:       ipc,
		templates: template.New(),
		bus:       cfg.Bus,
		bootstrap: cfg.Bootstrap,
		newDriver: cfg.NewDriver,
		graph:     graph,
		scheduler: scheduler.New(graph),
		drivers:   make(map[string]*lifecycle.Driver),
		installed: make(map[string]*model.Component),
	}
}

// defaultConvergenceTimeout bounds the post-merge convergence wait when the
// deployment document names no timeout of its own; the wire format (spec §6)
// has no distinct convergence-timeout field, only per-phase ones. The
// disruption check also falls back to this value; validateConfiguration in
// validate.go uses its own 10-second default.
const defaultConvergenceTimeout = 30 * time.Second

// Apply merges doc into the running component set and returns the outcome.
// It never returns a Go error for an expected rejection (stale document,
// validation failure, cancellation) — those are reported through the
// returned DeploymentResult's Kind and Cause, per spec §4.4's 5-way tagged
// result. A non-nil error return indicates a programming/collaborator
// failure the caller cannot recover from by inspecting the result.
func (e *Engine) Apply(ctx context.Context, doc *model.DeploymentDocument) (model.DeploymentResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: stale-check.
	if e.current != nil && doc.Timestamp <= e.current.Timestamp {
		return model.DeploymentResult{Kind: model.ResultRejected, Cause: model.ErrStaleDeployment}, nil
	}

	select {
	case <-ctx.Done():
		return model.DeploymentResult{Kind: model.ResultFailedNoStateChange, Cause: model.ErrDeploymentCancelled}, nil
	default:
	}

	// Step 2 + 3: resolve roots and compute the target component set.
	target, err := e.resolveTarget(ctx, doc)
	if err != nil {
		return model.DeploymentResult{Kind: model.ResultRejected, Cause: err}, nil
	}

	targetGraph := scheduler.NewGraph()
	for _, component := range target {
		targetGraph.AddComponent(component.Name)
		for _, edge := range component.Dependencies {
			targetGraph.AddEdge(edge)
		}
	}
	if _, err := targetGraph.TopologicalOrder(); err != nil {
		return model.DeploymentResult{Kind: model.ResultRejected, Cause: err}, nil
	}

	diff := diffComponents(e.installed, target)

	// Step 4: dynamic configuration validation.
	if err := validateConfiguration(ctx, e.templates, e.ipc, diff, e.installed, doc.Validation.Timeout); err != nil {
		return model.DeploymentResult{Kind: model.ResultFailedNoStateChange, Cause: err}, nil
	}

	// Step 5: disruption check / deferral handshake.
	if err := e.checkDisruption(ctx, doc, diff); err != nil {
		if errors.Is(err, context.Canceled) {
			return model.DeploymentResult{Kind: model.ResultFailedNoStateChange, Cause: model.ErrDeploymentCancelled}, nil
		}
		return model.DeploymentResult{Kind: model.ResultFailedNoStateChange, Cause: err}, nil
	}

	// Step 6: bootstrap decision.
	if e.bootstrap != nil {
		stage, err := e.bootstrap.DetermineStage(ctx, doc, diff.changed)
		if err != nil {
			return model.DeploymentResult{Kind: model.ResultRejected, Cause: err}, nil
		}
		if stage != model.StageDefault {
			if err := e.bootstrap.ExecuteStage(ctx, stage, doc); err != nil {
				return e.fail(ctx, doc, fmt.Errorf("bootstrap stage %s: %w", stage, err))
			}
		}
	}

	// Step 7: snapshot before mutating, so rollback has somewhere to go back to.
	var preSnapshot []byte
	if e.tree != nil {
		preSnapshot, _ = e.tree.Snapshot()
	}
	previousInstalled := cloneInstalled(e.installed)

	if err := e.applyDiff(ctx, diff, targetGraph); err != nil {
		return e.rollback(ctx, doc, previousInstalled, preSnapshot, err)
	}

	e.writeConfigTree(doc, target, diff)

	if err := e.waitConvergence(ctx, target, defaultConvergenceTimeout); err != nil {
		return e.rollback(ctx, doc, previousInstalled, preSnapshot, err)
	}

	e.installed = target
	e.graph = targetGraph
	e.current = doc
	if e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.KindDeploymentResult, Payload: events.DeploymentResult{
			DeploymentID: doc.DeploymentID,
			Result:       model.ResultSuccessful.String(),
		}})
	}
	return model.DeploymentResult{Kind: model.ResultSuccessful}, nil
}

func (e *Engine) resolveTarget(ctx context.Context, doc *model.DeploymentDocument) (map[string]*model.Component, error) {
	target := make(map[string]*model.Component, len(doc.Packages))
	for name, req := range doc.Packages {
		definition, err := e.catalog.Lookup(ctx, name, req.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrComponentNotFound, err)
		}
		definition.Parameters = template.MergeContexts(definition.Parameters, req.Parameters)
		target[name] = definition
	}
	return target, nil
}

// checkDisruption implements spec §4.4 step 5: unless the policy is
// SKIP_CHECK, every removed or changed (disruptive) component is asked via
// IPC whether it can tolerate the update now. A DEFERRED answer re-polls
// after the component's requested delay, up to the policy timeout; a
// deployment cancellation or an exhausted policy timeout aborts the wait
// (spec §4.4 step 9, scenario 6: "deferred update then cancel").
func (e *Engine) checkDisruption(ctx context.Context, doc *model.DeploymentDocument, diff componentDiff) error {
	if doc.Disruption.Action != model.DisruptionNotifyComponents {
		return nil
	}

	disruptive := append([]string(nil), diff.removed...)
	for _, component := range diff.changed {
		disruptive = append(disruptive, component.Name)
	}
	if len(disruptive) == 0 {
		return nil
	}

	timeout := doc.Disruption.Timeout
	if timeout <= 0 {
		timeout = defaultConvergenceTimeout
	}
	deferCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, name := range disruptive {
		if e.bus != nil {
			e.bus.Publish(events.Event{Kind: events.KindDeploymentResult, Payload: events.DeploymentResult{DeploymentID: doc.DeploymentID, Result: "disruption_notice:" + name}})
		}

		for {
			verdict, err := e.ipc.PreComponentUpdate(deferCtx, name, timeout)
			if err != nil {
				return fmt.Errorf("component %s pre-update check: %w", name, err)
			}
			if verdict.Proceed {
				break
			}

			wait := time.Duration(verdict.DeferMillis) * time.Millisecond
			if wait <= 0 {
				wait = 100 * time.Millisecond
			}
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-deferCtx.Done():
				timer.Stop()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: component %s", model.ErrUpdateDeferred, name)
			}
		}
	}
	return nil
}

// applyDiff performs the in-process merge: stop removed components (reverse
// dependency order within the removed set), reinstall or restart changed
// ones, and bring up added ones in dependency order.
func (e *Engine) applyDiff(ctx context.Context, diff componentDiff, targetGraph *scheduler.Graph) error {
	for _, name := range diff.removed {
		driver, ok := e.drivers[name]
		if !ok {
			continue
		}
		driver.Post(lifecycle.IntentStop)
		driver.Stop()
		delete(e.drivers, name)
		delete(e.installed, name)
	}

	for _, next := range diff.changed {
		prev := e.installed[next.Name]
		driver, ok := e.drivers[next.Name]
		if !ok {
			return fmt.Errorf("merge: changed component %s has no running driver", next.Name)
		}
		if requiresReinstall(prev, next) {
			driver.Post(lifecycle.IntentReinstall)
		} else {
			driver.Post(lifecycle.IntentRestart)
		}
	}

	addedByName := make(map[string]*model.Component, len(diff.added))
	for _, component := range diff.added {
		addedByName[component.Name] = component
	}
	order, err := targetGraph.TopologicalOrder()
	if err != nil {
		order = nil // fall back to diff.added's own order below
	}
	started := make(map[string]bool, len(addedByName))
	startOne := func(component *model.Component) {
		if started[component.Name] {
			return
		}
		driver := e.newDriver(component)
		e.drivers[component.Name] = driver
		e.scheduler.RegisterDriver(driver)
		driver.Post(lifecycle.IntentStart)
		started[component.Name] = true
	}
	for _, name := range order {
		if component, ok := addedByName[name]; ok {
			startOne(component)
		}
	}
	for _, component := range diff.added {
		startOne(component) // anything the topological walk above didn't reach
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

// rollback restores the previous component set and Config Tree snapshot
// after a failed apply, honoring the deployment's FailureHandlingPolicy.
func (e *Engine) rollback(ctx context.Context, doc *model.DeploymentDocument, previous map[string]*model.Component, snapshot []byte, cause error) (model.DeploymentResult, error) {
	if doc.FailurePolicy != model.FailureRollback {
		logging.Warn("Merge", "deployment %s failed (%v); failure policy is doNothing, leaving partial state", doc.DeploymentID, cause)
		return model.DeploymentResult{Kind: model.ResultFailedRollbackNotRequested, Cause: cause}, nil
	}

	logging.Warn("Merge", "deployment %s failed (%v); rolling back", doc.DeploymentID, cause)
	if e.tree != nil && snapshot != nil {
		if err := e.tree.Restore(snapshot); err != nil {
			return model.DeploymentResult{}, fmt.Errorf("rollback: restore config snapshot: %w", err)
		}
	}
	e.installed = previous
	return model.DeploymentResult{Kind: model.ResultFailedRollbackComplete, Cause: cause}, nil
}

func (e *Engine) fail(ctx context.Context, doc *model.DeploymentDocument, cause error) (model.DeploymentResult, error) {
	if errors.Is(cause, context.Canceled) {
		cause = fmt.Errorf("%w: %v", model.ErrDeploymentCancelled, cause)
	}
	return e.rollback(ctx, doc, cloneInstalled(e.installed), nil, cause)
}

// InstalledComponents returns a snapshot of the currently-installed
// component set, keyed by name. Consulted by the Bootstrap Engine to resolve
// bootstrap task scripts without importing this package's internals.
func (e *Engine) InstalledComponents() map[string]*model.Component {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneInstalled(e.installed)
}

func cloneInstalled(m map[string]*model.Component) map[string]*model.Component {
	out := make(map[string]*model.Component, len(m))
	for name, component := range m {
		out[name] = component.Clone()
	}
	return out
}

// writeConfigTree implements spec §4.4 step 7's "apply the target config to
// the Config Tree as a single transactional batch (timestamped at the
// deployment timestamp)": every surviving component's version and
// parameters are written at doc.Timestamp, and every removed one is
// tombstoned at the same timestamp. The "no node older than T is
// overwritten" property (spec §8) falls directly out of Tree.Write's own
// per-node newer-than check (internal/configtree/node.go); this just picks
// the batch's shared timestamp and paths.
func (e *Engine) writeConfigTree(doc *model.DeploymentDocument, target map[string]*model.Component, diff componentDiff) {
	if e.tree == nil {
		return
	}
	ts := time.UnixMilli(doc.Timestamp)
	for name, component := range target {
		e.tree.Write(ts, component.Version, "services", name, "version")
		e.tree.Write(ts, component.Parameters, "services", name, "parameters")
	}
	for _, name := range diff.removed {
		e.tree.Write(ts, true, "services", name, "removed")
	}
}

// waitConvergence blocks until every component in target has reached at
// least RUNNING — its declared start-when state, per spec §4.4 step 7 — or
// has run to completion (FINISHED), or timeout elapses, or ctx is cancelled. It fails immediately, without
// waiting out the rest of the timeout, the moment any of them is observed
// BROKEN (spec: "Waiting fails when any component enters BROKEN").
func (e *Engine) waitConvergence(ctx context.Context, target map[string]*model.Component, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultConvergenceTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		settled := true
		for name := range target {
			driver, ok := e.drivers[name]
			if !ok {
				continue
			}
			state := driver.State()
			if state == model.StateBroken {
				return fmt.Errorf("%w: component %s is BROKEN", model.ErrConvergenceFailed, name)
			}
			if !state.AtLeast(model.StateRunning) && state != model.StateFinished {
				settled = false
			}
		}
		if settled {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: timed out waiting for convergence", model.ErrConvergenceFailed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitSettled blocks until every currently-installed component's driver has
// left the STARTING/STOPPING transient states, or timeout elapses.
// Primarily useful in tests and for an operator-facing readiness probe.
func (e *Engine) WaitSettled(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		settled := true
		e.mu.Lock()
		for _, driver := range e.drivers {
			state := driver.State()
			if state == model.StateStarting || state == model.StateStopping {
				settled = false
				break
			}
		}
		e.mu.Unlock()
		if settled {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
