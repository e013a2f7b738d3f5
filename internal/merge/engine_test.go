package merge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemesh/supervisor/internal/collaborator"
	"github.com/edgemesh/supervisor/internal/configtree"
	"github.com/edgemesh/supervisor/internal/events"
	"github.com/edgemesh/supervisor/internal/lifecycle"
	"github.com/edgemesh/supervisor/internal/model"
)

// instantRunner completes every phase immediately with no error, except the
// long-lived "run" phase, which blocks until the test closes its block
// channel (mirroring a real service that stays RUNNING).
type instantRunner struct {
	block chan struct{}
}

func newInstantRunner() *instantRunner {
	return &instantRunner{block: make(chan struct{})}
}

func (r *instantRunner) Execute(ctx context.Context, component *model.Component, script, phase string) error {
	if phase == "run" {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return nil
}

func newTestEngine(t *testing.T, catalog *collaborator.StaticCatalog, runner *instantRunner) *Engine {
	t.Helper()
	return newTestEngineWithRunner(t, catalog, runner, nil)
}

// newTestEngineWithRunner is the general form: any lifecycle.ScriptRunner and
// an optional ComponentIPC (nil defaults to the engine's own permissive
// default).
func newTestEngineWithRunner(t *testing.T, catalog *collaborator.StaticCatalog, runner lifecycle.ScriptRunner, ipc collaborator.ComponentIPC) *Engine {
	t.Helper()
	tree := configtree.New()
	t.Cleanup(tree.Close)
	bus := events.New()

	return New(Config{
		Tree:    tree,
		Catalog: catalog,
		IPC:     ipc,
		Bus:     bus,
		NewDriver: func(component *model.Component) *lifecycle.Driver {
			driver := lifecycle.NewDriver(component, runner, nil)
			go driver.Run(context.Background())
			t.Cleanup(func() { driver.Stop(); driver.Wait() })
			return driver
		},
	})
}

// phaseFailRunner always fails the named phase and completes every other
// phase immediately, driving a component's driver through the recover/retry
// sequence to BROKEN (see internal/lifecycle's scoped recover+retry).
type phaseFailRunner struct {
	failPhase string
}

func (r *phaseFailRunner) Execute(ctx context.Context, component *model.Component, script, phase string) error {
	if phase == r.failPhase {
		return errors.New("boom")
	}
	return nil
}

// fakeIPC lets tests script ComponentIPC verdicts per component name.
type fakeIPC struct {
	mu          sync.Mutex
	validation  map[string]collaborator.ValidationVerdict
	updateCalls int
	deferUntil  int
}

func newFakeIPC() *fakeIPC {
	return &fakeIPC{validation: map[string]collaborator.ValidationVerdict{}}
}

func (f *fakeIPC) rejectValidation(name, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validation[name] = collaborator.ValidationVerdict{Accepted: false, Reason: reason}
}

func (f *fakeIPC) ValidateConfiguration(ctx context.Context, name string, params map[string]interface{}, timeout time.Duration) (collaborator.ValidationVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if verdict, ok := f.validation[name]; ok {
		return verdict, nil
	}
	return collaborator.ValidationVerdict{Accepted: true}, nil
}

func (f *fakeIPC) PreComponentUpdate(ctx context.Context, name string, timeout time.Duration) (collaborator.UpdateVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateCalls <= f.deferUntil {
		return collaborator.UpdateVerdict{Proceed: false, DeferMillis: 20}, nil
	}
	return collaborator.UpdateVerdict{Proceed: true}, nil
}

func basicDoc(id string, ts int64, packages map[string]model.PackageRequest) *model.DeploymentDocument {
	return &model.DeploymentDocument{
		DeploymentID:  id,
		Timestamp:     ts,
		Packages:      packages,
		FailurePolicy: model.FailureDoNothing,
		Validation:    model.ConfigurationValidationPolicy{Timeout: time.Second},
	}
}

func TestApplyInstallsNewComponents(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	catalog.Register("web", "1.0.0", &model.Component{Name: "web", Version: "1.0.0"})
	runner := newInstantRunner()
	defer close(runner.block)
	engine := newTestEngine(t, catalog, runner)

	doc := basicDoc("d1", 1, map[string]model.PackageRequest{"web": {Version: "1.0.0"}})
	result, err := engine.Apply(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccessful, result.Kind)

	require.True(t, engine.WaitSettled(time.Second))
	assert.Equal(t, model.StateRunning, engine.drivers["web"].State())
}

func TestApplyRejectsStaleDeployment(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	catalog.Register("web", "1.0.0", &model.Component{Name: "web", Version: "1.0.0"})
	runner := newInstantRunner()
	defer close(runner.block)
	engine := newTestEngine(t, catalog, runner)

	doc1 := basicDoc("d1", 10, map[string]model.PackageRequest{"web": {Version: "1.0.0"}})
	_, err := engine.Apply(context.Background(), doc1)
	require.NoError(t, err)

	doc2 := basicDoc("d2", 5, map[string]model.PackageRequest{"web": {Version: "1.0.0"}})
	result, err := engine.Apply(context.Background(), doc2)
	require.NoError(t, err)
	assert.Equal(t, model.ResultRejected, result.Kind)
	assert.ErrorIs(t, result.Cause, model.ErrStaleDeployment)
}

func TestApplyRejectsUnknownPackage(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	runner := newInstantRunner()
	defer close(runner.block)
	engine := newTestEngine(t, catalog, runner)

	doc := basicDoc("d1", 1, map[string]model.PackageRequest{"missing": {Version: "1.0.0"}})
	result, err := engine.Apply(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, model.ResultRejected, result.Kind)
	assert.ErrorIs(t, result.Cause, model.ErrComponentNotFound)
}

func TestApplyRemovesDroppedComponents(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	catalog.Register("web", "1.0.0", &model.Component{Name: "web", Version: "1.0.0"})
	runner := newInstantRunner()
	defer close(runner.block)
	engine := newTestEngine(t, catalog, runner)

	doc1 := basicDoc("d1", 1, map[string]model.PackageRequest{"web": {Version: "1.0.0"}})
	_, err := engine.Apply(context.Background(), doc1)
	require.NoError(t, err)
	require.True(t, engine.WaitSettled(time.Second))

	doc2 := basicDoc("d2", 2, map[string]model.PackageRequest{})
	result, err := engine.Apply(context.Background(), doc2)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccessful, result.Kind)
	_, stillInstalled := engine.installed["web"]
	assert.False(t, stillInstalled)
}

func TestApplyRollsBackWhenComponentBecomesBrokenDoNothing(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	catalog.Register("web", "1.0.0", &model.Component{Name: "web", Version: "1.0.0"})
	runner := &phaseFailRunner{failPhase: "startup"}
	engine := newTestEngineWithRunner(t, catalog, runner, nil)

	doc := basicDoc("d1", 1, map[string]model.PackageRequest{"web": {Version: "1.0.0"}})
	doc.FailurePolicy = model.FailureDoNothing
	result, err := engine.Apply(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailedRollbackNotRequested, result.Kind)
	assert.ErrorIs(t, result.Cause, model.ErrConvergenceFailed)
}

func TestApplyRollsBackWhenComponentBecomesBrokenRollback(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	catalog.Register("web", "1.0.0", &model.Component{Name: "web", Version: "1.0.0"})
	runner := &phaseFailRunner{failPhase: "startup"}
	engine := newTestEngineWithRunner(t, catalog, runner, nil)

	doc := basicDoc("d1", 1, map[string]model.PackageRequest{"web": {Version: "1.0.0"}})
	doc.FailurePolicy = model.FailureRollback
	result, err := engine.Apply(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailedRollbackComplete, result.Kind)
	assert.ErrorIs(t, result.Cause, model.ErrConvergenceFailed)
	_, stillInstalled := engine.installed["web"]
	assert.False(t, stillInstalled, "a broken-convergence rollback must leave nothing installed")
}

func TestApplyWritesConfigTreeAtDeploymentTimestamp(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	catalog.Register("web", "1.0.0", &model.Component{Name: "web", Version: "1.0.0"})
	runner := newInstantRunner()
	defer close(runner.block)
	engine := newTestEngine(t, catalog, runner)

	doc := basicDoc("d1", 5000, map[string]model.PackageRequest{"web": {Version: "1.0.0"}})
	result, err := engine.Apply(context.Background(), doc)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccessful, result.Kind)

	node, ok := engine.tree.Get("services", "web", "version")
	require.True(t, ok)
	value, hasValue := node.Value()
	require.True(t, hasValue)
	assert.Equal(t, "1.0.0", value)
	assert.Equal(t, time.UnixMilli(5000), node.ModTime())

	// A write at an earlier timestamp than the deployment's must be a no-op
	// (spec §8: no node older than the writing deployment's timestamp is
	// overwritten).
	assert.False(t, engine.tree.Write(time.UnixMilli(1000), "9.9.9", "services", "web", "version"))
	node, ok = engine.tree.Get("services", "web", "version")
	require.True(t, ok)
	value, hasValue = node.Value()
	require.True(t, hasValue)
	assert.Equal(t, "1.0.0", value)
}

func TestApplyRejectsConfigurationRejectedByComponentIPC(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	catalog.Register("web", "1.0.0", &model.Component{Name: "web", Version: "1.0.0"})
	runner := newInstantRunner()
	defer close(runner.block)
	ipc := newFakeIPC()
	engine := newTestEngineWithRunner(t, catalog, runner, ipc)

	doc1 := basicDoc("d1", 1, map[string]model.PackageRequest{"web": {Version: "1.0.0"}})
	_, err := engine.Apply(context.Background(), doc1)
	require.NoError(t, err)
	require.True(t, engine.WaitSettled(time.Second))

	ipc.rejectValidation("web", "bad")
	doc2 := basicDoc("d2", 2, map[string]model.PackageRequest{
		"web": {Version: "1.0.0", Parameters: map[string]interface{}{"replicas": 2}},
	})
	result, err := engine.Apply(context.Background(), doc2)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailedNoStateChange, result.Kind)
	require.Error(t, result.Cause)
	assert.True(t, strings.Contains(result.Cause.Error(), "bad"))
}

func TestApplyCancelledWhileWaitingForDisruptionDeferral(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	catalog.Register("web", "1.0.0", &model.Component{Name: "web", Version: "1.0.0"})
	runner := newInstantRunner()
	defer close(runner.block)
	ipc := newFakeIPC()
	ipc.deferUntil = 1 << 30 // always defer: the component never consents
	engine := newTestEngineWithRunner(t, catalog, runner, ipc)

	doc1 := basicDoc("d1", 1, map[string]model.PackageRequest{"web": {Version: "1.0.0"}})
	_, err := engine.Apply(context.Background(), doc1)
	require.NoError(t, err)
	require.True(t, engine.WaitSettled(time.Second))

	doc2 := basicDoc("d2", 2, map[string]model.PackageRequest{
		"web": {Version: "1.0.0", Parameters: map[string]interface{}{"replicas": 2}},
	})
	doc2.Disruption = model.UpdateDisruptionPolicy{Action: model.DisruptionNotifyComponents, Timeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := engine.Apply(ctx, doc2)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancellation must abort the deferral wait promptly, not ride out the full disruption timeout")
	assert.Equal(t, model.ResultFailedNoStateChange, result.Kind)
	assert.ErrorIs(t, result.Cause, model.ErrDeploymentCancelled)

	component, ok := engine.installed["web"]
	require.True(t, ok)
	assert.Empty(t, component.Parameters, "a cancelled deployment must leave the running component's parameters untouched")
}

func TestApplyRejectsCyclicGraph(t *testing.T) {
	catalog := collaborator.NewStaticCatalog()
	catalog.Register("a", "1.0.0", &model.Component{
		Name: "a", Version: "1.0.0",
		Dependencies: []model.DependencyEdge{{Dependent: "a", Dependency: "b", Kind: model.KindHard, StartWhen: model.StartWhenRunning}},
	})
	catalog.Register("b", "1.0.0", &model.Component{
		Name: "b", Version: "1.0.0",
		Dependencies: []model.DependencyEdge{{Dependent: "b", Dependency: "a", Kind: model.KindHard, StartWhen: model.StartWhenRunning}},
	})
	runner := newInstantRunner()
	defer close(runner.block)
	engine := newTestEngine(t, catalog, runner)

	doc := basicDoc("d1", 1, map[string]model.PackageRequest{
		"a": {Version: "1.0.0"},
		"b": {Version: "1.0.0"},
	})
	result, err := engine.Apply(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, model.ResultRejected, result.Kind)
}
