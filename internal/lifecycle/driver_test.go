package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemesh/supervisor/internal/model"
)

// fakeRunner lets tests script the outcome of each lifecycle phase by name.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]error
	calls   []string
	block   map[string]chan struct{} // optional: phase blocks until closed
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]error{}, block: map[string]chan struct{}{}}
}

func (r *fakeRunner) Execute(ctx context.Context, component *model.Component, script, phase string) error {
	r.mu.Lock()
	r.calls = append(r.calls, phase)
	block := r.block[phase]
	err := r.results[phase]
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *fakeRunner) setResult(phase string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[phase] = err
}

func newTestComponent(name string) *model.Component {
	return &model.Component{
		Name:  name,
		State: model.StateNew,
		Scripts: model.LifecycleScripts{
			Install:  "install.sh",
			Startup:  "startup.sh",
			Run:      "run.sh",
			Shutdown: "shutdown.sh",
		},
		Timeouts: model.PhaseTimeouts{
			Install:  time.Second,
			Startup:  time.Second,
			Shutdown: time.Second,
		},
	}
}

func waitForState(t *testing.T, d *Driver, want model.LifecycleState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, d.State())
}

func TestDriverStartRunsInstallAndStartupThenRunning(t *testing.T) {
	runner := newFakeRunner()
	runner.block["run"] = make(chan struct{}) // stays RUNNING until we close it
	component := newTestComponent("svc")
	var transitions []model.LifecycleState
	var mu sync.Mutex
	d := NewDriver(component, runner, func(name string, from, to model.LifecycleState) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer func() { d.Stop(); d.Wait() }()

	d.Post(IntentStart)
	waitForState(t, d, model.StateRunning)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, model.StateInstalled)
	assert.Contains(t, transitions, model.StateRunning)
}

func TestDriverRunFailureClassifiesErroredThenBrokenAfterThreeFailures(t *testing.T) {
	runner := newFakeRunner()
	runner.setResult("run", errors.New("boom"))
	component := newTestComponent("svc")
	d := NewDriver(component, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer func() { d.Stop(); d.Wait() }()

	// A single start intent now drives the whole sequence: each run-script
	// failure runs recover and automatically retries until the sliding
	// failure window classifies the component BROKEN.
	d.Post(IntentStart)
	waitForState(t, d, model.StateBroken)

	runner.mu.Lock()
	recoverCalls := 0
	for _, phase := range runner.calls {
		if phase == "recover" {
			recoverCalls++
		}
	}
	runner.mu.Unlock()
	assert.Equal(t, 3, recoverCalls, "recover must run once per failed run attempt before BROKEN")

	d.Post(IntentStart)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.StateBroken, d.State(), "BROKEN must not accept further start intents")
}

func TestDriverStartupFailureRunsRecoverAndRetries(t *testing.T) {
	runner := newFakeRunner()
	runner.setResult("startup", errors.New("boom"))
	component := newTestComponent("svc")
	d := NewDriver(component, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer func() { d.Stop(); d.Wait() }()

	d.Post(IntentStart)
	waitForState(t, d, model.StateBroken)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	recoverCalls := 0
	for _, phase := range runner.calls {
		if phase == "recover" {
			recoverCalls++
		}
	}
	assert.Equal(t, 3, recoverCalls, "startup failures must run recover and retry until BROKEN")
}

func TestDriverInstallFailureDoesNotRunRecoverOrAutoRetry(t *testing.T) {
	runner := newFakeRunner()
	runner.setResult("install", errors.New("bad install"))
	component := newTestComponent("svc")
	d := NewDriver(component, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer func() { d.Stop(); d.Wait() }()

	d.Post(IntentStart)
	waitForState(t, d, model.StateErrored)
	time.Sleep(50 * time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, model.StateErrored, d.State(), "install failures are not auto-retried")
	for _, phase := range runner.calls {
		assert.NotEqual(t, "recover", phase, "install failures must not run recover")
	}
}

func TestDriverStopRunsShutdownAndReturnsToInstalled(t *testing.T) {
	runner := newFakeRunner()
	runner.block["run"] = make(chan struct{})
	component := newTestComponent("svc")
	d := NewDriver(component, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer func() { d.Stop(); d.Wait() }()

	d.Post(IntentStart)
	waitForState(t, d, model.StateRunning)

	d.Post(IntentStop)
	waitForState(t, d, model.StateInstalled)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Contains(t, runner.calls, "shutdown")
}

func TestDriverReinstallResetsFailureWindow(t *testing.T) {
	runner := newFakeRunner()
	runner.setResult("install", errors.New("bad install"))
	component := newTestComponent("svc")
	d := NewDriver(component, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer func() { d.Stop(); d.Wait() }()

	d.Post(IntentStart)
	waitForState(t, d, model.StateErrored)
	d.Post(IntentStart)
	waitForState(t, d, model.StateErrored)

	require.Equal(t, 2, d.errWin.count())
	d.Post(IntentReinstall)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, d.errWin.count(), "reinstall must reset the sliding failure window")
}
