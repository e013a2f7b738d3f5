package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgemesh/supervisor/internal/model"
	"github.com/edgemesh/supervisor/pkg/logging"
)

// ScriptRunner executes one of a component's lifecycle scripts (install,
// startup, run, shutdown, bootstrap, recover) and blocks until it finishes
// or ctx is cancelled. Collaborator contract: the concrete implementation
// (process exec, container exec, IPC call) lives in internal/collaborator;
// the Driver only depends on this interface, per the teacher's
// accept-interfaces composition style.
type ScriptRunner interface {
	Execute(ctx context.Context, component *model.Component, script string, phase string) error
}

// StateChangeFunc is invoked off the Driver's lock whenever the component's
// observed state changes, mirroring the teacher's instance.go pattern of
// firing state-change callbacks outside the critical section so a slow
// subscriber cannot stall the state machine.
type StateChangeFunc func(name string, from, to model.LifecycleState)

const (
	brokenWindowLimit = 3
	brokenWindowSpan  = time.Hour
)

// Driver is the single-owner-goroutine state machine for one component.
// Exactly one goroutine (run) ever mutates component.State; all other
// access goes through State() under the lock. Grounded on the teacher's
// internal/services/instance.go instance driver, generalized from a fixed
// service-class lifecycle to the spec's six-script component model with an
// intent queue in front of it (internal/reconciler/queue.go).
type Driver struct {
	mu        sync.RWMutex
	component *model.Component
	runner    ScriptRunner
	intents   *IntentQueue
	onChange  StateChangeFunc

	errWin *errorWindow

	cancelPhase context.CancelFunc

	doneCh chan struct{}
}

// NewDriver constructs a Driver for component, not yet started.
func NewDriver(component *model.Component, runner ScriptRunner, onChange StateChangeFunc) *Driver {
	return &Driver{
		component: component,
		runner:    runner,
		intents:   NewIntentQueue(),
		onChange:  onChange,
		errWin:    newErrorWindow(brokenWindowLimit, brokenWindowSpan),
		doneCh:    make(chan struct{}),
	}
}

// Post enqueues an external intent for this component.
func (d *Driver) Post(intent Intent) {
	d.intents.Post(intent)
}

// State returns the component's current observed state.
func (d *Driver) State() model.LifecycleState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.component.State
}

// Name returns the component's identity.
func (d *Driver) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.component.Name
}

// Run is the driver's main loop: blocks consuming intents from the queue and
// driving state transitions until ctx is cancelled or the queue is closed.
// Intended to run on its own goroutine, one per component, for the lifetime
// of the process.
func (d *Driver) Run(ctx context.Context) {
	defer close(d.doneCh)
	for {
		intent, ok := d.intents.Next(ctx)
		if !ok {
			return
		}
		d.handle(ctx, intent)
	}
}

// Stop closes the intent queue, causing Run to return once any in-flight
// phase finishes.
func (d *Driver) Stop() {
	d.intents.Close()
}

// Wait blocks until Run has returned.
func (d *Driver) Wait() {
	<-d.doneCh
}

func (d *Driver) handle(ctx context.Context, intent Intent) {
	switch intent {
	case IntentStart:
		d.start(ctx)
	case IntentStop:
		d.stop(ctx)
	case IntentRestart:
		d.stop(ctx)
		d.start(ctx)
	case IntentReinstall:
		d.stop(ctx)
		d.reinstall(ctx)
		d.start(ctx)
	}
}

func (d *Driver) start(ctx context.Context) {
	state := d.State()
	if state == model.StateBroken {
		logging.Warn("Lifecycle", "%s: ignoring start intent, component is BROKEN", d.Name())
		return
	}
	if state == model.StateNew {
		if !d.runPhase(ctx, "install", d.component.Scripts.Install, d.component.Timeouts.Install, model.StateInstalled) {
			return
		}
	}
	if d.State() == model.StateInstalled || d.State() == model.StateFinished || d.State() == model.StateErrored {
		if !d.runPhase(ctx, "startup", d.component.Scripts.Startup, d.component.Timeouts.Startup, model.StateStarting) {
			return
		}
		d.setState(model.StateRunning)
		go d.runLong(ctx)
	}
}

// runLong executes the long-lived "run" script. Its exit (clean or not)
// feeds the failure window and may transition the component to FINISHED,
// ERRORED, or BROKEN. A non-BROKEN failure runs recover unconditionally
// (spec §4.2: "recover is invoked unconditionally, success swallowed") and
// then retries by re-posting a start intent (spec §4.2 STARTING/RUNNING row:
// "run recover, then retry").
func (d *Driver) runLong(ctx context.Context) {
	phaseCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelPhase = cancel
	d.mu.Unlock()
	defer cancel()

	err := d.runner.Execute(phaseCtx, d.component, d.component.Scripts.Run, "run")
	if d.State() != model.StateRunning {
		// Stopped out from under us (stop() left RUNNING before cancelling
		// this script); nothing to do.
		return
	}
	if err == nil {
		d.setState(model.StateFinished)
		return
	}

	broken := d.errWin.record(time.Now())
	d.mu.Lock()
	d.component.LastError = err
	d.mu.Unlock()
	d.runRecover(ctx)
	if broken {
		logging.Error("Lifecycle", err, "%s: exceeded %d failures within %s, classifying BROKEN", d.Name(), brokenWindowLimit, brokenWindowSpan)
		d.setState(model.StateBroken)
		return
	}
	logging.Warn("Lifecycle", "%s: run script exited with error (%v), recovered, retrying", d.Name(), err)
	d.setState(model.StateErrored)
	d.Post(IntentStart)
}

// runRecover runs the component's recover script, bounded by its recover
// timeout, and swallows any error it returns (spec §4.2: "recover is
// invoked unconditionally, success swallowed").
func (d *Driver) runRecover(ctx context.Context) {
	recoverCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(d.component.Timeouts.Recover))
	defer cancel()
	if err := d.runner.Execute(recoverCtx, d.component, d.component.Scripts.Recover, "recover"); err != nil {
		logging.Warn("Lifecycle", "%s: recover script error (ignored): %v", d.Name(), err)
	}
}

func (d *Driver) stop(ctx context.Context) {
	state := d.State()
	if state == model.StateBroken || state == model.StateNew {
		return
	}
	running := state == model.StateRunning || state == model.StateStarting
	if running {
		d.setState(model.StateStopping)
	}
	d.mu.Lock()
	cancel := d.cancelPhase
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if running {
		shutdownCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(d.component.Timeouts.Shutdown))
		defer cancel()
		if err := d.runner.Execute(shutdownCtx, d.component, d.component.Scripts.Shutdown, "shutdown"); err != nil {
			logging.Warn("Lifecycle", "%s: shutdown script error: %v", d.Name(), err)
		}
	}
	d.setState(model.StateInstalled)
}

func (d *Driver) reinstall(ctx context.Context) {
	d.errWin.reset()
	d.setState(model.StateNew)
}

// runPhase runs a bounded lifecycle phase script and, on success, advances
// the component to nextState. Returns false if the phase failed (the
// component is left ERRORED or BROKEN and the caller must not proceed).
//
// Per spec §4.2's state table, the recover-then-retry rule names the
// STARTING row ("timeout/error -> ERRORED | run recover, then retry");
// install failures (from NEW) have no such row and are left ERRORED without
// a recover run or an automatic retry — a reinstall or explicit start
// intent is required to try again.
func (d *Driver) runPhase(ctx context.Context, phase, script string, timeout time.Duration, nextState model.LifecycleState) bool {
	phaseCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(timeout))
	d.mu.Lock()
	d.cancelPhase = cancel
	d.mu.Unlock()
	defer cancel()

	if err := d.runner.Execute(phaseCtx, d.component, script, phase); err != nil {
		broken := d.errWin.record(time.Now())
		d.mu.Lock()
		d.component.LastError = fmt.Errorf("%s phase: %w", phase, err)
		d.mu.Unlock()
		if phase == "startup" {
			d.runRecover(ctx)
		}
		if broken {
			logging.Error("Lifecycle", err, "%s: %s phase failed, exceeded failure window, classifying BROKEN", d.Name(), phase)
			d.setState(model.StateBroken)
			return false
		}
		logging.Warn("Lifecycle", "%s: %s phase failed: %v", d.Name(), phase, err)
		d.setState(model.StateErrored)
		if phase == "startup" {
			d.Post(IntentStart)
		}
		return false
	}
	d.setState(nextState)
	return true
}

func (d *Driver) setState(next model.LifecycleState) {
	d.mu.Lock()
	prev := d.component.State
	d.component.State = next
	d.mu.Unlock()
	if prev == next {
		return
	}
	logging.Debug("Lifecycle", "%s: %s -> %s", d.Name(), prev, next)
	if d.onChange != nil {
		d.onChange(d.Name(), prev, next)
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
