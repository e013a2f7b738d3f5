package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/edgemesh/supervisor/internal/lifecycle"
	"github.com/edgemesh/supervisor/internal/model"
	"github.com/edgemesh/supervisor/pkg/logging"
)

// Component is the subset of a Lifecycle Driver the Scheduler depends on.
// Accepting this interface rather than a concrete *lifecycle.Driver keeps
// the scheduler independently testable, per the teacher's
// accept-interfaces composition style.
type Component interface {
	Post(intent lifecycle.Intent)
	State() model.LifecycleState
	Name() string
}

// Scheduler drives a Graph of components to the HARD/SOFT-dependency-aware
// start order described in spec §4.3: a component is posted requestStart
// only once every HARD dependency has reached its StartWhen state; SOFT
// dependencies are ordered for determinism but never block a start.
//
// Grounded on the teacher's internal/orchestrator/orchestrator.go
// dependency-aware instantiation sequencing (CreateServiceClassInstance),
// generalized from a flat "create in order" loop into a condition-variable
// gated wait per HARD edge so independent branches of the graph can start
// concurrently via golang.org/x/sync/errgroup, as the teacher's workflow
// engine parallelizes independent steps.
type Scheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	graph    *Graph
	drivers  map[string]Component
	observed map[string]model.LifecycleState
}

// New returns a Scheduler over graph. RegisterDriver must be called for
// every component in the graph before StartAll/StopAll.
func New(graph *Graph) *Scheduler {
	s := &Scheduler{
		graph:    graph,
		drivers:  make(map[string]Component),
		observed: make(map[string]model.LifecycleState),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RegisterDriver attaches the live Component for a graph node. The caller
// is responsible for wiring the component's state-change callback to call
// NotifyStateChange so the scheduler's waiters unblock.
func (s *Scheduler) RegisterDriver(driver Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[driver.Name()] = driver
	s.observed[driver.Name()] = driver.State()
}

// NotifyStateChange records a component's latest observed state, wakes any
// goroutine waiting on a HARD dependency threshold, and propagates an
// ERRORED dependency into a restart sequence for any of its RUNNING HARD
// dependents (spec §4.2 "RUNNING | dep ERRORED (HARD) -> STOPPING | restart
// sequence", §4.3 "propagate dependency state into child lifecycles").
func (s *Scheduler) NotifyStateChange(name string, state model.LifecycleState) {
	s.mu.Lock()
	s.observed[name] = state
	var restart []Component
	if state == model.StateErrored {
		for _, dependentName := range s.graph.Dependents(name) {
			hard := false
			for _, edge := range s.graph.Dependencies(dependentName) {
				if edge.Dependency == name && edge.Kind == model.KindHard {
					hard = true
					break
				}
			}
			if !hard {
				continue
			}
			if driver, ok := s.drivers[dependentName]; ok && s.observed[dependentName] == model.StateRunning {
				restart = append(restart, driver)
			}
		}
	}
	s.mu.Unlock()
	s.cond.Broadcast()

	for _, driver := range restart {
		logging.Warn("Scheduler", "%s errored, restarting HARD dependent %s", name, driver.Name())
		driver.Post(lifecycle.IntentRestart)
	}
}

// StartAll brings every component in the graph up, in dependency order,
// starting independent branches concurrently. It returns
// model.ErrCycleDetected if the graph is not a DAG.
func (s *Scheduler) StartAll(ctx context.Context) error {
	order, err := s.graph.TopologicalOrder()
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	started := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		started[name] = make(chan struct{})
	}

	for _, name := range order {
		name := name
		group.Go(func() error {
			defer close(started[name])
			for _, edge := range s.graph.Dependencies(name) {
				if edge.Kind != model.KindHard {
					continue
				}
				select {
				case <-started[edge.Dependency]:
				case <-ctx.Done():
					return ctx.Err()
				}
				if err := s.waitForState(ctx, edge.Dependency, edge.StartWhen.LifecycleState()); err != nil {
					return fmt.Errorf("waiting for hard dependency %s of %s: %w", edge.Dependency, name, err)
				}
			}
			return s.dispatch(name, lifecycle.IntentStart)
		})
	}
	return group.Wait()
}

// StopAll brings every component down in reverse dependency order. Unlike
// start, stop does not wait for dependents to fully settle before issuing
// the next stop; the Lifecycle driver's own shutdown timeout bounds each
// step (spec §4.3 "shutdown proceeds in reverse order; it does not wait for
// confirmation before proceeding to the next").
func (s *Scheduler) StopAll(ctx context.Context) error {
	order, err := s.graph.ShutdownOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		if err := s.dispatch(name, lifecycle.IntentStop); err != nil {
			logging.Warn("Scheduler", "stop %s: %v", name, err)
		}
	}
	return nil
}

func (s *Scheduler) dispatch(name string, intent lifecycle.Intent) error {
	s.mu.Lock()
	driver, ok := s.drivers[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrComponentNotFound, name)
	}
	driver.Post(intent)
	return nil
}

// waitForState blocks until component name has reached at least target, or
// is BROKEN (which can never progress further without operator
// intervention, so waiting longer would hang forever), or ctx is cancelled.
// An ERRORED dependency is retried by its driver, so waiting continues.
func (s *Scheduler) waitForState(ctx context.Context, name string, target model.LifecycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		state, ok := s.observed[name]
		if ok && (state.AtLeast(target) || state == model.StateBroken) {
			if state == model.StateBroken {
				return fmt.Errorf("dependency %s is BROKEN", name)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			case <-waitDone:
			}
		}()
		s.cond.Wait()
		close(waitDone)
	}
}
