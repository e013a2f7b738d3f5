// Package events is the process-wide event bus components publish
// lifecycle, scheduling, merge, and bootstrap transitions to, so that
// external observers (a fleet reporting channel, a local CLI, tests) can
// watch the system without the four core engines depending on each other.
//
// Grounded on the teacher's internal/orchestrator/orchestrator.go
// subscriber-channel broadcast (stateChangeSubscribers,
// publishStateChangeEvent, SubscribeToServiceInstanceEvents), generalized
// from one fixed event struct per orchestrator instance into one generic
// bus keyed by event Kind, shared across all four engines.
package events

import (
	"sync"

	"github.com/edgemesh/supervisor/pkg/logging"
)

// Kind identifies the category of a published Event.
type Kind string

const (
	KindLifecycleStateChanged Kind = "lifecycle.state_changed"
	KindDeploymentResult      Kind = "merge.deployment_result"
	KindBootstrapTaskFinished Kind = "bootstrap.task_finished"
	KindKernelActivation      Kind = "bootstrap.kernel_activation"
)

// Event is a single published occurrence. Payload's concrete type is
// determined by Kind; subscribers type-assert it (e.g. a
// KindLifecycleStateChanged event carries a LifecycleStateChanged payload).
type Event struct {
	Kind    Kind
	Payload interface{}
}

// LifecycleStateChanged is the payload for KindLifecycleStateChanged.
type LifecycleStateChanged struct {
	Component string
	From, To  string
}

// DeploymentResult is the payload for KindDeploymentResult.
type DeploymentResult struct {
	DeploymentID string
	Result       string
	Cause        error
}

// Bus is a non-blocking, fan-out publish/subscribe hub. A slow or absent
// subscriber never stalls a publisher: Publish drops the event for that
// subscriber (with a debug log) rather than blocking, mirroring the Config
// Tree's dispatch channel (internal/configtree/tree.go).
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]chan Event
}

// New returns an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind][]chan Event)}
}

// Subscribe returns a channel delivering every future event of kind. The
// channel is buffered (capacity 100, matching the teacher's
// SubscribeToServiceInstanceEvents) and is never closed by the bus; callers
// that stop listening should simply stop reading and let it be
// garbage-collected, or call Unsubscribe.
func (b *Bus) Subscribe(kind Kind) <-chan Event {
	ch := make(chan Event, 100)
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe for kind.
func (b *Bus) Unsubscribe(kind Kind, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[kind]
	for i, s := range subs {
		if s == ch {
			b.subs[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish fans event out to every subscriber of event.Kind, without
// blocking on any of them.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := append([]chan Event(nil), b.subs[event.Kind]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			logging.Debug("Events", "subscriber channel full, dropping %s event", event.Kind)
		}
	}
}
