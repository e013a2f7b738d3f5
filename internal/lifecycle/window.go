package lifecycle

import "time"

// errorWindow is the sliding one-hour window of failure timestamps used to
// classify a component BROKEN after three failures within an hour (spec
// §4.2 "three failures inside a sliding one-hour window"). Grounded on the
// teacher's restart-backoff bookkeeping in internal/services/instance.go,
// generalized from a fixed retry counter to a time-bounded sliding window.
type errorWindow struct {
	failures []time.Time
	limit    int
	span     time.Duration
}

func newErrorWindow(limit int, span time.Duration) *errorWindow {
	return &errorWindow{limit: limit, span: span}
}

// record appends a failure at now and reports whether the window has now
// reached its limit (i.e. the component should be classified BROKEN).
func (w *errorWindow) record(now time.Time) bool {
	w.failures = append(w.failures, now)
	w.prune(now)
	return len(w.failures) >= w.limit
}

func (w *errorWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.failures) && w.failures[i].Before(cutoff) {
		i++
	}
	w.failures = w.failures[i:]
}

// reset clears recorded failures, e.g. after a clean install or an operator
// acknowledged recovery.
func (w *errorWindow) reset() {
	w.failures = nil
}

func (w *errorWindow) count() int {
	return len(w.failures)
}
