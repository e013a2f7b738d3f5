package merge

import (
	"reflect"

	"github.com/edgemesh/supervisor/internal/model"
)

// componentDiff classifies how a target deployment's component set compares
// to the components currently installed.
type componentDiff struct {
	added   []*model.Component // present in target, absent before
	removed []string           // present before, absent in target
	changed []*model.Component // present in both, with a material difference
	same    []string           // present in both, unchanged
}

// diffComponents compares current against target, both keyed by component
// name. A component is "changed" if its version, scripts, dependencies, or
// parameters differ — anything that would require at least a restart to
// take effect. Pure parameter drift and full version/script swaps are
// distinguished later when deciding requestRestart vs requestReinstall.
func diffComponents(current, target map[string]*model.Component) componentDiff {
	var diff componentDiff

	for name, next := range target {
		prev, existed := current[name]
		if !existed {
			diff.added = append(diff.added, next)
			continue
		}
		if materiallyDifferent(prev, next) {
			diff.changed = append(diff.changed, next)
		} else {
			diff.same = append(diff.same, name)
		}
	}
	for name := range current {
		if _, stillPresent := target[name]; !stillPresent {
			diff.removed = append(diff.removed, name)
		}
	}
	return diff
}

func materiallyDifferent(prev, next *model.Component) bool {
	if prev.Version != next.Version {
		return true
	}
	if prev.Scripts != next.Scripts {
		return true
	}
	if !reflect.DeepEqual(prev.Dependencies, next.Dependencies) {
		return true
	}
	if !reflect.DeepEqual(prev.Parameters, next.Parameters) {
		return true
	}
	return false
}

// requiresReinstall reports whether a changed component's difference from
// its previous definition is severe enough to demand a full reinstall
// (version or script change) rather than a simple restart (parameter-only
// change, which a restart alone will pick up since parameters are read at
// script-execution time).
func requiresReinstall(prev, next *model.Component) bool {
	return prev.Version != next.Version || prev.Scripts != next.Scripts
}
