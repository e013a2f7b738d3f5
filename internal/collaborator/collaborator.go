// Package collaborator defines the handler-interface contracts through
// which the core engines reach the outside world: package retrieval,
// component process/IPC execution, and supervisor-level restart signalling.
//
// Grounded on the teacher's internal/api Service Locator Pattern
// (internal/api/doc.go): every cross-cutting capability is expressed as a
// small handler interface, registered once at composition time, so that
// internal/lifecycle, internal/merge, and internal/bootstrap never import
// a concrete transport, package store, or process manager directly. This
// package holds the contracts together with their local adapters
// (StaticCatalog, CachedPackageStore, ProcessScriptExecutor,
// PermissiveComponentIPC, SystemdRestarter), which internal/core wires in.
package collaborator

import (
	"context"

	"github.com/edgemesh/supervisor/internal/model"
)

// PackageStore resolves a named, versioned software package to the local
// filesystem path it was unpacked into, downloading and caching it if
// necessary. Used by the Merge Engine before installing a component whose
// deployment document names a package version not yet present locally.
type PackageStore interface {
	// Resolve returns the local directory containing the unpacked package
	// for (name, version), fetching it if not already cached.
	Resolve(ctx context.Context, name, version string) (path string, err error)
}

// ScriptExecutor runs one of a component's lifecycle scripts (install,
// startup, run, shutdown, bootstrap, recover) in the component's own
// process or container context. This is the concrete backing for
// internal/lifecycle.ScriptRunner; it is a separate interface here so
// internal/collaborator can be depended on by both internal/lifecycle and
// internal/bootstrap without those two importing each other.
type ScriptExecutor interface {
	Execute(ctx context.Context, component *model.Component, script, phase string) error
}

// SupervisorRestarter requests that the host supervisor process itself be
// restarted, used by the Bootstrap & Kernel-Alternatives Engine after an
// activation or rollback flip to bring the new launch directory's code into
// effect.
type SupervisorRestarter interface {
	RequestRestart(ctx context.Context, reason string) error
}

// ComponentCatalog resolves the static definition (scripts, dependencies,
// timeouts, failure policy) for a named, versioned package, as published
// alongside the package itself. The Merge Engine consults this when
// expanding a deployment document's PackageRequest entries into full
// model.Component values.
type ComponentCatalog interface {
	Lookup(ctx context.Context, name, version string) (*model.Component, error)
}

// DeploymentTransport delivers an incoming deployment document (e.g.
// received over the fleet management channel) to the Merge Engine, and
// reports the resulting DeploymentResult back upstream.
type DeploymentTransport interface {
	Receive(ctx context.Context) (*model.DeploymentDocument, error)
	Report(ctx context.Context, doc *model.DeploymentDocument, result model.DeploymentResult) error
}
