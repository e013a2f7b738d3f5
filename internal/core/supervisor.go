// Package core is the composition root: it wires the Config Tree, the
// dependency Scheduler, per-component Lifecycle Drivers, the Deployment
// Merge Engine, and the Bootstrap & Kernel-Alternatives Engine into one
// running Supervisor, with no global state and no circular imports.
//
// A two-phase construction: New builds every collaborator and engine but
// starts nothing; Run starts the snapshot watcher and blocks until
// cancelled, so callers can register components or apply an initial
// deployment between the two.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgemesh/supervisor/internal/bootstrap"
	"github.com/edgemesh/supervisor/internal/collaborator"
	"github.com/edgemesh/supervisor/internal/configtree"
	"github.com/edgemesh/supervisor/internal/events"
	"github.com/edgemesh/supervisor/internal/lifecycle"
	"github.com/edgemesh/supervisor/internal/merge"
	"github.com/edgemesh/supervisor/internal/model"
	"github.com/edgemesh/supervisor/internal/scheduler"
	"github.com/edgemesh/supervisor/pkg/logging"
)

// Supervisor is the fully-wired, running system.
type Supervisor struct {
	config *Config

	Tree      *configtree.Tree
	Bus       *events.Bus
	Scheduler *scheduler.Scheduler
	Merge     *merge.Engine
	Bootstrap *bootstrap.Engine
	Catalog   *collaborator.StaticCatalog

	watcher *configtree.SnapshotWatcher
}

// New performs the bootstrap phase: create the state directory, attach the
// Config Tree's transaction log and snapshot, build every collaborator
// adapter, and wire the four engines together. It does not yet start
// anything (see Run).
func New(cfg *Config) (*Supervisor, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	txLog, err := configtree.NewTransactionLog(filepath.Join(cfg.StateDir, "configtree.log"))
	if err != nil {
		return nil, fmt.Errorf("open config tree transaction log: %w", err)
	}
	tree := configtree.New(configtree.WithTransactionLog(txLog))

	snapshotPath := filepath.Join(cfg.StateDir, "configtree-snapshot.yaml")
	if err := tree.LoadSnapshotFile(snapshotPath); err != nil {
		return nil, fmt.Errorf("load config tree snapshot: %w", err)
	}

	bus := events.New()
	catalog := collaborator.NewStaticCatalog()

	packageStore, err := collaborator.NewCachedPackageStore(cfg.PackageCacheDir, cfg.PackageCacheCapacity, localPackageFetcher)
	if err != nil {
		return nil, fmt.Errorf("create package store: %w", err)
	}

	executor := collaborator.NewProcessScriptExecutor(func(component *model.Component) string {
		path, err := packageStore.Resolve(context.Background(), component.Name, component.Version)
		if err != nil {
			logging.Warn("Core", "resolving work dir for %s: %v, falling back to state dir", component.Name, err)
			return cfg.StateDir
		}
		return path
	})
	restarter := collaborator.NewSystemdRestarter()

	// Merge and Bootstrap refer to each other (Merge consults Bootstrap as
	// its BootstrapCoordinator; Bootstrap consults Merge's installed set to
	// resolve task scripts), so mergeEngine is wired in through a forward
	// reference captured by this closure rather than a direct field.
	var mergeEngine *merge.Engine

	launchRoot := filepath.Join(cfg.StateDir, "launch")
	bootstrapEngine, err := bootstrap.New(bootstrap.Config{
		LaunchRoot:   launchRoot,
		TaskListPath: filepath.Join(cfg.StateDir, "bootstrap-tasks.yaml"),
		Executor:     executor,
		Restarter:    restarter,
		Components: func() map[string]*model.Component {
			if mergeEngine == nil {
				return nil
			}
			return mergeEngine.InstalledComponents()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create bootstrap engine: %w", err)
	}

	graph := scheduler.NewGraph()
	sched := scheduler.New(graph)

	mergeEngine = merge.New(merge.Config{
		Tree:      tree,
		Catalog:   catalog,
		IPC:       collaborator.NewPermissiveComponentIPC(),
		Bus:       bus,
		Bootstrap: bootstrapEngine,
		NewDriver: func(component *model.Component) *lifecycle.Driver {
			driver := lifecycle.NewDriver(component, executor, func(name string, from, to model.LifecycleState) {
				sched.NotifyStateChange(name, to)
				bus.Publish(events.Event{Kind: events.KindLifecycleStateChanged, Payload: events.LifecycleStateChanged{
					Component: name, From: from.String(), To: to.String(),
				}})
			})
			go driver.Run(context.Background())
			return driver
		},
	})

	watcher := configtree.NewSnapshotWatcher(tree, snapshotPath, cfg.SnapshotDebounce)

	return &Supervisor{
		config:    cfg,
		Tree:      tree,
		Bus:       bus,
		Scheduler: sched,
		Merge:     mergeEngine,
		Bootstrap: bootstrapEngine,
		Catalog:   catalog,
		watcher:   watcher,
	}, nil
}

// Run starts the snapshot watcher and blocks until ctx is cancelled, then
// persists a final Config Tree snapshot before returning (spec §7 "a clean
// shutdown always leaves a consistent snapshot on disk").
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config tree snapshot watcher: %w", err)
	}
	logging.Info("Core", "supervisor started")

	<-ctx.Done()

	logging.Info("Core", "supervisor shutting down")
	s.watcher.Stop()
	s.Tree.Close()

	snapshotPath := filepath.Join(s.config.StateDir, "configtree-snapshot.yaml")
	if err := s.Tree.SaveSnapshotFile(snapshotPath); err != nil {
		return fmt.Errorf("save final config tree snapshot: %w", err)
	}
	return nil
}

// localPackageFetcher is the default Fetcher: it assumes packages are
// already present on local media (e.g. bundled into the device image or
// dropped by a separate transfer mechanism) at root, and simply verifies
// the directory exists. Deployments with a real remote package transport
// supply their own collaborator.Fetcher instead.
func localPackageFetcher(ctx context.Context, root, name, version string) (string, error) {
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("package %s@%s not found at %s: %w", name, version, root, err)
	}
	return root, nil
}
