package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgemesh/supervisor/internal/core"
)

var (
	runDebug    bool
	runStateDir string
)

// rootCmd is the entry point when supervisord is invoked without a
// subcommand: it starts the Config Tree, Scheduler, Lifecycle Drivers,
// Merge Engine, and Bootstrap Engine and blocks until signalled to stop.
// Trimmed from the teacher's multi-command CLI (service/workflow/agent/auth
// subtrees) down to the one thing a headless device orchestrator does: run.
var rootCmd = &cobra.Command{
	Use:   "supervisord",
	Short: "Run the edge device component supervisor",
	Long: `supervisord drives a device's component lifecycle from a deployment
document: it resolves dependency order, starts and stops components per
their install/startup/run/shutdown scripts, applies configuration
deployments with rollback on failure, and manages the kernel-alternatives
launch directories for nucleus-component updates.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runSupervisor,
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg := core.NewConfig(runDebug, runStateDir)

	supervisor, err := core.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize supervisor: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return supervisor.Run(ctx)
}

func init() {
	rootCmd.Flags().BoolVar(&runDebug, "debug", false, "enable verbose logging")
	rootCmd.Flags().StringVar(&runStateDir, "state-dir", "/var/lib/supervisord", "directory for persisted state (config tree snapshot, bootstrap task list, launch directories)")
}

// Execute is the entry point called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
