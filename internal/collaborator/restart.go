package collaborator

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/edgemesh/supervisor/pkg/logging"
)

// SystemdRestarter requests a supervisor restart via sd_notify, for use
// when the process runs as a systemd unit with Type=notify and
// Restart=on-failure (or a watchdog). Grounded on the teacher's use of
// github.com/coreos/go-systemd/v22 for socket activation
// (internal/aggregator/server.go); generalized here from socket handoff to
// the daemon sub-package's notify protocol, which is the idiomatic way a Go
// systemd unit asks to be restarted.
type SystemdRestarter struct{}

// NewSystemdRestarter returns a SupervisorRestarter backed by sd_notify.
func NewSystemdRestarter() *SystemdRestarter {
	return &SystemdRestarter{}
}

// RequestRestart sends STOPPING=1 with a STATUS line naming reason and
// returns; it does not exit the process or ask systemd to restart the unit,
// so bringing the process back up against the freshly flipped launch
// directory is left to the unit's own policy. If the process is not running under
// systemd (NOTIFY_SOCKET unset), this is a documented no-op so that
// non-systemd deployments can still call it safely.
func (r *SystemdRestarter) RequestRestart(ctx context.Context, reason string) error {
	sent, err := daemon.SdNotify(false, fmt.Sprintf("STOPPING=1\nSTATUS=restarting: %s\n", reason))
	if err != nil {
		return fmt.Errorf("sd_notify restart request: %w", err)
	}
	if !sent {
		logging.Warn("Collaborator", "not running under systemd notify protocol, restart request for %q is a no-op", reason)
		return nil
	}
	logging.Info("Collaborator", "requested supervisor restart: %s", reason)
	return nil
}
