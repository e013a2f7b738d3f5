package collaborator

import (
	"context"
	"time"
)

// ValidationVerdict is a running component's answer to validateConfiguration
// (spec §6): either it accepts the proposed parameters, or it rejects them
// with a human-readable reason.
type ValidationVerdict struct {
	Accepted bool
	Reason   string
}

// UpdateVerdict is a running component's answer to preComponentUpdate (spec
// §6): either it is safe to disrupt now, or it asks for more time.
type UpdateVerdict struct {
	Proceed     bool
	DeferMillis int64
}

// ComponentIPC is the IPC-to-components contract (spec §6): the two
// request/response operations the Merge Engine uses to ask a live,
// already-running component whether a proposed change is acceptable and
// whether its update may proceed right now. The concrete transport (a Unix
// socket, gRPC, whatever a given device image ships) is an external
// collaborator explicitly out of scope (spec §1); only this contract and a
// permissive local default live in this module.
type ComponentIPC interface {
	// ValidateConfiguration asks componentName whether proposedParams is an
	// acceptable configuration, bounded by timeout.
	ValidateConfiguration(ctx context.Context, componentName string, proposedParams map[string]interface{}, timeout time.Duration) (ValidationVerdict, error)
	// PreComponentUpdate asks componentName whether it can tolerate a
	// disruptive update right now, bounded by timeout.
	PreComponentUpdate(ctx context.Context, componentName string, timeout time.Duration) (UpdateVerdict, error)
}

// PermissiveComponentIPC is the default ComponentIPC: every component
// accepts every configuration and proceeds with every update immediately.
// Stands in for a real IPC transport the same way StaticCatalog stands in
// for a real package registry client (spec §1 scope boundary).
type PermissiveComponentIPC struct{}

// NewPermissiveComponentIPC returns a ComponentIPC that always accepts.
func NewPermissiveComponentIPC() *PermissiveComponentIPC {
	return &PermissiveComponentIPC{}
}

func (PermissiveComponentIPC) ValidateConfiguration(ctx context.Context, componentName string, proposedParams map[string]interface{}, timeout time.Duration) (ValidationVerdict, error) {
	return ValidationVerdict{Accepted: true}, nil
}

func (PermissiveComponentIPC) PreComponentUpdate(ctx context.Context, componentName string, timeout time.Duration) (UpdateVerdict, error) {
	return UpdateVerdict{Proceed: true}, nil
}
