package model

import "time"

// FailureHandlingPolicy selects what the Merge Engine does when a deployment
// fails to converge.
type FailureHandlingPolicy string

const (
	FailureDoNothing FailureHandlingPolicy = "DO_NOTHING"
	FailureRollback  FailureHandlingPolicy = "ROLLBACK"
)

// UpdateDisruptionAction selects whether running components are asked to
// defer a disruptive update.
type UpdateDisruptionAction string

const (
	DisruptionNotifyComponents UpdateDisruptionAction = "NOTIFY_COMPONENTS"
	DisruptionSkipCheck        UpdateDisruptionAction = "SKIP_CHECK"
)

// UpdateDisruptionPolicy bundles the disruption-check action with its
// deferral timeout.
type UpdateDisruptionPolicy struct {
	Action  UpdateDisruptionAction
	Timeout time.Duration
}

// ConfigurationValidationPolicy bounds how long dynamic validation may take.
type ConfigurationValidationPolicy struct {
	Timeout time.Duration
}

// PackageRequest names one root component the deployment wants present, with
// its desired version and parameters.
type PackageRequest struct {
	Version    string
	Parameters map[string]interface{}
}

// DeploymentDocument is the declarative desired-state document a deployment
// collaborator enqueues (spec §6's JSON wire shape, decoded into this type).
type DeploymentDocument struct {
	DeploymentID  string
	GroupName     string
	Timestamp     int64 // monotonic per group, millis
	Packages      map[string]PackageRequest
	FailurePolicy FailureHandlingPolicy
	Disruption    UpdateDisruptionPolicy
	Validation    ConfigurationValidationPolicy
}

// DeploymentStage tracks where a deployment is in the bootstrap recovery
// state machine (spec §4.5).
type DeploymentStage int

const (
	StageDefault DeploymentStage = iota
	StageKernelActivation
	StageBootstrap
	StageKernelRollback
)

func (s DeploymentStage) String() string {
	switch s {
	case StageKernelActivation:
		return "KERNEL_ACTIVATION"
	case StageBootstrap:
		return "BOOTSTRAP"
	case StageKernelRollback:
		return "KERNEL_ROLLBACK"
	default:
		return "DEFAULT"
	}
}

// DeploymentResultKind is the tagged-sum result of a deployment, per spec §4.4.
type DeploymentResultKind int

const (
	ResultSuccessful DeploymentResultKind = iota
	ResultFailedNoStateChange
	ResultFailedRollbackComplete
	ResultFailedRollbackNotRequested
	ResultRejected
)

func (k DeploymentResultKind) String() string {
	switch k {
	case ResultSuccessful:
		return "SUCCESSFUL"
	case ResultFailedNoStateChange:
		return "FAILED_NO_STATE_CHANGE"
	case ResultFailedRollbackComplete:
		return "FAILED_ROLLBACK_COMPLETE"
	case ResultFailedRollbackNotRequested:
		return "FAILED_ROLLBACK_NOT_REQUESTED"
	case ResultRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// DeploymentResult is the outcome delivered on a deployment's result future.
type DeploymentResult struct {
	Kind  DeploymentResultKind
	Cause error
}
