package domain

import "time"

// Deployment stages, in execution order. StageFailed is reachable from
// any non-terminal stage; StageCompleted and StageFailed are terminal.
const (
	StageInitializing        = "initializing"
	StageAllocatingResources = "allocating_resources"
	StageCreatingWorkspace   = "creating_workspace"
	StageGeneratingWallet    = "generating_wallet"
	StageRegisteringWallet   = "registering_wallet"
	StageLaunchingInstance   = "launching_instance"
	StageVerifyingHealth     = "verifying_health"
	StageFinalizing          = "finalizing"
	StageCompleted           = "completed"
	StageFailed              = "failed"
)

// stageRank orders the progress stages; failed sits outside the order.
var stageRank = map[string]int{
	StageInitializing:        0,
	StageAllocatingResources: 1,
	StageCreatingWorkspace:   2,
	StageGeneratingWallet:    3,
	StageRegisteringWallet:   4,
	StageLaunchingInstance:   5,
	StageVerifyingHealth:     6,
	StageFinalizing:          7,
	StageCompleted:           8,
}

// StageRank returns the ordinal position of a progress stage and whether
// the stage participates in the monotonic order.
func StageRank(stage string) (int, bool) {
	rank, ok := stageRank[stage]
	return rank, ok
}

// TerminalStage reports whether a deployment record in this stage is immutable.
func TerminalStage(stage string) bool {
	return stage == StageCompleted || stage == StageFailed
}

// Deployment captures one attempt to bring a tenant's bot to a running,
// healthy state.
type Deployment struct {
	ID            string
	TenantID      string
	Stage         string
	Error         string
	WalletAddress string
	StartedAt     time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// DeploymentStageUpdate captures mutable fields for a deployment record.
type DeploymentStageUpdate struct {
	DeploymentID  string
	Stage         string
	Error         string
	WalletAddress string
	CompletedAt   *time.Time
}
