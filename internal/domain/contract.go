package domain

import "time"

// Background contract deployment statuses.
const (
	ContractsNotAttempted = "not_attempted"
	ContractsInProgress   = "in_progress"
	ContractsSucceeded    = "succeeded"
	ContractsFailed       = "failed"
)

// ContractDeployment records best-effort DAO/treasury contract
// provisioning for a tenant. It is informational only: its status never
// feeds back into the tenant's or deployment's primary state.
type ContractDeployment struct {
	TenantID    string
	Status      string
	Addresses   map[string]string
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
