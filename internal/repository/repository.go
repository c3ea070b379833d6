package repository

import (
	"context"

	"github.com/botforge/platform/internal/domain"
)

// TenantRepository persists tenant records.
type TenantRepository interface {
	CreateTenant(ctx context.Context, tenant *domain.Tenant) error
	GetTenantByID(ctx context.Context, tenantID string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
	UpdateTenantStatus(ctx context.Context, tenantID, status string) error
	SetTenantPort(ctx context.Context, tenantID string, port *int) error
	SetTenantWallet(ctx context.Context, tenantID, address string) error
	DeleteTenant(ctx context.Context, tenantID string) error
}

// DeploymentRepository stores deployment attempt history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStage(ctx context.Context, update domain.DeploymentStageUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByTenant(ctx context.Context, tenantID string, limit int) ([]domain.Deployment, error)
}

// ContractRepository stores background contract deployment records.
type ContractRepository interface {
	UpsertContractDeployment(ctx context.Context, record *domain.ContractDeployment) error
	GetContractDeployment(ctx context.Context, tenantID string) (*domain.ContractDeployment, error)
}
