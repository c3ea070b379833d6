package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/botforge/platform/internal/domain"
	"github.com/botforge/platform/internal/repository"
)

var (
	// ErrInvalidTier is returned for tiers outside the known set.
	ErrInvalidTier = errors.New("unknown tier")
	// ErrNameRequired is returned when the bot name is missing.
	ErrNameRequired = errors.New("tenant name is required")
	// ErrContractsNotReady is returned when a tenant's treasury
	// contracts have not been deployed (yet, or at all).
	ErrContractsNotReady = errors.New("contracts not yet deployed")
)

// Deployer starts and cancels deployment pipelines. Cancel returns
// only after the cancelled pipeline has finished its own teardown.
type Deployer interface {
	Start(ctx context.Context, tenant domain.Tenant) (*domain.Deployment, error)
	Cancel(tenantID string) bool
}

// WalletResolver looks up a tenant's on-chain address.
type WalletResolver interface {
	ResolveAddress(ctx context.Context, tenantID string) (string, error)
}

// InstanceRuntime removes a tenant's running container and reads its
// output.
type InstanceRuntime interface {
	Stop(ctx context.Context, tenantID string) error
	Logs(ctx context.Context, tenantID string, tail int) (string, error)
}

// PortRegistry returns ports to the pool and rebuilds bookkeeping on
// startup. Releases are refused for ports the tenant no longer holds.
type PortRegistry interface {
	Release(port int, tenantID string) bool
	MarkUsed(port int, tenantID string) error
}

// WorkspaceRemover destroys a tenant's on-disk workspace.
type WorkspaceRemover interface {
	Destroy(tenantID string) error
}

// CreateInput is the validated surface of a tenant creation request.
type CreateInput struct {
	OwnerID  string
	Name     string
	Tier     string
	Model    string
	Features domain.FeatureFlags
}

// Service owns tenant lifecycle outside the deployment pipeline itself.
type Service struct {
	tenants    repository.TenantRepository
	contracts  repository.ContractRepository
	deployer   Deployer
	wallets    WalletResolver
	instances  InstanceRuntime
	ports      PortRegistry
	workspaces WorkspaceRemover
	logger     *slog.Logger
}

// NewService constructs the tenant service.
func NewService(
	tenants repository.TenantRepository,
	contracts repository.ContractRepository,
	deployer Deployer,
	wallets WalletResolver,
	instances InstanceRuntime,
	ports PortRegistry,
	workspaces WorkspaceRemover,
	logger *slog.Logger,
) *Service {
	return &Service{
		tenants:    tenants,
		contracts:  contracts,
		deployer:   deployer,
		wallets:    wallets,
		instances:  instances,
		ports:      ports,
		workspaces: workspaces,
		logger:     logger,
	}
}

// Create validates the request, persists the tenant in its stopped
// state, and starts the deployment pipeline. The deployment record is
// returned so the caller can poll or subscribe to progress.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Tenant, *domain.Deployment, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, nil, ErrNameRequired
	}
	tier := input.Tier
	if tier == "" {
		tier = domain.TierBasic
	}
	if !domain.ValidTier(tier) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidTier, input.Tier)
	}

	now := time.Now().UTC()
	tenant := &domain.Tenant{
		ID:            uuid.NewString(),
		OwnerID:       input.OwnerID,
		Name:          name,
		Tier:          tier,
		Features:      input.Features,
		WalletAddress: domain.WalletPending,
		Status:        domain.TenantStopped,
		PlatformToken: uuid.NewString(),
		Model:         input.Model,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.tenants.CreateTenant(ctx, tenant); err != nil {
		return nil, nil, fmt.Errorf("persist tenant: %w", err)
	}

	deployment, err := s.deployer.Start(ctx, *tenant)
	if err != nil {
		return nil, nil, fmt.Errorf("start deployment: %w", err)
	}
	s.logger.Info("tenant created",
		"tenant_id", tenant.ID,
		"tier", tenant.Tier,
		"deployment_id", deployment.ID)
	return tenant, deployment, nil
}

// Get returns the tenant record. A pending wallet address is lazily
// retried against the registrar: if an address has materialized since
// deployment, it is persisted and returned.
func (s *Service) Get(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	tenant, err := s.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.WalletAddress != domain.WalletPending {
		return tenant, nil
	}

	address, err := s.wallets.ResolveAddress(ctx, tenantID)
	if err != nil || address == "" || address == domain.WalletPending {
		return tenant, nil
	}
	if err := s.tenants.SetTenantWallet(ctx, tenantID, address); err != nil {
		s.logger.Warn("persist resolved wallet", "tenant_id", tenantID, "error", err)
		return tenant, nil
	}
	tenant.WalletAddress = address
	s.logger.Info("wallet address resolved", "tenant_id", tenantID, "wallet_address", address)
	return tenant, nil
}

// Contracts returns the tenant's treasury contract record. A record
// that does not exist or never got past not_attempted maps to
// ErrContractsNotReady so callers can answer with a conflict rather
// than a missing resource.
func (s *Service) Contracts(ctx context.Context, tenantID string) (*domain.ContractDeployment, error) {
	if _, err := s.tenants.GetTenantByID(ctx, tenantID); err != nil {
		return nil, err
	}
	record, err := s.contracts.GetContractDeployment(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrContractsNotReady
	}
	if err != nil {
		return nil, err
	}
	if record.Status == domain.ContractsNotAttempted {
		return nil, ErrContractsNotReady
	}
	return record, nil
}

// Delete tears a tenant fully down: joins any in-flight deployment,
// stops the instance, frees the port, removes the workspace, and
// deletes the rows last. Deployment and contract history go with the
// tenant via cascade, so the rows must outlive the pipeline's final
// stage write.
func (s *Service) Delete(ctx context.Context, tenantID string) error {
	tenant, err := s.tenants.GetTenantByID(ctx, tenantID)
	if err != nil {
		return err
	}

	// Cancel returns only once the pipeline has persisted its failed
	// record and released what it held. Re-read the tenant afterwards:
	// the pipeline's teardown may have cleared the port.
	if s.deployer.Cancel(tenantID) {
		if refreshed, err := s.tenants.GetTenantByID(ctx, tenantID); err == nil {
			tenant = refreshed
		}
	}

	if err := s.instances.Stop(ctx, tenantID); err != nil {
		s.logger.Warn("delete: stop instance", "tenant_id", tenantID, "error", err)
	}
	if tenant.Port != nil {
		if !s.ports.Release(*tenant.Port, tenantID) {
			s.logger.Warn("delete: port no longer held", "tenant_id", tenantID, "port", *tenant.Port)
		}
	}
	if err := s.workspaces.Destroy(tenantID); err != nil {
		s.logger.Warn("delete: destroy workspace", "tenant_id", tenantID, "error", err)
	}
	if err := s.tenants.DeleteTenant(ctx, tenantID); err != nil {
		return fmt.Errorf("delete tenant record: %w", err)
	}
	s.logger.Info("tenant deleted", "tenant_id", tenantID)
	return nil
}

// Logs returns the tail of the tenant's instance output.
func (s *Service) Logs(ctx context.Context, tenantID string, tail int) (string, error) {
	if _, err := s.tenants.GetTenantByID(ctx, tenantID); err != nil {
		return "", err
	}
	return s.instances.Logs(ctx, tenantID, tail)
}

// RestorePorts rebuilds the allocator's bookkeeping from persisted
// tenants after a restart so live instances keep their ports.
func (s *Service) RestorePorts(ctx context.Context) error {
	tenants, err := s.tenants.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	restored := 0
	for _, tenant := range tenants {
		if tenant.Port == nil {
			continue
		}
		if err := s.ports.MarkUsed(*tenant.Port, tenant.ID); err != nil {
			s.logger.Warn("restore port", "tenant_id", tenant.ID, "port", *tenant.Port, "error", err)
			continue
		}
		restored++
	}
	s.logger.Info("port bookkeeping restored", "tenants", len(tenants), "ports", restored)
	return nil
}
