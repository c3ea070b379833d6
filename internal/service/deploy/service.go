package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botforge/platform/internal/domain"
	"github.com/botforge/platform/internal/instance"
	"github.com/botforge/platform/internal/repository"
)

// ErrDeploymentInFlight is returned when a tenant already has an active
// deployment. A tenant holds exactly one pipeline at a time.
var ErrDeploymentInFlight = errors.New("deployment already in flight for tenant")

// PortAllocator hands out and returns host ports. Release reports
// whether the tenant still held the port.
type PortAllocator interface {
	Allocate(tenantID string) (int, error)
	Release(port int, tenantID string) bool
}

// WorkspaceManager owns the per-tenant directory and sealed seed.
type WorkspaceManager interface {
	Create(tenantID string) error
	GenerateSeed(tenantID string) (string, error)
	Destroy(tenantID string) error
}

// WalletService registers seeds with the wallet registrar and resolves
// on-chain addresses.
type WalletService interface {
	Register(ctx context.Context, tenantID, seed string) error
	ResolveAddress(ctx context.Context, tenantID string) (string, error)
}

// InstanceLauncher starts and stops tenant bot instances.
type InstanceLauncher interface {
	Launch(ctx context.Context, tenant domain.Tenant, port int) (instance.Receipt, error)
	Stop(ctx context.Context, tenantID string) error
}

// HealthChecker blocks until a launched instance is observably ready.
type HealthChecker interface {
	WaitUntilHealthy(ctx context.Context, tenantID string, port int) error
}

// TreasuryScheduler kicks off background contract deployment for
// tenants that want a DAO treasury.
type TreasuryScheduler interface {
	Schedule(tenant domain.Tenant)
}

// Broadcaster pushes stage events to live subscribers.
type Broadcaster interface {
	Publish(deploymentID string, payload any)
}

// StageEvent is the wire shape pushed to websocket subscribers on every
// stage transition.
type StageEvent struct {
	DeploymentID  string    `json:"deployment_id"`
	TenantID      string    `json:"tenant_id"`
	Stage         string    `json:"stage"`
	Error         string    `json:"error,omitempty"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Service drives the tenant deployment pipeline. Start returns as soon
// as the deployment record exists; a detached goroutine walks the
// stages and persists every transition so progress survives restarts.
type Service struct {
	tenants     repository.TenantRepository
	deployments repository.DeploymentRepository
	ports       PortAllocator
	workspaces  WorkspaceManager
	wallets     WalletService
	launcher    InstanceLauncher
	health      HealthChecker
	treasury    TreasuryScheduler
	broadcaster Broadcaster
	logger      *slog.Logger

	mu       sync.Mutex
	inFlight map[string]*flight
}

// flight tracks one live pipeline. done closes only after the pipeline
// goroutine has finished, teardown included, so waiters can reclaim the
// tenant's resources without racing it.
type flight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService constructs the deployment service.
func NewService(
	tenants repository.TenantRepository,
	deployments repository.DeploymentRepository,
	ports PortAllocator,
	workspaces WorkspaceManager,
	wallets WalletService,
	launcher InstanceLauncher,
	health HealthChecker,
	treasury TreasuryScheduler,
	broadcaster Broadcaster,
	logger *slog.Logger,
) *Service {
	return &Service{
		tenants:     tenants,
		deployments: deployments,
		ports:       ports,
		workspaces:  workspaces,
		wallets:     wallets,
		launcher:    launcher,
		health:      health,
		treasury:    treasury,
		broadcaster: broadcaster,
		logger:      logger,
		inFlight:    make(map[string]*flight),
	}
}

// Start records a new deployment in its initial stage and launches the
// pipeline in the background. The returned record is what the caller
// should hand to clients for progress polling.
func (s *Service) Start(ctx context.Context, tenant domain.Tenant) (*domain.Deployment, error) {
	runCtx, fl, err := s.claim(tenant.ID)
	if err != nil {
		return nil, err
	}

	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		Stage:     domain.StageInitializing,
		StartedAt: time.Now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		fl.cancel()
		s.releaseClaim(tenant.ID)
		close(fl.done)
		return nil, fmt.Errorf("create deployment record: %w", err)
	}

	s.logger.Info("deployment started",
		"deployment_id", deployment.ID,
		"tenant_id", tenant.ID,
		"tier", tenant.Tier)

	go s.execute(runCtx, fl, tenant, deployment.ID)
	return deployment, nil
}

// Cancel aborts a tenant's in-flight deployment, if any, and blocks
// until the pipeline has finished its own teardown. Once Cancel returns
// true the failed record is persisted and the pipeline holds no
// resources for the tenant.
func (s *Service) Cancel(tenantID string) bool {
	s.mu.Lock()
	fl, ok := s.inFlight[tenantID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	fl.cancel()
	<-fl.done
	return true
}

// Status is a pure read of the persisted deployment record.
func (s *Service) Status(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByTenant returns a tenant's deployment history, newest first.
func (s *Service) ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.deployments.ListDeploymentsByTenant(ctx, tenantID, limit)
}

func (s *Service) claim(tenantID string) (context.Context, *flight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inFlight[tenantID]; exists {
		return nil, nil, ErrDeploymentInFlight
	}
	// The pipeline outlives the HTTP request that started it, so it
	// runs on its own context rather than the caller's.
	ctx, cancel := context.WithCancel(context.Background())
	fl := &flight{cancel: cancel, done: make(chan struct{})}
	s.inFlight[tenantID] = fl
	return ctx, fl, nil
}

func (s *Service) releaseClaim(tenantID string) {
	s.mu.Lock()
	delete(s.inFlight, tenantID)
	s.mu.Unlock()
}

// pipelineState tracks what the pipeline has built so far so that a
// failure at any stage can tear down exactly that.
type pipelineState struct {
	port            int
	portAllocated   bool
	workspaceMade   bool
	instanceRunning bool
}

func (s *Service) execute(ctx context.Context, fl *flight, tenant domain.Tenant, deploymentID string) {
	// done closes last: waiters must observe teardown fully finished.
	defer close(fl.done)
	defer fl.cancel()
	defer s.releaseClaim(tenant.ID)

	state := &pipelineState{}
	if err := s.run(ctx, tenant, deploymentID, state); err != nil {
		s.fail(tenant, deploymentID, state, err)
	}
}

func (s *Service) run(ctx context.Context, tenant domain.Tenant, deploymentID string, state *pipelineState) error {
	if err := s.advance(ctx, deploymentID, tenant.ID, domain.StageAllocatingResources); err != nil {
		return err
	}
	port, err := s.ports.Allocate(tenant.ID)
	if err != nil {
		return fmt.Errorf("allocate port: %w", err)
	}
	state.port = port
	state.portAllocated = true
	if err := s.tenants.SetTenantPort(ctx, tenant.ID, &port); err != nil {
		return fmt.Errorf("persist port: %w", err)
	}

	if err := s.advance(ctx, deploymentID, tenant.ID, domain.StageCreatingWorkspace); err != nil {
		return err
	}
	if err := s.workspaces.Create(tenant.ID); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	state.workspaceMade = true

	if err := s.advance(ctx, deploymentID, tenant.ID, domain.StageGeneratingWallet); err != nil {
		return err
	}
	seed, err := s.workspaces.GenerateSeed(tenant.ID)
	if err != nil {
		return fmt.Errorf("generate wallet seed: %w", err)
	}

	if err := s.advance(ctx, deploymentID, tenant.ID, domain.StageRegisteringWallet); err != nil {
		return err
	}
	walletAddress := s.registerWallet(ctx, tenant.ID, seed)

	if err := s.advance(ctx, deploymentID, tenant.ID, domain.StageLaunchingInstance); err != nil {
		return err
	}
	if _, err := s.launcher.Launch(ctx, tenant, port); err != nil {
		return err
	}
	state.instanceRunning = true

	if err := s.advance(ctx, deploymentID, tenant.ID, domain.StageVerifyingHealth); err != nil {
		return err
	}
	if err := s.health.WaitUntilHealthy(ctx, tenant.ID, port); err != nil {
		return err
	}

	if err := s.advance(ctx, deploymentID, tenant.ID, domain.StageFinalizing); err != nil {
		return err
	}
	if err := s.tenants.SetTenantWallet(ctx, tenant.ID, walletAddress); err != nil {
		return fmt.Errorf("persist wallet address: %w", err)
	}
	if err := s.tenants.UpdateTenantStatus(ctx, tenant.ID, domain.TenantActive); err != nil {
		return fmt.Errorf("activate tenant: %w", err)
	}

	now := time.Now().UTC()
	update := domain.DeploymentStageUpdate{
		DeploymentID:  deploymentID,
		Stage:         domain.StageCompleted,
		WalletAddress: walletAddress,
		CompletedAt:   &now,
	}
	if err := s.deployments.UpdateDeploymentStage(ctx, update); err != nil {
		return fmt.Errorf("complete deployment: %w", err)
	}
	s.publish(deploymentID, tenant.ID, domain.StageCompleted, "", walletAddress)
	s.logger.Info("deployment completed",
		"deployment_id", deploymentID,
		"tenant_id", tenant.ID,
		"port", port,
		"wallet_address", walletAddress)

	if tenant.WantsTreasury() && s.treasury != nil {
		s.treasury.Schedule(tenant)
	}
	return nil
}

// registerWallet pushes the seed to the registrar and resolves the
// resulting address. The registrar being down degrades the record to
// the pending sentinel; it never sinks the deployment.
func (s *Service) registerWallet(ctx context.Context, tenantID, seed string) string {
	if err := s.wallets.Register(ctx, tenantID, seed); err != nil {
		s.logger.Warn("wallet registration failed, continuing with pending address",
			"tenant_id", tenantID, "error", err)
		return domain.WalletPending
	}
	address, err := s.wallets.ResolveAddress(ctx, tenantID)
	if err != nil || address == "" {
		return domain.WalletPending
	}
	return address
}

func (s *Service) advance(ctx context.Context, deploymentID, tenantID, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	update := domain.DeploymentStageUpdate{DeploymentID: deploymentID, Stage: stage}
	if err := s.deployments.UpdateDeploymentStage(ctx, update); err != nil {
		return fmt.Errorf("advance to %s: %w", stage, err)
	}
	s.publish(deploymentID, tenantID, stage, "", "")
	return nil
}

// fail marks the record failed with a user-safe message and tears down
// everything this pipeline built, in reverse order of construction.
// Teardown uses a fresh context because the pipeline context may be the
// very thing that was cancelled.
func (s *Service) fail(tenant domain.Tenant, deploymentID string, state *pipelineState, cause error) {
	ctx, cancelTeardown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTeardown()

	message := failureMessage(cause)
	s.logger.Error("deployment failed",
		"deployment_id", deploymentID,
		"tenant_id", tenant.ID,
		"error", cause)

	now := time.Now().UTC()
	update := domain.DeploymentStageUpdate{
		DeploymentID: deploymentID,
		Stage:        domain.StageFailed,
		Error:        message,
		CompletedAt:  &now,
	}
	if err := s.deployments.UpdateDeploymentStage(ctx, update); err != nil && !errors.Is(err, repository.ErrTerminal) {
		s.logger.Error("could not persist failure", "deployment_id", deploymentID, "error", err)
	}
	s.publish(deploymentID, tenant.ID, domain.StageFailed, message, "")

	if state.instanceRunning {
		if err := s.launcher.Stop(ctx, tenant.ID); err != nil {
			s.logger.Warn("teardown: stop instance", "tenant_id", tenant.ID, "error", err)
		}
	}
	if state.workspaceMade {
		if err := s.workspaces.Destroy(tenant.ID); err != nil {
			s.logger.Warn("teardown: destroy workspace", "tenant_id", tenant.ID, "error", err)
		}
	}
	if state.portAllocated {
		if !s.ports.Release(state.port, tenant.ID) {
			s.logger.Warn("teardown: port no longer held", "tenant_id", tenant.ID, "port", state.port)
		}
		if err := s.tenants.SetTenantPort(ctx, tenant.ID, nil); err != nil {
			s.logger.Warn("teardown: clear port", "tenant_id", tenant.ID, "error", err)
		}
	}
	if err := s.tenants.UpdateTenantStatus(ctx, tenant.ID, domain.TenantError); err != nil {
		s.logger.Warn("teardown: mark tenant errored", "tenant_id", tenant.ID, "error", err)
	}
}

// failureMessage maps internal errors to messages safe to show tenants.
func failureMessage(cause error) string {
	switch {
	case errors.Is(cause, context.Canceled):
		return "deployment cancelled"
	case errors.Is(cause, context.DeadlineExceeded):
		return "deployment timed out"
	case errors.Is(cause, instance.ErrHealthTimeout):
		return "bot instance did not become healthy in time"
	case errors.Is(cause, instance.ErrInstanceExited):
		return "bot instance exited during startup"
	case errors.Is(cause, instance.ErrLaunchFailed):
		return "bot instance could not be started"
	default:
		return "deployment failed: " + cause.Error()
	}
}

func (s *Service) publish(deploymentID, tenantID, stage, errMessage, walletAddress string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(deploymentID, StageEvent{
		DeploymentID:  deploymentID,
		TenantID:      tenantID,
		Stage:         stage,
		Error:         errMessage,
		WalletAddress: walletAddress,
		Timestamp:     time.Now().UTC(),
	})
}
