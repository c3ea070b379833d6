package tenant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/botforge/platform/internal/domain"
	"github.com/botforge/platform/internal/repository"
)

type memTenants struct {
	records map[string]*domain.Tenant
	deleted []string
}

func newMemTenants() *memTenants {
	return &memTenants{records: make(map[string]*domain.Tenant)}
}

func (m *memTenants) CreateTenant(_ context.Context, tenant *domain.Tenant) error {
	copied := *tenant
	m.records[tenant.ID] = &copied
	return nil
}

func (m *memTenants) GetTenantByID(_ context.Context, tenantID string) (*domain.Tenant, error) {
	record, ok := m.records[tenantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (m *memTenants) ListTenants(context.Context) ([]domain.Tenant, error) {
	out := make([]domain.Tenant, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, *record)
	}
	return out, nil
}

func (m *memTenants) UpdateTenantStatus(_ context.Context, tenantID, status string) error {
	if record, ok := m.records[tenantID]; ok {
		record.Status = status
	}
	return nil
}

func (m *memTenants) SetTenantPort(_ context.Context, tenantID string, port *int) error {
	if record, ok := m.records[tenantID]; ok {
		record.Port = port
	}
	return nil
}

func (m *memTenants) SetTenantWallet(_ context.Context, tenantID, address string) error {
	if record, ok := m.records[tenantID]; ok {
		record.WalletAddress = address
	}
	return nil
}

func (m *memTenants) DeleteTenant(_ context.Context, tenantID string) error {
	if _, ok := m.records[tenantID]; !ok {
		return repository.ErrNotFound
	}
	delete(m.records, tenantID)
	m.deleted = append(m.deleted, tenantID)
	return nil
}

type memContracts struct {
	records map[string]*domain.ContractDeployment
}

func (m *memContracts) UpsertContractDeployment(_ context.Context, record *domain.ContractDeployment) error {
	if m.records == nil {
		m.records = make(map[string]*domain.ContractDeployment)
	}
	copied := *record
	m.records[record.TenantID] = &copied
	return nil
}

func (m *memContracts) GetContractDeployment(_ context.Context, tenantID string) (*domain.ContractDeployment, error) {
	record, ok := m.records[tenantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *record
	return &copied, nil
}

type fakeDeployer struct {
	startErr  error
	started   []string
	cancelled []string
	joined    bool
	onCancel  func()
}

func (f *fakeDeployer) Start(_ context.Context, tenant domain.Tenant) (*domain.Deployment, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, tenant.ID)
	return &domain.Deployment{
		ID:        "dep-" + tenant.ID,
		TenantID:  tenant.ID,
		Stage:     domain.StageInitializing,
		StartedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeDeployer) Cancel(tenantID string) bool {
	f.cancelled = append(f.cancelled, tenantID)
	if f.onCancel != nil {
		f.onCancel()
	}
	return f.joined
}

type fakeResolver struct {
	address string
	err     error
	calls   int
}

func (f *fakeResolver) ResolveAddress(context.Context, string) (string, error) {
	f.calls++
	if f.err != nil {
		return domain.WalletPending, f.err
	}
	return f.address, nil
}

type fakeInstances struct {
	stopped []string
	logs    string
	logsErr error
}

func (f *fakeInstances) Stop(_ context.Context, tenantID string) error {
	f.stopped = append(f.stopped, tenantID)
	return nil
}

func (f *fakeInstances) Logs(_ context.Context, _ string, _ int) (string, error) {
	if f.logsErr != nil {
		return "", f.logsErr
	}
	return f.logs, nil
}

type fakePorts struct {
	owners   map[int]string
	released []int
	marked   []int
	markErr  error
}

func (f *fakePorts) Release(port int, tenantID string) bool {
	if f.owners != nil && f.owners[port] != tenantID {
		return false
	}
	f.released = append(f.released, port)
	return true
}

func (f *fakePorts) MarkUsed(port int, _ string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, port)
	return nil
}

type fakeWorkspaces struct{ destroyed []string }

func (f *fakeWorkspaces) Destroy(tenantID string) error {
	f.destroyed = append(f.destroyed, tenantID)
	return nil
}

type fixture struct {
	service    *Service
	tenants    *memTenants
	contracts  *memContracts
	deployer   *fakeDeployer
	resolver   *fakeResolver
	instances  *fakeInstances
	ports      *fakePorts
	workspaces *fakeWorkspaces
}

func newFixture() *fixture {
	f := &fixture{
		tenants:    newMemTenants(),
		contracts:  &memContracts{},
		deployer:   &fakeDeployer{},
		resolver:   &fakeResolver{address: domain.WalletPending},
		instances:  &fakeInstances{},
		ports:      &fakePorts{},
		workspaces: &fakeWorkspaces{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = NewService(f.tenants, f.contracts, f.deployer, f.resolver,
		f.instances, f.ports, f.workspaces, logger)
	return f
}

func TestCreatePersistsTenantAndStartsDeployment(t *testing.T) {
	f := newFixture()
	tenant, deployment, err := f.service.Create(context.Background(), CreateInput{
		OwnerID: "owner-1",
		Name:    "support-bot",
		Tier:    domain.TierPremium,
		Model:   "gpt-4",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tenant.ID == "" || tenant.PlatformToken == "" {
		t.Fatal("expected generated identifiers")
	}
	if tenant.WalletAddress != domain.WalletPending {
		t.Fatalf("new tenant must start with pending wallet, got %q", tenant.WalletAddress)
	}
	if tenant.Status != domain.TenantStopped {
		t.Fatalf("new tenant must start stopped, got %q", tenant.Status)
	}
	if deployment.TenantID != tenant.ID {
		t.Fatalf("deployment bound to wrong tenant: %s", deployment.TenantID)
	}
	if len(f.deployer.started) != 1 {
		t.Fatalf("expected one pipeline start, got %d", len(f.deployer.started))
	}
}

func TestCreateDefaultsTierToBasic(t *testing.T) {
	f := newFixture()
	tenant, _, err := f.service.Create(context.Background(), CreateInput{Name: "bot"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tenant.Tier != domain.TierBasic {
		t.Fatalf("expected basic default, got %q", tenant.Tier)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture()
	if _, _, err := f.service.Create(context.Background(), CreateInput{Name: "  "}); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
	if _, _, err := f.service.Create(context.Background(), CreateInput{Name: "bot", Tier: "platinum"}); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestGetLazilyResolvesPendingWallet(t *testing.T) {
	f := newFixture()
	f.tenants.records["t1"] = &domain.Tenant{ID: "t1", WalletAddress: domain.WalletPending}
	f.resolver.address = "0xresolved"

	tenant, err := f.service.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tenant.WalletAddress != "0xresolved" {
		t.Fatalf("expected resolved address, got %q", tenant.WalletAddress)
	}
	if f.tenants.records["t1"].WalletAddress != "0xresolved" {
		t.Fatal("resolved address not persisted")
	}
}

func TestGetKeepsPendingWhenRegistrarStillDown(t *testing.T) {
	f := newFixture()
	f.tenants.records["t1"] = &domain.Tenant{ID: "t1", WalletAddress: domain.WalletPending}
	f.resolver.address = domain.WalletPending

	tenant, err := f.service.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tenant.WalletAddress != domain.WalletPending {
		t.Fatalf("expected pending to survive, got %q", tenant.WalletAddress)
	}
}

func TestGetSkipsResolutionForKnownWallet(t *testing.T) {
	f := newFixture()
	f.tenants.records["t1"] = &domain.Tenant{ID: "t1", WalletAddress: "0xknown"}

	if _, err := f.service.Get(context.Background(), "t1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if f.resolver.calls != 0 {
		t.Fatalf("known wallet must not hit registrar, got %d calls", f.resolver.calls)
	}
}

func TestContractsBeforeDeploymentIsConflict(t *testing.T) {
	f := newFixture()
	f.tenants.records["t1"] = &domain.Tenant{ID: "t1"}

	if _, err := f.service.Contracts(context.Background(), "t1"); !errors.Is(err, ErrContractsNotReady) {
		t.Fatalf("expected ErrContractsNotReady, got %v", err)
	}

	record := &domain.ContractDeployment{TenantID: "t1", Status: domain.ContractsNotAttempted}
	if err := f.contracts.UpsertContractDeployment(context.Background(), record); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if _, err := f.service.Contracts(context.Background(), "t1"); !errors.Is(err, ErrContractsNotReady) {
		t.Fatalf("expected ErrContractsNotReady for not_attempted, got %v", err)
	}
}

func TestContractsReturnsDeployedRecord(t *testing.T) {
	f := newFixture()
	f.tenants.records["t1"] = &domain.Tenant{ID: "t1"}
	record := &domain.ContractDeployment{
		TenantID:  "t1",
		Status:    domain.ContractsSucceeded,
		Addresses: map[string]string{"treasury": "0xaaa"},
	}
	if err := f.contracts.UpsertContractDeployment(context.Background(), record); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	got, err := f.service.Contracts(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Contracts: %v", err)
	}
	if got.Addresses["treasury"] != "0xaaa" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestContractsForMissingTenant(t *testing.T) {
	f := newFixture()
	if _, err := f.service.Contracts(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTearsEverythingDown(t *testing.T) {
	f := newFixture()
	port := 9005
	f.tenants.records["t1"] = &domain.Tenant{ID: "t1", Port: &port, Status: domain.TenantActive}
	f.ports.owners = map[int]string{9005: "t1"}

	if err := f.service.Delete(context.Background(), "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(f.deployer.cancelled) != 1 {
		t.Fatal("expected in-flight cancel attempt")
	}
	if len(f.instances.stopped) != 1 || f.instances.stopped[0] != "t1" {
		t.Fatalf("expected instance stop, got %v", f.instances.stopped)
	}
	if len(f.ports.released) != 1 || f.ports.released[0] != 9005 {
		t.Fatalf("expected port release, got %v", f.ports.released)
	}
	if len(f.workspaces.destroyed) != 1 {
		t.Fatal("expected workspace destruction")
	}
	if _, ok := f.tenants.records["t1"]; ok {
		t.Fatal("tenant row survived deletion")
	}
}

func TestDeleteAfterJoinedCancelSkipsReleasedPort(t *testing.T) {
	f := newFixture()
	port := 9005
	f.tenants.records["t1"] = &domain.Tenant{ID: "t1", Port: &port, Status: domain.TenantStopped}
	// The joined pipeline released the port and cleared it on the
	// record during its teardown; the port now belongs to someone else.
	f.ports.owners = map[int]string{9005: "t2"}
	f.deployer.joined = true
	f.deployer.onCancel = func() {
		f.tenants.records["t1"].Port = nil
	}

	if err := f.service.Delete(context.Background(), "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(f.ports.released) != 0 {
		t.Fatalf("port held by another tenant must not be released, got %v", f.ports.released)
	}
	if _, ok := f.tenants.records["t1"]; ok {
		t.Fatal("tenant row survived deletion")
	}
}

func TestLogsReturnsInstanceOutput(t *testing.T) {
	f := newFixture()
	f.tenants.records["t1"] = &domain.Tenant{ID: "t1", Status: domain.TenantActive}
	f.instances.logs = "bot online\n"

	out, err := f.service.Logs(context.Background(), "t1", 100)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out != "bot online\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLogsForMissingTenant(t *testing.T) {
	f := newFixture()
	if _, err := f.service.Logs(context.Background(), "ghost", 0); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMissingTenant(t *testing.T) {
	f := newFixture()
	if err := f.service.Delete(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRestorePortsMarksPersistedPorts(t *testing.T) {
	f := newFixture()
	p1, p2 := 9001, 9002
	f.tenants.records["t1"] = &domain.Tenant{ID: "t1", Port: &p1}
	f.tenants.records["t2"] = &domain.Tenant{ID: "t2", Port: &p2}
	f.tenants.records["t3"] = &domain.Tenant{ID: "t3"}

	if err := f.service.RestorePorts(context.Background()); err != nil {
		t.Fatalf("RestorePorts: %v", err)
	}
	if len(f.ports.marked) != 2 {
		t.Fatalf("expected two restored ports, got %v", f.ports.marked)
	}
}
