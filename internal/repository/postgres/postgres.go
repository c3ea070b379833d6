package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botforge/platform/internal/domain"
	"github.com/botforge/platform/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.TenantRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ContractRepository   = (*Repository)(nil)
)

// CreateTenant inserts a tenant record.
func (r *Repository) CreateTenant(ctx context.Context, tenant *domain.Tenant) error {
	features, err := json.Marshal(tenant.Features)
	if err != nil {
		return fmt.Errorf("encode feature flags: %w", err)
	}
	const query = `INSERT INTO tenants (id, owner_id, name, tier, features, port, wallet_address, status, platform_token, model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.pool.Exec(ctx, query,
		tenant.ID, tenant.OwnerID, tenant.Name, tenant.Tier, features, tenant.Port,
		tenant.WalletAddress, tenant.Status, tenant.PlatformToken, tenant.Model,
		tenant.CreatedAt, tenant.UpdatedAt)
	return err
}

// GetTenantByID fetches a tenant by identifier.
func (r *Repository) GetTenantByID(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	const query = `SELECT id, owner_id, name, tier, features, port, wallet_address, status, platform_token, model, created_at, updated_at
		FROM tenants WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, tenantID)
	tenant, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return tenant, nil
}

// ListTenants returns all tenant records. Used on startup to rebuild
// port bookkeeping from persisted state.
func (r *Repository) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	const query = `SELECT id, owner_id, name, tier, features, port, wallet_address, status, platform_token, model, created_at, updated_at
		FROM tenants ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *tenant)
	}
	return tenants, rows.Err()
}

// UpdateTenantStatus sets the tenant operational status.
func (r *Repository) UpdateTenantStatus(ctx context.Context, tenantID, status string) error {
	const query = `UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, tenantID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetTenantPort records or clears the tenant's allocated port.
func (r *Repository) SetTenantPort(ctx context.Context, tenantID string, port *int) error {
	const query = `UPDATE tenants SET port = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, tenantID, port)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetTenantWallet records the tenant's resolved wallet address.
func (r *Repository) SetTenantWallet(ctx context.Context, tenantID, address string) error {
	const query = `UPDATE tenants SET wallet_address = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, tenantID, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteTenant removes the tenant and its dependent records.
func (r *Repository) DeleteTenant(ctx context.Context, tenantID string) error {
	const query = `DELETE FROM tenants WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, tenantID)
	return err
}

// CreateDeployment inserts a deployment attempt record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, tenant_id, stage, error, wallet_address, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID, deployment.TenantID, deployment.Stage, deployment.Error,
		deployment.WalletAddress, deployment.StartedAt, deployment.CompletedAt, deployment.UpdatedAt)
	return err
}

// UpdateDeploymentStage advances a deployment record. Terminal records
// are immutable: the guard in the WHERE clause refuses the update and the
// caller receives ErrTerminal.
func (r *Repository) UpdateDeploymentStage(ctx context.Context, update domain.DeploymentStageUpdate) error {
	const query = `UPDATE deployments
		SET stage = $2,
			error = $3,
			wallet_address = CASE WHEN $4 <> '' THEN $4 ELSE wallet_address END,
			completed_at = COALESCE($5, completed_at),
			updated_at = NOW()
		WHERE id = $1 AND stage NOT IN ('completed', 'failed')`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, update.Stage, update.Error, update.WalletAddress, update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDeploymentByID(ctx, update.DeploymentID); err != nil {
			return err
		}
		return repository.ErrTerminal
	}
	return nil
}

// GetDeploymentByID fetches a deployment record.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, tenant_id, stage, error, wallet_address, started_at, completed_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.TenantID, &d.Stage, &d.Error, &d.WalletAddress, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByTenant returns recent deployment attempts for a tenant.
func (r *Repository) ListDeploymentsByTenant(ctx context.Context, tenantID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, tenant_id, stage, error, wallet_address, started_at, completed_at, updated_at
		FROM deployments WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Stage, &d.Error, &d.WalletAddress, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// UpsertContractDeployment inserts or replaces the per-tenant contract record.
func (r *Repository) UpsertContractDeployment(ctx context.Context, record *domain.ContractDeployment) error {
	addresses, err := json.Marshal(record.Addresses)
	if err != nil {
		return fmt.Errorf("encode contract addresses: %w", err)
	}
	const query = `INSERT INTO contract_deployments (tenant_id, status, addresses, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			status = EXCLUDED.status,
			addresses = EXCLUDED.addresses,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`
	_, err = r.pool.Exec(ctx, query,
		record.TenantID, record.Status, addresses, record.Error, record.StartedAt, record.CompletedAt)
	return err
}

// GetContractDeployment fetches the contract record for a tenant.
func (r *Repository) GetContractDeployment(ctx context.Context, tenantID string) (*domain.ContractDeployment, error) {
	const query = `SELECT tenant_id, status, addresses, error, started_at, completed_at
		FROM contract_deployments WHERE tenant_id = $1`
	row := r.pool.QueryRow(ctx, query, tenantID)
	var (
		record    domain.ContractDeployment
		addresses []byte
	)
	if err := row.Scan(&record.TenantID, &record.Status, &addresses, &record.Error, &record.StartedAt, &record.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(addresses) > 0 {
		if err := json.Unmarshal(addresses, &record.Addresses); err != nil {
			return nil, fmt.Errorf("decode contract addresses: %w", err)
		}
	}
	return &record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*domain.Tenant, error) {
	var (
		t        domain.Tenant
		features []byte
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Tier, &features, &t.Port, &t.WalletAddress, &t.Status, &t.PlatformToken, &t.Model, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &t.Features); err != nil {
			return nil, fmt.Errorf("decode feature flags: %w", err)
		}
	}
	return &t, nil
}
