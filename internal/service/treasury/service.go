package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/botforge/platform/internal/domain"
	"github.com/botforge/platform/internal/repository"
)

// ErrFundingUnconfirmed is returned when the treasury wallet never shows
// the funded balance within the confirmation window.
var ErrFundingUnconfirmed = errors.New("treasury funding not confirmed on chain")

// ChainOps is the slice of the contract tool client the deployer needs.
type ChainOps interface {
	DeriveAddress(ctx context.Context, seed, network string) (string, error)
	DeployContracts(ctx context.Context, tenantID, network, seed string) (map[string]string, error)
}

// Funder moves platform funds onto a treasury address and reads balances.
type Funder interface {
	Fund(ctx context.Context, address string, amount float64) (bool, error)
	Balance(ctx context.Context, address string) (float64, error)
}

// SeedSource reads the sealed tenant seed and persists artifacts into
// the tenant workspace.
type SeedSource interface {
	ReadSeed(tenantID string) (string, error)
	WriteConfig(tenantID, name string, payload any) error
}

// Options bound the background run.
type Options struct {
	Network       string
	FundingAmount float64
	ConfirmWait   time.Duration
	PollEvery     time.Duration
	Timeout       time.Duration
}

func (o *Options) applyDefaults() {
	if o.Network == "" {
		o.Network = "testnet"
	}
	if o.FundingAmount <= 0 {
		o.FundingAmount = 0.5
	}
	if o.ConfirmWait <= 0 {
		o.ConfirmWait = 3 * time.Minute
	}
	if o.PollEvery <= 0 {
		o.PollEvery = 5 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Minute
	}
}

// Service deploys DAO treasury contracts in the background, after the
// tenant's bot is already live. Every failure is recorded on the
// contract record and goes no further: a broken treasury never takes
// down a running tenant.
type Service struct {
	contracts  repository.ContractRepository
	chain      ChainOps
	funder     Funder
	workspaces SeedSource
	opts       Options
	logger     *slog.Logger
}

// NewService constructs the treasury deployer.
func NewService(contracts repository.ContractRepository, chain ChainOps, funder Funder, workspaces SeedSource, opts Options, logger *slog.Logger) *Service {
	opts.applyDefaults()
	return &Service{
		contracts:  contracts,
		chain:      chain,
		funder:     funder,
		workspaces: workspaces,
		opts:       opts,
		logger:     logger,
	}
}

// Schedule starts a background treasury run for the tenant. It returns
// immediately; progress lands on the tenant's contract record.
func (s *Service) Schedule(tenant domain.Tenant) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		defer cancel()
		s.Deploy(ctx, tenant)
	}()
}

// Deploy runs the full treasury pipeline synchronously: derive the
// treasury address from the tenant seed, fund it, wait for the funds to
// confirm, then deploy the contract set.
func (s *Service) Deploy(ctx context.Context, tenant domain.Tenant) {
	now := time.Now().UTC()
	record := &domain.ContractDeployment{
		TenantID:  tenant.ID,
		Status:    domain.ContractsInProgress,
		StartedAt: now,
	}
	if err := s.contracts.UpsertContractDeployment(ctx, record); err != nil {
		s.logger.Error("treasury: record start", "tenant_id", tenant.ID, "error", err)
		return
	}

	addresses, err := s.run(ctx, tenant)
	completed := time.Now().UTC()
	if err != nil {
		s.logger.Error("treasury deployment failed", "tenant_id", tenant.ID, "error", err)
		record.Status = domain.ContractsFailed
		record.Error = err.Error()
		record.CompletedAt = &completed
		if upsertErr := s.contracts.UpsertContractDeployment(ctx, record); upsertErr != nil {
			s.logger.Error("treasury: record failure", "tenant_id", tenant.ID, "error", upsertErr)
		}
		return
	}

	record.Status = domain.ContractsSucceeded
	record.Addresses = addresses
	record.Error = ""
	record.CompletedAt = &completed
	if err := s.contracts.UpsertContractDeployment(ctx, record); err != nil {
		s.logger.Error("treasury: record success", "tenant_id", tenant.ID, "error", err)
		return
	}
	if err := s.workspaces.WriteConfig(tenant.ID, "contracts.json", addresses); err != nil {
		s.logger.Warn("treasury: persist contract addresses to workspace",
			"tenant_id", tenant.ID, "error", err)
	}
	s.logger.Info("treasury deployed",
		"tenant_id", tenant.ID,
		"contracts", len(addresses))
}

func (s *Service) run(ctx context.Context, tenant domain.Tenant) (map[string]string, error) {
	seed, err := s.workspaces.ReadSeed(tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("read tenant seed: %w", err)
	}

	address, err := s.chain.DeriveAddress(ctx, seed, s.opts.Network)
	if err != nil {
		return nil, fmt.Errorf("derive treasury address: %w", err)
	}

	funded, err := s.funder.Fund(ctx, address, s.opts.FundingAmount)
	if err != nil {
		return nil, fmt.Errorf("fund treasury: %w", err)
	}
	if !funded {
		return nil, errors.New("funding request rejected")
	}

	if err := s.awaitFunding(ctx, address); err != nil {
		return nil, err
	}

	addresses, err := s.chain.DeployContracts(ctx, tenant.ID, s.opts.Network, seed)
	if err != nil {
		return nil, fmt.Errorf("deploy contracts: %w", err)
	}
	return addresses, nil
}

// awaitFunding polls the chain balance until the funded amount is
// visible, instead of trusting a fixed settling delay.
func (s *Service) awaitFunding(ctx context.Context, address string) error {
	deadline := time.Now().Add(s.opts.ConfirmWait)
	for {
		balance, err := s.funder.Balance(ctx, address)
		if err != nil {
			s.logger.Warn("treasury: balance poll failed", "error", err)
		} else if balance >= s.opts.FundingAmount {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFundingUnconfirmed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.PollEvery):
		}
	}
}
