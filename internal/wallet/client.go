package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/botforge/platform/internal/domain"
)

// Client talks to the external wallet service. The service holds the
// actual key material and ZK machinery; this client only moves seeds and
// addresses across a narrow HTTP contract.
type Client struct {
	http     *resty.Client
	logger   *slog.Logger
	retryMax time.Duration
}

// New constructs a wallet service client.
func New(baseURL string, timeout, retryMax time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: httpClient, logger: logger, retryMax: retryMax}
}

type registerRequest struct {
	TenantID string `json:"tenant_id"`
	Seed     string `json:"seed"`
}

type addressResponse struct {
	Address string `json:"address"`
}

type fundRequest struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"`
}

type fundResponse struct {
	Funded bool `json:"funded"`
}

type balanceResponse struct {
	Balance float64 `json:"balance"`
}

// Register submits the tenant seed to the wallet service, retrying
// transient failures with exponential backoff bounded by retryMax. The
// caller treats a final error as a degradation, not a deployment failure:
// the wallet may already know the tenant from a previous attempt.
func (c *Client) Register(ctx context.Context, tenantID, seed string) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.retryMax

	attempt := 0
	operation := func() error {
		attempt++
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(registerRequest{TenantID: tenantID, Seed: seed}).
			Post("/wallets/register")
		if err != nil {
			return err
		}
		if resp.StatusCode() == http.StatusConflict {
			// Already registered from a previous attempt.
			return nil
		}
		if !resp.IsSuccess() {
			return fmt.Errorf("wallet register status %d", resp.StatusCode())
		}
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("wallet register after %d attempts: %w", attempt, err)
	}
	return nil
}

// ResolveAddress fetches the tenant's public wallet address. While the
// service is unreachable or the address is not yet derived, it returns
// the pending sentinel rather than an error; the address is resolved
// later by calling again.
func (c *Client) ResolveAddress(ctx context.Context, tenantID string) (string, error) {
	var out addressResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/wallets/" + tenantID + "/address")
	if err != nil {
		c.logger.Warn("wallet address resolution unavailable", "tenant_id", tenantID, "error", err)
		return domain.WalletPending, nil
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.WalletPending, nil
	}
	if !resp.IsSuccess() {
		c.logger.Warn("wallet address resolution failed", "tenant_id", tenantID, "status", resp.StatusCode())
		return domain.WalletPending, nil
	}
	if out.Address == "" {
		return domain.WalletPending, nil
	}
	return out.Address, nil
}

// Fund transfers amount from the administrative funding wallet to the
// address. Unlike registration this is a hard prerequisite for contract
// deployment, so failures surface as errors.
func (c *Client) Fund(ctx context.Context, address string, amount float64) (bool, error) {
	var out fundResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(fundRequest{Address: address, Amount: amount}).
		SetResult(&out).
		Post("/wallets/fund")
	if err != nil {
		return false, fmt.Errorf("wallet fund: %w", err)
	}
	if !resp.IsSuccess() {
		return false, fmt.Errorf("wallet fund status %d", resp.StatusCode())
	}
	return out.Funded, nil
}

// Balance returns the confirmed balance of an address. Used as the
// settlement watch after funding: the caller polls until the funding
// transaction is observable on chain.
func (c *Client) Balance(ctx context.Context, address string) (float64, error) {
	var out balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/wallets/balance/" + address)
	if err != nil {
		return 0, fmt.Errorf("wallet balance: %w", err)
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("wallet balance status %d", resp.StatusCode())
	}
	return out.Balance, nil
}
