package chainops

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client wraps the external contract-deployment tool. Deployments go
// through blockchain confirmation and can take minutes; callers bound
// them with their own context deadlines.
type Client struct {
	http *resty.Client
}

// New constructs a contract tool client.
func New(baseURL string, timeout time.Duration) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: httpClient}
}

type deployRequest struct {
	TenantID string `json:"tenant_id"`
	Network  string `json:"network"`
	Seed     string `json:"seed"`
}

type deployResponse struct {
	Contracts map[string]string `json:"contracts"`
}

type deriveRequest struct {
	Seed    string `json:"seed"`
	Network string `json:"network"`
}

type deriveResponse struct {
	Address string `json:"address"`
}

// DeployContracts invokes the tool to deploy the tenant's DAO and
// treasury contracts and returns the resulting named addresses.
func (c *Client) DeployContracts(ctx context.Context, tenantID, network, seed string) (map[string]string, error) {
	var out deployResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(deployRequest{TenantID: tenantID, Network: network, Seed: seed}).
		SetResult(&out).
		Post("/contracts/deploy")
	if err != nil {
		return nil, fmt.Errorf("contract deploy: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("contract deploy status %d", resp.StatusCode())
	}
	if len(out.Contracts) == 0 {
		return nil, fmt.Errorf("contract deploy returned no addresses")
	}
	return out.Contracts, nil
}

// DeriveAddress resolves the on-chain address controlled by a seed.
func (c *Client) DeriveAddress(ctx context.Context, seed, network string) (string, error) {
	var out deriveResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(deriveRequest{Seed: seed, Network: network}).
		SetResult(&out).
		Post("/address/derive")
	if err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("derive address status %d", resp.StatusCode())
	}
	if out.Address == "" {
		return "", fmt.Errorf("derive address returned empty address")
	}
	return out.Address, nil
}
