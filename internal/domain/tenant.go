package domain

import "time"

// Tenant tiers.
const (
	TierBasic      = "basic"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

// Tenant operational statuses.
const (
	TenantActive  = "active"
	TenantStopped = "stopped"
	TenantError   = "error"
)

// WalletPending is the sentinel wallet address used until the wallet
// service has resolved the tenant's real address.
const WalletPending = "pending"

// FeatureFlags toggles optional tenant capabilities.
type FeatureFlags struct {
	Wallet      bool `json:"wallet"`
	DAO         bool `json:"dao"`
	Marketplace bool `json:"marketplace"`
}

// Tenant is one customer's isolated bot instance.
type Tenant struct {
	ID            string
	OwnerID       string
	Name          string
	Tier          string
	Features      FeatureFlags
	Port          *int
	WalletAddress string
	Status        string
	PlatformToken string
	Model         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WantsTreasury reports whether DAO/treasury contracts should be
// provisioned for this tenant after its bot is usable.
func (t Tenant) WantsTreasury() bool {
	return t.Tier == TierEnterprise || t.Features.DAO
}

// ValidTier reports whether tier is a known tenant tier.
func ValidTier(tier string) bool {
	switch tier {
	case TierBasic, TierPremium, TierEnterprise:
		return true
	}
	return false
}
