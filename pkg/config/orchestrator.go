package config

import "time"

// Config holds runtime configuration for the orchestrator service.
type Config struct {
	Environment        string
	LogLevel           string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	DockerHost         string
	DataRoot           string
	SeedSealKey        string
	BotImage           string
	BotContainerPort   int
	PortRangeStart     int
	PortRangeEnd       int
	WalletServiceURL   string
	WalletTimeout      time.Duration
	WalletRetryMax     time.Duration
	ContractToolURL    string
	ContractTimeout    time.Duration
	ChainNetwork       string
	HealthMaxAttempts  int
	HealthInterval     time.Duration
	FundingAmount      float64
	FundingConfirmWait time.Duration
	FundingPollEvery   time.Duration
	TreasuryEnabled    bool
	TreasuryTimeout    time.Duration
	TierLimits         map[string]TierLimit
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// TierLimit captures per-tier container resource limits.
type TierLimit struct {
	MemoryMB   int
	CPUPercent int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		Addr:               GetString("API_ADDR", ":7000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://botforge:botforge@db:5432/botforge?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DataRoot:           GetString("DATA_ROOT", "/var/lib/botforge/tenants"),
		SeedSealKey:        GetString("SEED_SEAL_KEY", "insecure-dev-seal-key"),
		BotImage:           GetString("BOT_IMAGE", "botforge/bot-runtime:latest"),
		BotContainerPort:   GetInt("BOT_CONTAINER_PORT", 3000),
		PortRangeStart:     GetInt("PORT_RANGE_START", 9000),
		PortRangeEnd:       GetInt("PORT_RANGE_END", 9499),
		WalletServiceURL:   GetString("WALLET_SERVICE_URL", "http://wallet:6300"),
		WalletTimeout:      time.Duration(GetInt("WALLET_TIMEOUT_SECONDS", 10)) * time.Second,
		WalletRetryMax:     time.Duration(GetInt("WALLET_RETRY_MAX_SECONDS", 30)) * time.Second,
		ContractToolURL:    GetString("CONTRACT_TOOL_URL", "http://chainops:6400"),
		ContractTimeout:    time.Duration(GetInt("CONTRACT_TIMEOUT_SECONDS", 300)) * time.Second,
		ChainNetwork:       GetString("CHAIN_NETWORK", "testnet"),
		HealthMaxAttempts:  GetInt("HEALTH_MAX_ATTEMPTS", 60),
		HealthInterval:     time.Duration(GetInt("HEALTH_INTERVAL_MS", 2000)) * time.Millisecond,
		FundingAmount:      GetFloat("FUNDING_AMOUNT", 0.5),
		FundingConfirmWait: time.Duration(GetInt("FUNDING_CONFIRM_TIMEOUT_SECONDS", 180)) * time.Second,
		FundingPollEvery:   time.Duration(GetInt("FUNDING_POLL_SECONDS", 5)) * time.Second,
		TreasuryEnabled:    GetBool("TREASURY_ENABLED", true),
		TreasuryTimeout:    time.Duration(GetInt("TREASURY_TIMEOUT_SECONDS", 900)) * time.Second,
		TierLimits: map[string]TierLimit{
			"basic": {
				MemoryMB:   GetInt("TIER_BASIC_MEMORY_MB", 512),
				CPUPercent: GetInt("TIER_BASIC_CPU_PERCENT", 50),
			},
			"premium": {
				MemoryMB:   GetInt("TIER_PREMIUM_MEMORY_MB", 1024),
				CPUPercent: GetInt("TIER_PREMIUM_CPU_PERCENT", 100),
			},
			"enterprise": {
				MemoryMB:   GetInt("TIER_ENTERPRISE_MEMORY_MB", 2048),
				CPUPercent: GetInt("TIER_ENTERPRISE_CPU_PERCENT", 200),
			},
		},
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
