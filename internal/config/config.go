package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"escrowline/internal/money"
)

// SeedConfig models the subset of values we need from seed.json.
type SeedConfig struct {
	MarketplaceID string `json:"marketplaceId"`
	Chain         struct {
		ChainID   int64  `json:"chainId"`
		RPCURL    string `json:"rpcUrl"`
		BlockTime int    `json:"blockTime"`
	} `json:"chain"`
	Secrets struct {
		BackendHMACSecret string `json:"backendHmacSecret"`
	} `json:"secrets"`
	Limits struct {
		MinPayableAmount string `json:"minPayableAmount"`
		MaxPayableAmount string `json:"maxPayableAmount"`
	} `json:"limits"`
	Timing struct {
		ReservationWindowMinutes int `json:"reservationWindowMinutes"`
		PollIntervalSeconds      int `json:"pollIntervalSeconds"`
		MaxPollAttempts          int `json:"maxPollAttempts"`
		ExpiryTickSeconds        int `json:"expiryTickSeconds"`
	} `json:"timing"`
	Gas struct {
		DefaultLimit uint64 `json:"defaultLimit"`
		MaxLimit     uint64 `json:"maxLimit"`
	} `json:"gas"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		Escrow string `json:"Escrow"`
	} `json:"contracts"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Purchase   PurchaseConfig
}

type ServiceConfig struct {
	HTTPPort       int
	BackendBaseURL string
	ArchiveDSN     string
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

// PurchaseConfig holds the parsed and validated purchase-flow knobs.
type PurchaseConfig struct {
	ReservationWindow time.Duration
	PollInterval      time.Duration
	MaxPollAttempts   int
	ExpiryTick        time.Duration
	MinValue          money.Amount
	ValueCeiling      money.Amount
	DefaultGasLimit   uint64
	MaxGasLimit       uint64
}

const (
	defaultSeedPath        = "seed.json"
	defaultDeploymentsPath = "deployments.json"
)

// The ceiling is a sanity bound, not a business limit; anything outside
// this band is a configuration mistake.
var (
	ceilingFloor, _ = money.Parse("0.1")
	ceilingCap, _   = money.Parse("1")
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	purchaseCfg, err := buildPurchase(seedCfg)
	if err != nil {
		return nil, fmt.Errorf("purchase config: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:       envOrInt("API_HTTP_PORT", 3000),
		BackendBaseURL: envOr("BACKEND_BASE_URL", ""),
		ArchiveDSN:     envOr("ARCHIVE_DATABASE_URL", ""),
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	return &AppConfig{
		Seed:       *seedCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Purchase:   purchaseCfg,
	}, nil
}

func buildPurchase(seed *SeedConfig) (PurchaseConfig, error) {
	cfg := PurchaseConfig{
		ReservationWindow: time.Duration(intOr(seed.Timing.ReservationWindowMinutes, 15)) * time.Minute,
		PollInterval:      time.Duration(intOr(seed.Timing.PollIntervalSeconds, 5)) * time.Second,
		MaxPollAttempts:   intOr(seed.Timing.MaxPollAttempts, 60),
		ExpiryTick:        time.Duration(intOr(seed.Timing.ExpiryTickSeconds, 1)) * time.Second,
		DefaultGasLimit:   seed.Gas.DefaultLimit,
		MaxGasLimit:       seed.Gas.MaxLimit,
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = 300_000
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 500_000
	}
	if cfg.DefaultGasLimit > cfg.MaxGasLimit {
		return PurchaseConfig{}, fmt.Errorf("default gas limit %d exceeds max %d", cfg.DefaultGasLimit, cfg.MaxGasLimit)
	}

	minStr := seed.Limits.MinPayableAmount
	if minStr == "" {
		minStr = "0.0001"
	}
	minVal, err := money.Parse(minStr)
	if err != nil {
		return PurchaseConfig{}, fmt.Errorf("minPayableAmount %q: %w", minStr, err)
	}
	cfg.MinValue = minVal

	maxStr := seed.Limits.MaxPayableAmount
	if maxStr == "" {
		maxStr = "0.5"
	}
	ceiling, err := money.Parse(maxStr)
	if err != nil {
		return PurchaseConfig{}, fmt.Errorf("maxPayableAmount %q: %w", maxStr, err)
	}
	if ceiling < ceilingFloor || ceiling > ceilingCap {
		return PurchaseConfig{}, fmt.Errorf("maxPayableAmount %q outside [%s, %s]",
			maxStr, ceilingFloor, ceilingCap)
	}
	cfg.ValueCeiling = ceiling

	if cfg.MinValue >= cfg.ValueCeiling {
		return PurchaseConfig{}, fmt.Errorf("minPayableAmount %s is not below maxPayableAmount %s",
			cfg.MinValue, cfg.ValueCeiling)
	}
	return cfg, nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
