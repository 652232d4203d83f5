package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Defiflow    DefiflowConfig    `yaml:"defiflow"`
	Chain       ChainConfig       `yaml:"chain"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Adapters    AdaptersConfig    `yaml:"adapters"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Analytics   AnalyticsConfig   `yaml:"analytics"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	Performance PerformanceConfig `yaml:"performance"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type DefiflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ChainConfig describes the EVM endpoint all on-chain adapters read from.
// An empty RPCURL puts the aggregator into demo mode.
type ChainConfig struct {
	Network string        `yaml:"network"`
	RPCURL  string        `yaml:"rpc_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type OracleConfig struct {
	Timeout           time.Duration      `yaml:"timeout"`
	RequestsPerSecond int                `yaml:"requests_per_second"`
	BurstSize         int                `yaml:"burst_size"`
	QuoteAsset        string             `yaml:"quote_asset"`
	Stream            OracleStreamConfig `yaml:"stream"`
	Stablecoins       []string           `yaml:"stablecoins"`
	FallbackPrices    map[string]float64 `yaml:"fallback_prices"`
}

type OracleStreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type AdaptersConfig struct {
	Aave     AaveConfig     `yaml:"aave"`
	Compound CompoundConfig `yaml:"compound"`
	Uniswap  UniswapConfig  `yaml:"uniswap"`
	Manual   ManualConfig   `yaml:"manual"`
}

type AaveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Pool    string `yaml:"pool"`
}

type CompoundConfig struct {
	Enabled bool                `yaml:"enabled"`
	Markets []CometMarketConfig `yaml:"markets"`
}

// CometMarketConfig identifies one isolated comet market by its proxy
// address and base asset symbol.
type CometMarketConfig struct {
	Address    string `yaml:"address"`
	BaseSymbol string `yaml:"base_symbol"`
}

type UniswapConfig struct {
	Enabled         bool   `yaml:"enabled"`
	PositionManager string `yaml:"position_manager"`
	Factory         string `yaml:"factory"`
}

type ManualConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// ResilienceConfig tunes the per-key circuit breakers wrapped around every
// external call. The thresholds are empirical knobs, not contracts.
type ResilienceConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type AggregatorConfig struct {
	Wallets          []string      `yaml:"wallets"`
	MinPositionValue float64       `yaml:"min_position_value"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	AdapterTimeout   time.Duration `yaml:"adapter_timeout"`
}

type AnalyticsConfig struct {
	HHIHighCutoff    float64            `yaml:"hhi_high_cutoff"`
	HHIMediumCutoff  float64            `yaml:"hhi_medium_cutoff"`
	RiskWeights      RiskWeightsConfig  `yaml:"risk_weights"`
	ProtocolRisk     map[string]float64 `yaml:"protocol_risk"`
	TopRiskFactors   int                `yaml:"top_risk_factors"`
	TopOpportunities int                `yaml:"top_opportunities"`
}

// RiskWeightsConfig blends the three risk components into the 0-100 score.
// The weights should sum to 1.
type RiskWeightsConfig struct {
	Concentration float64 `yaml:"concentration"`
	Liquidation   float64 `yaml:"liquidation"`
	Contract      float64 `yaml:"contract"`
}

type OptimizerConfig struct {
	MinClaimableUSD float64                       `yaml:"min_claimable_usd"`
	MinAPYDelta     float64                       `yaml:"min_apy_delta"`
	TargetHHI       float64                       `yaml:"target_hhi"`
	MaxHHIDeviation float64                       `yaml:"max_hhi_deviation"`
	MinNetSpread    float64                       `yaml:"min_net_spread"`
	GasEstimateUSD  map[string]float64            `yaml:"gas_estimate_usd"`
	RateTable       map[string]map[string]float64 `yaml:"rate_table"`
}

type PerformanceConfig struct {
	ArchiveSnapshots bool `yaml:"archive_snapshots"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Resilience: ResilienceConfig{
			FailureThreshold: 3,
			FailureWindow:    time.Minute,
			RecoveryTimeout:  30 * time.Second,
		},
		Analytics: AnalyticsConfig{
			HHIHighCutoff:    2500,
			HHIMediumCutoff:  1500,
			RiskWeights:      RiskWeightsConfig{Concentration: 0.4, Liquidation: 0.4, Contract: 0.2},
			TopRiskFactors:   5,
			TopOpportunities: 5,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets and endpoints come from the environment when present.
	if v := os.Getenv("ETH_RPC_URL"); v != "" {
		config.Chain.RPCURL = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Defiflow.Name == "" {
		return fmt.Errorf("defiflow.name is required")
	}

	if cfg.Defiflow.Version == "" {
		return fmt.Errorf("defiflow.version is required")
	}

	if cfg.Chain.Network == "" {
		cfg.Chain.Network = "ethereum"
	}
	if cfg.Chain.Timeout <= 0 {
		cfg.Chain.Timeout = 10 * time.Second
	}

	if cfg.Resilience.FailureThreshold <= 0 {
		return fmt.Errorf("resilience.failure_threshold must be greater than 0")
	}
	if cfg.Resilience.RecoveryTimeout <= 0 {
		return fmt.Errorf("resilience.recovery_timeout must be greater than 0")
	}
	if cfg.Resilience.FailureWindow <= 0 {
		return fmt.Errorf("resilience.failure_window must be greater than 0")
	}

	if cfg.Aggregator.MinPositionValue < 0 {
		return fmt.Errorf("aggregator.min_position_value must not be negative")
	}
	if cfg.Aggregator.AdapterTimeout <= 0 {
		cfg.Aggregator.AdapterTimeout = 30 * time.Second
	}
	if cfg.Aggregator.RefreshInterval <= 0 {
		cfg.Aggregator.RefreshInterval = 5 * time.Minute
	}

	if cfg.Analytics.HHIMediumCutoff <= 0 || cfg.Analytics.HHIHighCutoff <= cfg.Analytics.HHIMediumCutoff {
		return fmt.Errorf("analytics hhi cutoffs must satisfy 0 < medium < high")
	}
	sum := cfg.Analytics.RiskWeights.Concentration + cfg.Analytics.RiskWeights.Liquidation + cfg.Analytics.RiskWeights.Contract
	if sum <= 0 {
		return fmt.Errorf("analytics.risk_weights must not all be zero")
	}

	if cfg.Optimizer.MinClaimableUSD <= 0 {
		cfg.Optimizer.MinClaimableUSD = 10
	}
	if cfg.Optimizer.MinAPYDelta <= 0 {
		cfg.Optimizer.MinAPYDelta = 1.0
	}
	if cfg.Optimizer.TargetHHI <= 0 {
		cfg.Optimizer.TargetHHI = 2000
	}
	if cfg.Optimizer.MaxHHIDeviation <= 0 {
		cfg.Optimizer.MaxHHIDeviation = 500
	}
	if cfg.Optimizer.MinNetSpread <= 0 {
		cfg.Optimizer.MinNetSpread = 2.0
	}
	if cfg.Optimizer.GasEstimateUSD == nil {
		cfg.Optimizer.GasEstimateUSD = map[string]float64{
			"claim":     5,
			"migrate":   25,
			"rebalance": 40,
			"leverage":  60,
		}
	}

	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = 5 * time.Second
	}
	if cfg.Oracle.RequestsPerSecond <= 0 {
		cfg.Oracle.RequestsPerSecond = 10
	}
	if cfg.Oracle.BurstSize <= 0 {
		cfg.Oracle.BurstSize = cfg.Oracle.RequestsPerSecond
	}
	if cfg.Oracle.QuoteAsset == "" {
		cfg.Oracle.QuoteAsset = "USDT"
	}

	if cfg.Adapters.Aave.Enabled && cfg.Adapters.Aave.Pool == "" {
		return fmt.Errorf("adapters.aave.pool is required when the aave adapter is enabled")
	}
	if cfg.Adapters.Compound.Enabled && len(cfg.Adapters.Compound.Markets) == 0 {
		return fmt.Errorf("adapters.compound.markets is required when the compound adapter is enabled")
	}
	if cfg.Adapters.Uniswap.Enabled {
		if cfg.Adapters.Uniswap.PositionManager == "" || cfg.Adapters.Uniswap.Factory == "" {
			return fmt.Errorf("adapters.uniswap.position_manager and adapters.uniswap.factory are required when the uniswap adapter is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			cfg.Storage.S3.FlushInterval = 5 * time.Minute
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
