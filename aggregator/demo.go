package aggregator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"defiflow/models"
)

// DemoPositions is the fixed dataset served when no live credentials are
// configured. Values are stable across calls so downstream analytics and
// performance figures are reproducible.
func DemoPositions(wallet string) []models.Position {
	usdc := models.NewTokenAmount(
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "USDC", "USD Coin",
		decimal.NewFromInt(1000), 6, 1.0)
	usdcDebt := models.NewTokenAmount(
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "USDC", "USD Coin",
		decimal.NewFromInt(-400), 6, 1.0)
	weth := models.NewTokenAmount(
		"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "WETH", "Wrapped Ether",
		decimal.NewFromFloat(0.25), 18, 2000.0)
	wethLP := models.NewTokenAmount(
		"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "WETH", "Wrapped Ether",
		decimal.NewFromFloat(0.1), 18, 2000.0)
	usdcLP := models.NewTokenAmount(
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "USDC", "USD Coin",
		decimal.NewFromInt(200), 6, 1.0)

	return []models.Position{
		{
			ID:       fmt.Sprintf("aave-v3-USDC-%s", wallet),
			Protocol: models.ProtocolAaveV3,
			Type:     models.PositionTypeLending,
			Network:  "ethereum",
			Tokens:   []models.TokenAmount{usdc},
			Value:    usdc.Value,
			APY:      5.0,
			Metadata: &models.AaveMetadata{
				HealthFactor:         2.5,
				LiquidationThreshold: 82.5,
				CollateralUSD:        1000,
				DebtUSD:              400,
			},
		},
		{
			ID:       fmt.Sprintf("compound-v3-USDC-%s-debt", wallet),
			Protocol: models.ProtocolCompoundV3,
			Type:     models.PositionTypeBorrowing,
			Network:  "ethereum",
			Tokens:   []models.TokenAmount{usdcDebt},
			Value:    usdcDebt.Value,
			APY:      -3.0,
			Metadata: &models.CompoundMetadata{
				Market:        "0xc3d688B66703497DAA19211EEdff47f25384cdc3",
				BaseAsset:     "USDC",
				Utilization:   80,
				CollateralUSD: 500,
				DebtUSD:       400,
			},
		},
		{
			ID:        fmt.Sprintf("uniswap-v3-USDC-WETH-42-%s", wallet),
			Protocol:  models.ProtocolUniswapV3,
			Type:      models.PositionTypeLiquidity,
			Network:   "ethereum",
			Tokens:    []models.TokenAmount{usdcLP, wethLP},
			Value:     usdcLP.Value + wethLP.Value,
			APY:       0,
			Claimable: 12.5,
			Metadata: &models.UniswapMetadata{
				PoolFee:     0.3,
				TickLower:   -6932,
				TickUpper:   6931,
				CurrentTick: 120,
				InRange:     true,
			},
		},
		{
			ID:       fmt.Sprintf("manual-staking-ETH-%s", wallet),
			Protocol: models.ProtocolManual,
			Type:     models.PositionTypeStaking,
			Network:  "ethereum",
			Tokens:   []models.TokenAmount{weth},
			Value:    weth.Value,
			APY:      3.8,
			Metadata: &models.ManualMetadata{Source: "demo", Notes: "validator staking"},
		},
	}
}
