// Package compound reads Compound V3 (Comet) market state: base asset
// supply/borrow legs with utilization-derived per-second rates, plus
// collateral legs.
package compound

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"defiflow/adapter"
	"defiflow/config"
	"defiflow/internal/chain"
	"defiflow/internal/metrics"
	"defiflow/internal/rates"
	"defiflow/internal/resilience"
	"defiflow/logger"
	"defiflow/models"
)

const cometABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"borrowBalanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"baseToken","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"name":"getUtilization","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"getSupplyRate","type":"function","stateMutability":"view","inputs":[{"name":"utilization","type":"uint256"}],"outputs":[{"name":"","type":"uint64"}]},
	{"name":"getBorrowRate","type":"function","stateMutability":"view","inputs":[{"name":"utilization","type":"uint256"}],"outputs":[{"name":"","type":"uint64"}]},
	{"name":"numAssets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"getAssetInfo","type":"function","stateMutability":"view","inputs":[{"name":"i","type":"uint8"}],"outputs":[{"name":"","type":"tuple","components":[
		{"name":"offset","type":"uint8"},
		{"name":"asset","type":"address"},
		{"name":"priceFeed","type":"address"},
		{"name":"scale","type":"uint64"},
		{"name":"borrowCollateralFactor","type":"uint64"},
		{"name":"liquidateCollateralFactor","type":"uint64"},
		{"name":"liquidationFactor","type":"uint64"},
		{"name":"supplyCap","type":"uint128"}
	]}]},
	{"name":"userCollateral","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"asset","type":"address"}],"outputs":[
		{"name":"balance","type":"uint128"},
		{"name":"reserves","type":"uint128"}
	]}
]`

var cometABI = chain.MustParseABI(cometABIJSON)

// assetInfo mirrors the Comet AssetInfo tuple.
type assetInfo struct {
	Offset                    uint8
	Asset                     common.Address
	PriceFeed                 common.Address
	Scale                     uint64
	BorrowCollateralFactor    uint64
	LiquidateCollateralFactor uint64
	LiquidationFactor         uint64
	SupplyCap                 *big.Int
}

// Adapter reads the configured Comet markets for a wallet.
type Adapter struct {
	caller   chain.Caller
	tokens   *chain.TokenCache
	prices   adapter.PriceSource
	breakers *resilience.Registry
	markets  []config.CometMarketConfig
	network  string
	minValue float64
	log      *logger.Entry
}

// New creates a Compound adapter for the given markets.
func New(caller chain.Caller, tokens *chain.TokenCache, prices adapter.PriceSource, breakers *resilience.Registry, markets []config.CometMarketConfig, network string, minValue float64) *Adapter {
	return &Adapter{
		caller:   caller,
		tokens:   tokens,
		prices:   prices,
		breakers: breakers,
		markets:  markets,
		network:  network,
		minValue: minValue,
		log:      logger.GetLogger().WithComponent("compound-adapter"),
	}
}

func (a *Adapter) Protocol() models.Protocol {
	return models.ProtocolCompoundV3
}

// GetPositions walks every configured market. A market that fails entirely
// is skipped; only the total absence of markets is an error.
func (a *Adapter) GetPositions(ctx context.Context, wallet string) ([]models.Position, error) {
	if len(a.markets) == 0 {
		return nil, fmt.Errorf("no comet markets configured")
	}

	walletAddr := common.HexToAddress(wallet)
	var positions []models.Position
	for _, market := range a.markets {
		ps, err := a.readMarket(ctx, market, walletAddr, wallet)
		if err != nil {
			metrics.IncrementAdapterError(string(a.Protocol()))
			a.log.WithError(err).WithFields(logger.Fields{"market": market.Address}).Warn("skipping comet market")
			continue
		}
		positions = append(positions, ps...)
	}

	positions = adapter.FilterDust(positions, a.minValue)
	metrics.AddPositionsFetched(string(a.Protocol()), len(positions))
	logger.IncrementAdapterFetch(len(positions))
	return positions, nil
}

func (a *Adapter) readMarket(ctx context.Context, market config.CometMarketConfig, wallet common.Address, walletHex string) ([]models.Position, error) {
	comet := common.HexToAddress(market.Address)

	supply, err := a.callUint(ctx, comet, "balanceOf", wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to read base supply balance: %w", err)
	}
	borrow, err := a.callUint(ctx, comet, "borrowBalanceOf", wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to read base borrow balance: %w", err)
	}

	collateral := a.collateralLegs(ctx, comet, wallet)

	if supply.Sign() == 0 && borrow.Sign() == 0 && len(collateral) == 0 {
		return nil, nil
	}

	baseToken, err := a.baseToken(ctx, comet)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base token: %w", err)
	}
	base, err := a.tokens.Lookup(ctx, baseToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read base token metadata: %w", err)
	}

	utilization, err := a.callUint(ctx, comet, "getUtilization")
	if err != nil {
		return nil, fmt.Errorf("failed to read utilization: %w", err)
	}
	supplyRate, borrowRate := a.marketRates(ctx, comet, utilization)

	symbols := []string{base.Symbol}
	for _, c := range collateral {
		symbols = append(symbols, c.token.Symbol)
	}
	quotes := a.prices.Quotes(ctx, symbols)

	meta := &models.CompoundMetadata{
		Market:      market.Address,
		BaseAsset:   base.Symbol,
		Utilization: wadToPercent(utilization),
	}

	var positions []models.Position
	basePrice, baseOK := adapter.Price(quotes, a.prices, base.Symbol)

	if supply.Sign() > 0 && baseOK {
		balance := decimal.NewFromBigInt(supply, -int32(base.Decimals))
		token := models.NewTokenAmount(base.Address.Hex(), base.Symbol, base.Name, balance, int(base.Decimals), basePrice)
		positions = append(positions, models.Position{
			ID:       fmt.Sprintf("compound-v3-%s-%s", base.Symbol, walletHex),
			Protocol: models.ProtocolCompoundV3,
			Type:     models.PositionTypeLending,
			Network:  a.network,
			Tokens:   []models.TokenAmount{token},
			Value:    token.Value,
			APY:      rates.PerSecondRateToAPY(supplyRate),
			Metadata: meta,
		})
	}

	if borrow.Sign() > 0 && baseOK {
		balance := decimal.NewFromBigInt(borrow, -int32(base.Decimals)).Neg()
		token := models.NewTokenAmount(base.Address.Hex(), base.Symbol, base.Name, balance, int(base.Decimals), basePrice)
		positions = append(positions, models.Position{
			ID:       fmt.Sprintf("compound-v3-%s-%s-debt", base.Symbol, walletHex),
			Protocol: models.ProtocolCompoundV3,
			Type:     models.PositionTypeBorrowing,
			Network:  a.network,
			Tokens:   []models.TokenAmount{token},
			Value:    token.Value,
			APY:      -rates.PerSecondRateToAPY(borrowRate),
			Metadata: meta,
		})
	}

	var collateralUSD float64
	for _, c := range collateral {
		price, ok := adapter.Price(quotes, a.prices, c.token.Symbol)
		if !ok {
			a.log.WithFields(logger.Fields{"symbol": c.token.Symbol}).Warn("no price for collateral, skipping")
			continue
		}
		balance := decimal.NewFromBigInt(c.balance, -int32(c.token.Decimals))
		token := models.NewTokenAmount(c.token.Address.Hex(), c.token.Symbol, c.token.Name, balance, int(c.token.Decimals), price)
		collateralUSD += token.Value
		positions = append(positions, models.Position{
			ID:       fmt.Sprintf("compound-v3-%s-%s-collateral", c.token.Symbol, walletHex),
			Protocol: models.ProtocolCompoundV3,
			Type:     models.PositionTypeLending,
			Network:  a.network,
			Tokens:   []models.TokenAmount{token},
			Value:    token.Value,
			APY:      0, // collateral in comet markets earns nothing
			Metadata: meta,
		})
	}

	meta.CollateralUSD = collateralUSD
	if borrow.Sign() > 0 && baseOK {
		borrowBalance := decimal.NewFromBigInt(borrow, -int32(base.Decimals))
		borrowed, _ := borrowBalance.Float64()
		meta.DebtUSD = borrowed * basePrice
	}

	return positions, nil
}

type collateralLeg struct {
	token   chain.TokenInfo
	balance *big.Int
}

// collateralLegs enumerates the market's collateral assets and returns the
// wallet's nonzero balances. Individual asset failures are skipped.
func (a *Adapter) collateralLegs(ctx context.Context, comet, wallet common.Address) []collateralLeg {
	count, err := a.numAssets(ctx, comet)
	if err != nil {
		a.log.WithError(err).Warn("failed to enumerate collateral assets")
		return nil
	}

	var legs []collateralLeg
	for i := uint8(0); i < count; i++ {
		info, err := a.assetInfo(ctx, comet, i)
		if err != nil {
			a.log.WithError(err).WithFields(logger.Fields{"index": i}).Warn("skipping collateral asset")
			continue
		}

		balance, err := a.userCollateral(ctx, comet, wallet, info.Asset)
		if err != nil || balance.Sign() == 0 {
			continue
		}

		token, err := a.tokens.Lookup(ctx, info.Asset)
		if err != nil {
			a.log.WithError(err).WithFields(logger.Fields{"asset": info.Asset.Hex()}).Warn("skipping collateral without metadata")
			continue
		}
		legs = append(legs, collateralLeg{token: token, balance: balance})
	}
	return legs
}

func (a *Adapter) callUint(ctx context.Context, comet common.Address, method string, args ...interface{}) (*big.Int, error) {
	var out *big.Int
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), method, comet.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, comet, cometABI, method, args...)
		if err != nil {
			return err
		}
		v, ok := values[0].(*big.Int)
		if !ok {
			return fmt.Errorf("unexpected %s output type %T", method, values[0])
		}
		out = v
		return nil
	})
	return out, err
}

func (a *Adapter) baseToken(ctx context.Context, comet common.Address) (common.Address, error) {
	var out common.Address
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "baseToken", comet.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, comet, cometABI, "baseToken")
		if err != nil {
			return err
		}
		out = values[0].(common.Address)
		return nil
	})
	return out, err
}

// marketRates reads the utilization-dependent per-second rates. Failures
// degrade to zero APY rather than dropping the balance legs.
func (a *Adapter) marketRates(ctx context.Context, comet common.Address, utilization *big.Int) (supply, borrow *big.Int) {
	for _, m := range []struct {
		method string
		dst    **big.Int
	}{
		{"getSupplyRate", &supply},
		{"getBorrowRate", &borrow},
	} {
		method, dst := m.method, m.dst
		err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), method, comet.Hex()), func() error {
			values, err := chain.ViewCall(ctx, a.caller, comet, cometABI, method, utilization)
			if err != nil {
				return err
			}
			rate, ok := values[0].(uint64)
			if !ok {
				return fmt.Errorf("unexpected %s output type %T", method, values[0])
			}
			*dst = new(big.Int).SetUint64(rate)
			return nil
		})
		if err != nil {
			a.log.WithError(err).WithFields(logger.Fields{"method": method}).Warn("rate read failed, reporting zero APY")
		}
	}
	return supply, borrow
}

func (a *Adapter) numAssets(ctx context.Context, comet common.Address) (uint8, error) {
	var out uint8
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "numAssets", comet.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, comet, cometABI, "numAssets")
		if err != nil {
			return err
		}
		v, ok := values[0].(uint8)
		if !ok {
			return fmt.Errorf("unexpected numAssets output type %T", values[0])
		}
		out = v
		return nil
	})
	return out, err
}

func (a *Adapter) assetInfo(ctx context.Context, comet common.Address, index uint8) (assetInfo, error) {
	var out assetInfo
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "getAssetInfo", comet.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, comet, cometABI, "getAssetInfo", index)
		if err != nil {
			return err
		}
		info, err := unpackAssetInfo(values[0])
		if err != nil {
			return err
		}
		out = info
		return nil
	})
	return out, err
}

func (a *Adapter) userCollateral(ctx context.Context, comet, wallet, asset common.Address) (*big.Int, error) {
	var out *big.Int
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "userCollateral", asset.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, comet, cometABI, "userCollateral", wallet, asset)
		if err != nil {
			return err
		}
		v, ok := values[0].(*big.Int)
		if !ok {
			return fmt.Errorf("unexpected userCollateral output type %T", values[0])
		}
		out = v
		return nil
	})
	return out, err
}

// wadToPercent converts an 18-decimal fraction to a percentage.
func wadToPercent(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / 1e18 * 100
}

func unpackAssetInfo(value interface{}) (out assetInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected asset info shape %T: %v", value, r)
		}
	}()
	out = *abi.ConvertType(value, new(assetInfo)).(*assetInfo)
	return out, nil
}
