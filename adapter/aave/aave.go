// Package aave reads Aave V3 pool state for a wallet: one position per
// supply leg (aToken balance) and one per variable debt leg.
package aave

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"defiflow/adapter"
	"defiflow/internal/chain"
	"defiflow/internal/metrics"
	"defiflow/internal/rates"
	"defiflow/internal/resilience"
	"defiflow/logger"
	"defiflow/models"
)

const poolABIJSON = `[
	{"name":"getReservesList","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"name":"getReserveData","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"","type":"tuple","components":[
		{"name":"configuration","type":"tuple","components":[{"name":"data","type":"uint256"}]},
		{"name":"liquidityIndex","type":"uint128"},
		{"name":"currentLiquidityRate","type":"uint128"},
		{"name":"variableBorrowIndex","type":"uint128"},
		{"name":"currentVariableBorrowRate","type":"uint128"},
		{"name":"currentStableBorrowRate","type":"uint128"},
		{"name":"lastUpdateTimestamp","type":"uint40"},
		{"name":"id","type":"uint16"},
		{"name":"aTokenAddress","type":"address"},
		{"name":"stableDebtTokenAddress","type":"address"},
		{"name":"variableDebtTokenAddress","type":"address"},
		{"name":"interestRateStrategyAddress","type":"address"},
		{"name":"accruedToTreasury","type":"uint128"},
		{"name":"unbacked","type":"uint128"},
		{"name":"isolationModeTotalDebt","type":"uint128"}
	]}]},
	{"name":"getUserAccountData","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[
		{"name":"totalCollateralBase","type":"uint256"},
		{"name":"totalDebtBase","type":"uint256"},
		{"name":"availableBorrowsBase","type":"uint256"},
		{"name":"currentLiquidationThreshold","type":"uint256"},
		{"name":"ltv","type":"uint256"},
		{"name":"healthFactor","type":"uint256"}
	]}
]`

var poolABI = chain.MustParseABI(poolABIJSON)

// reserveData mirrors the Aave DataTypes.ReserveData tuple.
type reserveData struct {
	Configuration               struct{ Data *big.Int }
	LiquidityIndex              *big.Int
	CurrentLiquidityRate        *big.Int
	VariableBorrowIndex         *big.Int
	CurrentVariableBorrowRate   *big.Int
	CurrentStableBorrowRate     *big.Int
	LastUpdateTimestamp         *big.Int
	Id                          uint16
	ATokenAddress               common.Address
	StableDebtTokenAddress      common.Address
	VariableDebtTokenAddress    common.Address
	InterestRateStrategyAddress common.Address
	AccruedToTreasury           *big.Int
	Unbacked                    *big.Int
	IsolationModeTotalDebt      *big.Int
}

// accountData holds the wallet-level risk figures. Base currency values are
// 8-decimal USD, the health factor is 18-decimal.
type accountData struct {
	collateralUSD        float64
	debtUSD              float64
	liquidationThreshold float64
	healthFactor         float64
}

// leg is one reserve's raw supply/debt figures before pricing.
type leg struct {
	token      chain.TokenInfo
	supply     *big.Int
	debt       *big.Int
	supplyRate *big.Int
	borrowRate *big.Int
}

// Adapter reads Aave V3 positions through the shared resilience registry.
type Adapter struct {
	caller   chain.Caller
	tokens   *chain.TokenCache
	prices   adapter.PriceSource
	breakers *resilience.Registry
	pool     common.Address
	network  string
	minValue float64
	log      *logger.Entry
}

// New creates an Aave adapter for the given pool contract.
func New(caller chain.Caller, tokens *chain.TokenCache, prices adapter.PriceSource, breakers *resilience.Registry, pool string, network string, minValue float64) *Adapter {
	return &Adapter{
		caller:   caller,
		tokens:   tokens,
		prices:   prices,
		breakers: breakers,
		pool:     common.HexToAddress(pool),
		network:  network,
		minValue: minValue,
		log:      logger.GetLogger().WithComponent("aave-adapter"),
	}
}

func (a *Adapter) Protocol() models.Protocol {
	return models.ProtocolAaveV3
}

// GetPositions enumerates the pool's reserves and emits a lending position
// per supply leg and a borrowing position per variable debt leg. Reserves
// that fail to read are skipped.
func (a *Adapter) GetPositions(ctx context.Context, wallet string) ([]models.Position, error) {
	walletAddr := common.HexToAddress(wallet)

	reserves, err := a.reservesList(ctx)
	if err != nil {
		metrics.IncrementAdapterError(string(a.Protocol()))
		return nil, fmt.Errorf("failed to list aave reserves: %w", err)
	}

	account := a.userAccountData(ctx, walletAddr)

	var legs []leg
	for _, reserve := range reserves {
		l, ok := a.readReserve(ctx, reserve, walletAddr)
		if ok {
			legs = append(legs, l)
		}
	}

	symbols := make([]string, 0, len(legs))
	for _, l := range legs {
		symbols = append(symbols, l.token.Symbol)
	}
	quotes := a.prices.Quotes(ctx, symbols)

	var positions []models.Position
	for _, l := range legs {
		price, ok := adapter.Price(quotes, a.prices, l.token.Symbol)
		if !ok {
			a.log.WithFields(logger.Fields{"symbol": l.token.Symbol}).Warn("no price for reserve, skipping")
			continue
		}

		meta := &models.AaveMetadata{
			HealthFactor:         account.healthFactor,
			LiquidationThreshold: account.liquidationThreshold,
			CollateralUSD:        account.collateralUSD,
			DebtUSD:              account.debtUSD,
		}

		if l.supply != nil && l.supply.Sign() > 0 {
			balance := decimal.NewFromBigInt(l.supply, -int32(l.token.Decimals))
			token := models.NewTokenAmount(l.token.Address.Hex(), l.token.Symbol, l.token.Name, balance, int(l.token.Decimals), price)
			positions = append(positions, models.Position{
				ID:       fmt.Sprintf("aave-v3-%s-%s", l.token.Symbol, wallet),
				Protocol: models.ProtocolAaveV3,
				Type:     models.PositionTypeLending,
				Network:  a.network,
				Tokens:   []models.TokenAmount{token},
				Value:    token.Value,
				APY:      rates.RayToPercent(l.supplyRate),
				Metadata: meta,
			})
		}

		if l.debt != nil && l.debt.Sign() > 0 {
			balance := decimal.NewFromBigInt(l.debt, -int32(l.token.Decimals)).Neg()
			token := models.NewTokenAmount(l.token.Address.Hex(), l.token.Symbol, l.token.Name, balance, int(l.token.Decimals), price)
			positions = append(positions, models.Position{
				ID:       fmt.Sprintf("aave-v3-%s-%s-debt", l.token.Symbol, wallet),
				Protocol: models.ProtocolAaveV3,
				Type:     models.PositionTypeBorrowing,
				Network:  a.network,
				Tokens:   []models.TokenAmount{token},
				Value:    token.Value,
				APY:      -rates.RayToPercent(l.borrowRate),
				Metadata: meta,
			})
		}
	}

	positions = adapter.FilterDust(positions, a.minValue)
	metrics.AddPositionsFetched(string(a.Protocol()), len(positions))
	logger.IncrementAdapterFetch(len(positions))
	return positions, nil
}

func (a *Adapter) reservesList(ctx context.Context) ([]common.Address, error) {
	var reserves []common.Address
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "getReservesList", a.pool.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, a.pool, poolABI, "getReservesList")
		if err != nil {
			return err
		}
		list, ok := values[0].([]common.Address)
		if !ok {
			return fmt.Errorf("unexpected reserves list type %T", values[0])
		}
		reserves = list
		return nil
	})
	return reserves, err
}

// userAccountData reads wallet-level collateral, debt and health factor.
// Failure degrades to zero metadata rather than aborting the fetch.
func (a *Adapter) userAccountData(ctx context.Context, wallet common.Address) accountData {
	var account accountData
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "getUserAccountData", a.pool.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, a.pool, poolABI, "getUserAccountData", wallet)
		if err != nil {
			return err
		}
		account.collateralUSD = baseToUSD(values[0].(*big.Int))
		account.debtUSD = baseToUSD(values[1].(*big.Int))
		account.liquidationThreshold = bpsToPercent(values[3].(*big.Int))
		account.healthFactor = wadToFloat(values[5].(*big.Int))
		return nil
	})
	if err != nil {
		a.log.WithError(err).Warn("failed to read account data, emitting positions without risk metadata")
	}
	return account
}

func (a *Adapter) readReserve(ctx context.Context, reserve, wallet common.Address) (leg, bool) {
	var data reserveData
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "getReserveData", reserve.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, a.pool, poolABI, "getReserveData", reserve)
		if err != nil {
			return err
		}
		out, err := unpackReserveData(values[0])
		if err != nil {
			return err
		}
		data = out
		return nil
	})
	if err != nil {
		a.log.WithError(err).WithFields(logger.Fields{"reserve": reserve.Hex()}).Warn("skipping reserve")
		return leg{}, false
	}

	supply := a.balance(ctx, data.ATokenAddress, wallet)
	debt := a.balance(ctx, data.VariableDebtTokenAddress, wallet)
	if (supply == nil || supply.Sign() == 0) && (debt == nil || debt.Sign() == 0) {
		return leg{}, false
	}

	token, err := a.tokens.Lookup(ctx, reserve)
	if err != nil {
		a.log.WithError(err).WithFields(logger.Fields{"reserve": reserve.Hex()}).Warn("skipping reserve without metadata")
		return leg{}, false
	}

	return leg{
		token:      token,
		supply:     supply,
		debt:       debt,
		supplyRate: data.CurrentLiquidityRate,
		borrowRate: data.CurrentVariableBorrowRate,
	}, true
}

// balance reads an aToken or debt token balance, treating failures as
// unknown (nil) so the other leg can still be emitted.
func (a *Adapter) balance(ctx context.Context, token, wallet common.Address) *big.Int {
	var balance *big.Int
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "balanceOf", token.Hex()), func() error {
		b, err := chain.BalanceOf(ctx, a.caller, token, wallet)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		a.log.WithError(err).WithFields(logger.Fields{"token": token.Hex()}).Warn("balance read failed")
		return nil
	}
	return balance
}

// unpackReserveData converts the anonymous tuple from abi.Unpack into the
// typed struct, matching fields by name.
func unpackReserveData(value interface{}) (out reserveData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected reserve data shape %T: %v", value, r)
		}
	}()
	out = *abi.ConvertType(value, new(reserveData)).(*reserveData)
	return out, nil
}

// baseToUSD converts the Aave base currency (8-decimal USD) to a float.
func baseToUSD(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / 1e8
}

// bpsToPercent converts a basis point figure (1e4 scale) to a percentage.
func bpsToPercent(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / 100
}

// wadToFloat converts an 18-decimal fixed point value to a float.
func wadToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / 1e18
}
