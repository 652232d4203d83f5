// Package uniswap reads Uniswap V3 concentrated liquidity positions via the
// nonfungible position manager. Token amounts are derived from liquidity and
// the pool's current sqrt price; fees owed become the claimable balance.
package uniswap

import (
	"context"
	"fmt"
	"math"
	"math/big"

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

const managerABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"tokenOfOwnerByIndex","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"positions","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
		{"name":"nonce","type":"uint96"},
		{"name":"operator","type":"address"},
		{"name":"token0","type":"address"},
		{"name":"token1","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"tickLower","type":"int24"},
		{"name":"tickUpper","type":"int24"},
		{"name":"liquidity","type":"uint128"},
		{"name":"feeGrowthInside0LastX128","type":"uint256"},
		{"name":"feeGrowthInside1LastX128","type":"uint256"},
		{"name":"tokensOwed0","type":"uint128"},
		{"name":"tokensOwed1","type":"uint128"}
	]}
]`

const factoryABIJSON = `[
	{"name":"getPool","type":"function","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"fee","type":"uint24"}],"outputs":[{"name":"","type":"address"}]}
]`

const poolABIJSON = `[
	{"name":"slot0","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},
		{"name":"tick","type":"int24"},
		{"name":"observationIndex","type":"uint16"},
		{"name":"observationCardinality","type":"uint16"},
		{"name":"observationCardinalityNext","type":"uint16"},
		{"name":"feeProtocol","type":"uint8"},
		{"name":"unlocked","type":"bool"}
	]}
]`

var (
	managerABI = chain.MustParseABI(managerABIJSON)
	factoryABI = chain.MustParseABI(factoryABIJSON)
	poolABI    = chain.MustParseABI(poolABIJSON)

	// 2^96, the Q96 fixed point divisor of sqrtPriceX96.
	q96 = math.Pow(2, 96)
)

// nftPosition mirrors the position manager's positions() outputs.
type nftPosition struct {
	Nonce                    *big.Int
	Operator                 common.Address
	Token0                   common.Address
	Token1                   common.Address
	Fee                      *big.Int
	TickLower                *big.Int
	TickUpper                *big.Int
	Liquidity                *big.Int
	FeeGrowthInside0LastX128 *big.Int
	FeeGrowthInside1LastX128 *big.Int
	TokensOwed0              *big.Int
	TokensOwed1              *big.Int
}

// Adapter enumerates a wallet's position NFTs.
type Adapter struct {
	caller   chain.Caller
	tokens   *chain.TokenCache
	prices   adapter.PriceSource
	breakers *resilience.Registry
	manager  common.Address
	factory  common.Address
	network  string
	minValue float64
	log      *logger.Entry
}

// New creates a Uniswap adapter for the given position manager and factory.
func New(caller chain.Caller, tokens *chain.TokenCache, prices adapter.PriceSource, breakers *resilience.Registry, manager, factory, network string, minValue float64) *Adapter {
	return &Adapter{
		caller:   caller,
		tokens:   tokens,
		prices:   prices,
		breakers: breakers,
		manager:  common.HexToAddress(manager),
		factory:  common.HexToAddress(factory),
		network:  network,
		minValue: minValue,
		log:      logger.GetLogger().WithComponent("uniswap-adapter"),
	}
}

func (a *Adapter) Protocol() models.Protocol {
	return models.ProtocolUniswapV3
}

// GetPositions enumerates the wallet's position NFTs and emits one liquidity
// position per NFT with nonzero value. Individual NFT failures are skipped.
func (a *Adapter) GetPositions(ctx context.Context, wallet string) ([]models.Position, error) {
	walletAddr := common.HexToAddress(wallet)

	count, err := a.nftCount(ctx, walletAddr)
	if err != nil {
		metrics.IncrementAdapterError(string(a.Protocol()))
		return nil, fmt.Errorf("failed to count position NFTs: %w", err)
	}

	var positions []models.Position
	for i := int64(0); i < count; i++ {
		tokenID, err := a.tokenAt(ctx, walletAddr, i)
		if err != nil {
			a.log.WithError(err).WithFields(logger.Fields{"index": i}).Warn("skipping position NFT")
			continue
		}
		p, ok := a.readPosition(ctx, tokenID, wallet)
		if ok {
			positions = append(positions, p)
		}
	}

	positions = adapter.FilterDust(positions, a.minValue)
	metrics.AddPositionsFetched(string(a.Protocol()), len(positions))
	logger.IncrementAdapterFetch(len(positions))
	return positions, nil
}

func (a *Adapter) readPosition(ctx context.Context, tokenID *big.Int, wallet string) (models.Position, bool) {
	nft, err := a.positionData(ctx, tokenID)
	if err != nil {
		a.log.WithError(err).WithFields(logger.Fields{"token_id": tokenID}).Warn("skipping unreadable position")
		return models.Position{}, false
	}
	if nft.Liquidity.Sign() == 0 && nft.TokensOwed0.Sign() == 0 && nft.TokensOwed1.Sign() == 0 {
		return models.Position{}, false
	}

	token0, err := a.tokens.Lookup(ctx, nft.Token0)
	if err != nil {
		a.log.WithError(err).Warn("skipping position without token0 metadata")
		return models.Position{}, false
	}
	token1, err := a.tokens.Lookup(ctx, nft.Token1)
	if err != nil {
		a.log.WithError(err).Warn("skipping position without token1 metadata")
		return models.Position{}, false
	}

	pool, err := a.poolAddress(ctx, nft)
	if err != nil {
		a.log.WithError(err).Warn("skipping position without pool")
		return models.Position{}, false
	}
	sqrtPriceX96, tick, err := a.slot0(ctx, pool)
	if err != nil {
		a.log.WithError(err).WithFields(logger.Fields{"pool": pool.Hex()}).Warn("skipping position without slot0")
		return models.Position{}, false
	}

	tickLower := int32(nft.TickLower.Int64())
	tickUpper := int32(nft.TickUpper.Int64())
	currentTick := int32(tick.Int64())
	inRange := rates.TickInRange(currentTick, tickLower, tickUpper)

	amount0, amount1 := amountsForLiquidity(nft.Liquidity, sqrtPriceX96, tickLower, tickUpper, currentTick)
	human0 := amount0 / math.Pow10(int(token0.Decimals))
	human1 := amount1 / math.Pow10(int(token1.Decimals))

	quotes := a.prices.Quotes(ctx, []string{token0.Symbol, token1.Symbol})
	price0, ok0 := adapter.Price(quotes, a.prices, token0.Symbol)
	price1, ok1 := adapter.Price(quotes, a.prices, token1.Symbol)
	if !ok0 || !ok1 {
		a.log.WithFields(logger.Fields{
			"token0": token0.Symbol,
			"token1": token1.Symbol,
		}).Warn("skipping position without prices")
		return models.Position{}, false
	}

	t0 := models.NewTokenAmount(token0.Address.Hex(), token0.Symbol, token0.Name, decimal.NewFromFloat(human0), int(token0.Decimals), price0)
	t1 := models.NewTokenAmount(token1.Address.Hex(), token1.Symbol, token1.Name, decimal.NewFromFloat(human1), int(token1.Decimals), price1)

	owed0, _ := new(big.Float).SetInt(nft.TokensOwed0).Float64()
	owed1, _ := new(big.Float).SetInt(nft.TokensOwed1).Float64()
	claimable := owed0/math.Pow10(int(token0.Decimals))*price0 + owed1/math.Pow10(int(token1.Decimals))*price1

	feePercent := float64(nft.Fee.Int64()) / 1e4

	return models.Position{
		ID:       fmt.Sprintf("uniswap-v3-%s-%s-%s-%s", token0.Symbol, token1.Symbol, tokenID.String(), wallet),
		Protocol: models.ProtocolUniswapV3,
		Type:     models.PositionTypeLiquidity,
		Network:  a.network,
		Tokens:   []models.TokenAmount{t0, t1},
		Value:    t0.Value + t1.Value,
		APY:      0, // no on-chain APY; fee estimate lives in metadata
		Claimable: claimable,
		Metadata: &models.UniswapMetadata{
			PoolFee:     feePercent,
			TickLower:   tickLower,
			TickUpper:   tickUpper,
			CurrentTick: currentTick,
			InRange:     inRange,
		},
	}, true
}

func (a *Adapter) nftCount(ctx context.Context, wallet common.Address) (int64, error) {
	var count int64
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "balanceOf", a.manager.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, a.manager, managerABI, "balanceOf", wallet)
		if err != nil {
			return err
		}
		count = values[0].(*big.Int).Int64()
		return nil
	})
	return count, err
}

func (a *Adapter) tokenAt(ctx context.Context, wallet common.Address, index int64) (*big.Int, error) {
	var tokenID *big.Int
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "tokenOfOwnerByIndex", a.manager.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, a.manager, managerABI, "tokenOfOwnerByIndex", wallet, big.NewInt(index))
		if err != nil {
			return err
		}
		tokenID = values[0].(*big.Int)
		return nil
	})
	return tokenID, err
}

func (a *Adapter) positionData(ctx context.Context, tokenID *big.Int) (nftPosition, error) {
	var nft nftPosition
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "positions", a.manager.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, a.manager, managerABI, "positions", tokenID)
		if err != nil {
			return err
		}
		out, err := unpackPosition(values)
		if err != nil {
			return err
		}
		nft = out
		return nil
	})
	return nft, err
}

func (a *Adapter) poolAddress(ctx context.Context, nft nftPosition) (common.Address, error) {
	var pool common.Address
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "getPool", a.factory.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, a.factory, factoryABI, "getPool", nft.Token0, nft.Token1, nft.Fee)
		if err != nil {
			return err
		}
		pool = values[0].(common.Address)
		return nil
	})
	return pool, err
}

func (a *Adapter) slot0(ctx context.Context, pool common.Address) (*big.Int, *big.Int, error) {
	var sqrtPriceX96, tick *big.Int
	err := a.breakers.Do(adapter.BreakerKey(a.Protocol(), "slot0", pool.Hex()), func() error {
		values, err := chain.ViewCall(ctx, a.caller, pool, poolABI, "slot0")
		if err != nil {
			return err
		}
		sqrtPriceX96 = values[0].(*big.Int)
		tick = values[1].(*big.Int)
		return nil
	})
	return sqrtPriceX96, tick, err
}

// unpackPosition maps the positions() output slice onto the typed struct.
func unpackPosition(values []interface{}) (out nftPosition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected positions output shape: %v", r)
		}
	}()
	out = nftPosition{
		Nonce:                    values[0].(*big.Int),
		Operator:                 values[1].(common.Address),
		Token0:                   values[2].(common.Address),
		Token1:                   values[3].(common.Address),
		Fee:                      values[4].(*big.Int),
		TickLower:                values[5].(*big.Int),
		TickUpper:                values[6].(*big.Int),
		Liquidity:                values[7].(*big.Int),
		FeeGrowthInside0LastX128: values[8].(*big.Int),
		FeeGrowthInside1LastX128: values[9].(*big.Int),
		TokensOwed0:              values[10].(*big.Int),
		TokensOwed1:              values[11].(*big.Int),
	}
	return out, nil
}

// sqrtRatioAtTick approximates sqrt(1.0001^tick).
func sqrtRatioAtTick(tick int32) float64 {
	return math.Pow(1.0001, float64(tick)/2)
}

// amountsForLiquidity converts liquidity into raw token amounts given the
// pool's current price and the position's tick bounds.
func amountsForLiquidity(liquidity, sqrtPriceX96 *big.Int, tickLower, tickUpper, currentTick int32) (amount0, amount1 float64) {
	l, _ := new(big.Float).SetInt(liquidity).Float64()
	if l == 0 {
		return 0, 0
	}

	sqrtP, _ := new(big.Float).SetInt(sqrtPriceX96).Float64()
	sqrtP /= q96
	sqrtLower := sqrtRatioAtTick(tickLower)
	sqrtUpper := sqrtRatioAtTick(tickUpper)

	switch {
	case currentTick < tickLower:
		amount0 = l * (sqrtUpper - sqrtLower) / (sqrtLower * sqrtUpper)
	case currentTick >= tickUpper:
		amount1 = l * (sqrtUpper - sqrtLower)
	default:
		amount0 = l * (sqrtUpper - sqrtP) / (sqrtP * sqrtUpper)
		amount1 = l * (sqrtP - sqrtLower)
	}
	return amount0, amount1
}
