package uniswap

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"defiflow/internal/chain"
	"defiflow/internal/resilience"
	"defiflow/models"
	"defiflow/oracle"
)

var (
	managerAddr = common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88")
	factoryAddr = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")
	poolAddr    = common.HexToAddress("0x8ad599c3A0ff1De082011EFDDc58f1908eb6e6D8")
	usdcAddr    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	wethAddr    = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	walletHex   = "0x000000000000000000000000000000000000bEEF"
)

type fakeCaller struct {
	responses map[string][]byte
	failing   map[string]bool
}

func callKey(to common.Address, selector []byte) string {
	return to.Hex() + ":" + string(selector)
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	key := callKey(*msg.To, msg.Data[:4])
	if f.failing[key] {
		return nil, errors.New("rpc failure")
	}
	out, ok := f.responses[key]
	if !ok {
		return nil, errors.New("unexpected call")
	}
	return out, nil
}

type fakePrices struct {
	quotes map[string]oracle.Quote
}

func (f *fakePrices) Quotes(_ context.Context, symbols []string) map[string]oracle.Quote {
	out := make(map[string]oracle.Quote)
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out
}

func (f *fakePrices) FallbackPrice(string) (float64, bool) { return 0, false }

// sqrtPriceX96 for price 1.0 (tick 0).
func unitSqrtPrice() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), 96)
}

func setupCaller(t *testing.T, tick int64, liquidity, owed0, owed1 *big.Int) *fakeCaller {
	t.Helper()
	caller := &fakeCaller{responses: map[string][]byte{}, failing: map[string]bool{}}

	mustPack := func(a interface{ Pack(...interface{}) ([]byte, error) }, values ...interface{}) []byte {
		out, err := a.Pack(values...)
		if err != nil {
			t.Fatalf("pack outputs: %v", err)
		}
		return out
	}

	caller.responses[callKey(managerAddr, managerABI.Methods["balanceOf"].ID)] =
		mustPack(managerABI.Methods["balanceOf"].Outputs, big.NewInt(1))
	caller.responses[callKey(managerAddr, managerABI.Methods["tokenOfOwnerByIndex"].ID)] =
		mustPack(managerABI.Methods["tokenOfOwnerByIndex"].Outputs, big.NewInt(42))
	caller.responses[callKey(managerAddr, managerABI.Methods["positions"].ID)] =
		mustPack(managerABI.Methods["positions"].Outputs,
			big.NewInt(0), common.Address{}, usdcAddr, wethAddr,
			big.NewInt(3000), big.NewInt(-6932), big.NewInt(6931),
			liquidity, big.NewInt(0), big.NewInt(0), owed0, owed1)
	caller.responses[callKey(factoryAddr, factoryABI.Methods["getPool"].ID)] =
		mustPack(factoryABI.Methods["getPool"].Outputs, poolAddr)
	caller.responses[callKey(poolAddr, poolABI.Methods["slot0"].ID)] =
		mustPack(poolABI.Methods["slot0"].Outputs,
			unitSqrtPrice(), big.NewInt(tick), uint16(0), uint16(0), uint16(0), uint8(0), true)

	return caller
}

func newTestAdapter(caller *fakeCaller) *Adapter {
	tokens := chain.NewTokenCache(caller)
	tokens.Seed(chain.TokenInfo{Address: usdcAddr, Symbol: "USDC", Name: "USD Coin", Decimals: 6})
	tokens.Seed(chain.TokenInfo{Address: wethAddr, Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18})

	prices := &fakePrices{quotes: map[string]oracle.Quote{
		"USDC": {Price: 1.0},
		"WETH": {Price: 2000.0},
	}}

	breakers := resilience.NewRegistry(3, time.Minute, 30*time.Second)
	return New(caller, tokens, prices, breakers, managerAddr.Hex(), factoryAddr.Hex(), "ethereum", 0.01)
}

func TestGetPositionsInRange(t *testing.T) {
	liquidity := new(big.Int).Mul(big.NewInt(1e12), big.NewInt(1e6))
	caller := setupCaller(t, 0, liquidity, big.NewInt(5_000000), big.NewInt(0))

	a := newTestAdapter(caller)
	positions, err := a.GetPositions(context.Background(), walletHex)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}

	p := positions[0]
	if p.Type != models.PositionTypeLiquidity {
		t.Errorf("type = %s, want liquidity", p.Type)
	}
	if len(p.Tokens) != 2 {
		t.Fatalf("got %d tokens, want 2", len(p.Tokens))
	}
	if p.Value <= 0 {
		t.Errorf("value = %v, want positive", p.Value)
	}
	if p.APY != 0 {
		t.Errorf("apy = %v, want 0 without fee estimate", p.APY)
	}
	// 5 USDC of uncollected fees on token0.
	if math.Abs(p.Claimable-5) > 1e-6 {
		t.Errorf("claimable = %v, want 5", p.Claimable)
	}

	meta, ok := p.Metadata.(*models.UniswapMetadata)
	if !ok {
		t.Fatalf("metadata type = %T", p.Metadata)
	}
	if !meta.InRange {
		t.Error("position at tick 0 within [-6932, 6931) must be in range")
	}
	if meta.PoolFee != 0.3 {
		t.Errorf("pool fee = %v, want 0.3", meta.PoolFee)
	}
	if meta.TickLower != -6932 || meta.TickUpper != 6931 || meta.CurrentTick != 0 {
		t.Errorf("ticks = %d/%d/%d", meta.TickLower, meta.CurrentTick, meta.TickUpper)
	}
}

func TestGetPositionsOutOfRange(t *testing.T) {
	liquidity := new(big.Int).Mul(big.NewInt(1e12), big.NewInt(1e6))
	caller := setupCaller(t, 10000, liquidity, big.NewInt(0), big.NewInt(0))

	a := newTestAdapter(caller)
	positions, err := a.GetPositions(context.Background(), walletHex)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}

	meta := positions[0].Metadata.(*models.UniswapMetadata)
	if meta.InRange {
		t.Error("tick 10000 above upper bound must be out of range")
	}
	// Above the range the position is entirely token1.
	if positions[0].Tokens[0].Value != 0 {
		t.Errorf("token0 value = %v, want 0 out of range", positions[0].Tokens[0].Value)
	}
	if positions[0].Tokens[1].Value <= 0 {
		t.Errorf("token1 value = %v, want positive", positions[0].Tokens[1].Value)
	}
}

func TestGetPositionsSkipsEmptyNFT(t *testing.T) {
	caller := setupCaller(t, 0, big.NewInt(0), big.NewInt(0), big.NewInt(0))

	a := newTestAdapter(caller)
	positions, err := a.GetPositions(context.Background(), walletHex)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("got %d positions, want 0 for empty NFT", len(positions))
	}
}

func TestGetPositionsEnumerationFailureIsFatal(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]byte{}, failing: map[string]bool{
		callKey(managerAddr, managerABI.Methods["balanceOf"].ID): true,
	}}

	a := newTestAdapter(caller)
	if _, err := a.GetPositions(context.Background(), walletHex); err == nil {
		t.Fatal("expected error when NFT enumeration fails")
	}
}

func TestAmountsForLiquidity(t *testing.T) {
	liquidity := big.NewInt(1e12)

	// In range at price 1.0 both amounts are positive and, with symmetric
	// bounds, nearly equal.
	amount0, amount1 := amountsForLiquidity(liquidity, unitSqrtPrice(), -6932, 6931, 0)
	if amount0 <= 0 || amount1 <= 0 {
		t.Fatalf("in-range amounts = %v/%v, want both positive", amount0, amount1)
	}
	if ratio := amount0 / amount1; ratio < 0.99 || ratio > 1.01 {
		t.Errorf("symmetric range ratio = %v, want ~1", ratio)
	}

	// Below range: all token0.
	amount0, amount1 = amountsForLiquidity(liquidity, unitSqrtPrice(), 1000, 2000, 0)
	if amount0 <= 0 || amount1 != 0 {
		t.Errorf("below-range amounts = %v/%v, want token0 only", amount0, amount1)
	}

	// Above range: all token1.
	amount0, amount1 = amountsForLiquidity(liquidity, unitSqrtPrice(), -2000, -1000, 0)
	if amount0 != 0 || amount1 <= 0 {
		t.Errorf("above-range amounts = %v/%v, want token1 only", amount0, amount1)
	}
}
