package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// fakeCaller serves packed ABI outputs keyed by the 4-byte method selector.
type fakeCaller struct {
	responses map[string][]byte
	err       error
	calls     int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(msg.Data) < 4 {
		return nil, errors.New("missing selector")
	}
	out, ok := f.responses[string(msg.Data[:4])]
	if !ok {
		return nil, errors.New("unexpected call")
	}
	return out, nil
}

func packOutput(t *testing.T, method string, values ...interface{}) []byte {
	t.Helper()
	out, err := erc20ABI.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack %s output: %v", method, err)
	}
	return out
}

func selector(method string) string {
	return string(erc20ABI.Methods[method].ID)
}

func TestViewCall(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]byte{
		selector("decimals"): packOutput(t, "decimals", uint8(18)),
	}}

	values, err := ViewCall(context.Background(), caller, common.HexToAddress("0x1"), erc20ABI, "decimals")
	if err != nil {
		t.Fatalf("ViewCall failed: %v", err)
	}
	if got := values[0].(uint8); got != 18 {
		t.Errorf("decimals = %d, want 18", got)
	}
}

func TestViewCallPropagatesError(t *testing.T) {
	caller := &fakeCaller{err: errors.New("rpc down")}
	_, err := ViewCall(context.Background(), caller, common.HexToAddress("0x1"), erc20ABI, "decimals")
	if err == nil {
		t.Fatal("expected error from failing caller")
	}
}

func TestTokenCacheLookup(t *testing.T) {
	caller := &fakeCaller{responses: map[string][]byte{
		selector("symbol"):   packOutput(t, "symbol", "USDC"),
		selector("name"):     packOutput(t, "name", "USD Coin"),
		selector("decimals"): packOutput(t, "decimals", uint8(6)),
	}}

	cache := NewTokenCache(caller)
	token := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

	info, err := cache.Lookup(context.Background(), token)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.Symbol != "USDC" || info.Name != "USD Coin" || info.Decimals != 6 {
		t.Errorf("unexpected token info: %+v", info)
	}

	// The second lookup must be served from cache without RPC calls.
	callsBefore := caller.calls
	if _, err := cache.Lookup(context.Background(), token); err != nil {
		t.Fatalf("cached Lookup failed: %v", err)
	}
	if caller.calls != callsBefore {
		t.Errorf("cached lookup performed %d extra calls", caller.calls-callsBefore)
	}
}

func TestTokenCacheSeed(t *testing.T) {
	caller := &fakeCaller{err: errors.New("rpc must not be hit")}
	cache := NewTokenCache(caller)

	weth := TokenInfo{
		Address:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Symbol:   "WETH",
		Name:     "Wrapped Ether",
		Decimals: 18,
	}
	cache.Seed(weth)

	info, err := cache.Lookup(context.Background(), weth.Address)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info != weth {
		t.Errorf("seeded info = %+v, want %+v", info, weth)
	}
}
