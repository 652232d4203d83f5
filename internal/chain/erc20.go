package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"defiflow/logger"
)

const erc20ABIJSON = `[
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = MustParseABI(erc20ABIJSON)

// BalanceOf reads the ERC-20 balance of account on token.
func BalanceOf(ctx context.Context, caller Caller, token, account common.Address) (*big.Int, error) {
	values, err := ViewCall(ctx, caller, token, erc20ABI, "balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance of %s: %w", token.Hex(), err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", values[0])
	}
	return balance, nil
}

// TokenInfo holds immutable ERC-20 metadata.
type TokenInfo struct {
	Address  common.Address
	Symbol   string
	Name     string
	Decimals uint8
}

// TokenCache memoizes ERC-20 metadata lookups. Token symbol, name and
// decimals never change, so entries live for the process lifetime.
type TokenCache struct {
	mu     sync.RWMutex
	caller Caller
	tokens map[common.Address]TokenInfo
	log    *logger.Entry
}

// NewTokenCache creates a cache reading through the given caller.
func NewTokenCache(caller Caller) *TokenCache {
	return &TokenCache{
		caller: caller,
		tokens: make(map[common.Address]TokenInfo),
		log:    logger.GetLogger().WithComponent("token-cache"),
	}
}

// Lookup returns the metadata for token, fetching symbol, name and decimals
// on the first request.
func (c *TokenCache) Lookup(ctx context.Context, token common.Address) (TokenInfo, error) {
	c.mu.RLock()
	info, ok := c.tokens[token]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	symbol, err := c.callString(ctx, token, "symbol")
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to read token symbol: %w", err)
	}
	name, err := c.callString(ctx, token, "name")
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to read token name: %w", err)
	}

	values, err := ViewCall(ctx, c.caller, token, erc20ABI, "decimals")
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to read token decimals: %w", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return TokenInfo{}, fmt.Errorf("unexpected decimals output type %T", values[0])
	}

	info = TokenInfo{Address: token, Symbol: symbol, Name: name, Decimals: decimals}

	c.mu.Lock()
	c.tokens[token] = info
	c.mu.Unlock()

	c.log.WithFields(logger.Fields{
		"token":  token.Hex(),
		"symbol": symbol,
	}).Debug("cached token metadata")

	return info, nil
}

// Seed preloads an entry, used for well known tokens and in tests.
func (c *TokenCache) Seed(info TokenInfo) {
	c.mu.Lock()
	c.tokens[info.Address] = info
	c.mu.Unlock()
}

func (c *TokenCache) callString(ctx context.Context, token common.Address, method string) (string, error) {
	values, err := ViewCall(ctx, c.caller, token, erc20ABI, method)
	if err != nil {
		return "", err
	}
	s, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected %s output type %T", method, values[0])
	}
	return s, nil
}
