// Package oracle resolves token symbols to USD prices. REST lookups go to
// the Binance spot API behind a rate limiter; a websocket miniTicker stream
// keeps a live cache warm when enabled.
package oracle

import (
	"context"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"defiflow/config"
	"defiflow/logger"
)

// Quote is a spot price with its 24h percentage change.
type Quote struct {
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
}

// wrapped asset tickers map onto their underlying market symbol.
var symbolAliases = map[string]string{
	"WETH":   "ETH",
	"WBTC":   "BTC",
	"STETH":  "ETH",
	"WSTETH": "ETH",
	"WMATIC": "MATIC",
}

// restSource abstracts the Binance market data endpoints so tests can
// substitute canned responses.
type restSource interface {
	Prices(ctx context.Context, symbols []string) ([]*binance.SymbolPrice, error)
	Stats(ctx context.Context, symbol string) ([]*binance.PriceChangeStats, error)
}

type binanceSource struct {
	client *binance.Client
}

func (s *binanceSource) Prices(ctx context.Context, symbols []string) ([]*binance.SymbolPrice, error) {
	return s.client.NewListPricesService().Symbols(symbols).Do(ctx)
}

func (s *binanceSource) Stats(ctx context.Context, symbol string) ([]*binance.PriceChangeStats, error) {
	return s.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
}

// Client resolves symbol quotes with stablecoin pinning, live cache reads
// and config fallback prices.
type Client struct {
	source      restSource
	limiter     *rate.Limiter
	timeout     time.Duration
	quoteAsset  string
	stablecoins map[string]bool
	fallback    map[string]float64
	stream      *Stream
	log         *logger.Entry
}

// NewClient builds an oracle client from config. When the stream is enabled
// the caller must also invoke Stream().Start to feed the live cache.
func NewClient(cfg config.OracleConfig) *Client {
	stables := make(map[string]bool, len(cfg.Stablecoins))
	for _, s := range cfg.Stablecoins {
		stables[strings.ToUpper(s)] = true
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = rps
	}

	c := &Client{
		source:      &binanceSource{client: binance.NewClient("", "")},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		timeout:     cfg.Timeout,
		quoteAsset:  strings.ToUpper(cfg.QuoteAsset),
		stablecoins: stables,
		fallback:    cfg.FallbackPrices,
		log:         logger.GetLogger().WithComponent("price-oracle"),
	}
	if cfg.Stream.Enabled {
		c.stream = NewStream(cfg.Stream.URL)
	}
	return c
}

// Stream returns the live price stream, or nil when disabled.
func (c *Client) Stream() *Stream {
	return c.stream
}

// Quotes resolves quotes for the given symbols. Symbols the oracle cannot
// price are omitted from the result, never reported as an error. Stablecoins
// are pinned to 1.0 with zero change.
func (c *Client) Quotes(ctx context.Context, symbols []string) map[string]Quote {
	quotes := make(map[string]Quote, len(symbols))
	var misses []string

	for _, symbol := range symbols {
		upper := strings.ToUpper(symbol)
		if c.stablecoins[upper] {
			quotes[symbol] = Quote{Price: 1.0}
			continue
		}
		if c.stream != nil {
			if q, ok := c.stream.Lookup(c.pair(upper)); ok {
				quotes[symbol] = q
				continue
			}
		}
		misses = append(misses, symbol)
	}

	if len(misses) > 0 {
		c.fetchREST(ctx, misses, quotes)
	}

	logger.IncrementOracleQuote(len(quotes))
	return quotes
}

// FallbackPrice returns the configured static price for a symbol, used by
// adapters when the oracle has no entry.
func (c *Client) FallbackPrice(symbol string) (float64, bool) {
	price, ok := c.fallback[strings.ToUpper(symbol)]
	return price, ok
}

// pair maps a token symbol to its market pair against the quote asset.
func (c *Client) pair(symbol string) string {
	if alias, ok := symbolAliases[symbol]; ok {
		symbol = alias
	}
	return symbol + c.quoteAsset
}

func (c *Client) fetchREST(ctx context.Context, symbols []string, quotes map[string]Quote) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	pairToSymbol := make(map[string]string, len(symbols))
	pairs := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		pair := c.pair(strings.ToUpper(symbol))
		pairToSymbol[pair] = symbol
		pairs = append(pairs, pair)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	start := time.Now()
	prices, err := c.source.Prices(ctx, pairs)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"symbols": symbols}).Warn("price lookup failed")
		return
	}
	logger.LogPerformanceEntry(c.log, "price-oracle", "rest_prices", time.Since(start), logger.Fields{
		"pairs": len(pairs),
	})

	for _, p := range prices {
		symbol, ok := pairToSymbol[p.Symbol]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		quotes[symbol] = Quote{Price: price, Change24h: c.change24h(ctx, p.Symbol)}
	}
}

// change24h fetches the 24h stats for a single pair. Failures degrade to a
// zero change rather than dropping the price.
func (c *Client) change24h(ctx context.Context, pair string) float64 {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0
	}
	stats, err := c.source.Stats(ctx, pair)
	if err != nil || len(stats) == 0 {
		return 0
	}
	change, err := strconv.ParseFloat(stats[0].PriceChangePercent, 64)
	if err != nil {
		return 0
	}
	return change
}
