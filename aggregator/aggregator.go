// Package aggregator fans out across the enabled protocol adapters, merges
// their positions and assembles the aggregate response. Partial adapter
// failure is the normal case, never an error.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"defiflow/adapter"
	"defiflow/internal/metrics"
	"defiflow/logger"
	"defiflow/models"
)

const mockDataNote = "Live RPC credentials are not configured; showing demo data."

// Aggregator coordinates concurrent adapter fetches for one process.
type Aggregator struct {
	adapters       []adapter.Adapter
	minValue       float64
	adapterTimeout time.Duration
	demoMode       bool
	log            *logger.Entry
}

// New creates an aggregator. demoMode switches every query to the fixed
// demo dataset; it is set when no RPC endpoint is configured.
func New(adapters []adapter.Adapter, minValue float64, adapterTimeout time.Duration, demoMode bool) *Aggregator {
	return &Aggregator{
		adapters:       adapters,
		minValue:       minValue,
		adapterTimeout: adapterTimeout,
		demoMode:       demoMode,
		log:            logger.GetLogger().WithComponent("aggregator"),
	}
}

// UsingMockData reports whether responses carry demo data.
func (a *Aggregator) UsingMockData() bool {
	return a.demoMode
}

// adapterResult is one adapter's outcome in a fan-out batch.
type adapterResult struct {
	protocol  models.Protocol
	positions []models.Position
	err       error
}

// GetAllPositions fetches from every enabled adapter concurrently and merges
// the results. The boolean reports whether demo data was served. An optional
// protocol filter narrows the adapters invoked.
func (a *Aggregator) GetAllPositions(ctx context.Context, wallet string, protocols ...models.Protocol) ([]models.Position, bool) {
	if a.demoMode {
		return filterProtocols(DemoPositions(wallet), protocols), true
	}

	start := time.Now()

	selected := a.selectAdapters(protocols)
	results := make(chan adapterResult, len(selected))
	var wg sync.WaitGroup
	for _, ad := range selected {
		wg.Add(1)
		go func(ad adapter.Adapter) {
			defer wg.Done()
			fetchCtx := ctx
			if a.adapterTimeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(ctx, a.adapterTimeout)
				defer cancel()
			}
			positions, err := ad.GetPositions(fetchCtx, wallet)
			results <- adapterResult{protocol: ad.Protocol(), positions: positions, err: err}
		}(ad)
	}
	wg.Wait()
	close(results)

	var merged []models.Position
	seen := make(map[string]bool)
	for res := range results {
		if res.err != nil {
			a.log.WithError(res.err).WithFields(logger.Fields{
				"protocol": res.protocol,
				"wallet":   wallet,
			}).Warn("adapter failed, continuing with partial results")
			continue
		}
		for _, p := range res.positions {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			merged = append(merged, p)
		}
	}

	merged = adapter.FilterDust(merged, a.minValue)

	// Deterministic order regardless of adapter completion order.
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	metrics.ObserveRefreshDuration(time.Since(start).Seconds())
	logger.LogPerformanceEntry(a.log, "aggregator", "fetch_all_positions", time.Since(start), logger.Fields{
		"wallet":    wallet,
		"positions": len(merged),
	})
	return merged, false
}

// Aggregate runs a full fetch and assembles the response shape consumed by
// downstream reporting.
func (a *Aggregator) Aggregate(ctx context.Context, wallet string, protocols ...models.Protocol) *models.AggregateResponse {
	positions, mock := a.GetAllPositions(ctx, wallet, protocols...)

	resp := &models.AggregateResponse{
		Address:           wallet,
		Positions:         positions,
		Summary:           summarize(positions),
		ProtocolBreakdown: breakdown(positions),
		UsingMockData:     mock,
		Timestamp:         time.Now().UTC(),
	}
	if mock {
		resp.Note = mockDataNote
	}
	return resp
}

func (a *Aggregator) selectAdapters(protocols []models.Protocol) []adapter.Adapter {
	if len(protocols) == 0 {
		return a.adapters
	}
	wanted := make(map[models.Protocol]bool, len(protocols))
	for _, p := range protocols {
		wanted[p] = true
	}
	var selected []adapter.Adapter
	for _, ad := range a.adapters {
		if wanted[ad.Protocol()] {
			selected = append(selected, ad)
		}
	}
	return selected
}

func filterProtocols(positions []models.Position, protocols []models.Protocol) []models.Position {
	if len(protocols) == 0 {
		return positions
	}
	wanted := make(map[models.Protocol]bool, len(protocols))
	for _, p := range protocols {
		wanted[p] = true
	}
	filtered := positions[:0]
	for _, p := range positions {
		if wanted[p.Protocol] {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// summarize folds positions into the portfolio summary. Average APY is
// weighted by value over positive-value positions.
func summarize(positions []models.Position) models.PortfolioSummary {
	summary := models.PortfolioSummary{PositionCount: len(positions)}

	protocols := make(map[models.Protocol]bool)
	var weighted, positiveValue float64
	for _, p := range positions {
		summary.TotalValue += p.Value
		summary.TotalClaimable += p.Claimable
		protocols[p.Protocol] = true
		if p.Value > 0 {
			weighted += p.APY * p.Value
			positiveValue += p.Value
		}
	}
	if positiveValue > 0 {
		summary.AverageAPY = weighted / positiveValue
	}
	summary.ProtocolCount = len(protocols)
	return summary
}

func breakdown(positions []models.Position) map[string]models.ProtocolBreakdown {
	out := make(map[string]models.ProtocolBreakdown)
	for _, p := range positions {
		b := out[string(p.Protocol)]
		b.Count++
		b.TotalValue += p.Value
		b.Positions = append(b.Positions, p)
		out[string(p.Protocol)] = b
	}
	return out
}
