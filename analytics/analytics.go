// Package analytics computes portfolio metrics from an aggregated position
// set: allocations, concentration, risk and yield figures. Everything here
// is a pure function of its inputs.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"defiflow/config"
	"defiflow/logger"
	"defiflow/models"
)

// defaultProtocolRisk is the smart-contract risk weight (0-100) applied when
// the config table has no entry for a protocol.
var defaultProtocolRisk = map[string]float64{
	string(models.ProtocolAaveV3):     10,
	string(models.ProtocolCompoundV3): 15,
	string(models.ProtocolUniswapV3):  25,
	string(models.ProtocolManual):     40,
}

// Compute derives portfolio metrics from positions. An empty input returns a
// well-formed zero object with initialized maps.
func Compute(positions []models.Position, cfg config.AnalyticsConfig) models.PortfolioMetrics {
	metrics := models.PortfolioMetrics{
		AllocationByProtocol: map[string]models.AllocationEntry{},
		AllocationByType:     map[string]models.AllocationEntry{},
		AllocationByNetwork:  map[string]models.AllocationEntry{},
		AllocationByToken:    map[string]models.AllocationEntry{},
		ConcentrationLevel:   models.RiskLow,
		RiskFactors:          []models.RiskFactor{},
		Opportunities:        []models.Opportunity{},
	}
	if len(positions) == 0 {
		return metrics
	}

	protocols := map[models.Protocol]bool{}
	for _, p := range positions {
		metrics.TotalValue += p.Value
		metrics.TotalClaimable += p.Claimable
		protocols[p.Protocol] = true
	}
	metrics.PositionCount = len(positions)
	metrics.ProtocolCount = len(protocols)

	fillAllocations(&metrics, positions)

	metrics.ConcentrationIndex = hhi(metrics.AllocationByProtocol)
	metrics.ConcentrationLevel = concentrationLevel(metrics.ConcentrationIndex, cfg)
	metrics.DiversificationScore = clamp(100-math.Min(metrics.ConcentrationIndex/100, 100), 0, 100)

	metrics.WeightedAverageAPY = weightedAPY(positions)
	metrics.DailyYield = metrics.TotalValue * metrics.WeightedAverageAPY / 100 / 365
	metrics.MonthlyYield = metrics.DailyYield * 30
	metrics.AnnualYield = metrics.TotalValue * metrics.WeightedAverageAPY / 100

	metrics.RiskScore = riskScore(positions, metrics, cfg)

	metrics.RiskFactors = topRiskFactors(riskFactors(positions, metrics, cfg), cfg.TopRiskFactors)
	metrics.Opportunities = topOpportunities(opportunities(positions, metrics, cfg), cfg.TopOpportunities)

	return metrics
}

// Analyze assembles the full analytics response for a wallet.
func Analyze(wallet string, positions []models.Position, cfg config.AnalyticsConfig, usingMockData bool) *models.AnalyticsResponse {
	start := time.Now()
	metrics := Compute(positions, cfg)

	resp := &models.AnalyticsResponse{
		Address:          wallet,
		Metrics:          metrics,
		PositionAnalyses: analyzePositions(positions, metrics),
		Insights:         insights(metrics),
		Recommendations:  recommendations(metrics),
		UsingMockData:    usingMockData,
		Timestamp:        time.Now().UTC(),
	}

	log := logger.GetLogger().WithComponent("analytics")
	logger.LogPerformanceEntry(log, "analytics", "analyze", time.Since(start), logger.Fields{
		"wallet":    wallet,
		"positions": len(positions),
	})
	return resp
}

func fillAllocations(metrics *models.PortfolioMetrics, positions []models.Position) {
	add := func(m map[string]models.AllocationEntry, key string, value float64) {
		e := m[key]
		e.Value += value
		e.Count++
		m[key] = e
	}

	for _, p := range positions {
		add(metrics.AllocationByProtocol, string(p.Protocol), p.Value)
		add(metrics.AllocationByType, string(p.Type), p.Value)
		add(metrics.AllocationByNetwork, p.Network, p.Value)
		for _, t := range p.Tokens {
			add(metrics.AllocationByToken, t.Symbol, t.Value)
		}
	}

	for _, m := range []map[string]models.AllocationEntry{
		metrics.AllocationByProtocol, metrics.AllocationByType,
		metrics.AllocationByNetwork, metrics.AllocationByToken,
	} {
		for key, e := range m {
			if metrics.TotalValue != 0 {
				e.Percentage = e.Value / metrics.TotalValue * 100
			}
			m[key] = e
		}
	}
}

// hhi is the Herfindahl-Hirschman Index over protocol allocation
// percentages.
func hhi(allocation map[string]models.AllocationEntry) float64 {
	var sum float64
	for _, e := range allocation {
		sum += e.Percentage * e.Percentage
	}
	return sum
}

func concentrationLevel(index float64, cfg config.AnalyticsConfig) models.RiskLevel {
	switch {
	case index > cfg.HHIHighCutoff:
		return models.RiskHigh
	case index > cfg.HHIMediumCutoff:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// weightedAPY averages APY over positive-value positions, weighted by value.
func weightedAPY(positions []models.Position) float64 {
	var weighted, total float64
	for _, p := range positions {
		if p.Value > 0 {
			weighted += p.APY * p.Value
			total += p.Value
		}
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// riskScore blends concentration, liquidation proximity and per-protocol
// contract risk into a 0-100 score.
func riskScore(positions []models.Position, metrics models.PortfolioMetrics, cfg config.AnalyticsConfig) float64 {
	concentration := math.Min(metrics.ConcentrationIndex/100, 100)

	var liquidation, liquidationWeight float64
	for _, p := range positions {
		hf, ok := healthFactor(p)
		if !ok || p.Value <= 0 {
			continue
		}
		liquidation += liquidationPenalty(hf) * p.Value
		liquidationWeight += p.Value
	}
	if liquidationWeight > 0 {
		liquidation /= liquidationWeight
	}

	var contract float64
	for protocol, e := range metrics.AllocationByProtocol {
		share := math.Abs(e.Percentage) / 100
		contract += share * protocolRisk(protocol, cfg)
	}

	w := cfg.RiskWeights
	score := w.Concentration*concentration + w.Liquidation*liquidation + w.Contract*contract
	return clamp(score, 0, 100)
}

func protocolRisk(protocol string, cfg config.AnalyticsConfig) float64 {
	if r, ok := cfg.ProtocolRisk[protocol]; ok {
		return r
	}
	if r, ok := defaultProtocolRisk[protocol]; ok {
		return r
	}
	return 50
}

// healthFactor extracts a liquidation buffer from position metadata. Aave
// reports one directly; for Compound it is approximated from the collateral
// to debt ratio.
func healthFactor(p models.Position) (float64, bool) {
	switch meta := p.Metadata.(type) {
	case *models.AaveMetadata:
		if meta.DebtUSD == 0 {
			return 0, false
		}
		return meta.HealthFactor, true
	case *models.CompoundMetadata:
		if meta.DebtUSD == 0 || meta.CollateralUSD == 0 {
			return 0, false
		}
		return meta.CollateralUSD * 0.8 / meta.DebtUSD, true
	default:
		return 0, false
	}
}

// liquidationPenalty maps a health factor to a 0-100 penalty. A buffer of 2x
// or more is considered safe.
func liquidationPenalty(hf float64) float64 {
	switch {
	case hf <= 1:
		return 100
	case hf >= 2:
		return 0
	default:
		return (2 - hf) * 100
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func riskFactors(positions []models.Position, metrics models.PortfolioMetrics, cfg config.AnalyticsConfig) []models.RiskFactor {
	var factors []models.RiskFactor

	if metrics.ConcentrationIndex > cfg.HHIHighCutoff {
		top, pct := largestAllocation(metrics.AllocationByProtocol)
		factors = append(factors, models.RiskFactor{
			Severity:       models.SeverityHigh,
			Title:          "High protocol concentration",
			Description:    fmt.Sprintf("%.0f%% of portfolio value sits in %s", pct, top),
			AffectedValue:  metrics.TotalValue * pct / 100,
			Recommendation: "Spread value across additional protocols to reduce concentration",
		})
	}

	for _, p := range positions {
		hf, ok := healthFactor(p)
		if !ok {
			continue
		}
		switch {
		case hf < 1.1:
			factors = append(factors, models.RiskFactor{
				Severity:       models.SeverityCritical,
				Title:          "Position near liquidation",
				Description:    fmt.Sprintf("%s health factor %.2f is close to the liquidation threshold", p.ID, hf),
				AffectedValue:  math.Abs(p.Value),
				Recommendation: "Repay debt or add collateral immediately",
			})
		case hf < 1.5:
			factors = append(factors, models.RiskFactor{
				Severity:       models.SeverityHigh,
				Title:          "Thin liquidation buffer",
				Description:    fmt.Sprintf("%s health factor %.2f leaves little room for price moves", p.ID, hf),
				AffectedValue:  math.Abs(p.Value),
				Recommendation: "Reduce leverage to restore a comfortable buffer",
			})
		}
	}

	for _, p := range positions {
		if meta, ok := p.Metadata.(*models.UniswapMetadata); ok && !meta.InRange {
			factors = append(factors, models.RiskFactor{
				Severity:       models.SeverityMedium,
				Title:          "Liquidity position out of range",
				Description:    fmt.Sprintf("%s earns no fees at the current tick", p.ID),
				AffectedValue:  p.Value,
				Recommendation: "Rebalance the position's price range",
			})
		}
	}

	if e, ok := metrics.AllocationByProtocol[string(models.ProtocolManual)]; ok && e.Value > 0 {
		factors = append(factors, models.RiskFactor{
			Severity:       models.SeverityLow,
			Title:          "Unverified manual positions",
			Description:    "Manually tracked positions are not validated on-chain",
			AffectedValue:  e.Value,
			Recommendation: "Review manual entries periodically",
		})
	}

	return factors
}

func opportunities(positions []models.Position, metrics models.PortfolioMetrics, _ config.AnalyticsConfig) []models.Opportunity {
	var opps []models.Opportunity

	for _, p := range positions {
		if p.Claimable > 1 {
			opps = append(opps, models.Opportunity{
				Impact:        models.ImpactHigh,
				Title:         "Unclaimed rewards",
				Description:   fmt.Sprintf("%s has $%.2f of claimable rewards", p.ID, p.Claimable),
				PotentialGain: p.Claimable,
				Action:        "Claim and compound the rewards",
			})
		}
	}

	for _, p := range positions {
		if meta, ok := p.Metadata.(*models.UniswapMetadata); ok && !meta.InRange && p.Value > 0 {
			opps = append(opps, models.Opportunity{
				Impact:        models.ImpactMedium,
				Title:         "Re-range liquidity position",
				Description:   fmt.Sprintf("%s is idle while out of range", p.ID),
				PotentialGain: p.Value * 0.01,
				Action:        "Move the range around the current tick to resume fee income",
			})
		}
	}

	for _, p := range positions {
		if p.Value > 0 && p.APY >= 0 && metrics.WeightedAverageAPY-p.APY > 2 {
			opps = append(opps, models.Opportunity{
				Impact:        models.ImpactLow,
				Title:         "Underperforming position",
				Description:   fmt.Sprintf("%s earns %.2f%% versus the portfolio average %.2f%%", p.ID, p.APY, metrics.WeightedAverageAPY),
				PotentialGain: p.Value * (metrics.WeightedAverageAPY - p.APY) / 100,
				Action:        "Consider reallocating to a higher-yield venue",
			})
		}
	}

	return opps
}

// topRiskFactors sorts by severity weight descending with stable ties and
// truncates to n (0 means keep all).
func topRiskFactors(factors []models.RiskFactor, n int) []models.RiskFactor {
	sort.SliceStable(factors, func(i, j int) bool {
		return factors[i].Severity.Weight() > factors[j].Severity.Weight()
	})
	if n > 0 && len(factors) > n {
		factors = factors[:n]
	}
	return factors
}

func topOpportunities(opps []models.Opportunity, n int) []models.Opportunity {
	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].Impact.Weight() > opps[j].Impact.Weight()
	})
	if n > 0 && len(opps) > n {
		opps = opps[:n]
	}
	return opps
}

func largestAllocation(allocation map[string]models.AllocationEntry) (string, float64) {
	var top string
	var pct float64
	keys := make([]string, 0, len(allocation))
	for k := range allocation {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if p := allocation[k].Percentage; p > pct {
			top, pct = k, p
		}
	}
	return top, pct
}
