// Package optimizer is the rule-based recommendation engine. It compares
// each position's yield against known alternatives and emits ranked,
// actionable suggestions with gain, risk and difficulty estimates.
package optimizer

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"defiflow/config"
	"defiflow/logger"
	"defiflow/models"
)

// Category names the rule that produced a suggestion.
type Category string

const (
	CategoryCompound  Category = "compound"
	CategoryMigrate   Category = "migrate"
	CategoryRebalance Category = "rebalance"
	CategoryLeverage  Category = "leverage"
)

// Difficulty estimates the operational effort of acting on a suggestion.
type Difficulty string

const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

// Timeframe buckets suggestions by estimated time to realize the gain.
type Timeframe string

const (
	TimeframeImmediate Timeframe = "immediate"
	TimeframeShortTerm Timeframe = "short-term"
	TimeframeLongTerm  Timeframe = "long-term"
)

// PotentialGain quantifies what acting on a suggestion is worth.
type PotentialGain struct {
	Amount     float64   `json:"amount"`
	Percentage float64   `json:"percentage"`
	Timeframe  Timeframe `json:"timeframe"`
}

// Suggestion is one actionable recommendation.
type Suggestion struct {
	ID             string           `json:"id"`
	Category       Category         `json:"category"`
	PositionID     string           `json:"positionId,omitempty"`
	Protocol       models.Protocol  `json:"protocol,omitempty"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	Gain           PotentialGain    `json:"potentialGain"`
	Risk           models.RiskLevel `json:"risk"`
	Difficulty     Difficulty       `json:"difficulty"`
	Confidence     float64          `json:"confidence"`
	Steps          []string         `json:"steps"`
	GasEstimateUSD float64          `json:"gasEstimateUsd"`
}

// Engine evaluates positions against the configured thresholds and static
// rate table. Evaluation is pure and synchronous.
type Engine struct {
	cfg config.OptimizerConfig
	log *logger.Entry
}

// New creates an engine from the optimizer configuration.
func New(cfg config.OptimizerConfig) *Engine {
	return &Engine{
		cfg: cfg,
		log: logger.GetLogger().WithComponent("optimizer"),
	}
}

// Evaluate runs all four rule categories over the position set and returns
// suggestions sorted by gain amount, ties kept in rule order.
func (e *Engine) Evaluate(positions []models.Position, metrics models.PortfolioMetrics) []Suggestion {
	out := make([]Suggestion, 0, 4)
	out = append(out, e.compoundSuggestions(positions)...)
	out = append(out, e.migrateSuggestions(positions)...)
	out = append(out, e.rebalanceSuggestions(metrics)...)
	out = append(out, e.leverageSuggestions(positions)...)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Gain.Amount > out[j].Gain.Amount })

	e.log.WithFields(logger.Fields{
		"positions":   len(positions),
		"suggestions": len(out),
	}).Debug("optimizer evaluation finished")
	return out
}

// compoundSuggestions flags claimable balances worth more than the minimum
// threshold. Claiming is cheap and certain, so confidence runs high.
func (e *Engine) compoundSuggestions(positions []models.Position) []Suggestion {
	var out []Suggestion
	for _, p := range positions {
		if p.Claimable < e.cfg.MinClaimableUSD {
			continue
		}
		pct := 0.0
		if p.Value > 0 {
			pct = p.Claimable / p.Value * 100
		}
		out = append(out, Suggestion{
			ID:         uuid.NewString(),
			Category:   CategoryCompound,
			PositionID: p.ID,
			Protocol:   p.Protocol,
			Title:      fmt.Sprintf("Claim $%.2f of pending rewards on %s", p.Claimable, p.Protocol),
			Description: fmt.Sprintf(
				"Position %s has $%.2f of unclaimed rewards. Claiming and redepositing compounds the yield.",
				p.ID, p.Claimable),
			Gain: PotentialGain{
				Amount:     p.Claimable,
				Percentage: pct,
				Timeframe:  TimeframeImmediate,
			},
			Risk:       models.RiskLow,
			Difficulty: DifficultyLow,
			Confidence: confidence(1.0, p.Claimable),
			Steps: []string{
				fmt.Sprintf("Open the %s dashboard for this position", p.Protocol),
				"Claim the pending rewards",
				"Redeposit the claimed amount into the position",
			},
			GasEstimateUSD: e.cfg.GasEstimateUSD["claim"],
		})
	}
	return out
}

// migrateSuggestions compares each earning position against the static rate
// table and flags a materially better home for the same asset.
func (e *Engine) migrateSuggestions(positions []models.Position) []Suggestion {
	var out []Suggestion
	for _, p := range positions {
		if p.Value <= 0 {
			continue
		}
		symbol := primarySymbol(p)
		rates, ok := e.cfg.RateTable[symbol]
		if !ok {
			continue
		}

		bestProtocol, bestAPY := "", math.Inf(-1)
		for proto, apy := range rates {
			if proto == string(p.Protocol) {
				continue
			}
			if apy > bestAPY {
				bestProtocol, bestAPY = proto, apy
			}
		}
		if bestProtocol == "" {
			continue
		}

		delta := bestAPY - p.APY
		if delta <= e.cfg.MinAPYDelta {
			continue
		}

		annualGain := p.Value * delta / 100
		out = append(out, Suggestion{
			ID:         uuid.NewString(),
			Category:   CategoryMigrate,
			PositionID: p.ID,
			Protocol:   p.Protocol,
			Title:      fmt.Sprintf("Move %s from %s to %s for %.2f%% more yield", symbol, p.Protocol, bestProtocol, delta),
			Description: fmt.Sprintf(
				"%s currently earns %.2f%% on %s while %s pays %.2f%% for the same asset.",
				symbol, p.APY, p.Protocol, bestProtocol, bestAPY),
			Gain: PotentialGain{
				Amount:     annualGain,
				Percentage: delta,
				Timeframe:  TimeframeShortTerm,
			},
			Risk:       models.RiskMedium,
			Difficulty: DifficultyMedium,
			Confidence: confidence(0.7, annualGain),
			Steps: []string{
				fmt.Sprintf("Withdraw %s from %s", symbol, p.Protocol),
				fmt.Sprintf("Deposit the withdrawn %s into %s", symbol, bestProtocol),
				"Verify the new position's rate after deposit",
			},
			GasEstimateUSD: e.cfg.GasEstimateUSD["migrate"],
		})
	}
	return out
}

// rebalanceSuggestions emits a portfolio-level suggestion when concentration
// drifts beyond the configured tolerance around the target HHI.
func (e *Engine) rebalanceSuggestions(metrics models.PortfolioMetrics) []Suggestion {
	drift := metrics.ConcentrationIndex - e.cfg.TargetHHI
	if drift <= e.cfg.MaxHHIDeviation || metrics.TotalValue <= 0 {
		return nil
	}

	largestName, largestPct := "", 0.0
	names := make([]string, 0, len(metrics.AllocationByProtocol))
	for name := range metrics.AllocationByProtocol {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if pct := metrics.AllocationByProtocol[name].Percentage; pct > largestPct {
			largestName, largestPct = name, pct
		}
	}

	// With a single dominant protocol, HHI is roughly that allocation
	// squared, so sqrt(target) bounds the largest tolerable allocation.
	maxAllowedPct := math.Sqrt(e.cfg.TargetHHI)
	excessPct := largestPct - maxAllowedPct
	if excessPct <= 0 {
		return nil
	}
	excessValue := metrics.TotalValue * excessPct / 100

	// Assumes one point of annual yield recovered on the shifted value.
	annualGain := excessValue * 0.01

	return []Suggestion{{
		ID:       uuid.NewString(),
		Category: CategoryRebalance,
		Title:    fmt.Sprintf("Rebalance away from %s to reduce concentration", largestName),
		Description: fmt.Sprintf(
			"%s holds %.1f%% of the portfolio and the concentration index is %.0f against a target of %.0f. Shifting about $%.2f to other protocols restores the target.",
			largestName, largestPct, metrics.ConcentrationIndex, e.cfg.TargetHHI, excessValue),
		Gain: PotentialGain{
			Amount:     annualGain,
			Percentage: excessPct,
			Timeframe:  TimeframeLongTerm,
		},
		Risk:       models.RiskLow,
		Difficulty: DifficultyMedium,
		Confidence: confidence(0.8, annualGain),
		Steps: []string{
			fmt.Sprintf("Withdraw roughly $%.2f from %s", excessValue, largestName),
			"Spread the withdrawn value across under-allocated protocols",
			"Recheck the concentration index after the moves settle",
		},
		GasEstimateUSD: e.cfg.GasEstimateUSD["rebalance"],
	}}
}

// leverageSuggestions looks for a supply-rate spread across protocols on an
// asset the wallet already holds, net of estimated gas.
func (e *Engine) leverageSuggestions(positions []models.Position) []Suggestion {
	held := make(map[string]float64)
	for _, p := range positions {
		if p.Value > 0 {
			held[primarySymbol(p)] += p.Value
		}
	}

	gas := e.cfg.GasEstimateUSD["leverage"]

	symbols := make([]string, 0, len(held))
	for s := range held {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var out []Suggestion
	for _, symbol := range symbols {
		rates, ok := e.cfg.RateTable[symbol]
		if !ok || len(rates) < 2 {
			continue
		}

		lowProto, highProto := "", ""
		low, high := math.Inf(1), math.Inf(-1)
		for proto, apy := range rates {
			if apy < low {
				lowProto, low = proto, apy
			}
			if apy > high {
				highProto, high = proto, apy
			}
		}
		if lowProto == highProto {
			continue
		}

		value := held[symbol]
		spread := high - low
		netSpread := spread - gas/value*100
		if netSpread <= e.cfg.MinNetSpread {
			continue
		}

		annualGain := value*spread/100 - gas
		out = append(out, Suggestion{
			ID:       uuid.NewString(),
			Category: CategoryLeverage,
			Title:    fmt.Sprintf("Capture the %.2f%% %s rate spread between %s and %s", spread, symbol, lowProto, highProto),
			Description: fmt.Sprintf(
				"%s rates differ by %.2f%% between %s (%.2f%%) and %s (%.2f%%). After ~$%.2f of gas the net spread is %.2f%%.",
				symbol, spread, lowProto, low, highProto, high, gas, netSpread),
			Gain: PotentialGain{
				Amount:     annualGain,
				Percentage: netSpread,
				Timeframe:  TimeframeShortTerm,
			},
			Risk:       models.RiskHigh,
			Difficulty: DifficultyHigh,
			Confidence: confidence(0.5, annualGain),
			Steps: []string{
				fmt.Sprintf("Borrow %s on %s at %.2f%%", symbol, lowProto, low),
				fmt.Sprintf("Supply the borrowed %s on %s at %.2f%%", symbol, highProto, high),
				"Monitor both rates; unwind when the spread compresses",
			},
			GasEstimateUSD: gas,
		})
	}
	return out
}

// confidence is a 0-100 heuristic: data completeness carries most of the
// weight, larger gains add up to 20 points.
func confidence(completeness, gainUSD float64) float64 {
	score := 40 + completeness*40 + math.Min(gainUSD/10, 20)
	return math.Min(math.Max(score, 0), 100)
}

// primarySymbol is the symbol of the position's largest positive token leg,
// falling back to the first token.
func primarySymbol(p models.Position) string {
	best, bestValue := "", 0.0
	for _, t := range p.Tokens {
		if t.Value > bestValue {
			best, bestValue = t.Symbol, t.Value
		}
	}
	if best == "" && len(p.Tokens) > 0 {
		best = p.Tokens[0].Symbol
	}
	return best
}
