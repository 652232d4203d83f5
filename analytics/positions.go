package analytics

import (
	"fmt"

	"defiflow/models"
)

// analyzePositions scores each position's health and yield efficiency.
func analyzePositions(positions []models.Position, metrics models.PortfolioMetrics) []models.PositionAnalysis {
	analyses := make([]models.PositionAnalysis, 0, len(positions))
	for _, p := range positions {
		score := healthScore(p)
		analyses = append(analyses, models.PositionAnalysis{
			PositionID:      p.ID,
			Protocol:        p.Protocol,
			HealthScore:     score,
			RiskLevel:       riskLevelForScore(score),
			YieldEfficiency: yieldEfficiency(p, metrics.WeightedAverageAPY),
		})
	}
	return analyses
}

// healthScore is a 0-100 composite: range status for liquidity positions,
// liquidation proximity for lending positions and the unclaimed ratio.
func healthScore(p models.Position) float64 {
	score := 100.0

	if meta, ok := p.Metadata.(*models.UniswapMetadata); ok && !meta.InRange {
		score -= 40
	}

	if hf, ok := healthFactor(p); ok {
		switch {
		case hf < 1.1:
			score -= 80
		case hf < 1.5:
			score -= 50
		case hf < 2:
			score -= 25
		}
	}

	if p.Value > 0 && p.Claimable/p.Value > 0.05 {
		score -= 10
	}

	return clamp(score, 0, 100)
}

func riskLevelForScore(score float64) models.RiskLevel {
	switch {
	case score >= 80:
		return models.RiskLow
	case score >= 60:
		return models.RiskMedium
	case score >= 40:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

// yieldEfficiency relates a position's APY to the portfolio average,
// clamped to [0, 200] so outliers stay readable.
func yieldEfficiency(p models.Position, weightedAPY float64) float64 {
	if weightedAPY == 0 || p.Value <= 0 {
		return 0
	}
	return clamp(p.APY/weightedAPY*100, 0, 200)
}

// insights are human-readable observations derived from the metrics.
func insights(metrics models.PortfolioMetrics) []string {
	var out []string

	if metrics.PositionCount == 0 {
		return []string{"No positions found for this wallet."}
	}

	out = append(out, fmt.Sprintf("Portfolio spans %d positions across %d protocols worth $%.2f.",
		metrics.PositionCount, metrics.ProtocolCount, metrics.TotalValue))

	switch metrics.ConcentrationLevel {
	case models.RiskHigh:
		out = append(out, "Holdings are heavily concentrated; a single protocol failure would dominate losses.")
	case models.RiskMedium:
		out = append(out, "Holdings show moderate concentration.")
	default:
		out = append(out, "Holdings are well diversified across protocols.")
	}

	if metrics.WeightedAverageAPY > 0 {
		out = append(out, fmt.Sprintf("Current weighted yield is %.2f%% (~$%.2f per day).",
			metrics.WeightedAverageAPY, metrics.DailyYield))
	}

	if metrics.TotalClaimable > 0 {
		out = append(out, fmt.Sprintf("$%.2f of rewards are waiting to be claimed.", metrics.TotalClaimable))
	}

	return out
}

// recommendations turn the ranked factors and opportunities into actions.
func recommendations(metrics models.PortfolioMetrics) []string {
	var out []string
	for _, f := range metrics.RiskFactors {
		out = append(out, f.Recommendation)
	}
	for _, o := range metrics.Opportunities {
		out = append(out, o.Action)
	}
	if len(out) == 0 && metrics.PositionCount > 0 {
		out = append(out, "No urgent actions; portfolio is healthy.")
	}
	return dedupe(out)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, s := range items {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
