package analytics

import (
	"math"
	"testing"

	"defiflow/config"
	"defiflow/models"
)

func testConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		HHIHighCutoff:   2500,
		HHIMediumCutoff: 1500,
		RiskWeights: config.RiskWeightsConfig{
			Concentration: 0.4,
			Liquidation:   0.4,
			Contract:      0.2,
		},
		TopRiskFactors:   5,
		TopOpportunities: 5,
	}
}

func lending(id string, protocol models.Protocol, value, apy float64) models.Position {
	return models.Position{
		ID:       id,
		Protocol: protocol,
		Type:     models.PositionTypeLending,
		Network:  "ethereum",
		Value:    value,
		APY:      apy,
	}
}

func TestComputeEmptyInput(t *testing.T) {
	m := Compute(nil, testConfig())

	if m.TotalValue != 0 || m.PositionCount != 0 {
		t.Errorf("zero object totals = %v/%d", m.TotalValue, m.PositionCount)
	}
	if m.AllocationByProtocol == nil || m.AllocationByToken == nil {
		t.Error("allocation maps must be initialized")
	}
	if m.RiskFactors == nil || m.Opportunities == nil {
		t.Error("factor slices must be initialized")
	}
	if m.ConcentrationLevel != models.RiskLow {
		t.Errorf("concentration level = %s, want low", m.ConcentrationLevel)
	}
}

func TestComputeSingleProtocolConcentration(t *testing.T) {
	m := Compute([]models.Position{
		lending("a", models.ProtocolAaveV3, 1000, 5),
	}, testConfig())

	// One protocol holds 100%: HHI = 100^2 = 10000.
	if math.Abs(m.ConcentrationIndex-10000) > 1e-9 {
		t.Errorf("hhi = %v, want 10000", m.ConcentrationIndex)
	}
	if m.ConcentrationLevel != models.RiskHigh {
		t.Errorf("concentration level = %s, want high", m.ConcentrationLevel)
	}
	if m.DiversificationScore != 0 {
		t.Errorf("diversification = %v, want 0", m.DiversificationScore)
	}
}

func TestComputeEqualSplitConcentration(t *testing.T) {
	m := Compute([]models.Position{
		lending("a", models.ProtocolAaveV3, 250, 5),
		lending("b", models.ProtocolCompoundV3, 250, 5),
		lending("c", models.ProtocolUniswapV3, 250, 5),
		lending("d", models.ProtocolManual, 250, 5),
	}, testConfig())

	// Four equal protocols: HHI = 4 * 25^2 = 2500, medium bucket.
	if math.Abs(m.ConcentrationIndex-2500) > 1e-9 {
		t.Errorf("hhi = %v, want 2500", m.ConcentrationIndex)
	}
	if m.ConcentrationLevel != models.RiskMedium {
		t.Errorf("concentration level = %s, want medium", m.ConcentrationLevel)
	}
	if math.Abs(m.DiversificationScore-75) > 1e-9 {
		t.Errorf("diversification = %v, want 75", m.DiversificationScore)
	}
}

func TestComputeWeightedAPY(t *testing.T) {
	m := Compute([]models.Position{
		lending("a", models.ProtocolAaveV3, 1000, 5),
		lending("b", models.ProtocolCompoundV3, 500, 2),
	}, testConfig())

	// (5*1000 + 2*500) / 1500 = 4.0
	if math.Abs(m.WeightedAverageAPY-4.0) > 1e-9 {
		t.Errorf("weighted apy = %v, want 4.0", m.WeightedAverageAPY)
	}

	wantDaily := 1500 * 4.0 / 100 / 365
	if math.Abs(m.DailyYield-wantDaily) > 1e-9 {
		t.Errorf("daily yield = %v, want %v", m.DailyYield, wantDaily)
	}
	if math.Abs(m.MonthlyYield-wantDaily*30) > 1e-9 {
		t.Errorf("monthly yield = %v", m.MonthlyYield)
	}
	if math.Abs(m.AnnualYield-60) > 1e-9 {
		t.Errorf("annual yield = %v, want 60", m.AnnualYield)
	}
}

func TestComputeWeightedAPYIgnoresDebtLegs(t *testing.T) {
	m := Compute([]models.Position{
		lending("supply", models.ProtocolAaveV3, 1000, 5),
		lending("borrow", models.ProtocolCompoundV3, -400, -3),
	}, testConfig())

	if math.Abs(m.TotalValue-600) > 1e-9 {
		t.Errorf("total value = %v, want 600", m.TotalValue)
	}
	// Only the positive leg carries weight.
	if math.Abs(m.WeightedAverageAPY-5.0) > 1e-9 {
		t.Errorf("weighted apy = %v, want 5.0", m.WeightedAverageAPY)
	}
}

func TestComputeRiskScoreReflectsLiquidationProximity(t *testing.T) {
	safe := lending("safe", models.ProtocolAaveV3, 1000, 5)
	safe.Metadata = &models.AaveMetadata{HealthFactor: 3.0, DebtUSD: 100, CollateralUSD: 1000}

	risky := lending("risky", models.ProtocolAaveV3, 1000, 5)
	risky.Metadata = &models.AaveMetadata{HealthFactor: 1.05, DebtUSD: 900, CollateralUSD: 1000}

	cfg := testConfig()
	safeScore := Compute([]models.Position{safe}, cfg).RiskScore
	riskyScore := Compute([]models.Position{risky}, cfg).RiskScore

	if riskyScore <= safeScore {
		t.Errorf("risky score %v must exceed safe score %v", riskyScore, safeScore)
	}
}

func TestComputeRiskFactorsRankedBySeverity(t *testing.T) {
	nearLiquidation := lending("debt", models.ProtocolAaveV3, 1000, 5)
	nearLiquidation.Metadata = &models.AaveMetadata{HealthFactor: 1.05, DebtUSD: 900, CollateralUSD: 1000}

	outOfRange := models.Position{
		ID:       "lp",
		Protocol: models.ProtocolUniswapV3,
		Type:     models.PositionTypeLiquidity,
		Network:  "ethereum",
		Value:    500,
		Metadata: &models.UniswapMetadata{InRange: false, TickLower: 0, TickUpper: 100, CurrentTick: 200},
	}

	m := Compute([]models.Position{nearLiquidation, outOfRange}, testConfig())
	if len(m.RiskFactors) < 2 {
		t.Fatalf("got %d risk factors, want at least 2", len(m.RiskFactors))
	}
	for i := 1; i < len(m.RiskFactors); i++ {
		if m.RiskFactors[i-1].Severity.Weight() < m.RiskFactors[i].Severity.Weight() {
			t.Errorf("risk factors not sorted by severity: %s before %s",
				m.RiskFactors[i-1].Severity, m.RiskFactors[i].Severity)
		}
	}
	if m.RiskFactors[0].Severity != models.SeverityCritical {
		t.Errorf("top factor severity = %s, want critical", m.RiskFactors[0].Severity)
	}
}

func TestComputeOpportunitiesClaimableFirst(t *testing.T) {
	claimable := lending("rewards", models.ProtocolAaveV3, 1000, 5)
	claimable.Claimable = 50

	low := lending("laggard", models.ProtocolCompoundV3, 1000, 1)

	m := Compute([]models.Position{claimable, low}, testConfig())
	if len(m.Opportunities) == 0 {
		t.Fatal("expected opportunities")
	}
	if m.Opportunities[0].Impact != models.ImpactHigh {
		t.Errorf("top opportunity impact = %s, want high", m.Opportunities[0].Impact)
	}
	if math.Abs(m.Opportunities[0].PotentialGain-50) > 1e-9 {
		t.Errorf("potential gain = %v, want 50", m.Opportunities[0].PotentialGain)
	}
}

func TestComputeTopNTruncation(t *testing.T) {
	cfg := testConfig()
	cfg.TopOpportunities = 1

	a := lending("a", models.ProtocolAaveV3, 1000, 5)
	a.Claimable = 50
	b := lending("b", models.ProtocolCompoundV3, 1000, 5)
	b.Claimable = 20

	m := Compute([]models.Position{a, b}, cfg)
	if len(m.Opportunities) != 1 {
		t.Fatalf("got %d opportunities, want 1 after truncation", len(m.Opportunities))
	}
	// Stable ties keep insertion order: a came first.
	if math.Abs(m.Opportunities[0].PotentialGain-50) > 1e-9 {
		t.Errorf("kept opportunity gain = %v, want 50", m.Opportunities[0].PotentialGain)
	}
}

func TestAnalyzeResponse(t *testing.T) {
	positions := []models.Position{
		lending("a", models.ProtocolAaveV3, 1000, 5),
	}

	resp := Analyze("0xbeef", positions, testConfig(), false)
	if resp.Address != "0xbeef" {
		t.Errorf("address = %s", resp.Address)
	}
	if len(resp.PositionAnalyses) != 1 {
		t.Fatalf("got %d analyses, want 1", len(resp.PositionAnalyses))
	}
	if resp.PositionAnalyses[0].PositionID != "a" {
		t.Errorf("analysis id = %s", resp.PositionAnalyses[0].PositionID)
	}
	if len(resp.Insights) == 0 {
		t.Error("expected insights")
	}
	if resp.UsingMockData {
		t.Error("unexpected mock flag")
	}
}

func TestHealthScoreBuckets(t *testing.T) {
	healthy := lending("h", models.ProtocolAaveV3, 1000, 5)
	if got := healthScore(healthy); got != 100 {
		t.Errorf("healthy score = %v, want 100", got)
	}

	nearLiq := lending("n", models.ProtocolAaveV3, 1000, 5)
	nearLiq.Metadata = &models.AaveMetadata{HealthFactor: 1.05, DebtUSD: 900}
	if got := healthScore(nearLiq); got != 20 {
		t.Errorf("near-liquidation score = %v, want 20", got)
	}
	if lvl := riskLevelForScore(20); lvl != models.RiskCritical {
		t.Errorf("risk level = %s, want critical", lvl)
	}

	outOfRange := models.Position{
		ID:       "lp",
		Value:    100,
		Metadata: &models.UniswapMetadata{InRange: false},
	}
	if got := healthScore(outOfRange); got != 60 {
		t.Errorf("out-of-range score = %v, want 60", got)
	}
}
