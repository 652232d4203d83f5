package optimizer

import (
	"math"
	"testing"

	"defiflow/config"
	"defiflow/models"
)

func testConfig() config.OptimizerConfig {
	return config.OptimizerConfig{
		MinClaimableUSD: 10,
		MinAPYDelta:     1.0,
		TargetHHI:       2000,
		MaxHHIDeviation: 500,
		MinNetSpread:    2.0,
		GasEstimateUSD: map[string]float64{
			"claim":     5,
			"migrate":   25,
			"rebalance": 40,
			"leverage":  60,
		},
		RateTable: map[string]map[string]float64{
			"USDC": {"aave-v3": 5.0, "compound-v3": 3.0},
			"WETH": {"aave-v3": 6.0, "compound-v3": 2.0},
		},
	}
}

func supply(id string, protocol models.Protocol, symbol string, value, apy float64) models.Position {
	return models.Position{
		ID:       id,
		Protocol: protocol,
		Type:     models.PositionTypeLending,
		Value:    value,
		APY:      apy,
		Tokens:   []models.TokenAmount{{Symbol: symbol, Value: value}},
	}
}

func bySuggestionCategory(suggestions []Suggestion, c Category) []Suggestion {
	var out []Suggestion
	for _, s := range suggestions {
		if s.Category == c {
			out = append(out, s)
		}
	}
	return out
}

func TestCompoundRule(t *testing.T) {
	e := New(testConfig())

	claimable := supply("a", models.ProtocolAaveV3, "USDC", 1000, 5)
	claimable.Claimable = 50
	dustReward := supply("b", models.ProtocolCompoundV3, "USDC", 1000, 5)
	dustReward.Claimable = 5

	got := bySuggestionCategory(e.Evaluate([]models.Position{claimable, dustReward}, models.PortfolioMetrics{}), CategoryCompound)
	if len(got) != 1 {
		t.Fatalf("got %d compound suggestions, want 1", len(got))
	}
	s := got[0]
	if s.PositionID != "a" {
		t.Errorf("flagged position %s, want a", s.PositionID)
	}
	if math.Abs(s.Gain.Amount-50) > 1e-9 {
		t.Errorf("gain = %v, want 50", s.Gain.Amount)
	}
	if math.Abs(s.Gain.Percentage-5) > 1e-9 {
		t.Errorf("gain percentage = %v, want 5", s.Gain.Percentage)
	}
	if s.Gain.Timeframe != TimeframeImmediate || s.Difficulty != DifficultyLow {
		t.Errorf("timeframe/difficulty = %s/%s", s.Gain.Timeframe, s.Difficulty)
	}
	if len(s.Steps) == 0 || s.ID == "" {
		t.Error("suggestion must carry steps and an id")
	}
}

func TestMigrateRule(t *testing.T) {
	e := New(testConfig())

	// Earning 3% on compound while aave pays 5% for the same asset.
	lagging := supply("a", models.ProtocolCompoundV3, "USDC", 1000, 3.0)
	got := bySuggestionCategory(e.Evaluate([]models.Position{lagging}, models.PortfolioMetrics{}), CategoryMigrate)
	if len(got) != 1 {
		t.Fatalf("got %d migrate suggestions, want 1", len(got))
	}
	if math.Abs(got[0].Gain.Percentage-2.0) > 1e-9 {
		t.Errorf("apy delta = %v, want 2.0", got[0].Gain.Percentage)
	}
	if math.Abs(got[0].Gain.Amount-20) > 1e-9 {
		t.Errorf("annual gain = %v, want 20", got[0].Gain.Amount)
	}

	// A 0.5% delta is below the minimum and stays quiet.
	nearBest := supply("b", models.ProtocolCompoundV3, "USDC", 1000, 4.5)
	if got := bySuggestionCategory(e.Evaluate([]models.Position{nearBest}, models.PortfolioMetrics{}), CategoryMigrate); len(got) != 0 {
		t.Errorf("got %d migrate suggestions for sub-threshold delta, want 0", len(got))
	}

	// Unknown assets have no comparison data.
	unknown := supply("c", models.ProtocolAaveV3, "OBSCURE", 1000, 1.0)
	if got := bySuggestionCategory(e.Evaluate([]models.Position{unknown}, models.PortfolioMetrics{}), CategoryMigrate); len(got) != 0 {
		t.Errorf("got %d migrate suggestions without rate data, want 0", len(got))
	}
}

func TestRebalanceRule(t *testing.T) {
	e := New(testConfig())

	concentrated := models.PortfolioMetrics{
		TotalValue:         1000,
		ConcentrationIndex: 10000,
		AllocationByProtocol: map[string]models.AllocationEntry{
			"aave-v3": {Value: 1000, Percentage: 100, Count: 1},
		},
	}
	got := bySuggestionCategory(e.Evaluate(nil, concentrated), CategoryRebalance)
	if len(got) != 1 {
		t.Fatalf("got %d rebalance suggestions, want 1", len(got))
	}
	wantExcess := 100 - math.Sqrt(2000)
	if math.Abs(got[0].Gain.Percentage-wantExcess) > 1e-6 {
		t.Errorf("excess allocation = %v, want %v", got[0].Gain.Percentage, wantExcess)
	}
	if got[0].Gain.Timeframe != TimeframeLongTerm {
		t.Errorf("timeframe = %s, want long-term", got[0].Gain.Timeframe)
	}

	// Drift inside tolerance is not worth a transaction.
	withinTolerance := concentrated
	withinTolerance.ConcentrationIndex = 2200
	if got := bySuggestionCategory(e.Evaluate(nil, withinTolerance), CategoryRebalance); len(got) != 0 {
		t.Errorf("got %d rebalance suggestions inside tolerance, want 0", len(got))
	}
}

func TestLeverageRule(t *testing.T) {
	e := New(testConfig())

	// WETH spread is 4%; on $10k the gas drag is 0.6%, net 3.4% > 2%.
	held := supply("a", models.ProtocolAaveV3, "WETH", 10000, 6.0)
	got := bySuggestionCategory(e.Evaluate([]models.Position{held}, models.PortfolioMetrics{}), CategoryLeverage)
	if len(got) != 1 {
		t.Fatalf("got %d leverage suggestions, want 1", len(got))
	}
	if math.Abs(got[0].Gain.Amount-340) > 1e-9 {
		t.Errorf("net annual gain = %v, want 340", got[0].Gain.Amount)
	}
	if math.Abs(got[0].Gain.Percentage-3.4) > 1e-9 {
		t.Errorf("net spread = %v, want 3.4", got[0].Gain.Percentage)
	}
	if got[0].Risk != models.RiskHigh || got[0].Difficulty != DifficultyHigh {
		t.Errorf("risk/difficulty = %s/%s, want high/high", got[0].Risk, got[0].Difficulty)
	}

	// On $1k the same spread nets negative after gas.
	small := supply("b", models.ProtocolAaveV3, "WETH", 1000, 6.0)
	if got := bySuggestionCategory(e.Evaluate([]models.Position{small}, models.PortfolioMetrics{}), CategoryLeverage); len(got) != 0 {
		t.Errorf("got %d leverage suggestions below net-spread floor, want 0", len(got))
	}
}

func TestEvaluateSortsByGain(t *testing.T) {
	e := New(testConfig())

	big := supply("big", models.ProtocolAaveV3, "WETH", 10000, 6.0)
	small := supply("small", models.ProtocolAaveV3, "USDC", 1000, 5.0)
	small.Claimable = 15

	got := e.Evaluate([]models.Position{big, small}, models.PortfolioMetrics{})
	for i := 1; i < len(got); i++ {
		if got[i-1].Gain.Amount < got[i].Gain.Amount {
			t.Errorf("suggestions not sorted by gain: %v before %v",
				got[i-1].Gain.Amount, got[i].Gain.Amount)
		}
	}
}

func TestQuickWins(t *testing.T) {
	suggestions := []Suggestion{
		{ID: "slow", Difficulty: DifficultyHigh, Confidence: 90},
		{ID: "unsure", Difficulty: DifficultyLow, Confidence: 50},
		{ID: "win", Difficulty: DifficultyLow, Confidence: 85},
		{ID: "better", Difficulty: DifficultyLow, Confidence: 95},
	}

	got := QuickWins(suggestions)
	if len(got) != 2 {
		t.Fatalf("got %d quick wins, want 2", len(got))
	}
	if got[0].ID != "better" || got[1].ID != "win" {
		t.Errorf("quick wins ordered %s, %s", got[0].ID, got[1].ID)
	}
}

func TestHighImpact(t *testing.T) {
	suggestions := []Suggestion{
		{ID: "a", Gain: PotentialGain{Amount: 10}},
		{ID: "b", Gain: PotentialGain{Amount: 300}},
		{ID: "c", Gain: PotentialGain{Amount: 50}},
	}

	got := HighImpact(suggestions, 2)
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("high impact = %+v", got)
	}

	// The input order must survive.
	if suggestions[0].ID != "a" {
		t.Error("HighImpact mutated its input")
	}
}

func TestTiers(t *testing.T) {
	suggestions := []Suggestion{
		{ID: "now", Gain: PotentialGain{Timeframe: TimeframeImmediate}},
		{ID: "soon", Gain: PotentialGain{Timeframe: TimeframeShortTerm}},
		{ID: "later", Gain: PotentialGain{Timeframe: TimeframeLongTerm}},
		{ID: "also-now", Gain: PotentialGain{Timeframe: TimeframeImmediate}},
	}

	tiers := Tiers(suggestions)
	if len(tiers[TimeframeImmediate]) != 2 {
		t.Errorf("immediate tier = %d, want 2", len(tiers[TimeframeImmediate]))
	}
	if len(tiers[TimeframeShortTerm]) != 1 || len(tiers[TimeframeLongTerm]) != 1 {
		t.Errorf("short/long tiers = %d/%d, want 1/1",
			len(tiers[TimeframeShortTerm]), len(tiers[TimeframeLongTerm]))
	}
}
