package models

// AllocationEntry is one bucket of an allocation breakdown.
type AllocationEntry struct {
	Value      float64 `json:"value"`
	Percentage float64 `json:"percentage"`
	Count      int     `json:"count"`
}

// Severity ranks risk factors.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the fixed ordinal used for ranking risk factors.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// Impact ranks opportunities.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Weight returns the fixed ordinal used for ranking opportunities.
func (i Impact) Weight() int {
	switch i {
	case ImpactHigh:
		return 3
	case ImpactMedium:
		return 2
	default:
		return 1
	}
}

// RiskFactor describes a concrete portfolio risk with an actionable
// recommendation.
type RiskFactor struct {
	Severity       Severity `json:"severity"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	AffectedValue  float64  `json:"affectedValue"`
	Recommendation string   `json:"recommendation"`
}

// Opportunity describes a portfolio-level improvement surfaced by analytics.
type Opportunity struct {
	Impact        Impact  `json:"impact"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	PotentialGain float64 `json:"potentialGain"`
	Action        string  `json:"action"`
}

// RiskLevel buckets a per-position health score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// PositionAnalysis is the per-position figure set attached to an analytics
// response.
type PositionAnalysis struct {
	PositionID      string    `json:"positionId"`
	Protocol        Protocol  `json:"protocol"`
	HealthScore     float64   `json:"healthScore"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	YieldEfficiency float64   `json:"yieldEfficiency"`
}

// PortfolioMetrics is the aggregate statistic set derived from a normalized
// position list. ConcentrationIndex is the Herfindahl-Hirschman Index over
// protocol allocation percentages.
type PortfolioMetrics struct {
	TotalValue     float64 `json:"totalValue"`
	TotalClaimable float64 `json:"totalClaimable"`
	PositionCount  int     `json:"positionCount"`
	ProtocolCount  int     `json:"protocolCount"`

	AllocationByProtocol map[string]AllocationEntry `json:"allocationByProtocol"`
	AllocationByType     map[string]AllocationEntry `json:"allocationByType"`
	AllocationByNetwork  map[string]AllocationEntry `json:"allocationByNetwork"`
	AllocationByToken    map[string]AllocationEntry `json:"allocationByToken"`

	ConcentrationIndex   float64   `json:"concentrationIndex"`
	ConcentrationLevel   RiskLevel `json:"concentrationLevel"`
	DiversificationScore float64   `json:"diversificationScore"`
	RiskScore            float64   `json:"riskScore"`

	WeightedAverageAPY float64 `json:"weightedAverageApy"`
	DailyYield         float64 `json:"dailyYield"`
	MonthlyYield       float64 `json:"monthlyYield"`
	AnnualYield        float64 `json:"annualYield"`

	RiskFactors   []RiskFactor  `json:"riskFactors"`
	Opportunities []Opportunity `json:"opportunities"`
}
