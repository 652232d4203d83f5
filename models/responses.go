package models

import "time"

// PortfolioSummary is the headline figure block of an aggregate response.
type PortfolioSummary struct {
	TotalValue     float64 `json:"totalValue"`
	TotalClaimable float64 `json:"totalClaimable"`
	AverageAPY     float64 `json:"averageApy"`
	PositionCount  int     `json:"positionCount"`
	ProtocolCount  int     `json:"protocolCount"`
}

// ProtocolBreakdown groups a wallet's positions under one protocol.
type ProtocolBreakdown struct {
	Count      int        `json:"count"`
	TotalValue float64    `json:"totalValue"`
	Positions  []Position `json:"positions"`
}

// AggregateResponse is the JSON shape produced at the aggregator boundary.
// Note is present only when the demo dataset was served.
type AggregateResponse struct {
	Address           string                       `json:"address"`
	Summary           PortfolioSummary             `json:"summary"`
	Positions         []Position                   `json:"positions"`
	ProtocolBreakdown map[string]ProtocolBreakdown `json:"protocolBreakdown"`
	UsingMockData     bool                         `json:"usingMockData"`
	Timestamp         time.Time                    `json:"timestamp"`
	Note              string                       `json:"note,omitempty"`
}

// ResetResult is the operator-facing outcome of a forced circuit breaker
// reset.
type ResetResult struct {
	Success     bool   `json:"success"`
	Key         string `json:"key"`
	BeforeReset string `json:"beforeReset"`
	AfterReset  string `json:"afterReset"`
}

// AnalyticsResponse extends the aggregate response with derived metrics.
type AnalyticsResponse struct {
	Address          string             `json:"address"`
	Metrics          PortfolioMetrics   `json:"metrics"`
	PositionAnalyses []PositionAnalysis `json:"positionAnalyses"`
	Insights         []string           `json:"insights"`
	Recommendations  []string           `json:"recommendations"`
	UsingMockData    bool               `json:"usingMockData"`
	Timestamp        time.Time          `json:"timestamp"`
}
