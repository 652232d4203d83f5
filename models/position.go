// Package models defines the normalized position model shared by all
// protocol adapters and every downstream consumer (aggregator, analytics,
// performance tracking, yield optimization).
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Protocol identifies the source protocol of a position.
type Protocol string

const (
	ProtocolAaveV3     Protocol = "aave-v3"
	ProtocolCompoundV3 Protocol = "compound-v3"
	ProtocolUniswapV3  Protocol = "uniswap-v3"
	ProtocolManual     Protocol = "manual"
)

// PositionType classifies what kind of exposure a position represents.
type PositionType string

const (
	PositionTypeLending   PositionType = "lending"
	PositionTypeLiquidity PositionType = "liquidity"
	PositionTypeStaking   PositionType = "staking"
	PositionTypeFarming   PositionType = "farming"
	PositionTypeBorrowing PositionType = "borrowing"
	PositionTypeToken     PositionType = "token"
)

// TokenAmount is a single token leg of a position. Balance is kept as a
// decimal string so precision survives JSON round trips; Value is the USD
// value of the leg and is negative for debt.
type TokenAmount struct {
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Balance  string  `json:"balance"`
	Decimals int     `json:"decimals"`
	Price    float64 `json:"price"`
	Value    float64 `json:"value"`
}

// NewTokenAmount builds a TokenAmount from an on-chain balance already scaled
// to token units. Value is balance times price; a negative balance encodes a
// debt leg.
func NewTokenAmount(address, symbol, name string, balance decimal.Decimal, decimals int, price float64) TokenAmount {
	value := balance.Mul(decimal.NewFromFloat(price))
	return TokenAmount{
		Address:  address,
		Symbol:   symbol,
		Name:     name,
		Balance:  balance.String(),
		Decimals: decimals,
		Price:    price,
		Value:    value.InexactFloat64(),
	}
}

// Position is the normalized record emitted by every adapter.
//
// Value is the signed sum of the token legs' values (debt legs negative).
// APY follows the same sign convention: negative for borrow positions.
type Position struct {
	ID        string       `json:"id"`
	Protocol  Protocol     `json:"protocol"`
	Type      PositionType `json:"type"`
	Network   string       `json:"network"`
	Tokens    []TokenAmount `json:"tokens"`
	Value     float64      `json:"value"`
	APY       float64      `json:"apy"`
	Claimable float64      `json:"claimable,omitempty"`
	Metadata  Metadata     `json:"metadata,omitempty"`
}

// TokenValueSum returns the signed sum of the token legs' USD values.
func (p Position) TokenValueSum() float64 {
	sum := 0.0
	for _, t := range p.Tokens {
		sum += t.Value
	}
	return sum
}

// IsDust reports whether the position's absolute value is below the floor.
func (p Position) IsDust(minValue float64) bool {
	return math.Abs(p.Value) < minValue
}

// UnmarshalJSON decodes the position and dispatches the metadata payload to
// the concrete type selected by the protocol discriminant.
func (p *Position) UnmarshalJSON(data []byte) error {
	type alias Position
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{alias: (*alias)(p)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Metadata) == 0 || string(aux.Metadata) == "null" {
		p.Metadata = nil
		return nil
	}

	meta, err := UnmarshalMetadata(p.Protocol, aux.Metadata)
	if err != nil {
		return fmt.Errorf("decode %s metadata: %w", p.Protocol, err)
	}
	p.Metadata = meta
	return nil
}

// PositionPerformance tracks a single position's value against its
// first-observed entry value.
type PositionPerformance struct {
	PositionID           string    `json:"positionId"`
	EntryValue           float64   `json:"entryValue"`
	CurrentValue         float64   `json:"currentValue"`
	UnrealizedPnL        float64   `json:"unrealizedPnl"`
	UnrealizedPnLPercent float64   `json:"unrealizedPnlPercent"`
	EntryTime            time.Time `json:"entryTime"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// PortfolioSnapshot is a point-in-time total value reading for one wallet,
// appended at most once per calendar day to the wallet's time series.
type PortfolioSnapshot struct {
	Wallet        string    `json:"wallet"`
	TotalValue    float64   `json:"totalValue"`
	PositionCount int       `json:"positionCount"`
	Timestamp     time.Time `json:"timestamp"`
}
