package models

import (
	"encoding/json"
	"fmt"
)

// Metadata is the protocol-specific payload attached to a position. The
// concrete type is selected by the position's protocol, so downstream code
// can type-switch instead of poking at loose maps.
type Metadata interface {
	MetadataProtocol() Protocol
}

// AaveMetadata carries the lending account figures needed for liquidation
// proximity scoring. HealthFactor below 1.0 means the account is liquidatable.
type AaveMetadata struct {
	HealthFactor         float64 `json:"healthFactor"`
	LiquidationThreshold float64 `json:"liquidationThreshold"`
	CollateralUSD        float64 `json:"collateralUsd"`
	DebtUSD              float64 `json:"debtUsd"`
}

func (AaveMetadata) MetadataProtocol() Protocol { return ProtocolAaveV3 }

// CompoundMetadata describes a comet market leg.
type CompoundMetadata struct {
	Market        string  `json:"market"`
	BaseAsset     string  `json:"baseAsset"`
	Utilization   float64 `json:"utilization"`
	CollateralUSD float64 `json:"collateralUsd"`
	DebtUSD       float64 `json:"debtUsd"`
}

func (CompoundMetadata) MetadataProtocol() Protocol { return ProtocolCompoundV3 }

// UniswapMetadata describes a concentrated liquidity range. FeeEstimateAPY is
// zero unless a fee-based estimate was supplied; the position has no on-chain
// rate of its own.
type UniswapMetadata struct {
	PoolFee        float64 `json:"poolFee"`
	TickLower      int32   `json:"tickLower"`
	TickUpper      int32   `json:"tickUpper"`
	CurrentTick    int32   `json:"currentTick"`
	InRange        bool    `json:"inRange"`
	FeeEstimateAPY float64 `json:"feeEstimateApy,omitempty"`
}

func (UniswapMetadata) MetadataProtocol() Protocol { return ProtocolUniswapV3 }

// ManualMetadata annotates a user-entered position.
type ManualMetadata struct {
	Source string `json:"source,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

func (ManualMetadata) MetadataProtocol() Protocol { return ProtocolManual }

// UnmarshalMetadata decodes a raw metadata payload into the concrete type for
// the given protocol. Pointers are returned so decoded positions match the
// pointer-typed metadata the adapters attach.
func UnmarshalMetadata(protocol Protocol, raw json.RawMessage) (Metadata, error) {
	switch protocol {
	case ProtocolAaveV3:
		var m AaveMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case ProtocolCompoundV3:
		var m CompoundMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case ProtocolUniswapV3:
		var m UniswapMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case ProtocolManual:
		var m ManualMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
}
