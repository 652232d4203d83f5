// Package adapter defines the contract every protocol adapter satisfies and
// the collaborators they share.
package adapter

import (
	"context"
	"fmt"

	"defiflow/models"
	"defiflow/oracle"
)

// Adapter reads one protocol's on-chain state for a wallet and emits
// normalized positions. GetPositions returns an error only for total adapter
// failure; individual market failures are skipped and logged so one bad
// reserve never aborts the rest.
type Adapter interface {
	Protocol() models.Protocol
	GetPositions(ctx context.Context, wallet string) ([]models.Position, error)
}

// PriceSource is the oracle surface adapters consume. *oracle.Client
// satisfies it.
type PriceSource interface {
	Quotes(ctx context.Context, symbols []string) map[string]oracle.Quote
	FallbackPrice(symbol string) (float64, bool)
}

// BreakerKey builds the resilience registry key for an external call.
func BreakerKey(protocol models.Protocol, method, target string) string {
	return fmt.Sprintf("%s:%s:%s", protocol, method, target)
}

// FilterDust drops positions whose absolute value is below minValue.
func FilterDust(positions []models.Position, minValue float64) []models.Position {
	filtered := positions[:0]
	for _, p := range positions {
		if !p.IsDust(minValue) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// Price resolves a symbol through quotes first, then the fallback table.
// The boolean reports whether any price was found.
func Price(quotes map[string]oracle.Quote, source PriceSource, symbol string) (float64, bool) {
	if q, ok := quotes[symbol]; ok {
		return q.Price, true
	}
	return source.FallbackPrice(symbol)
}
