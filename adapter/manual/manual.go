// Package manual surfaces user-entered positions from an injected store.
// The store owns persistence; the adapter only normalizes and filters.
package manual

import (
	"context"
	"fmt"

	"defiflow/adapter"
	"defiflow/internal/metrics"
	"defiflow/logger"
	"defiflow/models"
)

// Store supplies pre-normalized manual positions for a wallet.
type Store interface {
	Positions(ctx context.Context, wallet string) ([]models.Position, error)
}

// Adapter wraps a Store and enforces the adapter contract.
type Adapter struct {
	store    Store
	minValue float64
	log      *logger.Entry
}

// New creates a manual adapter over the given store.
func New(store Store, minValue float64) *Adapter {
	return &Adapter{
		store:    store,
		minValue: minValue,
		log:      logger.GetLogger().WithComponent("manual-adapter"),
	}
}

func (a *Adapter) Protocol() models.Protocol {
	return models.ProtocolManual
}

// GetPositions returns the stored positions, stamped with the manual
// protocol and filtered for dust.
func (a *Adapter) GetPositions(ctx context.Context, wallet string) ([]models.Position, error) {
	stored, err := a.store.Positions(ctx, wallet)
	if err != nil {
		metrics.IncrementAdapterError(string(a.Protocol()))
		return nil, fmt.Errorf("failed to load manual positions: %w", err)
	}

	positions := make([]models.Position, 0, len(stored))
	for _, p := range stored {
		p.Protocol = models.ProtocolManual
		if p.ID == "" {
			a.log.WithFields(logger.Fields{"wallet": wallet}).Warn("skipping manual position without id")
			continue
		}
		if p.Metadata == nil {
			p.Metadata = &models.ManualMetadata{Source: "user"}
		}
		positions = append(positions, p)
	}

	positions = adapter.FilterDust(positions, a.minValue)
	metrics.AddPositionsFetched(string(a.Protocol()), len(positions))
	logger.IncrementAdapterFetch(len(positions))
	return positions, nil
}
