package aggregator

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"defiflow/adapter"
	"defiflow/models"
)

type stubAdapter struct {
	protocol  models.Protocol
	positions []models.Position
	err       error
	delay     time.Duration
}

func (s *stubAdapter) Protocol() models.Protocol { return s.protocol }

func (s *stubAdapter) GetPositions(ctx context.Context, _ string) ([]models.Position, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.positions, s.err
}

func position(id string, protocol models.Protocol, value, apy float64) models.Position {
	return models.Position{
		ID:       id,
		Protocol: protocol,
		Type:     models.PositionTypeLending,
		Network:  "ethereum",
		Value:    value,
		APY:      apy,
	}
}

func newLiveAggregator(adapters ...adapter.Adapter) *Aggregator {
	return New(adapters, 0.01, time.Second, false)
}

func TestGetAllPositionsMergesAdapters(t *testing.T) {
	agg := newLiveAggregator(
		&stubAdapter{protocol: models.ProtocolAaveV3, positions: []models.Position{position("a", models.ProtocolAaveV3, 1000, 5)}},
		&stubAdapter{protocol: models.ProtocolCompoundV3, positions: []models.Position{position("b", models.ProtocolCompoundV3, -400, -3)}},
	)

	positions, mock := agg.GetAllPositions(context.Background(), "0xbeef")
	if mock {
		t.Error("live mode must not report mock data")
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2", len(positions))
	}
}

func TestGetAllPositionsPartialFailure(t *testing.T) {
	agg := newLiveAggregator(
		&stubAdapter{protocol: models.ProtocolAaveV3, err: errors.New("rpc down")},
		&stubAdapter{protocol: models.ProtocolCompoundV3, positions: []models.Position{position("b", models.ProtocolCompoundV3, 250, 2)}},
	)

	positions, _ := agg.GetAllPositions(context.Background(), "0xbeef")
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want surviving adapter's 1", len(positions))
	}
	if positions[0].ID != "b" {
		t.Errorf("surviving id = %s", positions[0].ID)
	}
}

func TestGetAllPositionsDeduplicatesByID(t *testing.T) {
	dup := position("same", models.ProtocolAaveV3, 100, 1)
	agg := newLiveAggregator(
		&stubAdapter{protocol: models.ProtocolAaveV3, positions: []models.Position{dup}},
		&stubAdapter{protocol: models.ProtocolCompoundV3, positions: []models.Position{dup}},
	)

	positions, _ := agg.GetAllPositions(context.Background(), "0xbeef")
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1 after dedupe", len(positions))
	}
}

func TestGetAllPositionsDustFilter(t *testing.T) {
	agg := newLiveAggregator(
		&stubAdapter{protocol: models.ProtocolAaveV3, positions: []models.Position{
			position("keep", models.ProtocolAaveV3, 100, 1),
			position("dust", models.ProtocolAaveV3, 0.001, 1),
		}},
	)

	positions, _ := agg.GetAllPositions(context.Background(), "0xbeef")
	if len(positions) != 1 || positions[0].ID != "keep" {
		t.Fatalf("dust filter failed: %+v", positions)
	}
}

func TestGetAllPositionsProtocolFilter(t *testing.T) {
	agg := newLiveAggregator(
		&stubAdapter{protocol: models.ProtocolAaveV3, positions: []models.Position{position("a", models.ProtocolAaveV3, 100, 1)}},
		&stubAdapter{protocol: models.ProtocolCompoundV3, positions: []models.Position{position("b", models.ProtocolCompoundV3, 100, 1)}},
	)

	positions, _ := agg.GetAllPositions(context.Background(), "0xbeef", models.ProtocolCompoundV3)
	if len(positions) != 1 || positions[0].Protocol != models.ProtocolCompoundV3 {
		t.Fatalf("protocol filter failed: %+v", positions)
	}
}

func TestGetAllPositionsIdempotent(t *testing.T) {
	agg := newLiveAggregator(
		&stubAdapter{protocol: models.ProtocolAaveV3, positions: []models.Position{position("a", models.ProtocolAaveV3, 1000, 5)}},
		&stubAdapter{protocol: models.ProtocolCompoundV3, positions: []models.Position{position("b", models.ProtocolCompoundV3, -400, -3)}, delay: 10 * time.Millisecond},
	)

	first, _ := agg.GetAllPositions(context.Background(), "0xbeef")
	second, _ := agg.GetAllPositions(context.Background(), "0xbeef")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated aggregation differs:\n%+v\n%+v", first, second)
	}
}

func TestAggregateDemoMode(t *testing.T) {
	agg := New(nil, 0.01, time.Second, true)

	resp := agg.Aggregate(context.Background(), "0xbeef")
	if !resp.UsingMockData {
		t.Fatal("demo mode must flag mock data")
	}
	if resp.Note == "" {
		t.Error("demo response must carry a note")
	}
	if len(resp.Positions) == 0 {
		t.Fatal("demo dataset is empty")
	}
	if resp.Summary.ProtocolCount < 3 {
		t.Errorf("demo protocol count = %d, want several protocols", resp.Summary.ProtocolCount)
	}
}

func TestAggregateSummaryEndToEnd(t *testing.T) {
	agg := newLiveAggregator(
		&stubAdapter{protocol: models.ProtocolAaveV3, positions: []models.Position{position("supply", models.ProtocolAaveV3, 1000, 5)}},
		&stubAdapter{protocol: models.ProtocolCompoundV3, positions: []models.Position{position("borrow", models.ProtocolCompoundV3, -400, -3)}},
	)

	resp := agg.Aggregate(context.Background(), "0xbeef")
	if resp.UsingMockData {
		t.Error("unexpected mock flag")
	}
	if math.Abs(resp.Summary.TotalValue-600) > 1e-9 {
		t.Errorf("total value = %v, want 600", resp.Summary.TotalValue)
	}
	// Weighted APY only counts the positive-value leg.
	if math.Abs(resp.Summary.AverageAPY-5.0) > 1e-9 {
		t.Errorf("average apy = %v, want 5.0", resp.Summary.AverageAPY)
	}
	if resp.Summary.ProtocolCount != 2 {
		t.Errorf("protocol count = %d, want 2", resp.Summary.ProtocolCount)
	}

	aave := resp.ProtocolBreakdown["aave-v3"]
	if aave.Count != 1 || math.Abs(aave.TotalValue-1000) > 1e-9 {
		t.Errorf("aave breakdown = %+v", aave)
	}
	compound := resp.ProtocolBreakdown["compound-v3"]
	if compound.Count != 1 || math.Abs(compound.TotalValue-(-400)) > 1e-9 {
		t.Errorf("compound breakdown = %+v", compound)
	}
}

func TestGetAllPositionsAdapterTimeout(t *testing.T) {
	agg := New([]adapter.Adapter{
		&stubAdapter{protocol: models.ProtocolAaveV3, positions: []models.Position{position("slow", models.ProtocolAaveV3, 100, 1)}, delay: 200 * time.Millisecond},
		&stubAdapter{protocol: models.ProtocolCompoundV3, positions: []models.Position{position("fast", models.ProtocolCompoundV3, 100, 1)}},
	}, 0.01, 20*time.Millisecond, false)

	positions, _ := agg.GetAllPositions(context.Background(), "0xbeef")
	if len(positions) != 1 || positions[0].ID != "fast" {
		t.Fatalf("slow adapter must time out: %+v", positions)
	}
}
