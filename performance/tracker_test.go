package performance

import (
	"math"
	"testing"
	"time"

	"defiflow/models"
)

const wallet = "0x1111111111111111111111111111111111111111"

func newTestTracker() (*Tracker, *time.Time) {
	t := NewTracker()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t.now = func() time.Time { return clock }
	return t, &clock
}

func pos(id string, value float64) models.Position {
	return models.Position{
		ID:       id,
		Protocol: models.ProtocolAaveV3,
		Type:     models.PositionTypeLending,
		Value:    value,
	}
}

func TestRecordFixesEntryValueOnFirstObservation(t *testing.T) {
	tr, clock := newTestTracker()

	first := tr.Record(wallet, []models.Position{pos("a", 100)})
	if len(first) != 1 {
		t.Fatalf("got %d records, want 1", len(first))
	}
	if first[0].EntryValue != 100 || first[0].UnrealizedPnL != 0 {
		t.Errorf("first observation entry=%v pnl=%v, want 100/0",
			first[0].EntryValue, first[0].UnrealizedPnL)
	}

	*clock = clock.Add(48 * time.Hour)
	second := tr.Record(wallet, []models.Position{pos("a", 120)})
	if second[0].EntryValue != 100 {
		t.Errorf("entry value drifted to %v", second[0].EntryValue)
	}
	if math.Abs(second[0].UnrealizedPnL-20) > 1e-9 {
		t.Errorf("pnl = %v, want 20", second[0].UnrealizedPnL)
	}
	if math.Abs(second[0].UnrealizedPnLPercent-20) > 1e-9 {
		t.Errorf("pnl percent = %v, want 20", second[0].UnrealizedPnLPercent)
	}
}

func TestRecordZeroEntryValueYieldsZeroPercent(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Record(wallet, []models.Position{pos("a", 0)})
	*clock = clock.Add(24 * time.Hour)
	out := tr.Record(wallet, []models.Position{pos("a", 50)})

	if math.Abs(out[0].UnrealizedPnL-50) > 1e-9 {
		t.Errorf("pnl = %v, want 50", out[0].UnrealizedPnL)
	}
	if out[0].UnrealizedPnLPercent != 0 {
		t.Errorf("percent = %v, want 0 when entry value is 0", out[0].UnrealizedPnLPercent)
	}
}

func TestSnapshotOncePerCalendarDay(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Record(wallet, []models.Position{pos("a", 100)})
	*clock = clock.Add(2 * time.Hour)
	tr.Record(wallet, []models.Position{pos("a", 110)})

	snaps := tr.Snapshots(wallet)
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1 for same-day recalcs", len(snaps))
	}
	// The later same-day value wins.
	if snaps[0].TotalValue != 110 {
		t.Errorf("snapshot value = %v, want 110", snaps[0].TotalValue)
	}

	*clock = clock.Add(24 * time.Hour)
	tr.Record(wallet, []models.Position{pos("a", 130)})
	if got := len(tr.Snapshots(wallet)); got != 2 {
		t.Errorf("got %d snapshots, want 2 after day rollover", got)
	}
}

func TestChangeUsesNearestSnapshot(t *testing.T) {
	tr, clock := newTestTracker()

	// Day 0, day 2, day 9.
	tr.Record(wallet, []models.Position{pos("a", 100)})
	*clock = clock.Add(2 * 24 * time.Hour)
	tr.Record(wallet, []models.Position{pos("a", 150)})
	*clock = clock.Add(7 * 24 * time.Hour)
	tr.Record(wallet, []models.Position{pos("a", 200)})

	// Weekly target is day 2; the day-2 snapshot is exactly there.
	abs, pct, ok := tr.WeeklyChange(wallet)
	if !ok {
		t.Fatal("weekly change unavailable")
	}
	if math.Abs(abs-50) > 1e-9 {
		t.Errorf("weekly change = %v, want 50", abs)
	}
	if math.Abs(pct-100.0/3) > 1e-6 {
		t.Errorf("weekly percent = %v, want 33.33", pct)
	}

	// Daily target is day 8; the nearest earlier reading is still day 2.
	abs, _, ok = tr.DailyChange(wallet)
	if !ok || math.Abs(abs-50) > 1e-9 {
		t.Errorf("daily change = %v/%v, want 50 via nearest snapshot", abs, ok)
	}

	// Monthly target predates the series; it falls back to the oldest.
	abs, pct, ok = tr.MonthlyChange(wallet)
	if !ok || math.Abs(abs-100) > 1e-9 || math.Abs(pct-100) > 1e-9 {
		t.Errorf("monthly change = %v/%v, want 100/100%%", abs, pct)
	}
}

func TestChangeRequiresTwoSnapshots(t *testing.T) {
	tr, _ := newTestTracker()

	if _, _, ok := tr.DailyChange(wallet); ok {
		t.Error("change reported with no snapshots")
	}

	tr.Record(wallet, []models.Position{pos("a", 100)})
	if _, _, ok := tr.DailyChange(wallet); ok {
		t.Error("change reported with a single snapshot")
	}
}

func TestRemovePositionResetsCostBasis(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Record(wallet, []models.Position{pos("a", 100)})
	tr.RemovePosition(wallet, "a")

	*clock = clock.Add(24 * time.Hour)
	out := tr.Record(wallet, []models.Position{pos("a", 120)})
	if out[0].EntryValue != 120 || out[0].UnrealizedPnL != 0 {
		t.Errorf("entry=%v pnl=%v, want fresh basis 120/0", out[0].EntryValue, out[0].UnrealizedPnL)
	}
}

func TestClearResetsWallet(t *testing.T) {
	tr, clock := newTestTracker()
	other := "0x2222222222222222222222222222222222222222"

	tr.Record(wallet, []models.Position{pos("a", 100)})
	tr.Record(other, []models.Position{pos("b", 300)})
	tr.Clear(wallet)

	if got := len(tr.Snapshots(wallet)); got != 0 {
		t.Errorf("got %d snapshots after clear, want 0", got)
	}

	*clock = clock.Add(24 * time.Hour)
	out := tr.Record(wallet, []models.Position{pos("a", 150)})
	if out[0].EntryValue != 150 {
		t.Errorf("entry value = %v, want fresh 150 after clear", out[0].EntryValue)
	}

	// The other wallet is untouched.
	if got := len(tr.Snapshots(other)); got != 1 {
		t.Errorf("other wallet snapshots = %d, want 1", got)
	}
}
