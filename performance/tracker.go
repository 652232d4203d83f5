// Package performance tracks entry values and portfolio value snapshots so
// unrealized P&L and rolling change figures survive across refreshes.
package performance

import (
	"math"
	"sort"
	"sync"
	"time"

	"defiflow/logger"
	"defiflow/models"
)

// snapshot is one daily portfolio value observation.
type snapshot struct {
	value float64
	count int
	at    time.Time
}

// entry is the first-observation record for a position.
type entry struct {
	value float64
	at    time.Time
}

// Tracker is the process-lifetime store of entry values and per-wallet value
// time series. All access is mutex-guarded.
type Tracker struct {
	mu        sync.Mutex
	entries   map[string]map[string]entry // wallet -> position id -> entry
	snapshots map[string][]snapshot       // keyed by wallet, ascending by time
	now       func() time.Time
	log       *logger.Entry
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries:   make(map[string]map[string]entry),
		snapshots: make(map[string][]snapshot),
		now:       time.Now,
		log:       logger.GetLogger().WithComponent("performance"),
	}
}

// Record updates performance figures for the given positions. The first
// observation of a position id fixes its entry value; later calls produce
// fresh unrealized P&L against it.
func (t *Tracker) Record(wallet string, positions []models.Position) []models.PositionPerformance {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	walletEntries := t.entries[wallet]
	if walletEntries == nil {
		walletEntries = make(map[string]entry)
		t.entries[wallet] = walletEntries
	}

	out := make([]models.PositionPerformance, 0, len(positions))
	var total float64
	for _, p := range positions {
		total += p.Value

		e, ok := walletEntries[p.ID]
		if !ok {
			e = entry{value: p.Value, at: now}
			walletEntries[p.ID] = e
		}

		pnl := p.Value - e.value
		pct := 0.0
		if e.value != 0 {
			pct = pnl / e.value * 100
		}
		out = append(out, models.PositionPerformance{
			PositionID:           p.ID,
			EntryValue:           e.value,
			CurrentValue:         p.Value,
			UnrealizedPnL:        pnl,
			UnrealizedPnLPercent: pct,
			EntryTime:            e.at,
			UpdatedAt:            now,
		})
	}

	t.appendSnapshot(wallet, total, len(positions), now)
	return out
}

// appendSnapshot stores at most one snapshot per wallet per calendar day;
// later values on the same day overwrite the earlier one.
func (t *Tracker) appendSnapshot(wallet string, value float64, count int, now time.Time) {
	series := t.snapshots[wallet]
	s := snapshot{value: value, count: count, at: now}
	if n := len(series); n > 0 && sameDay(series[n-1].at, now) {
		series[n-1] = s
		t.snapshots[wallet] = series
		return
	}
	t.snapshots[wallet] = append(series, s)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Change reports the absolute and percentage change of the latest snapshot
// against the snapshot nearest to the given lookback. It returns false when
// fewer than two snapshots exist.
func (t *Tracker) Change(wallet string, lookback time.Duration) (absolute, percent float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	series := t.snapshots[wallet]
	if len(series) < 2 {
		return 0, 0, false
	}

	latest := series[len(series)-1]
	target := latest.at.Add(-lookback)

	// Nearest available snapshot, not interpolated.
	best := series[0]
	bestDist := math.Abs(series[0].at.Sub(target).Seconds())
	for _, s := range series[:len(series)-1] {
		if d := math.Abs(s.at.Sub(target).Seconds()); d < bestDist {
			best, bestDist = s, d
		}
	}

	absolute = latest.value - best.value
	if best.value != 0 {
		percent = absolute / best.value * 100
	}
	return absolute, percent, true
}

// DailyChange is Change over 24 hours.
func (t *Tracker) DailyChange(wallet string) (float64, float64, bool) {
	return t.Change(wallet, 24*time.Hour)
}

// WeeklyChange is Change over 7 days.
func (t *Tracker) WeeklyChange(wallet string) (float64, float64, bool) {
	return t.Change(wallet, 7*24*time.Hour)
}

// MonthlyChange is Change over 30 days.
func (t *Tracker) MonthlyChange(wallet string) (float64, float64, bool) {
	return t.Change(wallet, 30*24*time.Hour)
}

// Snapshots returns a copy of the wallet's value series as model records.
func (t *Tracker) Snapshots(wallet string) []models.PortfolioSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	series := t.snapshots[wallet]
	out := make([]models.PortfolioSnapshot, 0, len(series))
	for _, s := range series {
		out = append(out, models.PortfolioSnapshot{
			Wallet:        wallet,
			TotalValue:    s.value,
			PositionCount: s.count,
			Timestamp:     s.at,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// RemovePosition clears the entry-value record of a closed position so a
// future position reusing the id starts a fresh cost basis.
func (t *Tracker) RemovePosition(wallet, positionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries[wallet], positionID)
}

// Clear resets the wallet's time series and entry-value table.
func (t *Tracker) Clear(wallet string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.snapshots, wallet)
	delete(t.entries, wallet)
	t.log.WithFields(logger.Fields{"wallet": wallet}).Info("cleared performance history")
}
