package risk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"quantcycle/internal/config"
	"quantcycle/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "tracker.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTrackerHaltPersistsAcrossRestart(t *testing.T) {
	st := newTestStore(t)
	cfg := baseRiskConfig()
	ctx := context.Background()
	day := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	tracker, err := NewTracker(st.DB(), cfg, nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	status, err := tracker.Update(ctx, day, 10000)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if status.Daily.Halted || status.Weekly.Halted {
		t.Fatalf("fresh day must not be halted")
	}

	status, err = tracker.Update(ctx, day.Add(time.Hour), 9600)
	if err != nil {
		t.Fatalf("loss update: %v", err)
	}
	if !status.Daily.Halted {
		t.Fatalf("4%% intraday loss must halt with 3%% cap")
	}
	if status.Weekly.Halted {
		t.Errorf("4%% loss must not trip the 8%% weekly cap")
	}

	// 进程重启后停机标记必须延续，即使权益已回升。
	reopened, err := NewTracker(st.DB(), cfg, nil)
	if err != nil {
		t.Fatalf("reopen tracker: %v", err)
	}
	status, err = reopened.Update(ctx, day.Add(2*time.Hour), 9950)
	if err != nil {
		t.Fatalf("post-restart update: %v", err)
	}
	if !status.Daily.Halted {
		t.Errorf("daily halt must persist across restart")
	}
}

func TestTrackerRollsToNewDayAndWeek(t *testing.T) {
	st := newTestStore(t)
	cfg := baseRiskConfig()
	ctx := context.Background()
	day := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	tracker, err := NewTracker(st.DB(), cfg, nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	if _, err := tracker.Update(ctx, day, 10000); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := tracker.Update(ctx, day.Add(time.Hour), 9600); err != nil {
		t.Fatalf("loss update: %v", err)
	}

	nextDay, err := tracker.Update(ctx, day.Add(24*time.Hour), 9600)
	if err != nil {
		t.Fatalf("next day update: %v", err)
	}
	if nextDay.Daily.Halted {
		t.Errorf("new trading day must start unhalted")
	}
	if nextDay.Daily.StartEquity != 9600 {
		t.Errorf("new day must rebase start equity, got %.2f", nextDay.Daily.StartEquity)
	}
	if nextDay.Weekly.TradingWeek != "2025-W23" {
		t.Errorf("unexpected trading week: %s", nextDay.Weekly.TradingWeek)
	}

	nextWeek, err := tracker.Update(ctx, day.Add(7*24*time.Hour), 9600)
	if err != nil {
		t.Fatalf("next week update: %v", err)
	}
	if nextWeek.Weekly.TradingWeek != "2025-W24" {
		t.Errorf("week must roll over, got %s", nextWeek.Weekly.TradingWeek)
	}
	if nextWeek.Weekly.StartEquity != 9600 {
		t.Errorf("new week must rebase start equity, got %.2f", nextWeek.Weekly.StartEquity)
	}
}

func TestTradingDayRespectsResetHour(t *testing.T) {
	early := time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC)
	late := time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC)

	if got := tradingDay(early, 5); got != "2025-06-01" {
		t.Errorf("02:00 with reset hour 5 belongs to previous day, got %s", got)
	}
	if got := tradingDay(late, 5); got != "2025-06-02" {
		t.Errorf("06:00 with reset hour 5 belongs to the same day, got %s", got)
	}
}
