package risk

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"quantcycle/internal/config"
	"quantcycle/internal/portfolio"
	"quantcycle/internal/store"
	"quantcycle/internal/strategy"
)

func baseRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionFraction: 0.08,
		MinPositionFraction: 0.005,
		CorrelationCap:      0.15,
		DailyLossCap:        0.03,
		WeeklyLossCap:       0.08,
		MaxDrawdown:         0.15,
		ConfidenceFullRisk:  0.80,
		ConfidenceHalfRisk:  0.60,
		CorrelationGroups:   map[string][]string{"majors": {"BTC/USDT", "ETH/USDT"}},
	}
}

func newTestManager(t *testing.T, cfg config.RiskConfig) (*Manager, *portfolio.Ledger) {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "risk.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tracker, err := NewTracker(st.DB(), cfg, nil)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	groups := portfolio.NewGroups(cfg.CorrelationGroups)
	ledger := portfolio.NewLedger(10000, cfg.DailyResetHour, groups, nil)

	manager, err := NewManager(cfg, map[string]float64{"momentum_scalp": 0.08}, ledger, tracker, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager, ledger
}

func testSignal(instrument string, direction strategy.Direction, confidence, entry float64) strategy.Signal {
	stop := entry * 0.98
	if direction == strategy.DirectionShort {
		stop = entry * 1.02
	}
	return strategy.Signal{
		ID:         uuid.NewString(),
		Instrument: instrument,
		Strategy:   "momentum_scalp",
		Direction:  direction,
		Confidence: confidence,
		Entry:      entry,
		StopLoss:   stop,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestDecideSizesByConfidenceTier(t *testing.T) {
	manager, _ := newTestManager(t, baseRiskConfig())
	ctx := context.Background()

	full, err := manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionLong, 0.9, 50000))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if full.Outcome != OutcomeApproved {
		t.Fatalf("expected approval at full confidence, got %s (%s)", full.Outcome, full.Reason)
	}
	if diff := math.Abs(full.Notional - 800); diff > 1e-9 {
		t.Errorf("expected full-tier notional 800 on 10000 equity, got %.4f", full.Notional)
	}
	if diff := math.Abs(full.Quantity - 800.0/50000); diff > 1e-12 {
		t.Errorf("unexpected quantity: got %.8f", full.Quantity)
	}

	half, err := manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionLong, 0.7, 50000))
	if err != nil {
		t.Fatalf("Decide half tier: %v", err)
	}
	if half.Outcome != OutcomeApproved {
		t.Fatalf("expected approval at half confidence, got %s (%s)", half.Outcome, half.Reason)
	}
	if diff := math.Abs(half.Notional - 400); diff > 1e-9 {
		t.Errorf("expected half-tier notional 400, got %.4f", half.Notional)
	}

	low, err := manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionLong, 0.5, 50000))
	if err != nil {
		t.Fatalf("Decide low confidence: %v", err)
	}
	if low.Outcome != OutcomeRejected || low.Reason != ReasonSizeFloor {
		t.Errorf("expected size-floor rejection below half tier, got %s (%s)", low.Outcome, low.Reason)
	}
}

func TestDecideRejectsMalformedSignals(t *testing.T) {
	manager, _ := newTestManager(t, baseRiskConfig())
	ctx := context.Background()

	longBadStop := testSignal("BTC/USDT", strategy.DirectionLong, 0.9, 50000)
	longBadStop.StopLoss = 51000
	decision, err := manager.Decide(ctx, longBadStop)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Reason != ReasonMalformed {
		t.Errorf("long stop above entry must be malformed, got %s", decision.Reason)
	}

	shortBadStop := testSignal("BTC/USDT", strategy.DirectionShort, 0.9, 50000)
	shortBadStop.StopLoss = 49000
	decision, err = manager.Decide(ctx, shortBadStop)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Reason != ReasonMalformed {
		t.Errorf("short stop below entry must be malformed, got %s", decision.Reason)
	}

	badEntry := testSignal("BTC/USDT", strategy.DirectionLong, 0.9, 0)
	decision, err = manager.Decide(ctx, badEntry)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Reason != ReasonMalformed {
		t.Errorf("zero entry must be malformed, got %s", decision.Reason)
	}

	// 无止损的开仓信号不得放行，否则订单会裸奔到交易所。
	noStop := testSignal("BTC/USDT", strategy.DirectionLong, 0.9, 50000)
	noStop.StopLoss = 0
	decision, err = manager.Decide(ctx, noStop)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Outcome != OutcomeRejected || decision.Reason != ReasonMalformed {
		t.Errorf("missing stop must be rejected as malformed, got %s (%s)", decision.Outcome, decision.Reason)
	}

	negStop := testSignal("BTC/USDT", strategy.DirectionShort, 0.9, 50000)
	negStop.StopLoss = -1
	decision, err = manager.Decide(ctx, negStop)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Reason != ReasonMalformed {
		t.Errorf("negative stop must be malformed, got %s", decision.Reason)
	}
}

func TestDecideCapsCorrelatedGroupExposure(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.CorrelationCap = 0.10
	manager, _ := newTestManager(t, cfg)
	ctx := context.Background()

	first, err := manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionLong, 0.9, 50000))
	if err != nil {
		t.Fatalf("Decide first: %v", err)
	}
	if first.Outcome != OutcomeApproved || math.Abs(first.Notional-800) > 1e-9 {
		t.Fatalf("expected first approval of 800, got %s %.2f", first.Outcome, first.Notional)
	}

	second, err := manager.Decide(ctx, testSignal("ETH/USDT", strategy.DirectionLong, 0.9, 2500))
	if err != nil {
		t.Fatalf("Decide second: %v", err)
	}
	if second.Outcome != OutcomeResized || second.Reason != ReasonCorrelation {
		t.Fatalf("expected correlation resize, got %s (%s)", second.Outcome, second.Reason)
	}
	if diff := math.Abs(second.Notional - 200); diff > 1e-9 {
		t.Errorf("expected remaining headroom 200, got %.4f", second.Notional)
	}

	third, err := manager.Decide(ctx, testSignal("ETH/USDT", strategy.DirectionLong, 0.9, 2500))
	if err != nil {
		t.Fatalf("Decide third: %v", err)
	}
	if third.Outcome != OutcomeRejected || third.Reason != ReasonCorrelation {
		t.Errorf("expected correlation rejection with no headroom, got %s (%s)", third.Outcome, third.Reason)
	}

	solo, err := manager.Decide(ctx, testSignal("SOL/USDT", strategy.DirectionLong, 0.9, 150))
	if err != nil {
		t.Fatalf("Decide solo: %v", err)
	}
	if solo.Outcome != OutcomeApproved {
		t.Errorf("ungrouped instrument must not be capped by majors, got %s (%s)", solo.Outcome, solo.Reason)
	}
}

func TestDecideConcurrentSameGroupNeverExceedsCap(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.CorrelationCap = 0.10
	manager, _ := newTestManager(t, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Decision, 2)
	instruments := []string{"BTC/USDT", "ETH/USDT"}

	for i, instrument := range instruments {
		wg.Add(1)
		go func(i int, instrument string) {
			defer wg.Done()
			decision, err := manager.Decide(ctx, testSignal(instrument, strategy.DirectionLong, 0.9, 50000))
			if err != nil {
				t.Errorf("Decide %s: %v", instrument, err)
				return
			}
			results[i] = decision
		}(i, instrument)
	}
	wg.Wait()

	total := 0.0
	for _, decision := range results {
		if decision.Approved() {
			total += decision.Notional
		}
	}
	if total > 1000+1e-9 {
		t.Errorf("concurrent approvals exceed group cap: total %.4f > 1000", total)
	}
}

func TestDecideRejectsAtDailyLossCap(t *testing.T) {
	manager, ledger := newTestManager(t, baseRiskConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	applyFill(t, ledger, "l1", "BTC/USDT", "buy", 10, 100, now)
	applyFill(t, ledger, "l2", "BTC/USDT", "sell", 10, 70, now)

	decision, err := manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionLong, 0.9, 50000))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Outcome != OutcomeRejected || decision.Reason != ReasonLossCap {
		t.Errorf("expected loss-cap rejection at exactly 3%% realized loss, got %s (%s)", decision.Outcome, decision.Reason)
	}
}

func TestDecideAllowsJustBelowDailyLossCap(t *testing.T) {
	manager, ledger := newTestManager(t, baseRiskConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	applyFill(t, ledger, "l1", "BTC/USDT", "buy", 10, 100, now)
	applyFill(t, ledger, "l2", "BTC/USDT", "sell", 10, 70.01, now)

	decision, err := manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionLong, 0.9, 50000))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Outcome == OutcomeRejected {
		t.Errorf("loss just below the cap must not halt trading, got rejection (%s)", decision.Reason)
	}
}

func TestDrawdownBreakerLatchesUntilReset(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.MaxDrawdown = 0.05
	manager, ledger := newTestManager(t, cfg)
	ctx := context.Background()

	applyFill(t, ledger, "l1", "BTC/USDT", "buy", 10, 100, time.Now().UTC())
	ledger.MarkToMarket(map[string]float64{"BTC/USDT": 40})

	decision, err := manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionShort, 0.9, 40))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Reason != ReasonDrawdown {
		t.Fatalf("expected drawdown rejection at 6%% drawdown, got %s", decision.Reason)
	}
	if !manager.Tripped() {
		t.Fatalf("breaker must trip on drawdown breach")
	}

	// 权益恢复后熔断器仍然闭锁。
	ledger.MarkToMarket(map[string]float64{"BTC/USDT": 100})
	decision, err = manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionShort, 0.9, 100))
	if err != nil {
		t.Fatalf("Decide after recovery: %v", err)
	}
	if decision.Reason != ReasonDrawdown {
		t.Errorf("breaker must stay latched after recovery, got %s", decision.Reason)
	}

	if err := manager.ResetBreaker(ctx); err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}
	decision, err = manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionShort, 0.9, 100))
	if err != nil {
		t.Fatalf("Decide after reset: %v", err)
	}
	if !decision.Approved() {
		t.Errorf("expected approval after manual reset, got %s (%s)", decision.Outcome, decision.Reason)
	}
}

func TestDecideFlatClosesExistingPosition(t *testing.T) {
	manager, ledger := newTestManager(t, baseRiskConfig())
	ctx := context.Background()

	applyFill(t, ledger, "l1", "ETH/USDT", "buy", 2, 1000, time.Now().UTC())

	decision, err := manager.Decide(ctx, testSignal("ETH/USDT", strategy.DirectionFlat, 0.9, 1000))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !decision.Approved() {
		t.Fatalf("expected flat close approval, got %s (%s)", decision.Outcome, decision.Reason)
	}
	if decision.Quantity != 2 {
		t.Errorf("flat close must target full position, got %.4f", decision.Quantity)
	}

	empty, err := manager.Decide(ctx, testSignal("SOL/USDT", strategy.DirectionFlat, 0.9, 150))
	if err != nil {
		t.Fatalf("Decide without position: %v", err)
	}
	if empty.Outcome != OutcomeRejected || empty.Reason != ReasonSizeFloor {
		t.Errorf("flat without position must reject, got %s (%s)", empty.Outcome, empty.Reason)
	}
}

func TestReleaseReturnsReservedHeadroom(t *testing.T) {
	cfg := baseRiskConfig()
	cfg.CorrelationCap = 0.10
	manager, _ := newTestManager(t, cfg)
	ctx := context.Background()

	first, err := manager.Decide(ctx, testSignal("BTC/USDT", strategy.DirectionLong, 0.9, 50000))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	manager.Release(first.ID)

	second, err := manager.Decide(ctx, testSignal("ETH/USDT", strategy.DirectionLong, 0.9, 2500))
	if err != nil {
		t.Fatalf("Decide after release: %v", err)
	}
	if second.Outcome != OutcomeApproved || math.Abs(second.Notional-800) > 1e-9 {
		t.Errorf("released reservation must free headroom, got %s %.2f", second.Outcome, second.Notional)
	}
}

func applyFill(t *testing.T, ledger *portfolio.Ledger, orderID, instrument, side string, qty, price float64, ts time.Time) {
	t.Helper()
	_, err := ledger.Apply(portfolio.Fill{
		OrderID:    orderID,
		Instrument: instrument,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		State:      portfolio.FillStateFilled,
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatalf("apply fill %s: %v", orderID, err)
	}
}
