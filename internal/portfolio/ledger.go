package portfolio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ledger 为仓位、盈亏与风控计数的唯一事实来源。
// 所有变更都经由 Apply/MarkToMarket 事务完成，按 OrderID 幂等。
type Ledger struct {
	logger    *zap.Logger
	groups    *Groups
	resetHour int

	mu              sync.Mutex
	cash            float64
	positions       map[string]*Position
	marks           map[string]float64
	applied         map[string]FillState
	realized        float64
	dailyKey        string
	dailyRealized   float64
	dayStartEquity  float64
	weeklyKey       string
	weeklyRealized  float64
	weekStartEquity float64
	peakEquity      float64
	drawdown        float64
	updatedAt       time.Time

	nowFn func() time.Time
}

// NewLedger 创建账本。
func NewLedger(initialCash float64, resetHour int, groups *Groups, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if groups == nil {
		groups = NewGroups(nil)
	}
	return &Ledger{
		logger:     logger,
		groups:     groups,
		resetHour:  resetHour,
		cash:       initialCash,
		positions:  make(map[string]*Position),
		marks:      make(map[string]float64),
		applied:    make(map[string]FillState),
		peakEquity: initialCash,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// Groups 返回账本使用的相关性分组注册表。
func (l *Ledger) Groups() *Groups {
	return l.groups
}

// Apply 将一笔订单终态入账并返回最新状态。
// 对同一 OrderID 的重复入账是无操作，且返回的状态与首次入账后一致。
func (l *Ledger) Apply(fill Fill) (State, error) {
	if err := validateFill(fill); err != nil {
		return State{}, err
	}

	unlock := l.groups.Lock(fill.Instrument)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.applied[fill.OrderID]; ok {
		l.logger.Info("订单终态重复入账，按无操作处理",
			zap.String("order_id", fill.OrderID),
			zap.String("state", string(prev)),
		)
		return l.stateLocked(), nil
	}

	ts := fill.Timestamp
	if ts.IsZero() {
		ts = l.nowFn()
	}
	l.rollCountersLocked(ts)

	l.applied[fill.OrderID] = fill.State

	if fill.State == FillStateCancelled || fill.State == FillStateRejected {
		l.updatedAt = ts
		return l.stateLocked(), nil
	}

	delta := fill.Quantity
	if fill.Side == "sell" {
		delta = -delta
	}

	position, ok := l.positions[fill.Instrument]
	if !ok {
		position = &Position{Instrument: fill.Instrument}
		l.positions[fill.Instrument] = position
	}

	realized := 0.0
	switch {
	case position.Quantity == 0 || sameSign(position.Quantity, delta):
		// 同向加仓：加权平均入场价。
		newQty := position.Quantity + delta
		totalCost := math.Abs(position.Quantity)*position.AvgEntryPrice + math.Abs(delta)*fill.Price
		position.AvgEntryPrice = totalCost / math.Abs(newQty)
		position.Quantity = newQty
	default:
		// 减仓/平仓：按比例实现盈亏，穿越零点后按成交价重开剩余方向。
		direction := math.Copysign(1, position.Quantity)
		closeQty := math.Min(math.Abs(delta), math.Abs(position.Quantity))
		realized = closeQty * (fill.Price - position.AvgEntryPrice) * direction

		position.Quantity += delta
		switch {
		case position.Quantity == 0:
			position.AvgEntryPrice = 0
		case math.Copysign(1, position.Quantity) != direction:
			position.AvgEntryPrice = fill.Price
		}
	}

	position.RealizedPnL += realized
	position.UpdatedAt = ts

	l.realized += realized
	l.dailyRealized += realized
	l.weeklyRealized += realized
	l.cash -= delta * fill.Price
	l.marks[fill.Instrument] = fill.Price
	l.updatedAt = ts

	l.recomputeLocked()

	if err := l.checkInvariantsLocked(); err != nil {
		return l.stateLocked(), err
	}

	return l.stateLocked(), nil
}

// MarkToMarket 用最新标记价刷新未实现盈亏与回撤。
func (l *Ledger) MarkToMarket(marks map[string]float64) State {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollCountersLocked(l.nowFn())
	for instrument, mark := range marks {
		if mark > 0 {
			l.marks[instrument] = mark
		}
	}
	l.recomputeLocked()
	l.updatedAt = l.nowFn()

	return l.stateLocked()
}

// View 返回账本的一致性只读快照。
func (l *Ledger) View() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

// Applied 返回订单终态是否已经入账。
func (l *Ledger) Applied(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.applied[orderID]
	return ok
}

func (l *Ledger) rollCountersLocked(ts time.Time) {
	dayKey := tradingDay(ts, l.resetHour)
	if dayKey != l.dailyKey {
		l.dailyKey = dayKey
		l.dailyRealized = 0
		l.dayStartEquity = l.equityLocked()
	}

	weekKey := tradingWeek(ts, l.resetHour)
	if weekKey != l.weeklyKey {
		l.weeklyKey = weekKey
		l.weeklyRealized = 0
		l.weekStartEquity = l.equityLocked()
	}
}

func (l *Ledger) equityLocked() float64 {
	equity := l.cash
	for instrument, position := range l.positions {
		mark := l.marks[instrument]
		if mark <= 0 {
			mark = position.AvgEntryPrice
		}
		equity += position.Quantity * mark
	}
	return equity
}

func (l *Ledger) recomputeLocked() {
	for instrument, position := range l.positions {
		mark := l.marks[instrument]
		if mark <= 0 {
			mark = position.AvgEntryPrice
		}
		if position.Quantity != 0 && mark > 0 {
			position.UnrealizedPnL = position.Quantity * (mark - position.AvgEntryPrice)
		} else {
			position.UnrealizedPnL = 0
		}
	}

	equity := l.equityLocked()
	if equity > l.peakEquity {
		l.peakEquity = equity
	}
	if l.peakEquity > 0 {
		l.drawdown = (l.peakEquity - equity) / l.peakEquity
	}
}

func (l *Ledger) checkInvariantsLocked() error {
	equity := l.equityLocked()
	if math.IsNaN(equity) || math.IsInf(equity, 0) {
		return fmt.Errorf("%w: 权益计算结果非法", ErrCorrupted)
	}
	for instrument, position := range l.positions {
		if math.IsNaN(position.Quantity) {
			return fmt.Errorf("%w: %s 持仓数量为 NaN", ErrCorrupted, instrument)
		}
		if position.Quantity != 0 && position.AvgEntryPrice <= 0 {
			return fmt.Errorf("%w: %s 持仓均价非法 %.8f", ErrCorrupted, instrument, position.AvgEntryPrice)
		}
	}
	return nil
}

func (l *Ledger) stateLocked() State {
	positions := make(map[string]Position, len(l.positions))
	unrealized := 0.0
	for instrument, position := range l.positions {
		positions[instrument] = *position
		unrealized += position.UnrealizedPnL
	}

	marks := make(map[string]float64, len(l.marks))
	for instrument, mark := range l.marks {
		marks[instrument] = mark
	}

	return State{
		Cash:            l.cash,
		Equity:          l.equityLocked(),
		Positions:       positions,
		Marks:           marks,
		RealizedPnL:     l.realized,
		UnrealizedPnL:   unrealized,
		DailyRealized:   l.dailyRealized,
		WeeklyRealized:  l.weeklyRealized,
		DayStartEquity:  l.dayStartEquity,
		WeekStartEquity: l.weekStartEquity,
		PeakEquity:      l.peakEquity,
		Drawdown:        l.drawdown,
		UpdatedAt:       l.updatedAt,
	}
}

func validateFill(fill Fill) error {
	if fill.OrderID == "" {
		return fmt.Errorf("%w: 缺少 order_id", ErrInvalidFill)
	}
	if fill.Instrument == "" {
		return fmt.Errorf("%w: 缺少交易对", ErrInvalidFill)
	}
	switch fill.State {
	case FillStateFilled, FillStatePartial:
		if fill.Quantity <= 0 || math.IsNaN(fill.Quantity) {
			return fmt.Errorf("%w: 成交数量非法 %.8f", ErrInvalidFill, fill.Quantity)
		}
		if fill.Price <= 0 || math.IsNaN(fill.Price) {
			return fmt.Errorf("%w: 成交价格非法 %.8f", ErrInvalidFill, fill.Price)
		}
		if fill.Side != "buy" && fill.Side != "sell" {
			return fmt.Errorf("%w: 方向非法 %q", ErrInvalidFill, fill.Side)
		}
	case FillStateCancelled, FillStateRejected:
	default:
		return fmt.Errorf("%w: 状态非终态 %q", ErrInvalidFill, fill.State)
	}
	return nil
}

func sameSign(a, b float64) bool {
	if a == 0 || b == 0 {
		return false
	}
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}

func tradingWeek(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	year, week := shifted.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
