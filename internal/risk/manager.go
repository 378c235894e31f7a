package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quantcycle/internal/config"
	"quantcycle/internal/portfolio"
	"quantcycle/internal/strategy"
)

// Manager 对每个信号做串行裁决：硬性限制、信心分层定额、相关性组限额。
// 同一相关性组内的裁决与入账共用组锁，杜绝先检后改的竞态。
type Manager struct {
	cfg       config.RiskConfig
	fractions map[string]float64
	ledger    *portfolio.Ledger
	groups    *portfolio.Groups
	tracker   *Tracker
	logger    *zap.Logger
	nowFn     func() time.Time

	mu       sync.Mutex
	breaker  bool
	reserved map[string]reservation
}

type reservation struct {
	group     string
	direction strategy.Direction
	notional  float64
}

// NewManager 创建风险管理器。fractions 为策略名到基础仓位比例的映射。
func NewManager(cfg config.RiskConfig, fractions map[string]float64, ledger *portfolio.Ledger, tracker *Tracker, logger *zap.Logger) (*Manager, error) {
	if ledger == nil {
		return nil, errors.New("risk: ledger 不能为空")
	}
	if tracker == nil {
		return nil, errors.New("risk: tracker 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fractions == nil {
		fractions = map[string]float64{}
	}

	return &Manager{
		cfg:       cfg,
		fractions: fractions,
		ledger:    ledger,
		groups:    ledger.Groups(),
		tracker:   tracker,
		logger:    logger,
		nowFn:     time.Now,
		reserved:  make(map[string]reservation),
	}, nil
}

// Decide 对单个信号给出裁决。持有信号所属相关性组的锁直到返回，
// 批准时预留名义敞口，订单终态落账后须调用 Release 归还。
func (m *Manager) Decide(ctx context.Context, sig strategy.Signal) (Decision, error) {
	unlock := m.groups.Lock(sig.Instrument)
	defer unlock()

	now := m.nowFn()
	decision := Decision{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		Instrument: sig.Instrument,
		Strategy:   sig.Strategy,
		Direction:  sig.Direction,
		Outcome:    OutcomeRejected,
		CreatedAt:  now,
	}

	view := m.ledger.View()

	status, err := m.tracker.Update(ctx, now, view.Equity)
	if err != nil {
		return Decision{}, err
	}

	if reason, note, halted := m.hardStops(view, status); halted {
		decision.Reason = reason
		decision.Notes = append(decision.Notes, note)
		m.logger.Warn("风控硬性限制拒绝信号",
			zap.String("signal_id", sig.ID),
			zap.String("instrument", sig.Instrument),
			zap.String("reason", reason))
		return decision, nil
	}

	if sig.Direction == strategy.DirectionFlat {
		return m.decideClose(decision, sig, view), nil
	}

	if note := validateSignal(sig); note != "" {
		decision.Reason = ReasonMalformed
		decision.Notes = append(decision.Notes, note)
		return decision, nil
	}

	factor := m.confidenceFactor(sig.Confidence)
	if factor <= 0 {
		decision.Reason = ReasonSizeFloor
		decision.Notes = append(decision.Notes,
			fmt.Sprintf("信心度 %.2f 低于半仓阈值 %.2f，放弃开仓", sig.Confidence, m.cfg.ConfidenceHalfRisk))
		return decision, nil
	}

	value := view.PortfolioValue()
	if value <= 0 {
		decision.Reason = ReasonSizeFloor
		decision.Notes = append(decision.Notes, "组合价值无效，无法测算仓位")
		return decision, nil
	}

	fraction := m.fractions[sig.Strategy]
	if fraction <= 0 {
		fraction = m.cfg.MaxPositionFraction
	}
	if fraction > m.cfg.MaxPositionFraction {
		decision.Notes = append(decision.Notes,
			fmt.Sprintf("策略基础仓位 %.2f%% 超过上限 %.2f%%，按上限执行",
				fraction*100, m.cfg.MaxPositionFraction*100))
		fraction = m.cfg.MaxPositionFraction
	}

	notional := value * fraction * factor
	resized := false

	available := m.groupHeadroom(sig, view, value)
	if available <= 0 {
		decision.Reason = ReasonCorrelation
		decision.Notes = append(decision.Notes,
			fmt.Sprintf("相关性组 %s 同向敞口已达上限 %.2f%%",
				m.groups.Name(sig.Instrument), m.cfg.CorrelationCap*100))
		return decision, nil
	}
	if notional > available {
		decision.Notes = append(decision.Notes,
			fmt.Sprintf("相关性组限额仅剩 %.2f，原定名义 %.2f 被缩减", available, notional))
		notional = available
		resized = true
	}

	if notional < m.cfg.MinPositionFraction*value {
		decision.Reason = ReasonSizeFloor
		decision.Notes = append(decision.Notes,
			fmt.Sprintf("名义敞口 %.2f 低于最小仓位 %.2f%%，放弃开仓",
				notional, m.cfg.MinPositionFraction*100))
		return decision, nil
	}

	quantity := notional / sig.Entry
	if quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		decision.Reason = ReasonSizeFloor
		decision.Notes = append(decision.Notes, "按入场价换算的下单数量无效")
		return decision, nil
	}

	decision.Outcome = OutcomeApproved
	if resized {
		decision.Outcome = OutcomeResized
		decision.Reason = ReasonCorrelation
	}
	decision.Quantity = quantity
	decision.Notional = notional

	m.reserve(decision.ID, m.groups.Name(sig.Instrument), sig.Direction, notional)

	m.logger.Info("风控放行信号",
		zap.String("signal_id", sig.ID),
		zap.String("decision_id", decision.ID),
		zap.String("instrument", sig.Instrument),
		zap.String("outcome", string(decision.Outcome)),
		zap.Float64("quantity", quantity),
		zap.Float64("notional", notional))

	return decision, nil
}

// Release 归还裁决预留的名义敞口，对同一裁决重复调用只生效一次。
func (m *Manager) Release(decisionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, decisionID)
}

// Tripped 返回回撤熔断器是否已触发。
func (m *Manager) Tripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker
}

// ResetBreaker 由运营手动复位回撤熔断器。
func (m *Manager) ResetBreaker(ctx context.Context) error {
	m.mu.Lock()
	m.breaker = false
	m.mu.Unlock()

	m.logger.Warn("回撤熔断器已手动复位")
	return m.tracker.LogEvent(ctx, "breaker_reset", "回撤熔断器已手动复位", "")
}

func (m *Manager) hardStops(view portfolio.State, status Status) (string, string, bool) {
	m.mu.Lock()
	tripped := m.breaker
	m.mu.Unlock()

	if tripped {
		return ReasonDrawdown, "回撤熔断器已触发，等待人工复位", true
	}
	if view.Drawdown >= m.cfg.MaxDrawdown && m.cfg.MaxDrawdown > 0 {
		m.mu.Lock()
		m.breaker = true
		m.mu.Unlock()
		return ReasonDrawdown,
			fmt.Sprintf("回撤 %.2f%% 达到上限 %.2f%%，触发熔断", view.Drawdown*100, m.cfg.MaxDrawdown*100),
			true
	}
	if view.DailyLossFraction() >= m.cfg.DailyLossCap || status.Daily.Halted {
		return ReasonLossCap, "当日累计亏损已达上限，停止开仓", true
	}
	if view.WeeklyLossFraction() >= m.cfg.WeeklyLossCap || status.Weekly.Halted {
		return ReasonWeeklyLossCap, "本周累计亏损已达上限，停止开仓", true
	}
	return "", "", false
}

func (m *Manager) decideClose(decision Decision, sig strategy.Signal, view portfolio.State) Decision {
	position, ok := view.Positions[sig.Instrument]
	if !ok || position.Quantity == 0 {
		decision.Reason = ReasonSizeFloor
		decision.Notes = append(decision.Notes, "无持仓可平")
		return decision
	}

	mark, markOK := view.Marks[sig.Instrument]
	if !markOK || mark <= 0 {
		mark = position.AvgEntryPrice
	}

	decision.Outcome = OutcomeApproved
	decision.Quantity = math.Abs(position.Quantity)
	decision.Notional = math.Abs(position.Notional(mark))
	decision.Notes = append(decision.Notes, "平仓指令，不受开仓限额约束")
	return decision
}

// groupHeadroom 返回该信号方向在相关性组内剩余的名义额度，
// 已计入账本持仓与本周期内尚未落账的预留。
func (m *Manager) groupHeadroom(sig strategy.Signal, view portfolio.State, value float64) float64 {
	group := m.groups.Name(sig.Instrument)
	long := sig.Direction == strategy.DirectionLong

	exposure := 0.0
	for _, member := range m.groups.Members(sig.Instrument) {
		exposure += view.DirectionalExposure(member, long)
	}

	m.mu.Lock()
	for _, r := range m.reserved {
		if r.group == group && r.direction == sig.Direction {
			exposure += r.notional
		}
	}
	m.mu.Unlock()

	return m.cfg.CorrelationCap*value - exposure
}

func (m *Manager) reserve(decisionID, group string, direction strategy.Direction, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved[decisionID] = reservation{group: group, direction: direction, notional: notional}
}

func (m *Manager) confidenceFactor(confidence float64) float64 {
	if confidence >= m.cfg.ConfidenceFullRisk {
		return 1.0
	}
	if confidence >= m.cfg.ConfidenceHalfRisk {
		return 0.5
	}
	return 0
}

func validateSignal(sig strategy.Signal) string {
	if sig.Entry <= 0 || math.IsNaN(sig.Entry) || math.IsInf(sig.Entry, 0) {
		return "入场价无效"
	}
	if math.IsNaN(sig.Confidence) {
		return "信心度无效"
	}
	if sig.StopLoss <= 0 || math.IsNaN(sig.StopLoss) || math.IsInf(sig.StopLoss, 0) {
		return "止损价不能为空"
	}
	if sig.Direction == strategy.DirectionLong && sig.StopLoss >= sig.Entry {
		return "多头止损必须低于入场价"
	}
	if sig.Direction == strategy.DirectionShort && sig.StopLoss <= sig.Entry {
		return "空头止损必须高于入场价"
	}
	return ""
}
