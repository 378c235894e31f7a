package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"quantcycle/internal/config"
	"quantcycle/internal/indicator"
)

// CrossArbitrage 为跨资产价差策略：监控两个资产的价格比值，
// 标准分超出阈值时做空被高估一侧，预期比值回归。
type CrossArbitrage struct {
	params config.CrossArbitrageParams
}

// NewCrossArbitrage 创建跨资产价差策略。
func NewCrossArbitrage(params config.CrossArbitrageParams) *CrossArbitrage {
	return &CrossArbitrage{params: params}
}

// Name 返回策略标识。
func (s *CrossArbitrage) Name() string {
	return "cross_arbitrage"
}

// Evaluate 评估价差回归信号。
func (s *CrossArbitrage) Evaluate(c Context) (*Signal, error) {
	snapshot, ok := c.Snapshot(s.params.BaseInstrument)
	if !ok {
		return nil, nil
	}

	baseHistory := c.History(s.params.BaseInstrument)
	quoteHistory := c.History(s.params.QuoteInstrument)
	if baseHistory.Len() < s.params.Lookback || quoteHistory.Len() < s.params.Lookback {
		return nil, nil
	}

	spread := indicator.Spread(baseHistory.Closes, quoteHistory.Closes)
	z := indicator.ZScore(spread, s.params.Lookback)
	if math.IsNaN(z) || math.Abs(z) < s.params.EntryZScore {
		return nil, nil
	}

	// 比值偏高说明基准资产相对高估，做空等待回归。
	direction := DirectionShort
	if z < 0 {
		direction = DirectionLong
	}

	entry := snapshot.Last
	confidence := clamp01(0.45 + 0.15*(math.Abs(z)-s.params.EntryZScore))
	stop, target := protectiveLevels(direction, entry, s.params.StopFraction, 2*s.params.StopFraction)

	return &Signal{
		ID:         uuid.NewString(),
		Instrument: s.params.BaseInstrument,
		Strategy:   s.Name(),
		Direction:  direction,
		Confidence: confidence,
		Entry:      entry,
		StopLoss:   stop,
		Target:     target,
		Rationale: fmt.Sprintf("%s/%s 价差标准分 %.2f 超过阈值 %.2f",
			s.params.BaseInstrument, s.params.QuoteInstrument, z, s.params.EntryZScore),
		CreatedAt: time.Now().UTC(),
	}, nil
}
