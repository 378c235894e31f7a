package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"quantcycle/internal/config"
)

// FundingRate 为资金费率套利策略：费率极端时站在收取费率的一侧。
// 正费率为多头付费，做空收取；负费率反之。
type FundingRate struct {
	params config.FundingRateParams
}

// NewFundingRate 创建资金费率策略。
func NewFundingRate(params config.FundingRateParams) *FundingRate {
	return &FundingRate{params: params}
}

// Name 返回策略标识。
func (s *FundingRate) Name() string {
	return "funding_arbitrage"
}

// Evaluate 评估资金费率信号，挑选费率绝对值最大的交易对。
func (s *FundingRate) Evaluate(c Context) (*Signal, error) {
	var best *Signal
	bestRate := 0.0

	for instrument, snapshot := range c.Snapshots {
		rate := snapshot.FundingRate
		if math.Abs(rate) < s.params.EntryThreshold {
			continue
		}
		if math.Abs(rate) <= math.Abs(bestRate) {
			continue
		}
		bestRate = rate

		direction := DirectionShort
		if rate < 0 {
			direction = DirectionLong
		}

		entry := snapshot.Last
		confidence := clamp01(0.4 + 0.2*math.Min(3, math.Abs(rate)/s.params.EntryThreshold))
		stop, target := protectiveLevels(direction, entry, s.params.StopFraction, 2*s.params.StopFraction)

		best = &Signal{
			ID:         uuid.NewString(),
			Instrument: instrument,
			Strategy:   s.Name(),
			Direction:  direction,
			Confidence: confidence,
			Entry:      entry,
			StopLoss:   stop,
			Target:     target,
			Rationale:  fmt.Sprintf("资金费率 %.5f 超过阈值 %.5f，站在收费一侧", rate, s.params.EntryThreshold),
			CreatedAt:  time.Now().UTC(),
		}
	}

	return best, nil
}
