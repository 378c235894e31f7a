package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"quantcycle/internal/config"
	"quantcycle/internal/indicator"
)

// Momentum 为动量短线策略：快慢 EMA 金叉/死叉叠加 RSI 过滤，
// 每周期在全部交易对中挑选动量最强的一个。
type Momentum struct {
	params config.MomentumParams
}

// NewMomentum 创建动量策略。
func NewMomentum(params config.MomentumParams) *Momentum {
	return &Momentum{params: params}
}

// Name 返回策略标识。
func (s *Momentum) Name() string {
	return "momentum_scalp"
}

// Evaluate 评估动量信号。
func (s *Momentum) Evaluate(c Context) (*Signal, error) {
	var best *Signal
	bestScore := 0.0

	for instrument, snapshot := range c.Snapshots {
		history := c.History(instrument)
		if history.Len() < s.params.SlowPeriod+1 {
			continue
		}

		fast := indicator.EMALast(history.Closes, s.params.FastPeriod)
		slow := indicator.EMALast(history.Closes, s.params.SlowPeriod)
		rsi := indicator.RSILast(history.Closes, s.params.RSIPeriod)
		if math.IsNaN(fast) || math.IsNaN(slow) || math.IsNaN(rsi) || slow == 0 {
			continue
		}

		gap := (fast - slow) / slow

		var direction Direction
		switch {
		case gap > 0 && rsi < s.params.RSIOverbought:
			direction = DirectionLong
		case gap < 0 && rsi > s.params.RSIOversold:
			direction = DirectionShort
		default:
			continue
		}

		score := math.Abs(gap)
		if score <= bestScore {
			continue
		}
		bestScore = score

		entry := snapshot.Last
		confidence := clamp01(0.5 + score*20)
		stop, target := protectiveLevels(direction, entry, s.params.StopFraction, s.params.TargetFraction)

		best = &Signal{
			ID:         uuid.NewString(),
			Instrument: instrument,
			Strategy:   s.Name(),
			Direction:  direction,
			Confidence: confidence,
			Entry:      entry,
			StopLoss:   stop,
			Target:     target,
			Rationale: fmt.Sprintf("EMA%d/%d 差值 %.4f%%，RSI %.1f",
				s.params.FastPeriod, s.params.SlowPeriod, gap*100, rsi),
			CreatedAt: time.Now().UTC(),
		}
	}

	return best, nil
}

// protectiveLevels 按方向给出止损与止盈价。
func protectiveLevels(direction Direction, entry, stopFraction, targetFraction float64) (float64, float64) {
	if direction == DirectionShort {
		return entry * (1 + stopFraction), entry * (1 - targetFraction)
	}
	return entry * (1 - stopFraction), entry * (1 + targetFraction)
}
