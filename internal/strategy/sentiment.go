package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"quantcycle/internal/config"
)

// SentimentContrarian 为情绪逆向策略：情绪评分到达极端时反向交易。
// 评分由采集阶段预先写入快照，策略本身不做任何外部调用。
type SentimentContrarian struct {
	params config.SentimentAlphaParams
}

// NewSentimentContrarian 创建情绪逆向策略。
func NewSentimentContrarian(params config.SentimentAlphaParams) *SentimentContrarian {
	return &SentimentContrarian{params: params}
}

// Name 返回策略标识。
func (s *SentimentContrarian) Name() string {
	return "sentiment_contrarian"
}

// Evaluate 评估情绪极端信号，挑选情绪绝对值最大的交易对。
func (s *SentimentContrarian) Evaluate(c Context) (*Signal, error) {
	var best *Signal
	bestScore := 0.0

	for instrument, snapshot := range c.Snapshots {
		score := snapshot.Sentiment
		if math.Abs(score) < s.params.ExtremeThreshold {
			continue
		}
		if math.Abs(score) <= math.Abs(bestScore) {
			continue
		}
		bestScore = score

		// 极端贪婪做空，极端恐慌做多。
		direction := DirectionShort
		if score < 0 {
			direction = DirectionLong
		}

		entry := snapshot.Last
		confidence := clamp01(0.35 + 0.5*(math.Abs(score)-s.params.ExtremeThreshold)/(1-s.params.ExtremeThreshold+1e-9))
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
			Rationale:  fmt.Sprintf("情绪评分 %.2f 达到极端阈值 %.2f，逆向介入", score, s.params.ExtremeThreshold),
			CreatedAt:  time.Now().UTC(),
		}
	}

	return best, nil
}
