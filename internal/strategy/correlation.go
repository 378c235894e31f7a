package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"quantcycle/internal/config"
	"quantcycle/internal/indicator"
)

// Correlation 为相关性背离策略：当历史高相关的两个交易对
// 短期走势出现显著分歧时，交易跟随者向领先者回归。
type Correlation struct {
	params config.CorrelationParams
}

// NewCorrelation 创建相关性策略。
func NewCorrelation(params config.CorrelationParams) *Correlation {
	return &Correlation{params: params}
}

// Name 返回策略标识。
func (s *Correlation) Name() string {
	return "correlation_revert"
}

// Evaluate 评估相关性背离信号。
func (s *Correlation) Evaluate(c Context) (*Signal, error) {
	snapshot, ok := c.Snapshot(s.params.Follower)
	if !ok {
		return nil, nil
	}

	leaderHistory := c.History(s.params.Leader)
	followerHistory := c.History(s.params.Follower)
	if leaderHistory.Len() < s.params.Lookback+1 || followerHistory.Len() < s.params.Lookback+1 {
		return nil, nil
	}

	leaderReturns := leaderHistory.Returns()
	followerReturns := followerHistory.Returns()

	corr := indicator.Correlation(leaderReturns, followerReturns, s.params.Lookback)
	if math.IsNaN(corr) || corr < s.params.MinCorrelation {
		return nil, nil
	}

	// 以两侧近期累计收益之差衡量分歧幅度。
	const recentWindow = 5
	leaderRecent := sum(indicator.SliceTail(leaderReturns, recentWindow))
	followerRecent := sum(indicator.SliceTail(followerReturns, recentWindow))
	divergence := leaderRecent - followerRecent

	diffs := make([]float64, 0, s.params.Lookback)
	leaderTail := indicator.SliceTail(leaderReturns, s.params.Lookback)
	followerTail := indicator.SliceTail(followerReturns, s.params.Lookback)
	for i := range leaderTail {
		diffs = append(diffs, leaderTail[i]-followerTail[i])
	}
	threshold := s.params.DivergenceStdDev * stddev(diffs) * math.Sqrt(recentWindow)
	if threshold <= 0 || math.Abs(divergence) < threshold {
		return nil, nil
	}

	direction := DirectionLong
	if divergence < 0 {
		// 跟随者领先上冲，预期回落。
		direction = DirectionShort
	}

	entry := snapshot.Last
	confidence := clamp01(0.4 + 0.3*corr + 0.2*math.Min(2, math.Abs(divergence)/threshold-1))
	stop, target := protectiveLevels(direction, entry, s.params.StopFraction, 2*s.params.StopFraction)

	return &Signal{
		ID:         uuid.NewString(),
		Instrument: s.params.Follower,
		Strategy:   s.Name(),
		Direction:  direction,
		Confidence: confidence,
		Entry:      entry,
		StopLoss:   stop,
		Target:     target,
		Rationale: fmt.Sprintf("与 %s 相关系数 %.2f，近期分歧 %.4f 超过阈值 %.4f",
			s.params.Leader, corr, divergence, threshold),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := indicator.Mean(values)
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values) - 1)
	return math.Sqrt(variance)
}
