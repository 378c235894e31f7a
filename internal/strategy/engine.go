package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine 并发评估全部启用的策略，并做置信度过滤与同对冲突消解。
type Engine struct {
	strategies []Strategy
	floor      float64
	workers    int
	logger     *zap.Logger
}

// NewEngine 创建策略引擎。
func NewEngine(confidenceFloor float64, workers int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		floor:   confidenceFloor,
		workers: workers,
		logger:  logger,
	}
}

// Register 注册一个策略。注册顺序即置信度持平时的优先顺序。
func (e *Engine) Register(s Strategy) {
	e.strategies = append(e.strategies, s)
}

// Strategies 返回已注册策略名。
func (e *Engine) Strategies() []string {
	names := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		names = append(names, s.Name())
	}
	return names
}

// EvaluateAll 并发评估全部策略。单个策略的异常只影响自身，
// 不会中断整个评估批次。返回通过过滤的信号与被丢弃记录。
func (e *Engine) EvaluateAll(ctx context.Context, ec Context) ([]Signal, []Dropped) {
	type evalResult struct {
		signal *Signal
		err    error
	}

	results := make([]evalResult, len(e.strategies))

	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(e.workers)

	for i, s := range e.strategies {
		i, s := i, s
		group.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = evalResult{err: fmt.Errorf("策略 %s 评估崩溃: %v", s.Name(), r)}
				}
			}()

			if err := ctx.Err(); err != nil {
				results[i] = evalResult{err: err}
				return nil
			}

			signal, err := s.Evaluate(ec)
			results[i] = evalResult{signal: signal, err: err}
			return nil
		})
	}
	_ = group.Wait()

	var candidates []Signal
	var dropped []Dropped

	for i, s := range e.strategies {
		result := results[i]
		if result.err != nil {
			e.logger.Warn("策略评估失败，本周期跳过",
				zap.String("strategy", s.Name()),
				zap.Error(result.err),
			)
			dropped = append(dropped, Dropped{
				Strategy: s.Name(),
				Reason:   DropReasonError,
			})
			continue
		}
		if result.signal == nil {
			continue
		}

		signal := *result.signal
		signal.Confidence = clamp01(signal.Confidence)

		if signal.Confidence < e.floor {
			dropped = append(dropped, Dropped{
				Strategy:   signal.Strategy,
				Instrument: signal.Instrument,
				Reason:     DropReasonConfidenceFloor,
				Signal:     &signal,
			})
			continue
		}

		candidates = append(candidates, signal)
	}

	return e.resolveConflicts(candidates, dropped)
}

// resolveConflicts 对同一交易对的反向信号做消解：置信度高者胜出，
// 落败方被记录后丢弃。置信度持平时按注册顺序保留先注册者。
func (e *Engine) resolveConflicts(candidates []Signal, dropped []Dropped) ([]Signal, []Dropped) {
	byInstrument := make(map[string][]int)
	for i, signal := range candidates {
		byInstrument[signal.Instrument] = append(byInstrument[signal.Instrument], i)
	}

	removed := make(map[int]bool)
	for _, indices := range byInstrument {
		if len(indices) < 2 {
			continue
		}

		winner := indices[0]
		for _, i := range indices[1:] {
			if candidates[i].Confidence > candidates[winner].Confidence {
				winner = i
			}
		}

		for _, i := range indices {
			if i == winner {
				continue
			}
			if !candidates[i].Direction.Opposes(candidates[winner].Direction) {
				continue
			}
			removed[i] = true
			loser := candidates[i]
			e.logger.Info("反向信号被更高置信度信号压制",
				zap.String("instrument", loser.Instrument),
				zap.String("strategy", loser.Strategy),
				zap.Float64("confidence", loser.Confidence),
				zap.String("winner", candidates[winner].Strategy),
			)
			dropped = append(dropped, Dropped{
				Strategy:   loser.Strategy,
				Instrument: loser.Instrument,
				Reason:     DropReasonOpposing,
				Signal:     &loser,
			})
		}
	}

	signals := make([]Signal, 0, len(candidates))
	for i, signal := range candidates {
		if !removed[i] {
			signals = append(signals, signal)
		}
	}

	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].CreatedAt.Before(signals[j].CreatedAt)
	})

	return signals, dropped
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
