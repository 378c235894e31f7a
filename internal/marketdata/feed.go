package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quantcycle/internal/config"
	"quantcycle/internal/exchange"
)

type instrumentState struct {
	snapshot Snapshot
	hasData  bool
	closes   []float64
	volumes  []float64
	sequence uint64
	failures uint64
}

// Feed 维护各交易对的最新快照与滚动历史。
// 后台刷新失败时保留旧快照并累加失败计数，读取方永不阻塞。
type Feed struct {
	cfg     config.MarketDataConfig
	gateway exchange.Gateway
	logger  *zap.Logger

	mu     sync.RWMutex
	states map[string]*instrumentState

	nowFn func() time.Time
}

// NewFeed 创建行情源。
func NewFeed(cfg config.MarketDataConfig, gateway exchange.Gateway, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	states := make(map[string]*instrumentState, len(cfg.Instruments))
	for _, instrument := range cfg.Instruments {
		states[instrument] = &instrumentState{}
	}
	return &Feed{
		cfg:     cfg,
		gateway: gateway,
		logger:  logger,
		states:  states,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// Start 为每个交易对启动后台刷新任务，阻塞直到 ctx 取消。
func (f *Feed) Start(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for _, instrument := range f.cfg.Instruments {
		instrument := instrument
		group.Go(func() error {
			f.refreshLoop(groupCtx, instrument)
			return nil
		})
	}

	return group.Wait()
}

func (f *Feed) refreshLoop(ctx context.Context, instrument string) {
	f.refresh(ctx, instrument)

	ticker := time.NewTicker(f.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.refresh(ctx, instrument)
		}
	}
}

func (f *Feed) refresh(ctx context.Context, instrument string) {
	timeout := f.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := f.gateway.FetchSnapshot(fetchCtx, instrument)
	if err != nil {
		f.mu.Lock()
		if state, ok := f.states[instrument]; ok {
			state.failures++
		}
		f.mu.Unlock()

		f.logger.Warn("刷新行情失败，保留旧快照",
			zap.String("instrument", instrument),
			zap.Error(err),
		)
		return
	}

	f.Push(Snapshot{
		Instrument:  instrument,
		Last:        raw.Last,
		Bid:         raw.Bid,
		Ask:         raw.Ask,
		Volume:      raw.Volume,
		FundingRate: raw.FundingRate,
		Timestamp:   raw.Timestamp,
	})
}

// Push 接收一条快照推送，分配序号并写入历史窗口。
func (f *Feed) Push(snapshot Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.states[snapshot.Instrument]
	if !ok {
		return
	}

	state.sequence++
	snapshot.Sequence = state.sequence
	snapshot.Sentiment = state.snapshot.Sentiment
	state.snapshot = snapshot
	state.hasData = true

	state.closes = appendCapped(state.closes, snapshot.Last, f.cfg.HistorySize)
	state.volumes = appendCapped(state.volumes, snapshot.Volume, f.cfg.HistorySize)
}

// SetSentiment 写入各交易对的情绪评分，由编排器在采集阶段调用。
func (f *Feed) SetSentiment(scores map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for instrument, score := range scores {
		if state, ok := f.states[instrument]; ok {
			state.snapshot.Sentiment = score
		}
	}
}

// Current 返回交易对的最新快照。年龄严格超过 max_age 视为陈旧。
func (f *Feed) Current(instrument string) (Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	state, ok := f.states[instrument]
	if !ok {
		return Snapshot{}, ErrUnknownInstrument
	}
	if !state.hasData {
		return Snapshot{}, ErrNoSnapshot
	}
	if state.snapshot.Age(f.nowFn()) > f.cfg.MaxAge {
		return Snapshot{}, ErrStale
	}

	return state.snapshot, nil
}

// CurrentAll 返回所有新鲜快照，并列出本周期应跳过的陈旧交易对。
func (f *Feed) CurrentAll() (map[string]Snapshot, []string) {
	fresh := make(map[string]Snapshot, len(f.cfg.Instruments))
	var stale []string

	for _, instrument := range f.cfg.Instruments {
		snapshot, err := f.Current(instrument)
		if err != nil {
			stale = append(stale, instrument)
			continue
		}
		fresh[instrument] = snapshot
	}

	return fresh, stale
}

// History 返回交易对历史窗口的副本。
func (f *Feed) History(instrument string) History {
	f.mu.RLock()
	defer f.mu.RUnlock()

	state, ok := f.states[instrument]
	if !ok {
		return History{}
	}

	closes := make([]float64, len(state.closes))
	copy(closes, state.closes)
	volumes := make([]float64, len(state.volumes))
	copy(volumes, state.volumes)

	return History{Closes: closes, Volumes: volumes}
}

// Stats 返回刷新失败计数与最新序号。
func (f *Feed) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := Stats{
		RefreshFailures: make(map[string]uint64, len(f.states)),
		LastSequence:    make(map[string]uint64, len(f.states)),
	}
	for instrument, state := range f.states {
		stats.RefreshFailures[instrument] = state.failures
		stats.LastSequence[instrument] = state.sequence
	}
	return stats
}

func appendCapped(values []float64, v float64, capacity int) []float64 {
	values = append(values, v)
	if capacity > 0 && len(values) > capacity {
		values = values[len(values)-capacity:]
	}
	return values
}
