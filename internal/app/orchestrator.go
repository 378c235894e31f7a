package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"quantcycle/internal/audit"
	"quantcycle/internal/config"
	"quantcycle/internal/exchange"
	"quantcycle/internal/execution"
	"quantcycle/internal/marketdata"
	"quantcycle/internal/portfolio"
	"quantcycle/internal/risk"
	"quantcycle/internal/sentiment"
	"quantcycle/internal/store"
	"quantcycle/internal/strategy"
)

// Phase 表示周期状态机所处阶段。
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseCollecting   Phase = "collecting_data"
	PhaseEvaluating   Phase = "evaluating_strategies"
	PhaseApplyingRisk Phase = "applying_risk"
	PhaseExecuting    Phase = "executing"
	PhaseReconciling  Phase = "reconciling"
)

// ErrHalted 表示系统因账本损坏进入安全停机，拒绝继续交易。
var ErrHalted = errors.New("app: 系统已安全停机")

// Status 为对外暴露的运行状态快照。
type Status struct {
	Phase          Phase
	Cycle          uint64
	LastCycleAt    time.Time
	LastDuration   time.Duration
	Degraded       bool
	Halted         bool
	BreakerTripped bool
	PendingOrders  int
	Portfolio      portfolio.State
}

// Orchestrator 驱动单个交易周期：采集行情、并发评估策略、
// 逐个风控裁决、提交订单并入账，最后对遗留订单对账。
type Orchestrator struct {
	cfg       *config.Config
	feed      *marketdata.Feed
	sentiment sentiment.Provider
	engine    *strategy.Engine
	riskMgr   *risk.Manager
	executor  *execution.Engine
	ledger    *portfolio.Ledger
	recorder  *audit.Recorder
	logger    *zap.Logger

	mu           sync.Mutex
	phase        Phase
	cycle        uint64
	degraded     bool
	halted       bool
	lastCycleAt  time.Time
	lastDuration time.Duration
	pending      []execution.Order
}

// NewOrchestrator 组装整个交易管线。provider 可为 nil，表示不启用情绪评分。
func NewOrchestrator(cfg *config.Config, gateway exchange.Gateway, provider sentiment.Provider, st *store.Store, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if gateway == nil {
		return nil, errors.New("app: gateway 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	groups := portfolio.NewGroups(cfg.Risk.CorrelationGroups)
	ledger := portfolio.NewLedger(cfg.Portfolio.InitialCash, cfg.Risk.DailyResetHour, groups, logger.Named("portfolio"))

	tracker, err := risk.NewTracker(st.DB(), cfg.Risk, logger.Named("risk"))
	if err != nil {
		return nil, fmt.Errorf("初始化风控跟踪器失败: %w", err)
	}

	riskMgr, err := risk.NewManager(cfg.Risk, strategyFractions(cfg.Strategy), ledger, tracker, logger.Named("risk"))
	if err != nil {
		return nil, fmt.Errorf("初始化风险管理失败: %w", err)
	}

	executor, err := execution.NewEngine(cfg.Execution, gateway, logger.Named("execution"))
	if err != nil {
		return nil, fmt.Errorf("初始化执行引擎失败: %w", err)
	}

	recorder, err := audit.NewRecorder(st, logger.Named("audit"))
	if err != nil {
		return nil, fmt.Errorf("初始化审计记录器失败: %w", err)
	}

	engine := strategy.NewEngine(cfg.Strategy.ConfidenceFloor, cfg.Cycle.StrategyWorkers, logger.Named("strategy"))
	registerStrategies(engine, cfg.Strategy)

	feed := marketdata.NewFeed(cfg.MarketData, gateway, logger.Named("marketdata"))

	return &Orchestrator{
		cfg:       cfg,
		feed:      feed,
		sentiment: provider,
		engine:    engine,
		riskMgr:   riskMgr,
		executor:  executor,
		ledger:    ledger,
		recorder:  recorder,
		logger:    logger,
		phase:     PhaseIdle,
	}, nil
}

func registerStrategies(engine *strategy.Engine, cfg config.StrategyConfig) {
	if cfg.Momentum.Enabled {
		engine.Register(strategy.NewMomentum(cfg.Momentum))
	}
	if cfg.Correlation.Enabled {
		engine.Register(strategy.NewCorrelation(cfg.Correlation))
	}
	if cfg.CrossArbitrage.Enabled {
		engine.Register(strategy.NewCrossArbitrage(cfg.CrossArbitrage))
	}
	if cfg.FundingRate.Enabled {
		engine.Register(strategy.NewFundingRate(cfg.FundingRate))
	}
	if cfg.SentimentAlpha.Enabled {
		engine.Register(strategy.NewSentimentContrarian(cfg.SentimentAlpha))
	}
}

func strategyFractions(cfg config.StrategyConfig) map[string]float64 {
	return map[string]float64{
		"momentum_scalp":       cfg.Momentum.PositionFraction,
		"correlation_revert":   cfg.Correlation.PositionFraction,
		"cross_arbitrage":      cfg.CrossArbitrage.PositionFraction,
		"funding_arbitrage":    cfg.FundingRate.PositionFraction,
		"sentiment_contrarian": cfg.SentimentAlpha.PositionFraction,
	}
}

// Feed 暴露行情采集器，由 App 负责启动后台刷新。
func (o *Orchestrator) Feed() *marketdata.Feed {
	return o.feed
}

// Ledger 暴露账本只读入口。
func (o *Orchestrator) Ledger() *portfolio.Ledger {
	return o.ledger
}

// Recorder 暴露审计记录器，供状态接口检索事件。
func (o *Orchestrator) Recorder() *audit.Recorder {
	return o.recorder
}

// Status 返回当前运行状态。
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Phase:          o.phase,
		Cycle:          o.cycle,
		LastCycleAt:    o.lastCycleAt,
		LastDuration:   o.lastDuration,
		Degraded:       o.degraded,
		Halted:         o.halted,
		BreakerTripped: o.riskMgr.Tripped(),
		PendingOrders:  len(o.pending),
		Portfolio:      o.ledger.View(),
	}
}

// ResetBreaker 人工复位回撤熔断器。
func (o *Orchestrator) ResetBreaker(ctx context.Context) error {
	return o.riskMgr.ResetBreaker(ctx)
}

// RunCycle 执行一个完整周期。周期内部错误会降级而非中断，
// 只有安全停机和上层取消才会返回错误。
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.mu.Lock()
	if o.halted {
		o.mu.Unlock()
		return ErrHalted
	}
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		o.logger.Warn("上个周期尚未结束，跳过本次触发")
		return nil
	}
	o.cycle++
	cycle := o.cycle
	o.degraded = false
	o.mu.Unlock()

	started := time.Now().UTC()
	timeout := o.cfg.Cycle.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	// 关停信号只阻止下一个周期启动；已启动的周期与上游取消解耦，
	// 在自身时限内跑完，避免订单被中途弃置为 unresolved。
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	defer func() {
		o.mu.Lock()
		o.phase = PhaseIdle
		o.lastCycleAt = started
		o.lastDuration = time.Since(started)
		o.mu.Unlock()
	}()

	summary := audit.CycleSummaryPayload{
		Cycle:     cycle,
		StartedAt: started,
	}

	snapshots := o.collect(cycleCtx)

	var signals []strategy.Signal
	if len(snapshots) > 0 {
		signals = o.evaluate(cycleCtx, snapshots, &summary)
	}

	approved := o.applyRisk(cycleCtx, signals, &summary)

	if err := o.execute(cycleCtx, approved, &summary); err != nil {
		return err
	}

	if err := o.reconcile(cycleCtx, &summary); err != nil {
		return err
	}

	o.mu.Lock()
	summary.Degraded = o.degraded
	pendingCount := len(o.pending)
	o.mu.Unlock()

	summary.Duration = time.Since(started)
	summary.Portfolio = o.ledger.View()
	o.recorder.RecordCycle(cycleCtx, summary)

	o.logger.Info("周期结束",
		zap.Uint64("cycle", cycle),
		zap.Duration("duration", summary.Duration),
		zap.Bool("degraded", summary.Degraded),
		zap.Int("signals", summary.Signals),
		zap.Int("approved", summary.Approved),
		zap.Int("executed", summary.Executed),
		zap.Int("pending", pendingCount),
		zap.Float64("equity", summary.Portfolio.Equity))

	return nil
}

// collect 采集行情、刷新标记价并按需补充情绪分。
func (o *Orchestrator) collect(ctx context.Context) map[string]marketdata.Snapshot {
	o.setPhase(PhaseCollecting)

	snapshots, stale := o.feed.CurrentAll()
	if len(stale) > 0 {
		o.markDegraded()
		o.logger.Warn("部分交易对行情陈旧，跳过本周期评估", zap.Strings("instruments", stale))
	}
	if len(snapshots) == 0 {
		o.markDegraded()
		o.logger.Warn("无任何新鲜行情，本周期不产生信号")
		return nil
	}

	if o.sentiment != nil {
		scores, err := o.sentiment.Score(ctx, o.buildDigests(snapshots))
		if err != nil {
			o.markDegraded()
			o.logger.Warn("情绪评分失败，沿用中性值", zap.Error(err))
			o.recorder.RecordError(ctx, "情绪评分失败", err, nil)
		} else {
			o.feed.SetSentiment(scores)
			for instrument, score := range scores {
				if snapshot, ok := snapshots[instrument]; ok {
					snapshot.Sentiment = score
					snapshots[instrument] = snapshot
				}
			}
		}
	}

	marks := make(map[string]float64, len(snapshots))
	for instrument, snapshot := range snapshots {
		marks[instrument] = snapshot.Last
	}
	o.ledger.MarkToMarket(marks)

	return snapshots
}

func (o *Orchestrator) buildDigests(snapshots map[string]marketdata.Snapshot) []sentiment.Digest {
	digests := make([]sentiment.Digest, 0, len(snapshots))
	for instrument, snapshot := range snapshots {
		digest := sentiment.Digest{
			Instrument:  instrument,
			LastPrice:   snapshot.Last,
			FundingRate: snapshot.FundingRate,
			Volume:      snapshot.Volume,
		}
		if returns := o.feed.History(instrument).Returns(); len(returns) > 0 {
			digest.RecentReturn = returns[len(returns)-1]
		}
		digests = append(digests, digest)
	}
	return digests
}

// evaluate 并发运行全部策略并汇总去冲突后的信号。
func (o *Orchestrator) evaluate(ctx context.Context, snapshots map[string]marketdata.Snapshot, summary *audit.CycleSummaryPayload) []strategy.Signal {
	o.setPhase(PhaseEvaluating)

	histories := make(map[string]marketdata.History, len(snapshots))
	for instrument := range snapshots {
		histories[instrument] = o.feed.History(instrument)
	}

	signals, dropped := o.engine.EvaluateAll(ctx, strategy.Context{
		Snapshots: snapshots,
		Histories: histories,
		Portfolio: o.ledger.View(),
	})

	for _, sig := range signals {
		o.recorder.RecordSignal(ctx, sig)
	}
	for _, d := range dropped {
		if d.Reason == strategy.DropReasonError {
			o.markDegraded()
		}
		o.recorder.RecordDropped(ctx, d)
	}

	summary.Signals = len(signals)
	summary.Dropped = len(dropped)
	return signals
}

type approvedSignal struct {
	decision risk.Decision
	signal   strategy.Signal
}

// applyRisk 逐个裁决信号。单个信号失败降级并继续处理其余信号。
func (o *Orchestrator) applyRisk(ctx context.Context, signals []strategy.Signal, summary *audit.CycleSummaryPayload) []approvedSignal {
	o.setPhase(PhaseApplyingRisk)

	approved := make([]approvedSignal, 0, len(signals))
	for _, sig := range signals {
		decision, err := o.riskMgr.Decide(ctx, sig)
		if err != nil {
			o.markDegraded()
			o.logger.Error("风控裁决失败", zap.String("signal_id", sig.ID), zap.Error(err))
			o.recorder.RecordError(ctx, "风控裁决失败", err, map[string]interface{}{"signal_id": sig.ID})
			continue
		}

		o.recorder.RecordDecision(ctx, decision)
		if decision.Approved() {
			summary.Approved++
			approved = append(approved, approvedSignal{decision: decision, signal: sig})
		} else {
			summary.Rejected++
		}
	}
	return approved
}

// execute 提交放行的订单，终态立即入账，不明状态的订单留待对账。
func (o *Orchestrator) execute(ctx context.Context, approved []approvedSignal, summary *audit.CycleSummaryPayload) error {
	o.setPhase(PhaseExecuting)

	for _, item := range approved {
		positionQty := 0.0
		if position, ok := o.ledger.View().Positions[item.decision.Instrument]; ok {
			positionQty = position.Quantity
		}

		order, err := execution.BuildOrder(item.decision, item.signal, positionQty, o.cfg.Execution)
		if err != nil {
			o.markDegraded()
			o.riskMgr.Release(item.decision.ID)
			o.logger.Warn("构建订单失败", zap.String("decision_id", item.decision.ID), zap.Error(err))
			o.recorder.RecordError(ctx, "构建订单失败", err, map[string]interface{}{"decision_id": item.decision.ID})
			continue
		}

		order, execErr := o.executor.Execute(ctx, order)
		if execErr != nil && !order.State.Terminal() && order.State != execution.OrderStateUnresolved {
			// 周期预算耗尽等取消类错误：订单可能已提交，保守留待对账。
			order.State = execution.OrderStateUnresolved
		}

		switch {
		case order.State.Terminal():
			if err := o.settle(ctx, order); err != nil {
				return err
			}
			summary.Executed++
		case order.State == execution.OrderStateUnresolved:
			o.markDegraded()
			o.mu.Lock()
			o.pending = append(o.pending, order)
			o.mu.Unlock()
			summary.Unresolved++
			o.recorder.RecordOrder(ctx, order)
		default:
			// 未进入提交流程（状态仍为 pending），释放预留。
			o.markDegraded()
			o.riskMgr.Release(order.DecisionID)
			o.recorder.RecordOrder(ctx, order)
		}

		if execErr != nil && errors.Is(execErr, context.Canceled) {
			return execErr
		}
	}
	return nil
}

// reconcile 对上个周期遗留的不明状态订单做一次对账。
func (o *Orchestrator) reconcile(ctx context.Context, summary *audit.CycleSummaryPayload) error {
	o.setPhase(PhaseReconciling)

	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	var remaining []execution.Order
	for _, order := range pending {
		resolved, err := o.executor.Reconcile(ctx, order)
		if err != nil {
			o.markDegraded()
			o.logger.Warn("对账失败，订单继续挂起", zap.String("order_id", order.ID), zap.Error(err))
			remaining = append(remaining, order)
			continue
		}

		if resolved.State.Terminal() {
			if err := o.settle(ctx, resolved); err != nil {
				return err
			}
			continue
		}
		remaining = append(remaining, resolved)
	}

	o.mu.Lock()
	o.pending = append(o.pending, remaining...)
	o.mu.Unlock()
	return nil
}

// settle 将终态订单入账并释放风控预留。账本损坏触发安全停机。
func (o *Orchestrator) settle(ctx context.Context, order execution.Order) error {
	fill, err := order.Fill()
	if err != nil {
		return err
	}

	if _, err := o.ledger.Apply(fill); err != nil {
		if errors.Is(err, portfolio.ErrCorrupted) {
			return o.safeHalt(ctx, err)
		}
		o.markDegraded()
		o.logger.Error("订单入账失败", zap.String("order_id", order.ID), zap.Error(err))
		o.recorder.RecordError(ctx, "订单入账失败", err, map[string]interface{}{"order_id": order.ID})
	}

	o.riskMgr.Release(order.DecisionID)
	o.recorder.RecordOrder(ctx, order)
	return nil
}

func (o *Orchestrator) safeHalt(ctx context.Context, cause error) error {
	o.mu.Lock()
	o.halted = true
	o.mu.Unlock()

	o.logger.Error("账本不变量被破坏，进入安全停机", zap.Error(cause))
	o.recorder.RecordError(ctx, "账本不变量被破坏，进入安全停机", cause, nil)
	return fmt.Errorf("%w: %v", ErrHalted, cause)
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
}

func (o *Orchestrator) markDegraded() {
	o.mu.Lock()
	o.degraded = true
	o.mu.Unlock()
}
