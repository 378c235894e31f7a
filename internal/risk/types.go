package risk

import (
	"time"

	"quantcycle/internal/strategy"
)

// Outcome 表示风控裁决结果。
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeResized  Outcome = "resized"
	OutcomeRejected Outcome = "rejected"
)

// 拒绝/缩量原因码。
const (
	ReasonLossCap       = "loss-cap"
	ReasonWeeklyLossCap = "weekly-loss-cap"
	ReasonDrawdown      = "drawdown-breach"
	ReasonHalted        = "halted"
	ReasonCorrelation   = "correlation"
	ReasonSizeFloor     = "size-floor"
	ReasonMalformed     = "malformed"
)

// Decision 为风控对单个信号的最终裁决，生成后不可变。
type Decision struct {
	ID         string
	SignalID   string
	Instrument string
	Strategy   string
	Direction  strategy.Direction
	Outcome    Outcome
	Quantity   float64
	Notional   float64
	Reason     string
	Notes      []string
	CreatedAt  time.Time
}

// Approved 判断该裁决是否允许下单。
func (d Decision) Approved() bool {
	return d.Outcome != OutcomeRejected && d.Quantity > 0
}

// DailyStatus 描述当日风控状态。
type DailyStatus struct {
	TradingDate   string
	StartEquity   float64
	CurrentEquity float64
	LossPercent   float64
	Halted        bool
}

// WeeklyStatus 描述本周风控状态。
type WeeklyStatus struct {
	TradingWeek   string
	StartEquity   float64
	CurrentEquity float64
	LossPercent   float64
	Halted        bool
}

// Status 汇总跟踪器持久化的停机状态。
type Status struct {
	Daily  DailyStatus
	Weekly WeeklyStatus
}

// HaltedAny 判断日度或周度是否已触发停交易。
func (s Status) HaltedAny() bool {
	return s.Daily.Halted || s.Weekly.Halted
}
