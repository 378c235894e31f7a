package portfolio

import (
	"errors"
	"time"
)

var (
	// ErrCorrupted 表示账本不变量被破坏，编排器应进入安全停机。
	ErrCorrupted = errors.New("portfolio ledger corrupted")
	// ErrInvalidFill 表示成交回报字段非法，拒绝入账。
	ErrInvalidFill = errors.New("portfolio invalid fill")
)

// FillState 为订单终态在账本侧的表示。
type FillState string

const (
	FillStateFilled    FillState = "filled"
	FillStatePartial   FillState = "partially_filled"
	FillStateCancelled FillState = "cancelled"
	FillStateRejected  FillState = "rejected"
)

// Fill 为一笔订单终态的入账请求，按 OrderID 幂等。
type Fill struct {
	OrderID    string
	ClientRef  string
	Instrument string
	Side       string // buy | sell
	Quantity   float64
	Price      float64
	State      FillState
	Timestamp  time.Time
}

// Position 表示单个交易对的持仓。数量带符号，正为多头。
type Position struct {
	Instrument    string
	Quantity      float64
	AvgEntryPrice float64
	RealizedPnL   float64
	UnrealizedPnL float64
	UpdatedAt     time.Time
}

// Notional 返回按给定标记价计算的名义敞口（带符号）。
func (p Position) Notional(mark float64) float64 {
	return p.Quantity * mark
}

// State 为账本的只读聚合视图。
type State struct {
	Cash            float64
	Equity          float64
	Positions       map[string]Position
	Marks           map[string]float64
	RealizedPnL     float64
	UnrealizedPnL   float64
	DailyRealized   float64
	WeeklyRealized  float64
	DayStartEquity  float64
	WeekStartEquity float64
	PeakEquity      float64
	Drawdown        float64
	UpdatedAt       time.Time
}

// PortfolioValue 返回用于仓位测算的组合价值。
func (s State) PortfolioValue() float64 {
	return s.Equity
}

// DailyLossFraction 返回当日已实现亏损占日初权益的比例，盈利时为 0。
func (s State) DailyLossFraction() float64 {
	if s.DayStartEquity <= 0 || s.DailyRealized >= 0 {
		return 0
	}
	return -s.DailyRealized / s.DayStartEquity
}

// WeeklyLossFraction 返回本周已实现亏损占周初权益的比例，盈利时为 0。
func (s State) WeeklyLossFraction() float64 {
	if s.WeekStartEquity <= 0 || s.WeeklyRealized >= 0 {
		return 0
	}
	return -s.WeeklyRealized / s.WeekStartEquity
}

// DirectionalExposure 返回某交易对与给定方向同向的名义敞口。
func (s State) DirectionalExposure(instrument string, long bool) float64 {
	position, ok := s.Positions[instrument]
	if !ok {
		return 0
	}
	mark, ok := s.Marks[instrument]
	if !ok || mark <= 0 {
		mark = position.AvgEntryPrice
	}
	notional := position.Notional(mark)
	if long && notional > 0 {
		return notional
	}
	if !long && notional < 0 {
		return -notional
	}
	return 0
}
