package strategy

import (
	"time"

	"quantcycle/internal/marketdata"
	"quantcycle/internal/portfolio"
)

// Direction 表示信号方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// Opposes 判断两个方向是否互相冲突。
func (d Direction) Opposes(other Direction) bool {
	return (d == DirectionLong && other == DirectionShort) ||
		(d == DirectionShort && other == DirectionLong)
}

// Signal 为策略产出的候选交易意图，创建后不可变。
type Signal struct {
	ID         string
	Instrument string
	Strategy   string
	Direction  Direction
	Confidence float64
	Entry      float64
	StopLoss   float64
	Target     float64
	Rationale  string
	CreatedAt  time.Time
}

// Context 为策略评估输入：行情快照、历史窗口与账本只读摘要。
// 策略必须是纯函数，不做任何 I/O，也不直接触碰账本。
type Context struct {
	Snapshots map[string]marketdata.Snapshot
	Histories map[string]marketdata.History
	Portfolio portfolio.State
}

// Snapshot 返回指定交易对的快照。
func (c Context) Snapshot(instrument string) (marketdata.Snapshot, bool) {
	snapshot, ok := c.Snapshots[instrument]
	return snapshot, ok
}

// History 返回指定交易对的历史窗口。
func (c Context) History(instrument string) marketdata.History {
	return c.Histories[instrument]
}

// Strategy 为策略评估器的统一接口，每周期最多产出一个信号。
type Strategy interface {
	Name() string
	Evaluate(c Context) (*Signal, error)
}

// 信号被丢弃的原因码。
const (
	DropReasonError           = "strategy-error"
	DropReasonConfidenceFloor = "confidence-floor"
	DropReasonOpposing        = "opposing-signal-lower-confidence"
)

// Dropped 记录被丢弃的信号，保证不被静默丢失。
type Dropped struct {
	Strategy   string
	Instrument string
	Reason     string
	Signal     *Signal
}
