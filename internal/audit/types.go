package audit

import (
	"time"

	"quantcycle/internal/execution"
	"quantcycle/internal/portfolio"
	"quantcycle/internal/risk"
	"quantcycle/internal/strategy"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventSignal        EventType = "signal"
	EventSignalDropped EventType = "signal_dropped"
	EventRiskDecision  EventType = "risk_decision"
	EventOrderTerminal EventType = "order_terminal"
	EventCycleSummary  EventType = "cycle_summary"
	EventError         EventType = "error"
)

// Event 封装通用审计事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SignalPayload 记录策略产出的信号。
type SignalPayload struct {
	Signal strategy.Signal `json:"signal"`
}

// DroppedPayload 记录被丢弃的信号及原因。
type DroppedPayload struct {
	Dropped strategy.Dropped `json:"dropped"`
}

// DecisionPayload 记录风控裁决。
type DecisionPayload struct {
	Decision risk.Decision `json:"decision"`
}

// OrderPayload 记录到达终态（或遗留对账）的订单。
type OrderPayload struct {
	Order execution.Order `json:"order"`
}

// CycleSummaryPayload 记录单个周期的汇总。
type CycleSummaryPayload struct {
	Cycle      uint64          `json:"cycle"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
	Degraded   bool            `json:"degraded"`
	Signals    int             `json:"signals"`
	Dropped    int             `json:"dropped"`
	Approved   int             `json:"approved"`
	Rejected   int             `json:"rejected"`
	Executed   int             `json:"executed"`
	Unresolved int             `json:"unresolved"`
	Portfolio  portfolio.State `json:"portfolio"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
