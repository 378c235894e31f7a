package execution

import (
	"errors"
	"fmt"
	"time"

	"quantcycle/internal/config"
	"quantcycle/internal/exchange"
	"quantcycle/internal/portfolio"
	"quantcycle/internal/risk"
	"quantcycle/internal/strategy"
)

// OrderState 表示订单在执行引擎侧的生命周期状态。
type OrderState string

const (
	OrderStatePending    OrderState = "pending"
	OrderStateSubmitted  OrderState = "submitted"
	OrderStateFilled     OrderState = "filled"
	OrderStatePartial    OrderState = "partially_filled"
	OrderStateCancelled  OrderState = "cancelled"
	OrderStateRejected   OrderState = "rejected"
	OrderStateUnresolved OrderState = "unresolved"
)

// Terminal 判断订单是否已到终态。unresolved 不是终态，留待下周期对账。
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStatePartial, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// Order 为执行引擎管理的一张订单。ClientRef 等于风控裁决 ID，
// 作为幂等键随单提交，重试与对账都以它为准。
type Order struct {
	ID              string
	ClientRef       string
	DecisionID      string
	SignalID        string
	Instrument      string
	Side            exchange.OrderSide
	Type            string
	Quantity        float64
	Price           float64
	StopLoss        float64
	TakeProfit      float64
	State           OrderState
	ExchangeOrderID string
	FilledQuantity  float64
	AvgFillPrice    float64
	Attempts        int
	Notes           []string
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}

// Fill 将终态订单转换为账本入账请求。
func (o Order) Fill() (portfolio.Fill, error) {
	var state portfolio.FillState
	switch o.State {
	case OrderStateFilled:
		state = portfolio.FillStateFilled
	case OrderStatePartial:
		state = portfolio.FillStatePartial
	case OrderStateCancelled:
		state = portfolio.FillStateCancelled
	case OrderStateRejected:
		state = portfolio.FillStateRejected
	default:
		return portfolio.Fill{}, fmt.Errorf("execution: 订单 %s 尚未到终态: %s", o.ID, o.State)
	}

	price := o.AvgFillPrice
	if price <= 0 {
		price = o.Price
	}

	return portfolio.Fill{
		OrderID:    o.ID,
		ClientRef:  o.ClientRef,
		Instrument: o.Instrument,
		Side:       string(o.Side),
		Quantity:   o.FilledQuantity,
		Price:      price,
		State:      state,
		Timestamp:  o.UpdatedAt,
	}, nil
}

// BuildOrder 将放行的风控裁决转换为待提交订单。
// positionQty 为当前带符号持仓数量，仅在平仓方向判定时使用。
func BuildOrder(decision risk.Decision, sig strategy.Signal, positionQty float64, cfg config.ExecutionConfig) (Order, error) {
	if !decision.Approved() {
		return Order{}, errors.New("execution: 裁决未放行，拒绝构建订单")
	}

	var side exchange.OrderSide
	switch decision.Direction {
	case strategy.DirectionLong:
		side = exchange.OrderSideBuy
	case strategy.DirectionShort:
		side = exchange.OrderSideSell
	case strategy.DirectionFlat:
		switch {
		case positionQty > 0:
			side = exchange.OrderSideSell
		case positionQty < 0:
			side = exchange.OrderSideBuy
		default:
			return Order{}, errors.New("execution: 无持仓可平")
		}
	default:
		return Order{}, fmt.Errorf("execution: 未知方向 %s", decision.Direction)
	}

	orderType := cfg.OrderType
	if orderType == "" {
		orderType = "market"
	}

	price := sig.Entry
	if orderType == "limit" && cfg.Slippage > 0 {
		if side == exchange.OrderSideBuy {
			price = sig.Entry * (1 + cfg.Slippage)
		} else {
			price = sig.Entry * (1 - cfg.Slippage)
		}
	}

	return Order{
		ID:         decision.ID,
		ClientRef:  decision.ID,
		DecisionID: decision.ID,
		SignalID:   sig.ID,
		Instrument: decision.Instrument,
		Side:       side,
		Type:       orderType,
		Quantity:   decision.Quantity,
		Price:      price,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.Target,
		State:      OrderStatePending,
	}, nil
}
