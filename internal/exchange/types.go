package exchange

import (
	"context"
	"time"
)

// Snapshot 为交易所返回的单个交易对行情快照。
type Snapshot struct {
	Instrument  string
	Last        float64
	Bid         float64
	Ask         float64
	Volume      float64
	FundingRate float64
	Timestamp   time.Time
}

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderRequest 抽象一次具体委托。ClientRef 作为幂等键随单提交。
type OrderRequest struct {
	ClientRef  string
	Instrument string
	Type       string // market | limit
	Side       OrderSide
	Quantity   float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Params     map[string]interface{}
}

// OrderAck 为交易所受理回执。
type OrderAck struct {
	OrderID    string
	ClientRef  string
	Instrument string
	Timestamp  time.Time
}

// OrderStatus 描述交易所侧的订单状态。
type OrderStatus struct {
	OrderID        string
	ClientRef      string
	State          string // open | closed | canceled | rejected | expired
	FilledQuantity float64
	AvgFillPrice   float64
	Timestamp      time.Time
}

// Found 判断查询到的状态是否对应一张真实存在的订单。
func (s OrderStatus) Found() bool {
	return s.OrderID != "" || s.State != ""
}

// Gateway 抽象交易所能力，核心只依赖该接口而非具体厂商。
type Gateway interface {
	Authenticate(ctx context.Context) error
	FetchSnapshot(ctx context.Context, instrument string) (Snapshot, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	FetchOrderStatus(ctx context.Context, instrument, clientRef string) (OrderStatus, error)
}
