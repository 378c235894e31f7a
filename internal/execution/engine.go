package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"quantcycle/internal/config"
	"quantcycle/internal/exchange"
)

const (
	defaultMaxAttempts  = 3
	defaultMinDelay     = 500 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultPollInterval = time.Second
	defaultPollTimeout  = 15 * time.Second
)

// Engine 负责把放行的订单提交到交易所并跟踪到终态。
// 同一笔裁决的重复提交由 ClientRef 去重：歧义失败先查单，确认不存在才重发。
type Engine struct {
	cfg     config.ExecutionConfig
	gateway exchange.Gateway
	logger  *zap.Logger
	nowFn   func() time.Time
}

// NewEngine 创建执行引擎。
func NewEngine(cfg config.ExecutionConfig, gateway exchange.Gateway, logger *zap.Logger) (*Engine, error) {
	if gateway == nil {
		return nil, errors.New("execution: gateway 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = defaultMinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}

	return &Engine{
		cfg:     cfg,
		gateway: gateway,
		logger:  logger,
		nowFn:   time.Now,
	}, nil
}

// Execute 提交订单并轮询至终态。返回的订单状态可能是终态，
// 也可能是 unresolved，后者由编排器在下个周期调用 Reconcile 对账。
func (e *Engine) Execute(ctx context.Context, order Order) (Order, error) {
	order, err := e.submit(ctx, order)
	if err != nil {
		return order, err
	}
	if order.State != OrderStateSubmitted {
		return order, nil
	}
	return e.track(ctx, order)
}

// Reconcile 对上个周期遗留的 unresolved 订单做一次状态查询。
func (e *Engine) Reconcile(ctx context.Context, order Order) (Order, error) {
	status, err := e.gateway.FetchOrderStatus(ctx, order.Instrument, order.ClientRef)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			order.State = OrderStateRejected
			order.Notes = append(order.Notes, "对账未找到订单，视为未成交")
			order.UpdatedAt = e.nowFn()
			return order, nil
		}
		return order, fmt.Errorf("execution: 对账查询失败: %w", err)
	}

	order = e.applyStatus(order, status)
	if !order.State.Terminal() {
		order.Notes = append(order.Notes, "对账后订单仍未到终态")
	}
	return order, nil
}

func (e *Engine) submit(ctx context.Context, order Order) (Order, error) {
	req := exchange.OrderRequest{
		ClientRef:  order.ClientRef,
		Instrument: order.Instrument,
		Type:       order.Type,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      order.Price,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		order.Attempts = attempt

		ack, err := e.gateway.PlaceOrder(ctx, req)
		if err == nil {
			order.State = OrderStateSubmitted
			order.ExchangeOrderID = ack.OrderID
			order.SubmittedAt = e.nowFn()
			order.UpdatedAt = order.SubmittedAt
			e.logger.Info("订单已提交",
				zap.String("order_id", order.ID),
				zap.String("client_ref", order.ClientRef),
				zap.String("instrument", order.Instrument),
				zap.Int("attempt", attempt))
			return order, nil
		}
		lastErr = err

		switch {
		case exchange.IsAmbiguous(err):
			// 歧义失败：订单可能已被受理，先查单再决定是否重发。
			resolved, queryErr := e.resolveAmbiguous(ctx, order)
			if queryErr == nil {
				return resolved, nil
			}
			if !errors.Is(queryErr, exchange.ErrOrderNotFound) {
				order.State = OrderStateUnresolved
				order.Notes = append(order.Notes,
					fmt.Sprintf("提交结果不明且查单失败，留待下周期对账: %v", queryErr))
				order.UpdatedAt = e.nowFn()
				e.logger.Warn("订单状态不明",
					zap.String("order_id", order.ID),
					zap.Error(err))
				return order, nil
			}
			// 确认交易所无此单，继续重试。
		case exchange.IsRetryable(err):
		default:
			order.State = OrderStateRejected
			order.Notes = append(order.Notes, fmt.Sprintf("交易所拒单: %v", err))
			order.UpdatedAt = e.nowFn()
			e.logger.Warn("订单被拒绝",
				zap.String("order_id", order.ID),
				zap.String("instrument", order.Instrument),
				zap.Error(err))
			return order, nil
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		wait := e.backoff(attempt)
		e.logger.Warn("下单失败，准备重试",
			zap.String("order_id", order.ID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(wait):
		}
	}

	order.State = OrderStateRejected
	order.Notes = append(order.Notes, fmt.Sprintf("重试 %d 次后仍失败: %v", e.cfg.MaxAttempts, lastErr))
	order.UpdatedAt = e.nowFn()
	return order, nil
}

// resolveAmbiguous 按幂等键查询订单是否已被受理。
func (e *Engine) resolveAmbiguous(ctx context.Context, order Order) (Order, error) {
	status, err := e.gateway.FetchOrderStatus(ctx, order.Instrument, order.ClientRef)
	if err != nil {
		return order, err
	}
	if !status.Found() {
		return order, exchange.ErrOrderNotFound
	}

	order.State = OrderStateSubmitted
	order.ExchangeOrderID = status.OrderID
	order.SubmittedAt = e.nowFn()
	order.Notes = append(order.Notes, "歧义失败后查单确认订单已受理")
	order = e.applyStatus(order, status)
	e.logger.Info("查单确认订单存在，避免重复提交",
		zap.String("order_id", order.ID),
		zap.String("client_ref", order.ClientRef),
		zap.String("state", string(order.State)))

	if order.State.Terminal() {
		return order, nil
	}
	return e.track(ctx, order)
}

func (e *Engine) track(ctx context.Context, order Order) (Order, error) {
	deadline := e.nowFn().Add(e.cfg.PollTimeout)
	queryFailures := 0

	for {
		status, err := e.gateway.FetchOrderStatus(ctx, order.Instrument, order.ClientRef)
		switch {
		case err == nil:
			queryFailures = 0
			order = e.applyStatus(order, status)
			if order.State.Terminal() {
				e.logger.Info("订单到达终态",
					zap.String("order_id", order.ID),
					zap.String("state", string(order.State)),
					zap.Float64("filled", order.FilledQuantity),
					zap.Float64("avg_price", order.AvgFillPrice))
				return order, nil
			}
		case errors.Is(err, exchange.ErrOrderNotFound):
			// 刚提交的订单可能尚未进入查询通道，短暂容忍。
			queryFailures++
		default:
			queryFailures++
			e.logger.Warn("轮询订单状态失败",
				zap.String("order_id", order.ID),
				zap.Int("failures", queryFailures),
				zap.Error(err))
		}

		if queryFailures >= 3 || e.nowFn().After(deadline) {
			order.State = OrderStateUnresolved
			order.Notes = append(order.Notes, "轮询超时，留待下周期对账")
			order.UpdatedAt = e.nowFn()
			return order, nil
		}

		select {
		case <-ctx.Done():
			order.State = OrderStateUnresolved
			order.Notes = append(order.Notes, "周期预算耗尽，留待下周期对账")
			return order, ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

func (e *Engine) applyStatus(order Order, status exchange.OrderStatus) Order {
	if status.OrderID != "" {
		order.ExchangeOrderID = status.OrderID
	}
	if status.FilledQuantity > 0 {
		order.FilledQuantity = status.FilledQuantity
	}
	if status.AvgFillPrice > 0 {
		order.AvgFillPrice = status.AvgFillPrice
	}
	order.UpdatedAt = e.nowFn()

	switch status.State {
	case "closed":
		if order.FilledQuantity >= order.Quantity-1e-9 {
			order.State = OrderStateFilled
		} else {
			order.State = OrderStatePartial
		}
	case "canceled", "cancelled":
		if order.FilledQuantity > 0 {
			order.State = OrderStatePartial
		} else {
			order.State = OrderStateCancelled
		}
	case "rejected", "expired":
		order.State = OrderStateRejected
	case "open":
		order.State = OrderStateSubmitted
	}

	return order
}

func (e *Engine) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(e.cfg.MinDelay) * math.Pow(2, float64(attempt-1)))
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}
	return delay
}
