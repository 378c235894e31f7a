package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"quantcycle/internal/config"
)

// Client 基于 ccxt 实现 Gateway，并统一处理限速与重试。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm
	limiter  *rate.Limiter

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var _ Gateway = (*Client)(nil)

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 8
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
	}, nil
}

// Authenticate 通过拉取账户余额验证密钥有效性。
func (c *Client) Authenticate(ctx context.Context) error {
	return c.callWithRetry(ctx, "authenticate", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		_, err := c.exchange.FetchBalance()
		return err
	})
}

// FetchSnapshot 拉取单个交易对的行情快照，含资金费率。
func (c *Client) FetchSnapshot(ctx context.Context, instrument string) (Snapshot, error) {
	var ticker ccxt.Ticker

	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchTicker(instrument)
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		Instrument: instrument,
		Last:       deref(ticker.Last),
		Bid:        deref(ticker.Bid),
		Ask:        deref(ticker.Ask),
		Volume:     deref(ticker.BaseVolume),
		Timestamp:  time.Now().UTC(),
	}
	if ticker.Timestamp != nil {
		snapshot.Timestamp = time.UnixMilli(int64(*ticker.Timestamp)).UTC()
	}

	// 资金费率仅在永续合约上存在，失败不阻塞行情。
	if funding, fundingErr := c.fetchFundingRate(ctx, instrument); fundingErr == nil {
		snapshot.FundingRate = funding
	} else {
		c.logger.Debug("拉取资金费率失败",
			zap.String("instrument", instrument),
			zap.Error(fundingErr),
		)
	}

	return snapshot, nil
}

func (c *Client) fetchFundingRate(ctx context.Context, instrument string) (float64, error) {
	var value float64
	err := c.callWithRetry(ctx, "fetch_funding_rate", func() error {
		result, err := c.exchange.FetchFundingRate(instrument)
		if err != nil {
			return err
		}
		value = deref(result.FundingRate)
		return nil
	})
	return value, err
}

// PlaceOrder 按幂等键提交订单。
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if req.ClientRef == "" {
		return OrderAck{}, errors.New("exchange: 缺少幂等键 client_ref")
	}
	if req.Quantity <= 0 {
		return OrderAck{}, fmt.Errorf("exchange: 下单数量非法 %.8f", req.Quantity)
	}

	params := map[string]interface{}{
		"newClientOrderId": req.ClientRef,
	}
	for k, v := range req.Params {
		params[k] = v
	}
	if req.StopLoss > 0 {
		params["stopLossPrice"] = req.StopLoss
	}
	if req.TakeProfit > 0 {
		params["takeProfitPrice"] = req.TakeProfit
	}

	opts := []ccxt.CreateOrderOptions{ccxt.WithCreateOrderParams(params)}
	if req.Type == "limit" {
		opts = append(opts, ccxt.WithCreateOrderPrice(req.Price))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return OrderAck{}, err
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return OrderAck{}, err
	}

	// 下单本身不在此处重试，幂等处理由执行引擎负责。
	order, err := c.exchange.CreateOrder(req.Instrument, req.Type, string(req.Side), req.Quantity, opts...)
	if err != nil {
		return OrderAck{}, err
	}

	ack := OrderAck{
		OrderID:    deref(order.Id),
		ClientRef:  req.ClientRef,
		Instrument: req.Instrument,
		Timestamp:  time.Now().UTC(),
	}
	if order.Timestamp != nil {
		ack.Timestamp = time.UnixMilli(int64(*order.Timestamp)).UTC()
	}

	return ack, nil
}

// FetchOrderStatus 按客户端幂等键查询订单状态。
func (c *Client) FetchOrderStatus(ctx context.Context, instrument, clientRef string) (OrderStatus, error) {
	if clientRef == "" {
		return OrderStatus{}, errors.New("exchange: 缺少幂等键 client_ref")
	}

	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order_status", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOrder("",
			ccxt.WithFetchOrderSymbol(instrument),
			ccxt.WithFetchOrderParams(map[string]interface{}{
				"origClientOrderId": clientRef,
			}),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		var ccxtErr *ccxt.Error
		if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
			return OrderStatus{}, ErrOrderNotFound
		}
		return OrderStatus{}, err
	}

	status := OrderStatus{
		OrderID:        deref(raw.Id),
		ClientRef:      clientRef,
		State:          strings.ToLower(deref(raw.Status)),
		FilledQuantity: deref(raw.Filled),
		AvgFillPrice:   deref(raw.Average),
		Timestamp:      time.Now().UTC(),
	}
	if raw.Timestamp != nil {
		status.Timestamp = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	return status, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func deref[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}
