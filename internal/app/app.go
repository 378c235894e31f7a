package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quantcycle/internal/config"
	"quantcycle/internal/exchange"
	"quantcycle/internal/sentiment"
	"quantcycle/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装交易管线并驱动周期循环，阻塞直到 ctx 取消或安全停机。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Strings("instruments", a.cfg.MarketData.Instruments),
	)

	gateway, err := exchange.NewClient(a.cfg.Exchange, a.logger.Named("exchange"))
	if err != nil {
		return fmt.Errorf("初始化交易所客户端失败: %w", err)
	}
	if err := gateway.Authenticate(ctx); err != nil {
		return fmt.Errorf("交易所鉴权失败: %w", err)
	}

	var provider sentiment.Provider
	if a.cfg.Sentiment.Enabled {
		client, err := sentiment.NewClient(a.cfg.Sentiment, a.logger.Named("sentiment"))
		if err != nil {
			return fmt.Errorf("初始化情绪评分客户端失败: %w", err)
		}
		provider = client
	}

	orch, err := NewOrchestrator(a.cfg, gateway, provider, a.store, a.logger)
	if err != nil {
		return err
	}

	interval := a.cfg.Cycle.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if port := a.cfg.App.StatusPort; port > 0 {
		if err := startStatusServer(groupCtx, orch, orch.Recorder(), port, a.logger.Named("status")); err != nil {
			return fmt.Errorf("启动状态接口失败: %w", err)
		}
	}

	group.Go(func() error {
		return orch.Feed().Start(groupCtx)
	})

	group.Go(func() error {
		// 给后台刷新留出首轮拉取时间，避免第一个周期全量陈旧。
		select {
		case <-groupCtx.Done():
			return nil
		case <-time.After(a.cfg.MarketData.FetchTimeout + time.Second):
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := orch.RunCycle(groupCtx); err != nil {
				if errors.Is(err, ErrHalted) {
					a.logger.Error("系统安全停机，终止周期循环", zap.Error(err))
					return err
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					a.logger.Warn("周期被上层取消", zap.Error(err))
				} else {
					a.logger.Error("周期执行失败", zap.Error(err))
				}
			}

			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if err := group.Wait(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}
