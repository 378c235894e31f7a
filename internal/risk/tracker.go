package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quantcycle/internal/config"
)

// Tracker 持久化日度/周度风控状态，保证进程重启后限额延续。
type Tracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewTracker 创建风控跟踪器并初始化表结构。
func NewTracker(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*Tracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &Tracker{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}

	if err := tracker.initSchema(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (t *Tracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_daily_metrics (
			trading_date TEXT PRIMARY KEY,
			start_equity REAL NOT NULL,
			current_equity REAL NOT NULL,
			halted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_weekly_metrics (
			trading_week TEXT PRIMARY KEY,
			start_equity REAL NOT NULL,
			current_equity REAL NOT NULL,
			halted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Update 根据当前净值更新日度与周度状态，返回最新停机标记。
func (t *Tracker) Update(ctx context.Context, ts time.Time, equity float64) (Status, error) {
	var result Status

	tradingDate := tradingDay(ts, t.cfg.DailyResetHour)
	tradingWk := tradingWeek(ts, t.cfg.DailyResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	daily, err := t.updateWindowTx(ctx, tx, "risk_daily_metrics", "trading_date", tradingDate, equity, t.cfg.DailyLossCap, now)
	if err != nil {
		return result, err
	}
	weekly, err := t.updateWindowTx(ctx, tx, "risk_weekly_metrics", "trading_week", tradingWk, equity, t.cfg.WeeklyLossCap, now)
	if err != nil {
		return result, err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	result = Status{
		Daily: DailyStatus{
			TradingDate:   tradingDate,
			StartEquity:   daily.startEquity,
			CurrentEquity: equity,
			LossPercent:   daily.lossPercent,
			Halted:        daily.halted,
		},
		Weekly: WeeklyStatus{
			TradingWeek:   tradingWk,
			StartEquity:   weekly.startEquity,
			CurrentEquity: equity,
			LossPercent:   weekly.lossPercent,
			Halted:        weekly.halted,
		},
	}

	return result, nil
}

type windowState struct {
	startEquity float64
	lossPercent float64
	halted      bool
}

func (t *Tracker) updateWindowTx(ctx context.Context, tx *sql.Tx, table, keyColumn, key string, equity, lossCap float64, now string) (windowState, error) {
	var (
		startEquity float64
		haltedInt   int
	)

	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT start_equity, halted FROM %s WHERE %s = ?`, table, keyColumn), key)
	switch scanErr := row.Scan(&startEquity, &haltedInt); {
	case scanErr == nil:
		if _, execErr := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET current_equity = ?, updated_at = ? WHERE %s = ?`, table, keyColumn),
			equity, now, key,
		); execErr != nil {
			return windowState{}, fmt.Errorf("risk: 更新净值记录失败: %w", execErr)
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, execErr := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (%s, start_equity, current_equity, halted, updated_at)
			 VALUES (?, ?, ?, 0, ?)`, table, keyColumn),
			key, equity, equity, now,
		); execErr != nil {
			return windowState{}, fmt.Errorf("risk: 初始化净值记录失败: %w", execErr)
		}
		return windowState{startEquity: equity}, nil
	default:
		return windowState{}, fmt.Errorf("risk: 查询净值记录失败: %w", scanErr)
	}

	lossPercent := 0.0
	if startEquity > 0 {
		lossPercent = (equity - startEquity) / startEquity
	}
	halted := haltedInt == 1

	if !halted && startEquity > 0 && lossPercent <= -lossCap {
		halted = true
		if _, execErr := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET halted = 1, updated_at = ? WHERE %s = ?`, table, keyColumn),
			now, key,
		); execErr != nil {
			return windowState{}, fmt.Errorf("risk: 更新停交易状态失败: %w", execErr)
		}

		msg := fmt.Sprintf("累计亏损 %.2f%% 超过上限 %.2f%%，触发停交易", -lossPercent*100, lossCap*100)
		if logErr := t.logEventTx(ctx, tx, key, "loss_halt", msg, table); logErr != nil {
			return windowState{}, logErr
		}

		t.logger.Warn("触发亏损限制",
			zap.String("window", table),
			zap.String("key", key),
			zap.Float64("loss_percent", lossPercent))
	}

	return windowState{startEquity: startEquity, lossPercent: lossPercent, halted: halted}, nil
}

// LogEvent 记录风控事件。
func (t *Tracker) LogEvent(ctx context.Context, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	tradingDate := tradingDay(time.Now().UTC(), t.cfg.DailyResetHour)

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}

	return nil
}

func (t *Tracker) logEventTx(ctx context.Context, tx *sql.Tx, key, eventType, message, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, key,
	)
	if err != nil {
		return fmt.Errorf("risk: 记录风险事件失败: %w", err)
	}
	return nil
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}

func tradingWeek(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	year, week := shifted.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
