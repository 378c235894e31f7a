package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quantcycle/internal/execution"
	"quantcycle/internal/risk"
	"quantcycle/internal/store"
	"quantcycle/internal/strategy"
)

// Recorder 把交易周期产生的事件持久化为 JSON 审计日志。
// 写入失败只告警不致命，审计缺口不应中断交易主循环。
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecorder 初始化审计记录器，创建所需表结构。
func NewRecorder(store *store.Store, logger *zap.Logger) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("audit: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recorder{
		db:     store.DB(),
		logger: logger,
	}

	if err := r.initSchema(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Recorder) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (r *Recorder) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("audit: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("audit: 写入事件失败: %w", err)
	}

	return nil
}

// RecordSignal 记录策略信号。
func (r *Recorder) RecordSignal(ctx context.Context, sig strategy.Signal) {
	if err := r.Record(ctx, Event{
		Type:      EventSignal,
		Timestamp: time.Now().UTC(),
		Payload:   SignalPayload{Signal: sig},
	}); err != nil {
		r.logger.Warn("记录信号事件失败", zap.Error(err))
	}
}

// RecordDropped 记录被丢弃的信号。
func (r *Recorder) RecordDropped(ctx context.Context, dropped strategy.Dropped) {
	if err := r.Record(ctx, Event{
		Type:      EventSignalDropped,
		Timestamp: time.Now().UTC(),
		Payload:   DroppedPayload{Dropped: dropped},
	}); err != nil {
		r.logger.Warn("记录丢弃信号事件失败", zap.Error(err))
	}
}

// RecordDecision 记录风控裁决。
func (r *Recorder) RecordDecision(ctx context.Context, decision risk.Decision) {
	if err := r.Record(ctx, Event{
		Type:      EventRiskDecision,
		Timestamp: time.Now().UTC(),
		Payload:   DecisionPayload{Decision: decision},
	}); err != nil {
		r.logger.Warn("记录风控事件失败", zap.Error(err))
	}
}

// RecordOrder 记录终态或遗留对账的订单。
func (r *Recorder) RecordOrder(ctx context.Context, order execution.Order) {
	if err := r.Record(ctx, Event{
		Type:      EventOrderTerminal,
		Timestamp: time.Now().UTC(),
		Payload:   OrderPayload{Order: order},
	}); err != nil {
		r.logger.Warn("记录订单事件失败", zap.Error(err))
	}
}

// RecordCycle 记录周期汇总。
func (r *Recorder) RecordCycle(ctx context.Context, summary CycleSummaryPayload) {
	if err := r.Record(ctx, Event{
		Type:      EventCycleSummary,
		Timestamp: time.Now().UTC(),
		Payload:   summary,
	}); err != nil {
		r.logger.Warn("记录周期汇总失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (r *Recorder) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := r.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		r.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (r *Recorder) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM audit_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("audit: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: 遍历事件失败: %w", err)
	}

	return events, nil
}
